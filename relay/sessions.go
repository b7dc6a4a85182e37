package relay

import "sync"

// Binding is the chat context that owns a backend session: where to deliver
// and through which adapter.
type Binding struct {
	ChatID     string
	SenderID   string
	AdapterKey string

	// Agent and Model are carried for display only.
	Agent string
	Model string
}

type chatKey struct {
	adapterKey string
	chatID     string
}

// SessionRegistry is the bidirectional mapping between backend sessions and
// chat contexts. Entries are created on the first prompt or command for a
// chat and updated in place when a chat rebinds to a different session;
// they are only removed by an explicit reset.
type SessionRegistry struct {
	mu        sync.RWMutex
	bySession map[string]Binding
	byChat    map[chatKey]string
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		bySession: make(map[string]Binding),
		byChat:    make(map[chatKey]string),
	}
}

// Bind associates a session with a chat context. If the chat was previously
// bound to a different session, the chat-side index moves to the new session;
// the old session's entry remains resolvable so in-flight events for it can
// still be delivered.
func (r *SessionRegistry) Bind(sessionID string, b Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySession[sessionID] = b
	r.byChat[chatKey{b.AdapterKey, b.ChatID}] = sessionID
}

// Binding resolves a session id to its chat context.
func (r *SessionRegistry) Binding(sessionID string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bySession[sessionID]
	return b, ok
}

// SessionFor returns the session currently bound to a chat.
func (r *SessionRegistry) SessionFor(adapterKey, chatID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byChat[chatKey{adapterKey, chatID}]
	return id, ok
}

// SetSender updates the initiating user on an existing binding.
func (r *SessionRegistry) SetSender(sessionID, senderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bySession[sessionID]; ok {
		b.SenderID = senderID
		r.bySession[sessionID] = b
	}
}

// SetAgentModel updates the selected agent/model on an existing binding.
func (r *SessionRegistry) SetAgentModel(sessionID, agent, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bySession[sessionID]; ok {
		b.Agent = agent
		b.Model = model
		r.bySession[sessionID] = b
	}
}

// Clear removes all bindings.
func (r *SessionRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySession = make(map[string]Binding)
	r.byChat = make(map[chatKey]string)
}

// Len returns the number of session bindings.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession)
}
