// Package relay is the streaming aggregation and delivery core: it
// reconstructs coherent messages out of the backend's partial-update event
// stream and pushes them to platform adapters with minimal visible edits.
package relay

import (
	"sync"
	"time"

	"github.com/lyhue1991/opencode-feishu/stream"
)

// Status is the lifecycle state of a message buffer. Transitions form a
// strict lattice: streaming -> {done, error, aborted}. Once terminal, only
// the finalizing flush may touch the buffer.
type Status string

const (
	StatusStreaming Status = "streaming"
	StatusDone      Status = "done"
	StatusError     Status = "error"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusAborted
}

// ToolCall is the recorded state of one tool invocation within a turn.
type ToolCall struct {
	CallID string
	Name   string
	Status stream.ToolStatus
}

// MessageBuffer accumulates the reconstruction state for one backend message
// id. Fields are guarded by an internal mutex; mutation happens through
// methods so the monotonic-growth and status-lattice invariants hold no
// matter the call order.
type MessageBuffer struct {
	MessageID string
	SessionID string

	mu        sync.Mutex
	text      string
	reasoning string
	toolOrder []string
	tools     map[string]*ToolCall
	files     []stream.FileRef
	filesSent int

	status     Status
	statusNote string

	platformMsgID  string
	carried        bool
	reacted        bool
	isCommand      bool
	execSummarized bool

	agent string
	model string

	lastHash  uint64
	lastFlush time.Time
}

// NewBuffer creates a streaming buffer for a message id.
func NewBuffer(messageID, sessionID string) *MessageBuffer {
	return &MessageBuffer{
		MessageID: messageID,
		SessionID: sessionID,
		status:    StatusStreaming,
		tools:     make(map[string]*ToolCall),
	}
}

// View is a consistent snapshot of a buffer, used for rendering and for
// continuation/flush decisions. Delivery always re-reads a fresh View at the
// moment it runs rather than holding an older one.
type View struct {
	MessageID string
	SessionID string

	Text      string
	Reasoning string
	Tools     []ToolCall
	Files     []stream.FileRef
	FilesSent int

	Status     Status
	StatusNote string

	PlatformMsgID  string
	Carried        bool
	Reacted        bool
	IsCommand      bool
	ExecSummarized bool

	Agent string
	Model string

	LastHash  uint64
	LastFlush time.Time
}

// HasOpenTools reports whether any recorded tool call is still running.
func (v View) HasOpenTools() bool {
	for _, t := range v.Tools {
		if !t.Status.Terminal() {
			return true
		}
	}
	return false
}

// Empty reports whether the buffer has no renderable content at all.
func (v View) Empty() bool {
	return v.Text == "" && v.Reasoning == "" && len(v.Tools) == 0 && len(v.Files) == 0
}

// View returns a snapshot of the buffer.
func (b *MessageBuffer) View() View {
	b.mu.Lock()
	defer b.mu.Unlock()
	tools := make([]ToolCall, 0, len(b.toolOrder))
	for _, id := range b.toolOrder {
		tools = append(tools, *b.tools[id])
	}
	files := make([]stream.FileRef, len(b.files))
	copy(files, b.files)
	return View{
		MessageID:      b.MessageID,
		SessionID:      b.SessionID,
		Text:           b.text,
		Reasoning:      b.reasoning,
		Tools:          tools,
		Files:          files,
		FilesSent:      b.filesSent,
		Status:         b.status,
		StatusNote:     b.statusNote,
		PlatformMsgID:  b.platformMsgID,
		Carried:        b.carried,
		Reacted:        b.reacted,
		IsCommand:      b.isCommand,
		ExecSummarized: b.execSummarized,
		Agent:          b.agent,
		Model:          b.model,
		LastHash:       b.lastHash,
		LastFlush:      b.lastFlush,
	}
}

// Status returns the current lifecycle state.
func (b *MessageBuffer) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// AppendText appends an incremental answer delta. No-op once terminal.
func (b *MessageBuffer) AppendText(delta string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.Terminal() || delta == "" {
		return
	}
	b.text += delta
}

// SetText applies an authoritative full-value snapshot. Snapshots shorter
// than the accumulated text are ignored so at-least-once event delivery
// never makes the answer shrink.
func (b *MessageBuffer) SetText(snapshot string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.Terminal() || len(snapshot) < len(b.text) {
		return
	}
	b.text = snapshot
}

// AppendReasoning appends an incremental reasoning delta.
func (b *MessageBuffer) AppendReasoning(delta string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.Terminal() || delta == "" {
		return
	}
	b.reasoning += delta
}

// SetReasoning applies an authoritative reasoning snapshot, with the same
// non-shrinking rule as SetText.
func (b *MessageBuffer) SetReasoning(snapshot string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.Terminal() || len(snapshot) < len(b.reasoning) {
		return
	}
	b.reasoning = snapshot
}

// UpsertTool records a tool-call state transition. Insertion order is
// preserved for display, and a terminal tool state never regresses to
// running.
func (b *MessageBuffer) UpsertTool(callID, name string, status stream.ToolStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.Terminal() {
		return
	}
	if existing, ok := b.tools[callID]; ok {
		if name != "" {
			existing.Name = name
		}
		if existing.Status.Terminal() && !status.Terminal() {
			return
		}
		existing.Status = status
		return
	}
	b.tools[callID] = &ToolCall{CallID: callID, Name: name, Status: status}
	b.toolOrder = append(b.toolOrder, callID)
}

// InheritExecution copies a predecessor's execution context (tool records
// and reasoning) into a carried buffer so the shared platform message keeps
// displaying earlier steps. Inherited tools still marked running are
// recorded as completed: the step that produced them ended when the backend
// moved on to this message id.
func (b *MessageBuffer) InheritExecution(tools []ToolCall, reasoning string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range tools {
		if _, ok := b.tools[t.CallID]; ok {
			continue
		}
		cp := t
		if !cp.Status.Terminal() {
			cp.Status = stream.ToolCompleted
		}
		b.tools[cp.CallID] = &cp
		b.toolOrder = append(b.toolOrder, cp.CallID)
	}
	if b.reasoning == "" {
		b.reasoning = reasoning
	}
}

// AddFile records a side-channel attachment, deduplicated by URL.
func (b *MessageBuffer) AddFile(f stream.FileRef) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.Terminal() {
		return
	}
	for _, existing := range b.files {
		if existing.URL == f.URL {
			return
		}
	}
	b.files = append(b.files, f)
}

// MarkFilesSent records that the first n files have been delivered.
func (b *MessageBuffer) MarkFilesSent(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > b.filesSent {
		b.filesSent = n
	}
}

// MarkStatus applies a status transition, enforcing the lattice: a terminal
// buffer never changes status again. Returns whether the transition applied.
func (b *MessageBuffer) MarkStatus(status Status, note string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.Terminal() {
		return false
	}
	b.status = status
	b.statusNote = note
	return true
}

// SetCommand tags the buffer as the result of a recognized command.
func (b *MessageBuffer) SetCommand() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.isCommand = true
}

// SetAgentModel records the selected agent/model for display.
func (b *MessageBuffer) SetAgentModel(agent, model string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.agent = agent
	b.model = model
}

// SetPlatformMsg records the platform message currently representing this
// buffer.
func (b *MessageBuffer) SetPlatformMsg(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.platformMsgID = id
}

// ReleasePlatformMsg clears and returns the buffer's platform message id, for
// atomic ownership transfer during continuation.
func (b *MessageBuffer) ReleasePlatformMsg() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.platformMsgID
	b.platformMsgID = ""
	return id
}

// AdoptPlatformMsg takes over a platform message inherited from a
// predecessor buffer.
func (b *MessageBuffer) AdoptPlatformMsg(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.platformMsgID = id
	b.carried = true
}

// ClearPlatformMsg detaches the buffer from its platform message entirely,
// resetting flush bookkeeping so the next flush sends a fresh message.
// Used by the continuation split.
func (b *MessageBuffer) ClearPlatformMsg() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.platformMsgID = ""
	b.carried = false
	b.lastHash = 0
	b.lastFlush = time.Time{}
}

// RecordFlush stores the delivered content hash and flush time for the
// scheduler's dedup and throttle checks.
func (b *MessageBuffer) RecordFlush(hash uint64, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastHash = hash
	b.lastFlush = at
}

// MarkExecSummarized records that the buffer's execution context (tool steps
// and reasoning) has been finalized into its own platform message, so later
// renders show only the answer.
func (b *MessageBuffer) MarkExecSummarized() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.execSummarized = true
}

// MarkReacted records that a terminal reaction marker was added.
func (b *MessageBuffer) MarkReacted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reacted = true
}

// Store holds message buffers keyed by backend message id, plus the active
// buffer per session. Terminal buffers stay in the store so a reconnect can
// re-flush them idempotently; they are removed on session reset.
type Store struct {
	mu      sync.RWMutex
	buffers map[string]*MessageBuffer
	active  map[string]string // sessionID -> messageID
}

// NewStore creates an empty buffer store.
func NewStore() *Store {
	return &Store{
		buffers: make(map[string]*MessageBuffer),
		active:  make(map[string]string),
	}
}

// Ensure returns the buffer for a message id, creating it on first
// reference.
func (s *Store) Ensure(messageID, sessionID string) *MessageBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buffers[messageID]; ok {
		return b
	}
	b := NewBuffer(messageID, sessionID)
	s.buffers[messageID] = b
	return b
}

// Get returns the buffer for a message id if it exists.
func (s *Store) Get(messageID string) (*MessageBuffer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buffers[messageID]
	return b, ok
}

// Active returns the active message id for a session, or "".
func (s *Store) Active(sessionID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active[sessionID]
}

// SetActive records the session's active message id.
func (s *Store) SetActive(sessionID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[sessionID] = messageID
}

// ActiveBuffers returns the active buffer of every session that has one.
func (s *Store) ActiveBuffers() []*MessageBuffer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*MessageBuffer, 0, len(s.active))
	for _, messageID := range s.active {
		if b, ok := s.buffers[messageID]; ok {
			out = append(out, b)
		}
	}
	return out
}

// DropSession removes a session's buffers and active marker.
func (s *Store) DropSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, sessionID)
	for id, b := range s.buffers {
		if b.SessionID == sessionID {
			delete(s.buffers, id)
		}
	}
}

// Clear removes everything.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers = make(map[string]*MessageBuffer)
	s.active = make(map[string]string)
}

// Len returns the number of stored buffers.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buffers)
}
