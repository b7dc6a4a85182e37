// Package adapter defines the platform adapter contract and the keyed
// registry (Mux) that resolves a logical platform key to a concrete adapter
// instance.
//
// An adapter owns everything platform-specific: authentication, rate-limit
// handling at the HTTP layer, payload encryption, and turning the neutral
// display string into platform markup. The relay core only ever calls the
// narrow contract below.
package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/lyhue1991/opencode-feishu/stream"
)

// Adapter is the base contract every platform adapter implements.
type Adapter interface {
	// SendMessage posts a new message and returns its platform message id.
	SendMessage(ctx context.Context, chatID, content string) (string, error)

	// EditMessage replaces the content of an existing platform message.
	EditMessage(ctx context.Context, chatID, messageID, content string) error
}

// Reactable is an optional capability for platforms that support message
// reactions. The delivery engine probes for it with a type assertion.
type Reactable interface {
	AddReaction(ctx context.Context, chatID, messageID, marker string) (string, error)
	RemoveReaction(ctx context.Context, chatID, messageID, reactionID string) error
}

// FileSender is an optional capability for platforms that can deliver file
// attachments surfaced during a turn.
type FileSender interface {
	SendFile(ctx context.Context, chatID string, file stream.FileRef) error
}

// DefaultThrottle is the minimum interval between edits for adapters
// registered without an explicit throttle.
const DefaultThrottle = time.Second

// Options configures one adapter registration.
type Options struct {
	// Throttle is the minimum interval between network-visible updates to
	// one platform message. Platforms with tight edit rate limits get a
	// longer interval. Zero means DefaultThrottle.
	Throttle time.Duration
}

type muxEntry struct {
	adapter Adapter
	opts    Options
}

// Mux is the adapter registry: a pure lookup table from logical platform key
// to adapter instance. Multiple adapters can be active simultaneously;
// resolution is always by explicit key, never inferred.
type Mux struct {
	mu      sync.RWMutex
	entries map[string]muxEntry
}

// NewMux creates an empty registry.
func NewMux() *Mux {
	return &Mux{entries: make(map[string]muxEntry)}
}

// Register adds or replaces the adapter for a key.
func (m *Mux) Register(key string, a Adapter, opts Options) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = muxEntry{adapter: a, opts: opts}
}

// Get resolves a key to its adapter.
func (m *Mux) Get(key string) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// Throttle returns the flush interval configured for a key. Unknown keys get
// DefaultThrottle so the scheduler never has to special-case them.
func (m *Mux) Throttle(key string) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entries[key]; ok && e.opts.Throttle > 0 {
		return e.opts.Throttle
	}
	return DefaultThrottle
}

// SetThrottle updates the flush interval for an already registered key.
// Used by config hot reload.
func (m *Mux) SetThrottle(key string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		e.opts.Throttle = d
		m.entries[key] = e
	}
}

// Keys returns the registered adapter keys.
func (m *Mux) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	return keys
}

// Clear removes all registrations.
func (m *Mux) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]muxEntry)
}
