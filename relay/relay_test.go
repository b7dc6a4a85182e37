package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/lyhue1991/opencode-feishu/adapter"
	"github.com/lyhue1991/opencode-feishu/stream"
)

// Shared test fakes for the relay package.

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type deliveredMsg struct {
	ChatID    string
	MessageID string
	Content   string
}

// fakeAdapter records sends and edits and can be told to fail a number of
// upcoming calls.
type fakeAdapter struct {
	mu        sync.Mutex
	nextID    int
	sends     []deliveredMsg
	edits     []deliveredMsg
	failSends int
	failEdits int
}

func (f *fakeAdapter) SendMessage(_ context.Context, chatID, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSends > 0 {
		f.failSends--
		return "", errors.New("send unavailable")
	}
	f.nextID++
	id := fmt.Sprintf("m%d", f.nextID)
	f.sends = append(f.sends, deliveredMsg{ChatID: chatID, MessageID: id, Content: content})
	return id, nil
}

func (f *fakeAdapter) EditMessage(_ context.Context, chatID, messageID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failEdits > 0 {
		f.failEdits--
		return errors.New("edit rejected")
	}
	f.edits = append(f.edits, deliveredMsg{ChatID: chatID, MessageID: messageID, Content: content})
	return nil
}

func (f *fakeAdapter) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeAdapter) editCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.edits)
}

func (f *fakeAdapter) allSends() []deliveredMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]deliveredMsg, len(f.sends))
	copy(out, f.sends)
	return out
}

func (f *fakeAdapter) allEdits() []deliveredMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]deliveredMsg, len(f.edits))
	copy(out, f.edits)
	return out
}

func (f *fakeAdapter) setFailEdits(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failEdits = n
}

// capableAdapter adds the Reactable and FileSender capabilities.
type capableAdapter struct {
	*fakeAdapter
	mu        sync.Mutex
	reactions []string
	sentFiles []stream.FileRef
}

func (c *capableAdapter) AddReaction(_ context.Context, chatID, messageID, marker string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reactions = append(c.reactions, marker)
	return fmt.Sprintf("r%d", len(c.reactions)), nil
}

func (c *capableAdapter) RemoveReaction(_ context.Context, chatID, messageID, reactionID string) error {
	return nil
}

func (c *capableAdapter) SendFile(_ context.Context, chatID string, file stream.FileRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sentFiles = append(c.sentFiles, file)
	return nil
}

// testClock is an injectable clock for the flush scheduler.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Unix(1700000000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// newTestDeliverer wires a deliverer with one adapter registered under
// "test" and session "sess-1" bound to chat "chat-1".
func newTestDeliverer(ad adapter.Adapter, throttle time.Duration, marker string) (*Deliverer, *SessionRegistry, *testClock) {
	mux := adapter.NewMux()
	mux.Register("test", ad, adapter.Options{Throttle: throttle})
	sessions := NewSessionRegistry()
	sessions.Bind("sess-1", Binding{ChatID: "chat-1", SenderID: "user-1", AdapterKey: "test"})
	d := NewDeliverer(mux, sessions, discardLogger(), time.Millisecond, marker)
	clk := newTestClock()
	d.now = clk.Now
	d.sleep = func(context.Context, time.Duration) {}
	return d, sessions, clk
}

// fakeConn is one subscription attempt of a fakeSource.
type fakeConn struct {
	ch   chan stream.Event
	once sync.Once
}

func (c *fakeConn) push(ev stream.Event) { c.ch <- ev }

func (c *fakeConn) drop() { c.once.Do(func() { close(c.ch) }) }

// fakeSource hands out channel-backed subscriptions and tracks connect
// attempts.
type fakeSource struct {
	mu        sync.Mutex
	conns     []*fakeConn
	failFirst int
}

func (s *fakeSource) Connect(ctx context.Context) (<-chan stream.Event, error) {
	s.mu.Lock()
	if s.failFirst > 0 {
		s.failFirst--
		s.mu.Unlock()
		return nil, errors.New("backend unavailable")
	}
	c := &fakeConn{ch: make(chan stream.Event, 32)}
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		c.drop()
	}()
	return c.ch, nil
}

func (s *fakeSource) connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *fakeSource) current() *fakeConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

// Event constructors.

func textDeltaEvent(session, message, delta string) stream.Event {
	return stream.Event{
		Type:      stream.EventMessagePartUpdated,
		SessionID: session,
		Part:      &stream.Part{MessageID: message, Kind: stream.PartText, Delta: delta},
	}
}

func toolEvent(session, message, callID, name string, status stream.ToolStatus) stream.Event {
	return stream.Event{
		Type:      stream.EventMessagePartUpdated,
		SessionID: session,
		Part: &stream.Part{
			MessageID: message,
			Kind:      stream.PartTool,
			Tool:      &stream.ToolCallState{CallID: callID, Name: name, Status: status},
		},
	}
}

func sessionErrorEvent(session, name, message string) stream.Event {
	return stream.Event{
		Type:      stream.EventSessionError,
		SessionID: session,
		Error:     &stream.ErrorInfo{Name: name, Message: message},
	}
}
