package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lyhue1991/opencode-feishu/adapter"
	"github.com/lyhue1991/opencode-feishu/stream"
)

// ConnState is the ingest loop's connection state.
type ConnState int

const (
	StateStopped ConnState = iota
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "stopped"
	}
}

// SessionStarter creates a new backend session. The backend client itself is
// an external collaborator; the engine only needs the resulting session id.
type SessionStarter interface {
	StartSession(ctx context.Context) (string, error)
}

// Config configures the relay engine. Zero values get sensible defaults in
// New; the injected stores make the engine independently testable and keep
// all mutable state explicit.
type Config struct {
	Source   stream.Source
	Mux      *adapter.Mux
	Sessions *SessionRegistry
	Buffers  *Store
	Starter  SessionStarter
	Logger   *slog.Logger

	// ReconnectBase and ReconnectMax bound the backoff between subscription
	// attempts: delay = min(ReconnectBase*(attempt+1), ReconnectMax).
	ReconnectBase time.Duration
	ReconnectMax  time.Duration

	// RetryDelay is the pause before the delivery engine's single retry.
	RetryDelay time.Duration

	// SplitThreshold and CarryAnswerMax tune the continuation policy.
	SplitThreshold int
	CarryAnswerMax int

	// ErrorMarker is the reaction added to a platform message on terminal
	// faults, for adapters with reaction support. Empty disables it.
	ErrorMarker string
}

// Engine is the event ingestion loop: it owns the long-lived backend
// subscription, routes each event through the continuation controller and
// aggregator, and schedules deliveries.
//
// All event processing happens on the single goroutine running Run, so
// per-buffer operations are strictly ordered. The stores carry their own
// locks because the command layer calls in from other goroutines.
type Engine struct {
	cfg Config

	mux       *adapter.Mux
	sessions  *SessionRegistry
	buffers   *Store
	deliverer *Deliverer
	cont      *Continuation
	logger    *slog.Logger

	mu      sync.Mutex
	started bool
	state   ConnState
	attempt int
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates an engine from the config, applying defaults for anything
// unset.
func New(cfg Config) (*Engine, error) {
	if cfg.Source == nil {
		return nil, errors.New("engine requires an event source")
	}
	if cfg.Mux == nil {
		cfg.Mux = adapter.NewMux()
	}
	if cfg.Sessions == nil {
		cfg.Sessions = NewSessionRegistry()
	}
	if cfg.Buffers == nil {
		cfg.Buffers = NewStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = 5 * time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 60 * time.Second
	}

	deliverer := NewDeliverer(cfg.Mux, cfg.Sessions, cfg.Logger, cfg.RetryDelay, cfg.ErrorMarker)
	cont := NewContinuation(cfg.Buffers, deliverer, cfg.Logger, cfg.SplitThreshold, cfg.CarryAnswerMax)

	return &Engine{
		cfg:       cfg,
		mux:       cfg.Mux,
		sessions:  cfg.Sessions,
		buffers:   cfg.Buffers,
		deliverer: deliverer,
		cont:      cont,
		logger:    cfg.Logger,
		state:     StateStopped,
	}, nil
}

// Mux returns the adapter registry.
func (e *Engine) Mux() *adapter.Mux { return e.mux }

// Sessions returns the session registry, for the command layer.
func (e *Engine) Sessions() *SessionRegistry { return e.sessions }

// Buffers returns the buffer store, for the command layer.
func (e *Engine) Buffers() *Store { return e.buffers }

// Continuation returns the continuation controller (thresholds are
// reloadable policy).
func (e *Engine) Continuation() *Continuation { return e.cont }

// State reports the reconnect state machine: the connection state and, while
// reconnecting, the attempt count.
func (e *Engine) State() (ConnState, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.attempt
}

func (e *Engine) setState(s ConnState, attempt int) {
	e.mu.Lock()
	e.state = s
	e.attempt = attempt
	e.mu.Unlock()
}

// Run maintains the subscription until ctx is cancelled or Stop is called.
// When the stream drops it force-flushes every open buffer, then reconnects
// with backoff; the attempt counter resets on a successful reconnect.
// Duplicate Run calls are no-ops while a loop is already running.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		e.logger.Debug("event loop already running")
		return nil
	}
	e.started = true
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	done := make(chan struct{})
	e.done = done
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.started = false
		e.state = StateStopped
		e.attempt = 0
		e.cancel = nil
		e.mu.Unlock()
		cancel()
		close(done)
	}()

	attempt := 0
	for {
		if runCtx.Err() != nil {
			return nil
		}

		ch, err := e.cfg.Source.Connect(runCtx)
		if err != nil {
			e.setState(StateReconnecting, attempt+1)
			e.logger.Warn("event stream connect failed",
				"attempt", attempt+1, "error", err)
			if !e.backoff(runCtx, attempt) {
				return nil
			}
			attempt++
			continue
		}

		e.setState(StateConnected, 0)
		attempt = 0
		e.logger.Info("event stream connected")

		for ev := range ch {
			e.handleEvent(runCtx, ev)
		}

		// The stream ended: either a disconnect or a cooperative stop.
		// Either way, push every open buffer to its last known state so no
		// turn is left frozen mid-stream.
		e.deliverer.FlushAll(context.WithoutCancel(runCtx), e.buffers)

		if runCtx.Err() != nil {
			return nil
		}
		e.setState(StateReconnecting, attempt+1)
		e.logger.Warn("event stream dropped", "attempt", attempt+1)
		if !e.backoff(runCtx, attempt) {
			return nil
		}
		attempt++
	}
}

// backoff sleeps for min(base*(attempt+1), max). Returns false if ctx ended
// first.
func (e *Engine) backoff(ctx context.Context, attempt int) bool {
	delay := e.cfg.ReconnectBase * time.Duration(attempt+1)
	if delay > e.cfg.ReconnectMax {
		delay = e.cfg.ReconnectMax
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stop cooperatively stops the loop, waits for it to exit, and clears all
// per-process state: buffers, session bindings, and adapter registrations.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	done := e.done
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	e.buffers.Clear()
	e.sessions.Clear()
	e.mux.Clear()
}

// Reset clears buffers and session bindings but keeps adapters registered.
// Exposed to the command layer for session-reset commands.
func (e *Engine) Reset() {
	e.buffers.Clear()
	e.sessions.Clear()
}

// handleEvent routes one backend event. Events referencing sessions this
// process never registered are dropped silently: they usually indicate a
// race with an external reset, not a fault.
func (e *Engine) handleEvent(ctx context.Context, ev stream.Event) {
	switch ev.Type {
	case stream.EventMessagePartUpdated:
		e.handlePart(ctx, ev)
	case stream.EventMessageUpdated:
		e.handleMessage(ctx, ev)
	case stream.EventSessionError:
		e.handleSessionError(ctx, ev)
	case stream.EventSessionIdle:
		e.handleSessionIdle(ctx, ev)
	case stream.EventCommandExecuted:
		e.handleCommand(ev)
	default:
		e.logger.Debug("ignoring event", "type", ev.Type)
	}
}

func (e *Engine) handlePart(ctx context.Context, ev stream.Event) {
	if ev.Part == nil || ev.Part.MessageID == "" {
		return
	}
	if _, ok := e.sessions.Binding(ev.SessionID); !ok {
		e.logger.Debug("part for unknown session", "sessionID", ev.SessionID)
		return
	}
	// Late fragment for a message that already finalized (at-least-once
	// redelivery, or a tool update trailing a carry): never resurrect it.
	if existing, ok := e.buffers.Get(ev.Part.MessageID); ok && existing.Status().Terminal() {
		return
	}

	b := e.cont.Switch(ctx, ev.SessionID, ev.Part.MessageID)
	ApplyPart(b, ev.Part)
	e.cont.MaybeSplit(ctx, b)

	// A step-finish makes the buffer terminal; that transition must reach
	// the platform immediately rather than waiting out the throttle.
	force := b.Status().Terminal()
	if err := e.deliverer.FlushMessage(ctx, b, force); err != nil {
		e.logger.Warn("flush failed", "messageID", b.MessageID, "error", err)
	}
}

func (e *Engine) handleMessage(ctx context.Context, ev stream.Event) {
	info := ev.Message
	if info == nil || info.ID == "" {
		return
	}
	if info.Role != "" && info.Role != "assistant" {
		return
	}
	if _, ok := e.sessions.Binding(ev.SessionID); !ok {
		e.logger.Debug("message for unknown session", "sessionID", ev.SessionID)
		return
	}
	if existing, ok := e.buffers.Get(info.ID); ok && existing.Status().Terminal() {
		return
	}

	b := e.cont.Switch(ctx, ev.SessionID, info.ID)
	if binding, ok := e.sessions.Binding(ev.SessionID); ok {
		b.SetAgentModel(binding.Agent, binding.Model)
	}

	switch {
	case info.Error != nil:
		status, note := ClassifyError(info.Error)
		if b.MarkStatus(status, note) {
			e.forceFlush(ctx, b)
		}
	case info.FinishReason != "":
		if b.MarkStatus(StatusDone, info.FinishReason) {
			e.forceFlush(ctx, b)
		}
	}
}

func (e *Engine) handleSessionError(ctx context.Context, ev stream.Event) {
	b := e.activeBuffer(ev.SessionID)
	if b == nil {
		return
	}
	status, note := ClassifyError(ev.Error)
	if b.MarkStatus(status, note) {
		// Aborts and faults surface immediately, no grace period.
		e.forceFlush(ctx, b)
	}
}

func (e *Engine) handleSessionIdle(ctx context.Context, ev stream.Event) {
	b := e.activeBuffer(ev.SessionID)
	if b == nil {
		return
	}
	// Idle is the reliable end-of-turn signal; it always finalizes.
	b.MarkStatus(StatusDone, "idle")
	e.cont.MaybeSplit(ctx, b)
	e.forceFlush(ctx, b)
}

func (e *Engine) handleCommand(ev stream.Event) {
	if ev.Command != nil && ev.Command.MessageID != "" {
		if _, ok := e.sessions.Binding(ev.SessionID); ok {
			e.buffers.Ensure(ev.Command.MessageID, ev.SessionID).SetCommand()
		}
		return
	}
	if b := e.activeBuffer(ev.SessionID); b != nil {
		b.SetCommand()
	}
}

// activeBuffer resolves a session id to its active buffer, or nil when the
// session is unknown or has no open turn.
func (e *Engine) activeBuffer(sessionID string) *MessageBuffer {
	if _, ok := e.sessions.Binding(sessionID); !ok {
		return nil
	}
	id := e.buffers.Active(sessionID)
	if id == "" {
		return nil
	}
	b, ok := e.buffers.Get(id)
	if !ok {
		return nil
	}
	return b
}

func (e *Engine) forceFlush(ctx context.Context, b *MessageBuffer) {
	if err := e.deliverer.FlushMessage(ctx, b, true); err != nil {
		e.logger.Warn("terminal flush failed", "messageID", b.MessageID, "error", err)
	}
}

// EnsureSession returns the backend session bound to a chat, creating and
// binding one on first use.
func (e *Engine) EnsureSession(ctx context.Context, adapterKey, chatID, senderID string) (string, error) {
	if id, ok := e.sessions.SessionFor(adapterKey, chatID); ok {
		e.sessions.SetSender(id, senderID)
		return id, nil
	}
	return e.CreateNewSession(ctx, adapterKey, chatID, senderID)
}

// CreateNewSession starts a fresh backend session and rebinds the chat to
// it. Earlier session bindings remain resolvable so late events for them
// still deliver; the chat-side index moves to the new session.
func (e *Engine) CreateNewSession(ctx context.Context, adapterKey, chatID, senderID string) (string, error) {
	if e.cfg.Starter == nil {
		return "", errors.New("no session starter configured")
	}
	id, err := e.cfg.Starter.StartSession(ctx)
	if err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}
	e.sessions.Bind(id, Binding{
		ChatID:     chatID,
		SenderID:   senderID,
		AdapterKey: adapterKey,
	})
	e.logger.Info("session bound",
		"sessionID", id, "adapterKey", adapterKey, "chatID", chatID)
	return id, nil
}

// BindSession rebinds a chat to an existing backend session (explicit
// session switch).
func (e *Engine) BindSession(sessionID, adapterKey, chatID, senderID string) {
	e.sessions.Bind(sessionID, Binding{
		ChatID:     chatID,
		SenderID:   senderID,
		AdapterKey: adapterKey,
	})
}

// SetAgentModel records the selected agent/model on a session; it is carried
// onto buffers for display only.
func (e *Engine) SetAgentModel(sessionID, agent, model string) {
	e.sessions.SetAgentModel(sessionID, agent, model)
	if id := e.buffers.Active(sessionID); id != "" {
		if b, ok := e.buffers.Get(id); ok {
			b.SetAgentModel(agent, model)
		}
	}
}
