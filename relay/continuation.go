package relay

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Continuation policy thresholds. Both are empirically chosen and exposed as
// configuration rather than hard invariants.
const (
	// DefaultSplitThreshold is the minimum answer length, in characters,
	// before a carried execution card is split into a finished step plus a
	// fresh final-answer message.
	DefaultSplitThreshold = 120

	// DefaultCarryAnswerMax is the maximum trimmed answer length a buffer
	// may have and still be considered "no substantive answer yet" for the
	// carry decision.
	DefaultCarryAnswerMax = 1
)

// Continuation decides, when the backend starts a new message id within a
// session, whether the existing platform message should be reused (carried)
// or finalized — and when a long-enough final answer must be split out of an
// in-progress execution display.
//
// One human-visible turn often spans multiple backend message ids (a
// tool-call step, then a second id carrying the final answer); without this
// controller every backend id would become its own platform message.
type Continuation struct {
	buffers   *Store
	deliverer *Deliverer
	logger    *slog.Logger

	// mu guards the thresholds, which config hot reload updates from
	// outside the event-loop goroutine.
	mu             sync.Mutex
	splitThreshold int
	carryAnswerMax int
}

// NewContinuation creates the controller. Non-positive thresholds get the
// defaults.
func NewContinuation(buffers *Store, deliverer *Deliverer, logger *slog.Logger, splitThreshold, carryAnswerMax int) *Continuation {
	if logger == nil {
		logger = slog.Default()
	}
	if splitThreshold <= 0 {
		splitThreshold = DefaultSplitThreshold
	}
	if carryAnswerMax <= 0 {
		carryAnswerMax = DefaultCarryAnswerMax
	}
	return &Continuation{
		buffers:        buffers,
		deliverer:      deliverer,
		logger:         logger,
		splitThreshold: splitThreshold,
		carryAnswerMax: carryAnswerMax,
	}
}

// SetThresholds updates the policy constants (config hot reload).
func (c *Continuation) SetThresholds(splitThreshold, carryAnswerMax int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if splitThreshold > 0 {
		c.splitThreshold = splitThreshold
	}
	if carryAnswerMax > 0 {
		c.carryAnswerMax = carryAnswerMax
	}
}

// thresholds returns a consistent snapshot of the policy constants.
func (c *Continuation) thresholds() (splitThreshold, carryAnswerMax int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.splitThreshold, c.carryAnswerMax
}

// Switch makes messageID the session's active buffer, creating it if needed.
// If a different buffer was active, its platform message is either carried
// into the new buffer or the old buffer is finalized with a forced flush.
// Ownership of a platform message id transfers atomically: at no point do
// two buffers both hold it.
func (c *Continuation) Switch(ctx context.Context, sessionID, messageID string) *MessageBuffer {
	prevID := c.buffers.Active(sessionID)
	next := c.buffers.Ensure(messageID, sessionID)
	if prevID == messageID {
		return next
	}
	defer c.buffers.SetActive(sessionID, messageID)
	if prevID == "" {
		return next
	}
	prev, ok := c.buffers.Get(prevID)
	if !ok {
		return next
	}

	pv := prev.View()
	if c.shouldCarry(pv) {
		if id := prev.ReleasePlatformMsg(); id != "" {
			next.AdoptPlatformMsg(id)
			next.InheritExecution(pv.Tools, pv.Reasoning)
			c.logger.Debug("carried platform message",
				"from", prevID, "to", messageID, "platformMsgID", id)
		}
		// The predecessor's display lives on in the successor; close it
		// out without a flush of its own.
		prev.MarkStatus(StatusDone, "carried")
		return next
	}

	// The predecessor holds a substantive standalone answer: finalize it as
	// its own terminal message before the successor can flush.
	prev.MarkStatus(StatusDone, pv.StatusNote)
	if err := c.deliverer.FlushMessage(ctx, prev, true); err != nil {
		c.logger.Warn("finalizing flush failed", "messageID", prevID, "error", err)
	}
	return next
}

// shouldCarry reports whether a predecessor buffer's platform message should
// be reused by its successor: the predecessor has no substantive answer text
// yet, and is visibly in an execution phase (open tool calls, accumulated
// reasoning, or a tool-call step boundary).
func (c *Continuation) shouldCarry(v View) bool {
	if v.PlatformMsgID == "" {
		return false
	}
	_, carryAnswerMax := c.thresholds()
	if len(strings.TrimSpace(v.Text)) > carryAnswerMax {
		return false
	}
	return v.HasOpenTools() ||
		strings.TrimSpace(v.Reasoning) != "" ||
		isToolPhaseNote(v.StatusNote)
}

// isToolPhaseNote recognizes step-finish reasons that indicate the turn is
// between tool-call steps.
func isToolPhaseNote(note string) bool {
	note = strings.ToLower(strings.TrimSpace(note))
	return note == "tool-calls" || note == "tool_calls" || note == "tool-use"
}

// MaybeSplit finalizes a carried execution card once its buffer has
// accumulated a real final answer. The current platform message is edited
// into a completed step summary (answer blanked, status done), and the
// buffer is detached so its next flush sends a brand-new message dedicated
// to the answer. This keeps long final answers out of collapsed execution
// cards.
func (c *Continuation) MaybeSplit(ctx context.Context, b *MessageBuffer) {
	v := b.View()
	if !v.Carried || v.PlatformMsgID == "" {
		return
	}
	if v.HasOpenTools() {
		return
	}
	splitThreshold, _ := c.thresholds()
	if len(strings.TrimSpace(v.Text)) < splitThreshold {
		return
	}

	binding, ok := c.deliverer.sessions.Binding(b.SessionID)
	if !ok {
		return
	}
	ad, ok := c.deliverer.mux.Get(binding.AdapterKey)
	if !ok {
		return
	}

	// Whether the summary lands via edit or fallback send, its identity no
	// longer matters: the buffer detaches either way. A card with nothing to
	// summarize is left as-is rather than edited to an empty body.
	if summary := RenderExecutionSummary(v); summary != "" {
		if _, err := c.deliverer.safeEditWithRetry(ctx, ad, binding.ChatID, v.PlatformMsgID, summary); err != nil {
			c.logger.Warn("split finalize failed", "messageID", b.MessageID, "error", err)
		}
	}

	b.MarkExecSummarized()
	b.ClearPlatformMsg()
	c.logger.Debug("split final answer from execution card",
		"messageID", b.MessageID, "answerLen", len(v.Text))
}
