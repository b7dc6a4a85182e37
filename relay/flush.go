package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lyhue1991/opencode-feishu/adapter"
)

// Deliverer is the flush scheduler and delivery engine: it decides whether a
// buffer's current state justifies a network update, and performs the
// send-or-edit with retry and send-fallback.
type Deliverer struct {
	mux      *adapter.Mux
	sessions *SessionRegistry
	logger   *slog.Logger

	retryDelay  time.Duration
	errorMarker string

	// now and sleep are injectable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// NewDeliverer creates a delivery engine. retryDelay is the pause before the
// single edit retry; errorMarker is the reaction added on terminal faults
// for adapters that support reactions (empty disables it).
func NewDeliverer(mux *adapter.Mux, sessions *SessionRegistry, logger *slog.Logger, retryDelay time.Duration, errorMarker string) *Deliverer {
	if logger == nil {
		logger = slog.Default()
	}
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}
	return &Deliverer{
		mux:         mux,
		sessions:    sessions,
		logger:      logger,
		retryDelay:  retryDelay,
		errorMarker: errorMarker,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// FlushMessage pushes a buffer's current rendered state to its platform
// message. Without force, the flush is skipped when the buffer is empty,
// when the adapter's throttle interval has not elapsed, or when the rendered
// content hashes identically to the last delivered content. force bypasses
// all three (used at terminal transitions and on stream disconnect).
//
// The buffer is re-read here rather than passed as a snapshot so a delivery
// triggered by event N still reflects whatever later events have merged by
// the time it runs.
func (d *Deliverer) FlushMessage(ctx context.Context, b *MessageBuffer, force bool) error {
	binding, ok := d.sessions.Binding(b.SessionID)
	if !ok {
		// Orphaned backend session: benign no-op.
		d.logger.Debug("flush for unregistered session", "sessionID", b.SessionID)
		return nil
	}
	ad, ok := d.mux.Get(binding.AdapterKey)
	if !ok {
		d.logger.Warn("no adapter registered", "adapterKey", binding.AdapterKey)
		return nil
	}

	v := b.View()
	if !force {
		if v.Empty() {
			return nil
		}
		if d.now().Sub(v.LastFlush) < d.mux.Throttle(binding.AdapterKey) {
			return nil
		}
	}

	// A contentless buffer can still render a terminal status line, and a
	// fault must always reach the user; only a fully blank render with
	// nothing on the platform is skippable.
	content := Render(v)
	if content == "" && v.PlatformMsgID == "" {
		return nil
	}
	hash := hashContent(content)
	if !force && hash == v.LastHash {
		// Identical render: never call the network for a no-op edit.
		return nil
	}

	if v.PlatformMsgID == "" {
		if content == "" {
			return nil
		}
		id, err := ad.SendMessage(ctx, binding.ChatID, content)
		if err != nil {
			d.logger.Warn("send failed, retrying once", "chatID", binding.ChatID, "error", err)
			d.sleep(ctx, d.retryDelay)
			id, err = ad.SendMessage(ctx, binding.ChatID, content)
			if err != nil {
				return fmt.Errorf("send message: %w", err)
			}
		}
		b.SetPlatformMsg(id)
	} else if content != "" {
		newID, err := d.safeEditWithRetry(ctx, ad, binding.ChatID, v.PlatformMsgID, content)
		if err != nil {
			return err
		}
		if newID != "" {
			// Edit was structurally impossible; a fresh message now
			// represents the buffer.
			b.SetPlatformMsg(newID)
		}
	}
	b.RecordFlush(hash, d.now())

	if v.Status.Terminal() {
		d.deliverTerminalExtras(ctx, ad, binding, b)
	}
	return nil
}

// safeEditWithRetry edits a platform message; on failure it waits briefly
// and retries once, and if that also fails it falls back to sending a new
// message, returning the new id. Losing the user-visible update is worse
// than an extra message.
func (d *Deliverer) safeEditWithRetry(ctx context.Context, ad adapter.Adapter, chatID, messageID, content string) (string, error) {
	err := ad.EditMessage(ctx, chatID, messageID, content)
	if err == nil {
		return "", nil
	}
	d.logger.Warn("edit failed, retrying once", "messageID", messageID, "error", err)
	d.sleep(ctx, d.retryDelay)
	if err := ad.EditMessage(ctx, chatID, messageID, content); err == nil {
		return "", nil
	}

	id, err := ad.SendMessage(ctx, chatID, content)
	if err != nil {
		return "", fmt.Errorf("edit fallback send: %w", err)
	}
	d.logger.Info("edit fallback sent new message", "old", messageID, "new", id)
	return id, nil
}

// deliverTerminalExtras handles the capability-gated side effects of a
// terminal flush: undelivered file attachments, and a reaction marker on
// faulted turns.
func (d *Deliverer) deliverTerminalExtras(ctx context.Context, ad adapter.Adapter, binding Binding, b *MessageBuffer) {
	v := b.View()

	if fs, ok := ad.(adapter.FileSender); ok && len(v.Files) > v.FilesSent {
		sent := v.FilesSent
		for _, f := range v.Files[v.FilesSent:] {
			if err := fs.SendFile(ctx, binding.ChatID, f); err != nil {
				d.logger.Warn("file delivery failed", "url", f.URL, "error", err)
				break
			}
			sent++
		}
		b.MarkFilesSent(sent)
	}

	if d.errorMarker == "" || v.Reacted || v.PlatformMsgID == "" {
		return
	}
	if v.Status != StatusError && v.Status != StatusAborted {
		return
	}
	if r, ok := ad.(adapter.Reactable); ok {
		if _, err := r.AddReaction(ctx, binding.ChatID, v.PlatformMsgID, d.errorMarker); err != nil {
			d.logger.Debug("reaction failed", "messageID", v.PlatformMsgID, "error", err)
			return
		}
		b.MarkReacted()
	}
}

// FlushAll force-flushes the active buffer of every session that has one.
// This is the disaster-recovery path run after a stream disconnect and on
// shutdown, so users never see content frozen mid-stream.
func (d *Deliverer) FlushAll(ctx context.Context, store *Store) {
	for _, b := range store.ActiveBuffers() {
		v := b.View()
		if v.PlatformMsgID == "" && v.Empty() {
			continue
		}
		if err := d.FlushMessage(ctx, b, true); err != nil {
			d.logger.Warn("forced flush failed",
				"messageID", b.MessageID,
				"sessionID", b.SessionID,
				"error", err,
			)
		}
	}
}
