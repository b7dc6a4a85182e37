// Package stream defines the backend event contract consumed by the relay
// core: the typed event shapes, the wire decoder, and the long-lived event
// subscription.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// Source is a subscription to the backend event stream.
//
// Connect establishes one subscription attempt and returns a channel of
// decoded events. The channel closes when the subscription drops (connection
// loss, decode failure, or context cancellation); reconnecting is the
// caller's responsibility.
type Source interface {
	Connect(ctx context.Context) (<-chan Event, error)
}

// WebSocketSource subscribes to the backend's event endpoint over a
// websocket and decodes each frame.
type WebSocketSource struct {
	// URL is the websocket endpoint, e.g. "ws://127.0.0.1:4096/event".
	URL string

	// Header is sent with the dial request (auth tokens etc). May be nil.
	Header http.Header

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Connect dials the endpoint and starts a reader goroutine that decodes
// frames onto the returned channel until the connection drops or ctx is
// cancelled.
func (s *WebSocketSource) Connect(ctx context.Context) (<-chan Event, error) {
	if s.URL == "" {
		return nil, errors.New("websocket source has no URL")
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, _, err := dialer.DialContext(ctx, s.URL, s.Header)
	if err != nil {
		return nil, fmt.Errorf("dial event stream %s: %w", s.URL, err)
	}

	ch := make(chan Event, 64)
	readerDone := make(chan struct{})

	// Unblock the reader when ctx is cancelled; ReadMessage has no context
	// parameter, so closing the connection is the cancellation mechanism.
	// The watcher also exits when the reader does, so a flapping backend
	// does not strand one goroutine per reconnect.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-readerDone:
		}
	}()

	go func() {
		defer close(ch)
		defer close(readerDone)
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("event stream read failed", "error", err)
				}
				return
			}
			ev, err := DecodeEvent(data)
			if err != nil {
				if errors.Is(err, ErrUnknownEvent) {
					logger.Debug("skipping event", "error", err)
					continue
				}
				// Malformed frame: terminate so the ingest loop can
				// flush open buffers and resubscribe.
				logger.Warn("event stream decode failed", "error", err)
				return
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}
