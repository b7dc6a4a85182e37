package adapter

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Console is a trivial adapter that writes messages to an io.Writer. It
// exists for local debugging of the relay pipeline without any platform
// credentials: sends and edits are printed with their message ids.
type Console struct {
	mu     sync.Mutex
	w      io.Writer
	nextID int
}

// NewConsole creates a console adapter writing to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

// SendMessage prints the content and returns a synthetic message id.
func (c *Console) SendMessage(_ context.Context, chatID, content string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := fmt.Sprintf("console-%d", c.nextID)
	if _, err := fmt.Fprintf(c.w, "--- send %s chat=%s ---\n%s\n", id, chatID, content); err != nil {
		return "", err
	}
	return id, nil
}

// EditMessage reprints the content under the original id.
func (c *Console) EditMessage(_ context.Context, chatID, messageID, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.w, "--- edit %s chat=%s ---\n%s\n", messageID, chatID, content)
	return err
}
