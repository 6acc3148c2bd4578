package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/astromechza/linesync/pkg/notify"
)

// Watch subscribes to change notifications and calls fn for each one until ctx is cancelled or the server
// closes the stream. It returns nil when ctx was cancelled.
func (c *Client) Watch(ctx context.Context, fn func(notify.Notification)) error {
	u := c.baseURL.JoinPath("ws")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	wg := new(sync.WaitGroup)
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		case <-done:
		}
	}()
	defer wg.Wait()
	defer close(done)
	defer conn.Close()

	for {
		var n notify.Notification
		if err := conn.ReadJSON(&n); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("failed to read notification: %w", err)
		}
		slog.Debug("notified", "kind", n.Kind, "revision", n.Revision)
		fn(n)
	}
}
