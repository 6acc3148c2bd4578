// Package notify pushes revision notifications to websocket subscribers so they can pull without waiting for
// their next poll.
package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/linesync/pkg/state"
)

const (
	sendBuffer   = 16
	pingInterval = 20 * time.Second
	writeTimeout = 5 * time.Second
)

type Notification struct {
	Kind     state.ChangeKind `json:"kind"`
	Revision uint64           `json:"revision"`
}

type subscriber struct {
	conn *websocket.Conn
	send chan Notification
}

// Hub fans notifications out to every connected subscriber. Slow subscribers are disconnected rather than
// allowed to hold up the broadcast.
type Hub struct {
	upgrader websocket.Upgrader

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	closed      bool
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		subscribers: make(map[*subscriber]struct{}),
	}
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

func (h *Hub) OnChange(_ context.Context, c state.Change) {
	if c.Kind == state.ChangeRegister {
		return
	}
	h.Broadcast(Notification{Kind: c.Kind, Revision: c.Revision})
}

func (h *Hub) Broadcast(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subscribers {
		select {
		case s.send <- n:
		default:
			slog.Warn("dropping slow subscriber", "remote", s.conn.RemoteAddr().String())
			h.removeLocked(s)
		}
	}
}

func (h *Hub) add(s *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.subscribers[s] = struct{}{}
	return true
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

func (h *Hub) removeLocked(s *subscriber) {
	if _, ok := h.subscribers[s]; ok {
		delete(h.subscribers, s)
		close(s.send)
	}
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.subscribers {
		h.removeLocked(s)
	}
}

func (h *Hub) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	conn, err := h.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	s := &subscriber{conn: conn, send: make(chan Notification, sendBuffer)}
	if !h.add(s) {
		_ = conn.Close()
		return
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.writeLoop(s)
	}()

	// read until the peer goes away; subscribers never send anything meaningful
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(s)
	wg.Wait()
}

func (h *Hub) writeLoop(s *subscriber) {
	defer s.conn.Close()
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case n, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteJSON(n); err != nil {
				slog.Error("failed to write notification", "err", err)
				return
			}
		case <-t.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
