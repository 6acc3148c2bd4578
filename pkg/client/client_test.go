package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/astromechza/linesync/pkg/api"
	"github.com/astromechza/linesync/pkg/lines"
	"github.com/astromechza/linesync/pkg/liveness"
	"github.com/astromechza/linesync/pkg/notify"
	"github.com/astromechza/linesync/pkg/state"
)

func fastBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(5*time.Millisecond), 5)
}

func newCanvas(t *testing.T, w, h float64) *Canvas {
	t.Helper()
	c, err := NewCanvas(lines.NewRect(0, 0, w, h))
	if err != nil {
		t.Fatalf("failed to create canvas: %v", err)
	}
	return c
}

type fixture struct {
	server *httptest.Server
	engine *state.Engine
	hub    *notify.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hub := notify.NewHub()
	engine := state.NewEngine(state.WithObserver(hub))
	s := &api.Server{Engine: engine, Liveness: liveness.NewMemoryTracker(time.Minute), Notifications: hub}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &fixture{server: srv, engine: engine, hub: hub}
}

func (f *fixture) client(t *testing.T, name string, canvas *Canvas) *Client {
	t.Helper()
	c, err := New(f.server.URL, canvas, WithPeerName(name), WithBackOff(fastBackOff))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if _, err := c.Register(context.Background()); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	return c
}

func stroke(points ...float64) lines.Line {
	l := lines.NewLine(lines.DefaultStroke)
	for i := 0; i+1 < len(points); i += 2 {
		l.Append(lines.Point{X: points[i], Y: points[i+1]})
	}
	return l
}

func TestClientsConverge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.client(t, "a", newCanvas(t, 100, 100))
	b := f.client(t, "b", newCanvas(t, 50, 50))

	id := a.Canvas().Draw(stroke(0, 0, 10, 10))
	if err := a.Sync(ctx); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if a.Canvas().Unsent() != 0 {
		t.Errorf("expected everything acknowledged")
	}
	if err := b.Sync(ctx); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	got := b.Canvas().Lines()[id].Points
	if len(got) != 2 || got[1] != (lines.Point{X: 5, Y: 5}) {
		t.Fatalf("unexpected points on b %v", got)
	}

	if _, err := a.Delete(ctx, id); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := b.Sync(ctx); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if _, ok := b.Canvas().Lines()[id]; ok {
		t.Errorf("expected the deletion to reach b")
	}
}

func TestExtendedLineReplacesServerCopy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.client(t, "a", newCanvas(t, 10, 10))
	b := f.client(t, "b", newCanvas(t, 10, 10))

	id := a.Canvas().Draw(stroke(1, 1))
	if err := a.Sync(ctx); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if err := b.Sync(ctx); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	a.Canvas().Extend(id, lines.Point{X: 2, Y: 2})
	if err := a.Sync(ctx); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if err := b.Sync(ctx); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if n := len(b.Canvas().Lines()[id].Points); n != 2 {
		t.Errorf("expected b to see the extended line, got %d points", n)
	}
}

func TestClearReachesOtherClients(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.client(t, "a", newCanvas(t, 10, 10))
	b := f.client(t, "b", newCanvas(t, 10, 10))

	a.Canvas().Draw(stroke(1, 1))
	if err := a.Sync(ctx); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if err := b.Sync(ctx); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if _, err := a.Clear(ctx); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	resp, err := b.Pull(ctx)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if resp.Flag != lines.FlagClear || len(b.Canvas().Lines()) != 0 {
		t.Errorf("expected b to be cleared, got flag %q and %d lines", resp.Flag, len(b.Canvas().Lines()))
	}
}

func TestReRegistersWhenServerForgets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	canvas := newCanvas(t, 10, 10)
	a := f.client(t, "a", canvas)
	canvas.Draw(stroke(1, 1))
	if err := a.Sync(ctx); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	// a fresh server knows neither the client nor its lines
	fresh := newFixture(t)
	a.baseURL, _ = a.baseURL.Parse(fresh.server.URL)
	if err := a.Sync(ctx); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if err := a.Sync(ctx); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if n := len(fresh.engine.Lines()); n != 1 {
		t.Errorf("expected the local line to be pushed to the fresh server, got %d", n)
	}
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		calls.Add(1)
		writer.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	c, err := New(srv.URL, newCanvas(t, 1, 1), WithBackOff(fastBackOff))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if _, err := c.Register(context.Background()); err == nil {
		t.Fatalf("expected an error")
	}
	if calls.Load() != 1 {
		t.Errorf("expected a single attempt, got %d", calls.Load())
	}
}

func TestTransientErrorsAreRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if calls.Add(1) < 3 {
			writer.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writer.WriteHeader(http.StatusCreated)
		_, _ = writer.Write([]byte(`{"client_id":42,"created":true}`))
	}))
	defer srv.Close()
	c, err := New(srv.URL, newCanvas(t, 1, 1), WithBackOff(fastBackOff))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	id, err := c.Register(context.Background())
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if id != 42 || c.ID() != 42 {
		t.Errorf("unexpected id %d", id)
	}
}

func TestNumConnections(t *testing.T) {
	f := newFixture(t)
	c := f.client(t, "a", newCanvas(t, 1, 1))
	n, err := c.NumConnections(context.Background())
	if err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected one live peer, got %d", n)
	}
}

func TestWatchReceivesNotifications(t *testing.T) {
	f := newFixture(t)
	a := f.client(t, "a", newCanvas(t, 1, 1))
	b := f.client(t, "b", newCanvas(t, 1, 1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan notify.Notification, 4)
	done := make(chan error, 1)
	go func() { done <- b.Watch(ctx, func(n notify.Notification) { got <- n }) }()

	deadline := time.Now().Add(2 * time.Second)
	for f.hub.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("watch never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	a.Canvas().Draw(stroke(0.5, 0.5))
	if _, _, err := a.Push(context.Background()); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	select {
	case n := <-got:
		if n.Kind != state.ChangePush {
			t.Errorf("unexpected notification %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no notification received")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected a clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not stop")
	}
}

func TestDeleteRacingAPullDoesNotResurrect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.client(t, "a", newCanvas(t, 10, 10))

	id := a.Canvas().Draw(stroke(1, 1))
	if _, _, err := a.Push(ctx); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	// a pull answered by the server before the deletion arrives but applied after it
	inflight, err := f.engine.Pull(ctx, a.ID(), lines.UnitRect)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if _, ok := inflight.Lines[id]; !ok {
		t.Fatalf("expected the stale pull to carry the line")
	}
	if _, err := a.Delete(ctx, id); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := a.Canvas().ApplyPull(inflight); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if _, ok := a.Canvas().Lines()[id]; ok {
		t.Fatalf("the stale pull brought the deleted line back")
	}

	for i := 0; i < 3; i++ {
		if err := a.Sync(ctx); err != nil {
			t.Fatalf("sync failed: %v", err)
		}
	}
	if _, ok := a.Canvas().Lines()[id]; ok {
		t.Errorf("expected the line to stay deleted locally")
	}
	if _, ok := f.engine.Lines()[id]; ok {
		t.Errorf("expected the line to be deleted on the server")
	}
	if n := len(a.Canvas().erased); n != 0 {
		t.Errorf("expected the erased ids to be forgotten once the server dropped them, got %d", n)
	}
}

func TestFailedDeleteRestoresLineOnPull(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.client(t, "a", newCanvas(t, 10, 10))
	id := a.Canvas().Draw(stroke(1, 1))
	if _, _, err := a.Push(ctx); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := a.Delete(cancelled, id); err == nil {
		t.Fatalf("expected the delete to fail")
	}

	if err := a.Sync(ctx); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if _, ok := a.Canvas().Lines()[id]; !ok {
		t.Errorf("expected the line the server still holds to come back")
	}
}
