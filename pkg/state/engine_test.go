package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/astromechza/linesync/pkg/lines"
)

func newLine(points ...float64) lines.Line {
	l := lines.NewLine(lines.Stroke{R: 255, A: 255, Width: 3})
	for i := 0; i+1 < len(points); i += 2 {
		l.Append(lines.Point{X: points[i], Y: points[i+1]})
	}
	return l
}

func rectPtr(r lines.Rect) *lines.Rect { return &r }

func idsPtr(ids ...lines.ID) *lines.IDSet {
	s := lines.NewIDSet(ids...)
	return &s
}

func register(t *testing.T, e *Engine, peer string) ClientID {
	t.Helper()
	info, _ := e.Register(context.Background(), Peer(peer))
	return info.ID
}

func TestScenarioHalfScaleAndDeletion(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(WithIDGenerator(SequentialIDs()))
	a := register(t, e, "10.0.0.1")
	b := register(t, e, "10.0.0.2")

	if _, err := e.Push(ctx, a, PushRequest{
		Lines:      lines.Collection{1: newLine(0, 0, 10, 10)},
		CanvasRect: rectPtr(lines.NewRect(0, 0, 100, 100)),
	}); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	resp, err := e.Pull(ctx, b, lines.NewRect(0, 0, 50, 50))
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	got := resp.Lines[1].Points
	want := []lines.Point{{X: 0, Y: 0}, {X: 5, Y: 5}}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, got)
	}

	if _, err := e.Delete(ctx, a, lines.NewIDSet(1)); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	resp, err = e.Pull(ctx, b, lines.NewRect(0, 0, 50, 50))
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if !resp.ChangedLines.Has(1) {
		t.Errorf("expected changed_lines to contain 1, got %v", resp.ChangedLines.Sorted())
	}
	if _, ok := resp.Lines[1]; ok {
		t.Errorf("line 1 should be gone from the snapshot")
	}
}

func TestConvergence(t *testing.T) {
	ctx := context.Background()
	e := NewEngine()
	a := register(t, e, "a")
	b := register(t, e, "b")

	if _, err := e.Push(ctx, a, PushRequest{Lines: lines.Collection{1: newLine(0.1, 0.1), 2: newLine(0.2, 0.2)}}); err != nil {
		t.Fatalf("push a failed: %v", err)
	}
	if _, err := e.Push(ctx, b, PushRequest{Lines: lines.Collection{3: newLine(0.3, 0.3)}}); err != nil {
		t.Fatalf("push b failed: %v", err)
	}

	for _, c := range []ClientID{a, b} {
		local := lines.Collection{}
		resp, err := e.Pull(ctx, c, lines.UnitRect)
		if err != nil {
			t.Fatalf("pull failed: %v", err)
		}
		if err := lines.Merge(local, resp.Lines, resp.ChangedLines, lines.UnitRect, lines.ToCanvas); err != nil {
			t.Fatalf("local merge failed: %v", err)
		}
		if ids := local.IDs(); len(ids) != 3 || ids[0] != 1 || ids[2] != 3 {
			t.Errorf("client %s did not converge: %v", c, ids)
		}
	}
}

func TestDeletionIsVisibleToEveryOtherClient(t *testing.T) {
	ctx := context.Background()
	e := NewEngine()
	a := register(t, e, "a")
	others := []ClientID{register(t, e, "b"), register(t, e, "c"), register(t, e, "d")}

	if _, err := e.Push(ctx, a, PushRequest{Lines: lines.Collection{9: newLine(0.5, 0.5)}}); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	res, err := e.Delete(ctx, a, lines.NewIDSet(9))
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if res.Removed != 1 {
		t.Errorf("expected one removed line, got %d", res.Removed)
	}

	for _, c := range others {
		resp, err := e.Pull(ctx, c, lines.UnitRect)
		if err != nil {
			t.Fatalf("pull failed: %v", err)
		}
		if !resp.ChangedLines.Has(9) {
			t.Errorf("client %s was not told about deletion", c)
		}
	}

	resp, err := e.Pull(ctx, a, lines.UnitRect)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if resp.ChangedLines.Has(9) {
		t.Errorf("deleting client should not be notified of its own deletion")
	}
}

func TestPushDoesNotClobberUnflaggedLine(t *testing.T) {
	ctx := context.Background()
	e := NewEngine()
	a := register(t, e, "a")
	b := register(t, e, "b")

	if _, err := e.Push(ctx, a, PushRequest{Lines: lines.Collection{4: newLine(0.25, 0.25)}}); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if _, err := e.Push(ctx, b, PushRequest{Lines: lines.Collection{4: newLine(0.75, 0.75)}}); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if p := e.Lines()[4].Points[0]; p != (lines.Point{X: 0.25, Y: 0.25}) {
		t.Errorf("canonical line 4 was clobbered: %v", p)
	}

	if _, err := e.Push(ctx, b, PushRequest{Lines: lines.Collection{4: newLine(0.75, 0.75)}, ChangedLines: idsPtr(4)}); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if p := e.Lines()[4].Points[0]; p != (lines.Point{X: 0.75, Y: 0.75}) {
		t.Errorf("flagged push should replace line 4: %v", p)
	}
	resp, err := e.Pull(ctx, a, lines.UnitRect)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if !resp.ChangedLines.Has(4) {
		t.Errorf("other client should see line 4 as changed")
	}
}

func TestPushWithChangedIDsDeletesMissingLines(t *testing.T) {
	ctx := context.Background()
	e := NewEngine()
	a := register(t, e, "a")

	if _, err := e.Push(ctx, a, PushRequest{Lines: lines.Collection{1: newLine(0, 0), 2: newLine(1, 1)}}); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if _, err := e.Push(ctx, a, PushRequest{Lines: lines.Collection{}, ChangedLines: idsPtr(2)}); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if _, ok := e.Lines()[2]; ok {
		t.Errorf("line 2 should have been removed")
	}
}

func TestClearBarrierExactlyOnce(t *testing.T) {
	ctx := context.Background()
	e := NewEngine()
	clients := []ClientID{register(t, e, "a"), register(t, e, "b"), register(t, e, "c")}

	if _, err := e.Push(ctx, clients[0], PushRequest{Lines: lines.Collection{1: newLine(0, 0)}}); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if _, err := e.Delete(ctx, clients[0], lines.NewIDSet(77)); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	res, err := e.Clear(ctx, clients[0])
	if err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if len(res.Removed) != 1 || res.Epoch != 1 {
		t.Errorf("unexpected clear result %+v", res)
	}
	if len(e.Lines()) != 0 {
		t.Errorf("canonical state should be empty")
	}

	for _, c := range clients {
		for i := 0; i < 3; i++ {
			resp, err := e.Pull(ctx, c, lines.UnitRect)
			if err != nil {
				t.Fatalf("pull failed: %v", err)
			}
			if i == 0 && resp.Flag != lines.FlagClear {
				t.Errorf("client %s should get the clear flag on its first pull", c)
			}
			if i > 0 && resp.Flag != "" {
				t.Errorf("client %s got the clear flag again on pull %d", c, i)
			}
			if len(resp.ChangedLines) != 0 {
				t.Errorf("pending deletions should have been discarded by the clear, got %v", resp.ChangedLines.Sorted())
			}
		}
	}
	if e.Stats().BarrierPending != 0 {
		t.Errorf("barrier should be inactive")
	}
}

func TestClientRegisteredAfterClearSkipsBarrier(t *testing.T) {
	ctx := context.Background()
	e := NewEngine()
	a := register(t, e, "a")
	if _, err := e.Clear(ctx, a); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	late := register(t, e, "late")
	resp, err := e.Pull(ctx, late, lines.UnitRect)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if resp.Flag != "" {
		t.Errorf("late client should not get the clear flag")
	}
}

func TestIdempotentPull(t *testing.T) {
	ctx := context.Background()
	e := NewEngine()
	a := register(t, e, "a")
	b := register(t, e, "b")
	if _, err := e.Delete(ctx, a, lines.NewIDSet(1, 2)); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	first, err := e.Pull(ctx, b, lines.UnitRect)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(first.ChangedLines) != 2 {
		t.Errorf("expected 2 changed ids, got %v", first.ChangedLines.Sorted())
	}
	second, err := e.Pull(ctx, b, lines.UnitRect)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(second.ChangedLines) != 0 {
		t.Errorf("second pull should have no changed ids, got %v", second.ChangedLines.Sorted())
	}
}

func TestUnknownClient(t *testing.T) {
	ctx := context.Background()
	e := NewEngine()

	if _, err := e.Pull(ctx, 1234, lines.UnitRect); !errors.Is(err, ErrUnknownClient) {
		t.Errorf("expected ErrUnknownClient from pull, got %v", err)
	}
	if _, err := e.Delete(ctx, 1234, lines.NewIDSet(1)); !errors.Is(err, ErrUnknownClient) {
		t.Errorf("expected ErrUnknownClient from delete, got %v", err)
	}
	if _, err := e.Push(ctx, 1234, PushRequest{}); !errors.Is(err, ErrUnknownClient) {
		t.Errorf("expected ErrUnknownClient from push, got %v", err)
	}
}

func TestInvalidPayloadLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	e := NewEngine()
	a := register(t, e, "a")
	if _, err := e.Push(ctx, a, PushRequest{Lines: lines.Collection{1: newLine(0, 0)}}); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	rev := e.Stats().Revision

	_, err := e.Push(ctx, a, PushRequest{
		Lines:      lines.Collection{2: newLine(1, 1)},
		CanvasRect: rectPtr(lines.NewRect(0, 0, 0, 0)),
	})
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	if _, err := e.Pull(ctx, a, lines.Rect{}); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload for empty pull rect, got %v", err)
	}
	if e.Stats().Revision != rev || len(e.Lines()) != 1 {
		t.Errorf("state changed after rejected push")
	}
}

func TestRegisterIsIdempotentPerPeer(t *testing.T) {
	ctx := context.Background()
	e := NewEngine()
	first, created := e.Register(ctx, "10.1.1.1")
	if !created {
		t.Fatalf("first registration should create a client")
	}
	again, created := e.Register(ctx, "10.1.1.1")
	if created || again.ID != first.ID {
		t.Errorf("expected the same identity, got %s and %s", first.ID, again.ID)
	}
	other, _ := e.Register(ctx, "10.1.1.2")
	if other.ID == first.ID {
		t.Errorf("different peers must get different identities")
	}
}

func TestObserverSeesChanges(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var kinds []ChangeKind
	e := NewEngine(WithObserver(ObserverFunc(func(_ context.Context, c Change) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, c.Kind)
	})))
	a := register(t, e, "a")
	_, _ = e.Push(ctx, a, PushRequest{Lines: lines.Collection{1: newLine(0, 0)}})
	_, _ = e.Delete(ctx, a, lines.NewIDSet(1))
	_, _ = e.Clear(ctx, NoClient)

	want := []ChangeKind{ChangeRegister, ChangePush, ChangeDelete, ChangeClear}
	if fmt.Sprint(kinds) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, kinds)
	}
}

func TestConcurrentPushAndPull(t *testing.T) {
	ctx := context.Background()
	e := NewEngine()
	const clients = 8
	const perClient = 50

	ids := make([]ClientID, clients)
	for i := range ids {
		ids[i] = register(t, e, fmt.Sprintf("peer-%d", i))
	}

	wg := new(sync.WaitGroup)
	for i, c := range ids {
		wg.Add(1)
		go func(i int, c ClientID) {
			defer wg.Done()
			for j := 0; j < perClient; j++ {
				id := lines.ID(i*perClient + j + 1)
				if _, err := e.Push(ctx, c, PushRequest{Lines: lines.Collection{id: newLine(0.5, 0.5)}}); err != nil {
					t.Errorf("push failed: %v", err)
				}
				if _, err := e.Pull(ctx, c, lines.UnitRect); err != nil {
					t.Errorf("pull failed: %v", err)
				}
			}
		}(i, c)
	}
	wg.Wait()

	if n := len(e.Lines()); n != clients*perClient {
		t.Errorf("expected %d lines, got %d", clients*perClient, n)
	}
}
