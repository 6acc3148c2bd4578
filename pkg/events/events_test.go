package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama/mocks"
	"github.com/cenkalti/backoff"

	"github.com/astromechza/linesync/pkg/lines"
	"github.com/astromechza/linesync/pkg/state"
)

func TestKafkaDispatcherRetriesThenSends(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(errors.New("broker unavailable"))
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt Event
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.Type != state.ChangeDelete || evt.Revision != 7 || len(evt.IDs) != 2 {
			return fmt.Errorf("unexpected event %+v", evt)
		}
		return nil
	})

	d := NewKafkaDispatcher(producer, "linesync.changes", KafkaDispatcherOptions{
		QueueSize:   4,
		Workers:     1,
		MaxRetry:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	})

	err := d.Enqueue(context.Background(), Event{Type: state.ChangeDelete, Client: 3, IDs: []lines.ID{1, 2}, Revision: 7})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestKafkaDispatcherDropsAfterMaxRetry(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(errors.New("nope"))
	producer.ExpectSendMessageAndFail(errors.New("nope"))

	d := NewKafkaDispatcher(producer, "t", KafkaDispatcherOptions{QueueSize: 1, Workers: 1, MaxRetry: 1, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	if err := d.Enqueue(context.Background(), Event{Type: state.ChangeClear}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestKafkaRetryPolicyDoublesUpToCap(t *testing.T) {
	d := &KafkaDispatcher{opt: KafkaDispatcherOptions{MaxRetry: 3, BaseBackoff: time.Millisecond, MaxBackoff: 3 * time.Millisecond}}
	b := d.retryPolicy()
	b.Reset()
	want := []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond, backoff.Stop}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Errorf("wait %d: expected %v, got %v", i, w, got)
		}
	}
}

type blockingPublisher struct{}

func (blockingPublisher) Enqueue(ctx context.Context, _ Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestObserverGivesUpAfterTimeout(t *testing.T) {
	o := Observer{Publisher: blockingPublisher{}, Timeout: 10 * time.Millisecond}
	start := time.Now()
	o.OnChange(context.Background(), state.Change{Kind: state.ChangePush})
	if time.Since(start) > time.Second {
		t.Errorf("observer blocked for too long")
	}
}

type recordingPublisher struct {
	events []Event
}

func (r *recordingPublisher) Enqueue(_ context.Context, evt Event) error {
	r.events = append(r.events, evt)
	return nil
}

func TestObserverForwardsEngineChanges(t *testing.T) {
	ctx := context.Background()
	rec := &recordingPublisher{}
	e := state.NewEngine(state.WithObserver(Observer{Publisher: rec}))
	info, _ := e.Register(ctx, "p")
	if _, err := e.Delete(ctx, info.ID, lines.NewIDSet(5)); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if len(rec.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(rec.events))
	}
	last := rec.events[1]
	if last.Type != state.ChangeDelete || last.Client != info.ID || len(last.IDs) != 1 || last.IDs[0] != 5 {
		t.Errorf("unexpected event %+v", last)
	}
	if err := (LogPublisher{}).Enqueue(ctx, last); err != nil {
		t.Errorf("log publisher failed: %v", err)
	}
}
