// Package events publishes a feed of applied canvas changes for downstream consumers.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/astromechza/linesync/pkg/lines"
	"github.com/astromechza/linesync/pkg/state"
)

type Event struct {
	Type     state.ChangeKind `json:"type"`
	Client   state.ClientID   `json:"client"`
	IDs      []lines.ID       `json:"ids,omitempty"`
	Revision uint64           `json:"revision"`
	Epoch    uint64           `json:"epoch,omitempty"`
	At       time.Time        `json:"at"`
}

func FromChange(c state.Change) Event {
	return Event{
		Type:     c.Kind,
		Client:   c.Client,
		IDs:      c.IDs,
		Revision: c.Revision,
		Epoch:    c.Epoch,
		At:       c.At,
	}
}

type Publisher interface {
	Enqueue(ctx context.Context, evt Event) error
}

// LogPublisher writes events to the structured log. It is used when no broker is configured.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Enqueue(_ context.Context, evt Event) error {
	l := p.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info("event", "type", evt.Type, "client", evt.Client, "ids", len(evt.IDs), "revision", evt.Revision)
	return nil
}

// Observer adapts a Publisher to the engine's change hook. Enqueue waits at most timeout so a slow feed
// never holds up request handling for long.
type Observer struct {
	Publisher Publisher
	Timeout   time.Duration
}

func (o Observer) OnChange(ctx context.Context, c state.Change) {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := o.Publisher.Enqueue(ctx, FromChange(c)); err != nil {
		slog.Warn("dropped event", "type", c.Kind, "revision", c.Revision, "err", err)
	}
}
