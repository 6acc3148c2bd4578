package state

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/astromechza/linesync/pkg/lines"
)

var (
	// ErrUnknownClient means the caller has to register again before retrying.
	ErrUnknownClient = errors.New("unknown client")
	// ErrInvalidPayload means the request was rejected without touching any state.
	ErrInvalidPayload = errors.New("invalid payload")
)

// PayloadError carries the reason a request body was rejected. It matches ErrInvalidPayload.
type PayloadError struct {
	cause error
}

func (e *PayloadError) Error() string        { return ErrInvalidPayload.Error() + ": " + e.cause.Error() }
func (e *PayloadError) Unwrap() error        { return e.cause }
func (e *PayloadError) Is(target error) bool { return target == ErrInvalidPayload }

func invalidPayload(err error, format string, args ...interface{}) error {
	return &PayloadError{cause: errors.Wrapf(err, format, args...)}
}

// PushRequest is what a client sends to fold its local lines into the canonical state.
type PushRequest struct {
	Lines        lines.Collection `json:"lines"`
	ChangedLines *lines.IDSet     `json:"changed_lines,omitempty"`
	CanvasRect   *lines.Rect      `json:"canvas_rect,omitempty"`
}

type PushResult struct {
	Revision uint64 `json:"revision"`
}

// PullResponse is the diff a client merges into its local view. When Flag is FlagClear the client must drop
// its local lines instead.
type PullResponse struct {
	Lines        lines.Collection `json:"lines"`
	ChangedLines lines.IDSet      `json:"changed_lines,omitempty"`
	Flag         lines.Flag       `json:"flag,omitempty"`
}

type DeleteResult struct {
	Removed  int    `json:"removed"`
	Revision uint64 `json:"revision"`
}

type ClearResult struct {
	Removed  lines.Collection `json:"-"`
	Epoch    uint64           `json:"epoch"`
	Revision uint64           `json:"revision"`
}

type Stats struct {
	Clients        int    `json:"clients"`
	Lines          int    `json:"lines"`
	BarrierPending int    `json:"barrier_pending"`
	Revision       uint64 `json:"revision"`
}

type ChangeKind string

const (
	ChangeRegister ChangeKind = "register"
	ChangePush     ChangeKind = "push"
	ChangeDelete   ChangeKind = "delete"
	ChangeClear    ChangeKind = "clear"
)

// Change describes a mutation that has already been applied.
type Change struct {
	Kind     ChangeKind
	Client   ClientID
	IDs      []lines.ID
	Revision uint64
	Epoch    uint64
	// Removed holds the lines dropped by a clear.
	Removed lines.Collection
	At      time.Time
}

// Observer is told about every applied change. It is called after the engine lock has been released.
type Observer interface {
	OnChange(ctx context.Context, change Change)
}

type ObserverFunc func(ctx context.Context, change Change)

func (f ObserverFunc) OnChange(ctx context.Context, change Change) { f(ctx, change) }

// Engine owns the canonical state. Every operation holds the one engine lock for its whole
// read-modify-write and never blocks on I/O while holding it.
type Engine struct {
	mu       sync.Mutex
	store    *LineStore
	registry *ClientRegistry
	tracker  *ChangeTracker
	barrier  *ClearBarrier
	revision uint64

	observers []Observer
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Engine)

func WithIDGenerator(gen IDGenerator) Option {
	return func(e *Engine) { e.registry = NewClientRegistry(gen) }
}

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		store:    NewLineStore(),
		registry: NewClientRegistry(nil),
		tracker:  NewChangeTracker(),
		barrier:  NewClearBarrier(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) notify(ctx context.Context, c Change) {
	c.At = e.now()
	for _, o := range e.observers {
		o.OnChange(ctx, c)
	}
}

// Register returns the identity of peer, creating it on first contact. A client registering while a clear
// barrier is active is not enrolled in it: it has never seen any state from before the clear.
func (e *Engine) Register(ctx context.Context, peer Peer) (ClientInfo, bool) {
	e.mu.Lock()
	info, created := e.registry.RegisterOrGet(peer)
	if created {
		e.tracker.Track(info.ID)
	}
	rev := e.revision
	e.mu.Unlock()

	if created {
		e.logger.Info("registered client", "client", info.ID, "peer", peer)
		e.notify(ctx, Change{Kind: ChangeRegister, Client: info.ID, Revision: rev})
	}
	return info, created
}

func (e *Engine) knownLocked(id ClientID) error {
	if _, ok := e.registry.Lookup(id); !ok {
		return errors.Wrapf(ErrUnknownClient, "client %s", id)
	}
	return nil
}

// Push merges the caller's lines into the canonical state and fans any changed ids out to every other
// client. The batch is validated and merged into a copy first so a failure leaves the state untouched.
func (e *Engine) Push(ctx context.Context, client ClientID, req PushRequest) (PushResult, error) {
	rect := lines.UnitRect
	if req.CanvasRect != nil {
		rect = *req.CanvasRect
	}
	if err := rect.Validate(); err != nil {
		return PushResult{}, invalidPayload(err, "push from client %s", client)
	}
	if err := req.Lines.Validate(); err != nil {
		return PushResult{}, invalidPayload(err, "push from client %s", client)
	}
	var changed lines.IDSet
	if req.ChangedLines != nil {
		changed = *req.ChangedLines
	}

	e.mu.Lock()
	if err := e.knownLocked(client); err != nil {
		e.mu.Unlock()
		return PushResult{}, err
	}
	working := e.store.Snapshot()
	if err := lines.Merge(working, req.Lines, changed, rect, lines.FromCanvas); err != nil {
		e.mu.Unlock()
		e.logger.Error("merge invariant violated on push", "client", client, "err", err)
		return PushResult{}, errors.Wrapf(err, "push from client %s", client)
	}
	e.store.Replace(working)
	e.tracker.RecordDeletions(changed, client)
	e.revision++
	rev := e.revision
	e.mu.Unlock()

	ids := req.Lines.IDs()
	e.notify(ctx, Change{Kind: ChangePush, Client: client, IDs: ids, Revision: rev})
	return PushResult{Revision: rev}, nil
}

// Delete removes ids from the canonical state and records them as pending for every other client. The
// deleting client is not notified of its own deletions.
func (e *Engine) Delete(ctx context.Context, client ClientID, ids lines.IDSet) (DeleteResult, error) {
	e.mu.Lock()
	if err := e.knownLocked(client); err != nil {
		e.mu.Unlock()
		return DeleteResult{}, err
	}
	sorted := ids.Sorted()
	removed := e.store.Remove(sorted...)
	e.tracker.RecordDeletions(ids, client)
	e.revision++
	rev := e.revision
	e.mu.Unlock()

	e.notify(ctx, Change{Kind: ChangeDelete, Client: client, IDs: sorted, Revision: rev})
	return DeleteResult{Removed: removed, Revision: rev}, nil
}

// Pull returns the canonical state in the caller's canvas space along with the ids deleted since its last
// pull. A client that has not yet seen the latest clear gets the clear flag instead, exactly once.
func (e *Engine) Pull(ctx context.Context, client ClientID, rect lines.Rect) (PullResponse, error) {
	if err := rect.Validate(); err != nil {
		return PullResponse{}, invalidPayload(err, "pull from client %s", client)
	}

	e.mu.Lock()
	if err := e.knownLocked(client); err != nil {
		e.mu.Unlock()
		return PullResponse{}, err
	}
	if e.barrier.Consume(client) {
		// anything recorded since the clear refers to lines the client is about to drop anyway
		e.tracker.TakePending(client)
		e.mu.Unlock()
		e.logger.Debug("delivered clear", "client", client)
		return PullResponse{Lines: lines.Collection{}, Flag: lines.FlagClear}, nil
	}
	canonical := e.store.Snapshot()
	changed := e.tracker.TakePending(client)
	e.mu.Unlock()

	out := make(lines.Collection, len(canonical))
	for id, l := range canonical {
		out[id] = l.Transformed(rect, lines.ToCanvas)
	}
	return PullResponse{Lines: out, ChangedLines: changed}, nil
}

// Clear empties the canonical state, discards all pending deletions and arms the clear barrier for every
// registered client. client may be NoClient for anonymous callers.
func (e *Engine) Clear(ctx context.Context, client ClientID) (ClearResult, error) {
	e.mu.Lock()
	if client != NoClient {
		if err := e.knownLocked(client); err != nil {
			e.mu.Unlock()
			return ClearResult{}, err
		}
	}
	removed := e.store.Clear()
	e.tracker.Reset()
	epoch := e.barrier.Arm(e.registry.IDs())
	e.revision++
	rev := e.revision
	e.mu.Unlock()

	e.logger.Info("cleared canvas", "client", client, "epoch", epoch, "lines", len(removed))
	e.notify(ctx, Change{Kind: ChangeClear, Client: client, IDs: removed.IDs(), Revision: rev, Epoch: epoch, Removed: removed})
	return ClearResult{Removed: removed, Epoch: epoch, Revision: rev}, nil
}

// Lines returns the canonical state in normalized space.
func (e *Engine) Lines() lines.Collection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Snapshot()
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Clients:        e.registry.Len(),
		Lines:          e.store.Len(),
		BarrierPending: len(e.barrier.Pending()),
		Revision:       e.revision,
	}
}
