package state

import (
	"github.com/astromechza/linesync/pkg/lines"
)

// ChangeTracker holds, per client, the deleted line ids that client has not been told about yet.
type ChangeTracker struct {
	pending map[ClientID]lines.IDSet
}

func NewChangeTracker() *ChangeTracker {
	return &ChangeTracker{pending: make(map[ClientID]lines.IDSet)}
}

// Track starts tracking a client with an empty pending set. Tracking an already known client is a no-op.
func (t *ChangeTracker) Track(id ClientID) {
	if _, ok := t.pending[id]; !ok {
		t.pending[id] = make(lines.IDSet)
	}
}

// RecordDeletions adds ids to the pending set of every tracked client except the given one. Pass
// NoClient to fan out to everyone.
func (t *ChangeTracker) RecordDeletions(ids lines.IDSet, except ClientID) {
	if len(ids) == 0 {
		return
	}
	for client, set := range t.pending {
		if client == except {
			continue
		}
		set.Union(ids)
	}
}

// TakePending returns and clears the pending set of a client.
func (t *ChangeTracker) TakePending(id ClientID) lines.IDSet {
	set, ok := t.pending[id]
	if !ok {
		return make(lines.IDSet)
	}
	t.pending[id] = make(lines.IDSet)
	return set
}

// PendingCount returns the size of a client's pending set without consuming it.
func (t *ChangeTracker) PendingCount(id ClientID) int {
	return len(t.pending[id])
}

// Reset discards every pending deletion but keeps tracking the same clients.
func (t *ChangeTracker) Reset() {
	for id := range t.pending {
		t.pending[id] = make(lines.IDSet)
	}
}
