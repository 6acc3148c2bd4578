package state

import (
	"sort"
)

// ClearBarrier tracks which clients have not yet observed the most recent clear. A nil pending set means
// the barrier is inactive.
type ClearBarrier struct {
	pending map[ClientID]struct{}
	epoch   uint64
}

func NewClearBarrier() *ClearBarrier {
	return &ClearBarrier{}
}

// Arm starts a new clear epoch covering clients. Clients still pending from an older clear are folded into
// the new one since they only need to be told once.
func (b *ClearBarrier) Arm(clients []ClientID) uint64 {
	b.epoch++
	if b.pending == nil {
		b.pending = make(map[ClientID]struct{}, len(clients))
	}
	for _, id := range clients {
		b.pending[id] = struct{}{}
	}
	if len(b.pending) == 0 {
		b.pending = nil
	}
	return b.epoch
}

// Consume reports whether id still had to observe the clear, removing it from the barrier. The barrier
// deactivates once the last client has been removed.
func (b *ClearBarrier) Consume(id ClientID) bool {
	if b.pending == nil {
		return false
	}
	if _, ok := b.pending[id]; !ok {
		return false
	}
	delete(b.pending, id)
	if len(b.pending) == 0 {
		b.pending = nil
	}
	return true
}

func (b *ClearBarrier) Active() bool {
	return b.pending != nil
}

func (b *ClearBarrier) Pending() []ClientID {
	out := make([]ClientID, 0, len(b.pending))
	for id := range b.pending {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (b *ClearBarrier) Epoch() uint64 {
	return b.epoch
}
