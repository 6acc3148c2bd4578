// Package liveness keeps an advisory count of recently active peers. It has no bearing on the correctness of
// the canonical line state.
package liveness

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultInterval = 10 * time.Second
	DefaultTTL      = 30 * time.Second
)

type Tracker interface {
	// Touch marks peer as active now.
	Touch(ctx context.Context, peer string) error
	// Count returns the number of peers seen within the ttl.
	Count(ctx context.Context) (int, error)
	// Sweep evicts peers that have been inactive for longer than the ttl and returns how many were evicted.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

type MemoryTracker struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

func NewMemoryTracker(ttl time.Duration) *MemoryTracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryTracker{ttl: ttl, now: time.Now, lastSeen: make(map[string]time.Time)}
}

func (m *MemoryTracker) Touch(_ context.Context, peer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen[peer] = m.now()
	return nil
}

// Count includes peers that have expired but not been swept yet, mirroring a periodically pruned map.
func (m *MemoryTracker) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lastSeen), nil
}

func (m *MemoryTracker) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for peer, seen := range m.lastSeen {
		if now.Sub(seen) >= m.ttl {
			delete(m.lastSeen, peer)
			evicted++
		}
	}
	return evicted, nil
}

// RunSweeper sweeps tracker every interval until ctx is done.
func RunSweeper(ctx context.Context, tracker Tracker, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			if n, err := tracker.Sweep(ctx, now); err != nil {
				slog.Error("failed to sweep liveness", "err", err)
			} else if n > 0 {
				slog.Debug("evicted inactive peers", "count", n)
			}
		case <-ctx.Done():
			slog.Info("stopping liveness sweeper")
			return
		}
	}
}
