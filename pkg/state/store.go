package state

import (
	"github.com/astromechza/linesync/pkg/lines"
)

// LineStore is the canonical collection of lines in normalized space. It has no merge semantics and no
// locking of its own; the Engine guards it.
type LineStore struct {
	lines lines.Collection
}

func NewLineStore() *LineStore {
	return &LineStore{lines: make(lines.Collection)}
}

// Snapshot returns a deep copy of the current state.
func (s *LineStore) Snapshot() lines.Collection {
	return s.lines.Clone()
}

// Remove deletes the given ids and returns how many were present.
func (s *LineStore) Remove(ids ...lines.ID) int {
	removed := 0
	for _, id := range ids {
		if _, ok := s.lines[id]; ok {
			delete(s.lines, id)
			removed++
		}
	}
	return removed
}

// Replace swaps the whole state for c. The store takes ownership of c.
func (s *LineStore) Replace(c lines.Collection) {
	if c == nil {
		c = make(lines.Collection)
	}
	s.lines = c
}

// Clear empties the store and returns what it held.
func (s *LineStore) Clear() lines.Collection {
	old := s.lines
	s.lines = make(lines.Collection)
	return old
}

func (s *LineStore) Len() int {
	return len(s.lines)
}
