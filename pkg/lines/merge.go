package lines

import (
	"errors"
	"fmt"
)

// MergeMode selects the coordinate transform applied to incoming lines.
type MergeMode int

const (
	// FromCanvas maps client canvas positions into normalized space. Used when a client pushes.
	FromCanvas MergeMode = iota
	// ToCanvas maps normalized positions into a client canvas. Used when a client pulls.
	ToCanvas
)

func (m MergeMode) String() string {
	switch m {
	case FromCanvas:
		return "from_canvas"
	case ToCanvas:
		return "to_canvas"
	default:
		return fmt.Sprintf("MergeMode(%d)", int(m))
	}
}

// ErrLeftoverChanges means a changed id survived a merge without being applied as an update or a
// deletion. It indicates a protocol bug rather than bad input.
var ErrLeftoverChanges = errors.New("changed ids left over after merge")

// Merge folds incoming into dst.
//
// Lines that dst does not know yet are inserted. Lines dst already has are only replaced when their id is
// in changed; otherwise dst keeps its own copy. Ids in changed that do not appear in incoming are deleted
// from dst. Every inserted or replaced line is transformed with rect according to mode. changed itself is
// left untouched.
func Merge(dst, incoming Collection, changed IDSet, rect Rect, mode MergeMode) error {
	working := changed.Clone()

	for _, id := range incoming.IDs() {
		line := incoming[id]
		_, exists := dst[id]
		switch {
		case exists && working.Remove(id):
			dst[id] = line.Transformed(rect, mode)
		case exists:
		default:
			dst[id] = line.Transformed(rect, mode)
			working.Remove(id)
		}
	}

	for id := range working {
		delete(dst, id)
		working.Remove(id)
	}

	// unreachable while the loop above drains working; kept so a future early exit cannot drop deletions silently
	if len(working) != 0 {
		return fmt.Errorf("%w: %v", ErrLeftoverChanges, working.Sorted())
	}
	return nil
}
