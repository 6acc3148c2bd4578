package client

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/astromechza/linesync/pkg/lines"
	"github.com/astromechza/linesync/pkg/state"
)

// Canvas is a client's local view of the shared drawing, held in the client's own canvas coordinates.
// Lines that were drawn or extended locally stay unsent until a push carrying them has been acknowledged.
// Erased ids are remembered until a pull shows the server no longer has them, so a pull that was taken
// before the deletion reached the server cannot bring them back.
type Canvas struct {
	mu     sync.Mutex
	rect   lines.Rect
	lines  lines.Collection
	unsent map[lines.ID]uint64
	erased lines.IDSet
	edits  uint64
}

func NewCanvas(rect lines.Rect) (*Canvas, error) {
	if err := rect.Validate(); err != nil {
		return nil, fmt.Errorf("invalid canvas: %w", err)
	}
	return &Canvas{
		rect:   rect,
		lines:  make(lines.Collection),
		unsent: make(map[lines.ID]uint64),
		erased: lines.NewIDSet(),
	}, nil
}

func (c *Canvas) Rect() lines.Rect {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rect
}

func (c *Canvas) touchLocked(id lines.ID) {
	c.edits++
	c.unsent[id] = c.edits
}

// Draw adds a new line under a fresh random id.
func (c *Canvas) Draw(l lines.Line) lines.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := lines.ID(rand.Uint64())
	for {
		if _, taken := c.lines[id]; !taken && id != 0 && !c.erased.Has(id) {
			break
		}
		id = lines.ID(rand.Uint64())
	}
	c.lines[id] = l.Clone()
	c.touchLocked(id)
	return id
}

// Extend appends points to an existing line and reports whether the line was found.
func (c *Canvas) Extend(id lines.ID, points ...lines.Point) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.lines[id]
	if !ok {
		return false
	}
	for _, p := range points {
		l.Append(p)
	}
	c.lines[id] = l
	c.touchLocked(id)
	return true
}

// Erase removes ids locally and returns the ones that were present. The ids stay hidden from later pulls
// until the server stops reporting them.
func (c *Canvas) Erase(ids ...lines.ID) lines.IDSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := lines.NewIDSet()
	for _, id := range ids {
		if _, ok := c.lines[id]; ok {
			delete(c.lines, id)
			out.Add(id)
		}
		delete(c.unsent, id)
		c.erased.Add(id)
	}
	return out
}

// Unerase stops hiding ids, used when the deletion never reached the server.
func (c *Canvas) Unerase(ids ...lines.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		c.erased.Remove(id)
	}
}

// Clear drops every local line, sent or not.
func (c *Canvas) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = make(lines.Collection)
	c.unsent = make(map[lines.ID]uint64)
	c.erased = lines.NewIDSet()
}

// MarkAllUnsent queues every local line for the next push, used after the server has forgotten this client.
func (c *Canvas) MarkAllUnsent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.lines {
		c.touchLocked(id)
	}
}

// Batch is a snapshot of the unsent lines ready to be pushed.
type Batch struct {
	state.PushRequest
	versions map[lines.ID]uint64
}

// PushRequest snapshots the unsent lines. Every line in the batch is flagged as changed so the server
// replaces its copy. The second result is false when there is nothing to send.
func (c *Canvas) PushRequest() (Batch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.unsent) == 0 {
		return Batch{}, false
	}
	rect := c.rect
	b := Batch{
		PushRequest: state.PushRequest{
			Lines:        make(lines.Collection, len(c.unsent)),
			ChangedLines: new(lines.IDSet),
			CanvasRect:   &rect,
		},
		versions: make(map[lines.ID]uint64, len(c.unsent)),
	}
	*b.ChangedLines = lines.NewIDSet()
	for id, v := range c.unsent {
		b.Lines[id] = c.lines[id].Clone()
		b.ChangedLines.Add(id)
		b.versions[id] = v
	}
	return b, true
}

// Acknowledge marks the lines of b as sent unless they were edited again after b was taken.
func (c *Canvas) Acknowledge(b Batch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, v := range b.versions {
		if c.unsent[id] == v {
			delete(c.unsent, id)
		}
	}
}

// ApplyPull merges a pull response that was requested in normalized space. A clear flag drops every local
// line, including unsent ones.
func (c *Canvas) ApplyPull(resp state.PullResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if resp.Flag == lines.FlagClear {
		c.lines = make(lines.Collection)
		c.unsent = make(map[lines.ID]uint64)
		c.erased = lines.NewIDSet()
		return nil
	}
	incoming := resp.Lines
	if len(c.erased) > 0 {
		incoming = make(lines.Collection, len(resp.Lines))
		for id, l := range resp.Lines {
			if !c.erased.Has(id) {
				incoming[id] = l
			}
		}
		for id := range c.erased {
			if _, still := resp.Lines[id]; !still {
				c.erased.Remove(id)
			}
		}
	}
	if err := lines.Merge(c.lines, incoming, resp.ChangedLines, c.rect, lines.ToCanvas); err != nil {
		return err
	}
	for id := range resp.ChangedLines {
		if _, ok := c.lines[id]; !ok {
			delete(c.unsent, id)
		}
	}
	return nil
}

// Lines returns a copy of the local lines in canvas coordinates.
func (c *Canvas) Lines() lines.Collection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lines.Clone()
}

func (c *Canvas) Unsent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.unsent)
}
