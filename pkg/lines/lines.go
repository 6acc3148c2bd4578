package lines

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// ID identifies a line. Ids are chosen by the author of the line and assumed to be globally unique.
type ID uint64

// Point is a position on the canvas, encoded as [x, y].
type Point struct {
	X, Y float64
}

func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.X, p.Y})
}

func (p *Point) UnmarshalJSON(data []byte) error {
	var raw [2]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode point: %w", err)
	}
	p.X, p.Y = raw[0], raw[1]
	return nil
}

// Stroke is the style a line is drawn with.
type Stroke struct {
	R     uint8   `json:"r"`
	G     uint8   `json:"g"`
	B     uint8   `json:"b"`
	A     uint8   `json:"a"`
	Width float64 `json:"width"`
}

// DefaultStroke is red with a width of 5.
var DefaultStroke = Stroke{R: 255, A: 255, Width: 5}

func (s *Stroke) UnmarshalJSON(data []byte) error {
	// older clients send the tuple form [r, g, b, a, width]
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err == nil {
		if len(tuple) != 5 {
			return fmt.Errorf("expected 5 stroke elements, got %d", len(tuple))
		}
		channels := []*uint8{&s.R, &s.G, &s.B, &s.A}
		for i, c := range channels {
			if err := json.Unmarshal(tuple[i], c); err != nil {
				return fmt.Errorf("failed to decode stroke channel %d: %w", i, err)
			}
		}
		if err := json.Unmarshal(tuple[4], &s.Width); err != nil {
			return fmt.Errorf("failed to decode stroke width: %w", err)
		}
		return nil
	}
	type plain Stroke
	var out plain
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("failed to decode stroke: %w", err)
	}
	*s = Stroke(out)
	return nil
}

// Line is an ordered sequence of points drawn with one stroke.
type Line struct {
	Points []Point `json:"points"`
	Stroke Stroke  `json:"stroke"`
}

func NewLine(stroke Stroke) Line {
	return Line{Points: make([]Point, 0), Stroke: stroke}
}

// Append adds a point to the end of the line. Points are never reordered or removed while drawing.
func (l *Line) Append(p Point) {
	l.Points = append(l.Points, p)
}

func (l Line) Clone() Line {
	out := Line{Stroke: l.Stroke, Points: make([]Point, len(l.Points))}
	copy(out.Points, l.Points)
	return out
}

func (l Line) Validate() error {
	if math.IsNaN(l.Stroke.Width) || math.IsInf(l.Stroke.Width, 0) || l.Stroke.Width < 0 {
		return fmt.Errorf("invalid stroke width %v", l.Stroke.Width)
	}
	for i, p := range l.Points {
		if !finite(p.X) || !finite(p.Y) {
			return fmt.Errorf("point %d is not finite", i)
		}
	}
	return nil
}

// Transformed returns a copy of the line with every point mapped by mode using rect.
func (l Line) Transformed(rect Rect, mode MergeMode) Line {
	out := l.Clone()
	for i, p := range out.Points {
		switch mode {
		case ToCanvas:
			out.Points[i] = rect.Denormalize(p)
		case FromCanvas:
			out.Points[i] = rect.Normalize(p)
		}
	}
	return out
}

// Collection maps line ids to lines.
type Collection map[ID]Line

func (c Collection) Clone() Collection {
	out := make(Collection, len(c))
	for id, l := range c {
		out[id] = l.Clone()
	}
	return out
}

// IDs returns the ids of the collection in ascending order.
func (c Collection) IDs() []ID {
	out := make([]ID, 0, len(c))
	for id := range c {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c Collection) Validate() error {
	for _, id := range c.IDs() {
		if err := c[id].Validate(); err != nil {
			return fmt.Errorf("line %d: %w", id, err)
		}
	}
	return nil
}

// Flag marks special pull responses.
type Flag string

const FlagClear Flag = "clear"

func (f *Flag) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch Flag(raw) {
	case FlagClear:
		*f = FlagClear
		return nil
	default:
		return fmt.Errorf("unknown flag %q", raw)
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
