package lines

import (
	"encoding/json"
	"fmt"
)

// Rect is an axis aligned canvas rectangle, encoded as [min_x, min_y, max_x, max_y].
type Rect struct {
	MinX, MinY, MaxX, MaxY float64
}

// UnitRect is the normalized canonical space.
var UnitRect = Rect{MinX: 0, MinY: 0, MaxX: 1, MaxY: 1}

func NewRect(minX, minY, width, height float64) Rect {
	return Rect{MinX: minX, MinY: minY, MaxX: minX + width, MaxY: minY + height}
}

func (r Rect) Width() float64  { return r.MaxX - r.MinX }
func (r Rect) Height() float64 { return r.MaxY - r.MinY }

func (r Rect) Validate() error {
	for _, f := range []float64{r.MinX, r.MinY, r.MaxX, r.MaxY} {
		if !finite(f) {
			return fmt.Errorf("canvas rect %v is not finite", r)
		}
	}
	if r.Width() <= 0 || r.Height() <= 0 {
		return fmt.Errorf("canvas rect %v has no area", r)
	}
	return nil
}

// Normalize maps an absolute canvas position into normalized space.
func (r Rect) Normalize(p Point) Point {
	return Point{
		X: (p.X - r.MinX) / r.Width(),
		Y: (p.Y - r.MinY) / r.Height(),
	}
}

// Denormalize is the inverse of Normalize.
func (r Rect) Denormalize(p Point) Point {
	return Point{
		X: p.X*r.Width() + r.MinX,
		Y: p.Y*r.Height() + r.MinY,
	}
}

func (r Rect) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]float64{r.MinX, r.MinY, r.MaxX, r.MaxY})
}

func (r *Rect) UnmarshalJSON(data []byte) error {
	var raw [4]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode rect: %w", err)
	}
	*r = Rect{MinX: raw[0], MinY: raw[1], MaxX: raw[2], MaxY: raw[3]}
	return nil
}
