package trace

import (
	"fmt"
	"math"
)

// Rect is a layout rectangle in page coordinates.
type Rect struct {
	X      float64 `json:"x" yaml:"x"`
	Y      float64 `json:"y" yaml:"y"`
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// Empty reports whether r covers no area.
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Overlaps reports whether r and o share area. Touching edges do not count.
func (r Rect) Overlaps(o Rect) bool {
	return r.X < o.X+o.Width && o.X < r.X+r.Width &&
		r.Y < o.Y+o.Height && o.Y < r.Y+r.Height
}

// Contains reports whether o lies entirely inside r.
func (r Rect) Contains(o Rect) bool {
	return r.X <= o.X && r.Y <= o.Y &&
		o.X+o.Width <= r.X+r.Width &&
		o.Y+o.Height <= r.Y+r.Height
}

// Rounded returns r with every coordinate rounded to one decimal.
func (r Rect) Rounded() Rect {
	round := func(v float64) float64 { return math.Round(v*10) / 10 }
	return Rect{X: round(r.X), Y: round(r.Y), Width: round(r.Width), Height: round(r.Height)}
}

func (r Rect) String() string {
	return fmt.Sprintf("(%g,%g %gx%g)", r.X, r.Y, r.Width, r.Height)
}
