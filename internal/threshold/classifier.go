// Package threshold maps amplitude values to severity tiers and display colors.
//
// A Table is an ordered list of breakpoints sorted descending by amplitude.
// Two lookups are provided: Interpolated blends linearly between the two
// bracketing breakpoints and is used for per-point line coloring; Discrete
// returns a breakpoint color unchanged and is used for axis-wide coloring.
// Values outside the table saturate to the nearest extreme.
//
// Tables are immutable after construction and safe for concurrent use.
package threshold

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"quakeview/internal/model"
)

// Common errors returned by NewTable.
var (
	ErrEmptyTable      = errors.New("threshold table has no breakpoints")
	ErrInvalidValue    = errors.New("breakpoint value must be finite")
	ErrDuplicateValues = errors.New("breakpoint values must be unique")
)

// Tier is the classification of one amplitude value.
type Tier struct {
	Severity  string      // Label of the tier boundary the value has reached
	Color     model.Color // Interpolated line color
	AxisColor model.Color // Discrete axis color
}

// Table is a descending list of breakpoints.
type Table struct {
	steps []model.Breakpoint
}

// NewTable validates the breakpoints and returns a Table sorted descending by
// value. The input slice is copied.
func NewTable(breakpoints []model.Breakpoint) (*Table, error) {
	if len(breakpoints) == 0 {
		return nil, ErrEmptyTable
	}

	steps := make([]model.Breakpoint, len(breakpoints))
	copy(steps, breakpoints)

	for i, bp := range steps {
		if math.IsNaN(bp.Value) || math.IsInf(bp.Value, 0) {
			return nil, fmt.Errorf("%w: breakpoint %d has value %v", ErrInvalidValue, i, bp.Value)
		}
	}

	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Value > steps[j].Value })

	for i := 1; i < len(steps); i++ {
		if steps[i].Value == steps[i-1].Value {
			return nil, fmt.Errorf("%w: %v appears twice", ErrDuplicateValues, steps[i].Value)
		}
	}

	return &Table{steps: steps}, nil
}

// MustTable is NewTable for static tables; it panics on invalid input.
func MustTable(breakpoints []model.Breakpoint) *Table {
	t, err := NewTable(breakpoints)
	if err != nil {
		panic(err)
	}
	return t
}

// Breakpoints returns a copy of the sorted breakpoints.
func (t *Table) Breakpoints() []model.Breakpoint {
	out := make([]model.Breakpoint, len(t.steps))
	copy(out, t.steps)
	return out
}

// bracket locates v in the table. When v sits exactly on a breakpoint or
// outside the table range, upper and lower are the same index.
func (t *Table) bracket(v float64) (upper, lower int) {
	n := len(t.steps)
	if math.IsNaN(v) {
		calm := t.nearestZero()
		return calm, calm
	}

	// first index whose value is <= v
	i := sort.Search(n, func(i int) bool { return t.steps[i].Value <= v })
	switch {
	case i == 0:
		return 0, 0
	case i == n:
		return n - 1, n - 1
	case t.steps[i].Value == v:
		return i, i
	default:
		return i - 1, i
	}
}

func (t *Table) nearestZero() int {
	best := 0
	for i, bp := range t.steps {
		if math.Abs(bp.Value) < math.Abs(t.steps[best].Value) {
			best = i
		}
	}
	return best
}

// Interpolated returns the color for v blended linearly between the two
// bracketing breakpoints.
func (t *Table) Interpolated(v float64) model.Color {
	upper, lower := t.bracket(v)
	if upper == lower {
		return t.steps[upper].Color
	}

	hi, lo := t.steps[upper], t.steps[lower]
	frac := (hi.Value - v) / (hi.Value - lo.Value)
	return blend(hi.Color, lo.Color, frac)
}

// Discrete returns the color of the bracketing breakpoint nearer zero, that
// is the last tier boundary the value has crossed. No blending is applied.
func (t *Table) Discrete(v float64) model.Color {
	return t.steps[t.discreteIndex(v)].Color
}

func (t *Table) discreteIndex(v float64) int {
	upper, lower := t.bracket(v)
	if upper == lower {
		return upper
	}

	hi, lo := math.Abs(t.steps[upper].Value), math.Abs(t.steps[lower].Value)
	switch {
	case lo < hi:
		return lower
	case hi < lo:
		return upper
	case v < 0:
		return lower
	default:
		return upper
	}
}

// Classify returns the tier for v with both the line and axis colors.
func (t *Table) Classify(v float64) Tier {
	idx := t.discreteIndex(v)
	return Tier{
		Severity:  t.steps[idx].Severity,
		Color:     t.Interpolated(v),
		AxisColor: t.steps[idx].Color,
	}
}

// LookupTable converts the table into renderer lookup-table steps.
func (t *Table) LookupTable(interpolate bool) model.LookupTable {
	return model.LookupTable{
		Steps:       t.Breakpoints(),
		Interpolate: interpolate,
		Property:    "y",
	}
}

// ReferenceLines returns one constant line per non-zero breakpoint, drawn in
// the breakpoint's color.
func (t *Table) ReferenceLines(thickness float64) []model.ConstantLine {
	lines := make([]model.ConstantLine, 0, len(t.steps))
	for _, bp := range t.steps {
		if bp.Value == 0 {
			continue
		}
		lines = append(lines, model.ConstantLine{
			Value:     bp.Value,
			Color:     bp.Color,
			Thickness: thickness,
		})
	}
	return lines
}

// blend mixes a towards b by frac in [0,1], rounding each channel half away
// from zero.
func blend(a, b model.Color, frac float64) model.Color {
	mix := func(x, y uint8) uint8 {
		return uint8(math.Round(float64(x) + (float64(y)-float64(x))*frac))
	}
	return model.Color{
		R: mix(a.R, b.R),
		G: mix(a.G, b.G),
		B: mix(a.B, b.B),
		A: mix(a.A, b.A),
	}
}
