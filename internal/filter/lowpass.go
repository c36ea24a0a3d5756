// Package filter smooths waveform traces with a zero-phase Butterworth low-pass.
//
// The filter is designed per trace from the trace's own sampling rate: the
// cutoff is a fixed ratio of the Nyquist frequency (0.4 by default). The
// analog Butterworth prototype is discretised with the bilinear transform
// into cascaded second-order sections, then run forward and backward over the
// samples so the output has no phase lag and timestamps do not shift.
package filter

import (
	"errors"
	"fmt"
	"math"

	"quakeview/internal/model"
)

const (
	// DefaultCutoffRatio is the cutoff as a fraction of the Nyquist frequency.
	DefaultCutoffRatio = 0.4

	// DefaultCorners is the number of poles of the low-pass prototype.
	DefaultCorners = 4
)

// Common errors returned by the filter.
var (
	ErrInvalidSamplingRate = errors.New("sampling rate must be positive and finite")
	ErrEmptyTrace          = errors.New("trace has no samples")
	ErrInvalidDesign       = errors.New("invalid filter design")
)

// Config holds the filter design parameters.
type Config struct {
	CutoffRatio float64 // Fraction of Nyquist in (0, 1)
	Corners     int     // Even number of poles
}

// Lowpass applies a zero-phase Butterworth low-pass to traces.
type Lowpass struct {
	cfg Config
}

// NewLowpass creates a filter, applying defaults for zero-valued fields.
func NewLowpass(cfg Config) (*Lowpass, error) {
	if cfg.CutoffRatio == 0 {
		cfg.CutoffRatio = DefaultCutoffRatio
	}
	if cfg.Corners == 0 {
		cfg.Corners = DefaultCorners
	}

	if cfg.CutoffRatio <= 0 || cfg.CutoffRatio >= 1 || math.IsNaN(cfg.CutoffRatio) {
		return nil, fmt.Errorf("%w: cutoff ratio %v outside (0, 1)", ErrInvalidDesign, cfg.CutoffRatio)
	}
	if cfg.Corners < 2 || cfg.Corners%2 != 0 {
		return nil, fmt.Errorf("%w: corners must be a positive even number, got %d", ErrInvalidDesign, cfg.Corners)
	}

	return &Lowpass{cfg: cfg}, nil
}

// Config returns the effective design parameters.
func (lp *Lowpass) Config() Config {
	return lp.cfg
}

// Cutoff returns the cutoff frequency in Hz for the given sampling rate.
func (lp *Lowpass) Cutoff(samplingRate float64) float64 {
	return lp.cfg.CutoffRatio * samplingRate / 2
}

// Apply returns a new Trace holding the smoothed samples. The input trace is
// not modified; selector, rate and start time are carried over unchanged.
func (lp *Lowpass) Apply(tr model.Trace) (model.Trace, error) {
	rate := tr.SamplingRate
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return model.Trace{}, fmt.Errorf("%w: got %v for %s", ErrInvalidSamplingRate, rate, tr.Selector)
	}
	if len(tr.Samples) == 0 {
		return model.Trace{}, fmt.Errorf("%w: %s at %s", ErrEmptyTrace, tr.Selector, tr.StartTime)
	}

	sections := design(lp.cfg.Corners, lp.cfg.CutoffRatio/2)

	out := make([]float64, len(tr.Samples))
	copy(out, tr.Samples)

	// forward pass, then the same sections over the reversed result
	for _, s := range sections {
		s.run(out)
	}
	reverse(out)
	for _, s := range sections {
		s.run(out)
	}
	reverse(out)

	return model.Trace{
		Selector:     tr.Selector,
		SamplingRate: tr.SamplingRate,
		StartTime:    tr.StartTime,
		Samples:      out,
	}, nil
}

// biquad is one normalised second-order section (a0 == 1).
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
}

// design returns the second-order sections of an order-n Butterworth
// low-pass with cutoff given as a fraction of the sampling rate.
func design(order int, cutoffOverRate float64) []biquad {
	k := math.Tan(math.Pi * cutoffOverRate)
	k2 := k * k

	sections := make([]biquad, 0, order/2)
	for i := 0; i < order/2; i++ {
		// pole pair quality factor of the analog prototype
		q := 1 / (2 * math.Cos(float64(2*i+1)*math.Pi/float64(2*order)))
		norm := 1 / (1 + k/q + k2)

		b0 := k2 * norm
		sections = append(sections, biquad{
			b0: b0,
			b1: 2 * b0,
			b2: b0,
			a1: 2 * (k2 - 1) * norm,
			a2: (1 - k/q + k2) * norm,
		})
	}
	return sections
}

// run filters x in place using transposed direct form II with zero initial
// state.
func (s biquad) run(x []float64) {
	var z1, z2 float64
	for i, in := range x {
		out := s.b0*in + z1
		z1 = s.b1*in - s.a1*out + z2
		z2 = s.b2*in - s.a2*out
		x[i] = out
	}
}

func reverse(x []float64) {
	for i, j := 0, len(x)-1; i < j; i, j = i+1, j-1 {
		x[i], x[j] = x[j], x[i]
	}
}
