// Package ingest turns delivered waveform traces into timestamped sample points.
//
// The Adapter is the single producer of the playback buffer. For each trace,
// in arrival order, it:
//  1. Rejects degenerate traces (non-positive rate, no samples) with a warning
//  2. Runs the zero-phase low-pass filter
//  3. Converts sample indices to absolute millisecond timestamps
//  4. Enqueues the resulting points in sample order
//  5. Appends the filtered trace to the session audit trail
//
// A rejected trace never produces points and never stops the session.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quakeview/internal/filter"
	"quakeview/internal/metrics"
	"quakeview/internal/model"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Common errors returned by the adapter.
var (
	// ErrTraceSkipped wraps the reason a trace produced no points.
	ErrTraceSkipped = errors.New("trace skipped")

	// ErrFeedClosed is returned by Run when the trace channel is closed.
	ErrFeedClosed = errors.New("trace feed closed")
)

// Skip reasons reported to metrics.
const (
	reasonInvalidRate = "invalid_rate"
	reasonEmpty       = "empty"
	reasonFilter      = "filter"
)

var millisPerSecond = decimal.NewFromInt(1000)

// TraceFilter smooths one trace.
type TraceFilter interface {
	Apply(tr model.Trace) (model.Trace, error)
}

// PointSink receives sample points in order.
type PointSink interface {
	Enqueue(ctx context.Context, p model.SamplePoint) error
}

// Recorder keeps the audit trail of processed traces.
type Recorder interface {
	Record(tr model.Trace)
}

// Adapter converts traces into buffered sample points.
type Adapter struct {
	filter   TraceFilter
	sink     PointSink
	recorder Recorder
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewAdapter creates an adapter. recorder and m may be nil.
func NewAdapter(f TraceFilter, sink PointSink, recorder Recorder, m *metrics.Metrics) *Adapter {
	return &Adapter{
		filter:   f,
		sink:     sink,
		recorder: recorder,
		metrics:  m,
		now:      time.Now,
	}
}

// Run consumes traces until the channel closes (ErrFeedClosed) or ctx is
// done. Skipped traces are logged and do not end the loop.
func (a *Adapter) Run(ctx context.Context, traces <-chan model.Trace) error {
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("ingest stopped")
			return ctx.Err()
		case tr, ok := <-traces:
			if !ok {
				return ErrFeedClosed
			}
			if err := a.OnTrace(ctx, tr); err != nil && !errors.Is(err, ErrTraceSkipped) {
				return err
			}
		}
	}
}

// OnTrace processes one delivered trace. It returns an error wrapping
// ErrTraceSkipped for degenerate traces, or the sink's error if enqueueing
// fails.
func (a *Adapter) OnTrace(ctx context.Context, tr model.Trace) error {
	logger := log.With().
		Str("component", "ingest").
		Str("selector", tr.Selector.String()).
		Time("start", tr.StartTime).
		Float64("samplingRate", tr.SamplingRate).
		Int("samples", len(tr.Samples)).
		Logger()

	a.metrics.TraceReceived(a.now().Sub(tr.EndTime()))

	filtered, err := a.filter.Apply(tr)
	if err != nil {
		reason := reasonFilter
		switch {
		case errors.Is(err, filter.ErrInvalidSamplingRate):
			reason = reasonInvalidRate
		case errors.Is(err, filter.ErrEmptyTrace):
			reason = reasonEmpty
		}
		a.metrics.TraceSkipped(reason)
		logger.Warn().Err(err).Str("reason", reason).Msg("skipping trace")
		return fmt.Errorf("%w: %v", ErrTraceSkipped, err)
	}

	points := ToPoints(filtered)
	for i, p := range points {
		if err := a.sink.Enqueue(ctx, p); err != nil {
			a.metrics.PointsEnqueued(i)
			return fmt.Errorf("enqueue point %d of %d: %w", i, len(points), err)
		}
	}
	a.metrics.PointsEnqueued(len(points))

	if a.recorder != nil {
		a.recorder.Record(filtered)
	}

	logger.Debug().Msg("trace enqueued")
	return nil
}

// ToPoints converts a trace into sample points. The timestamp of sample i is
// start_ms + (i / rate) * 1000, computed in decimal and rounded half away
// from zero so fractional sample periods never accumulate error.
func ToPoints(tr model.Trace) []model.SamplePoint {
	if tr.SamplingRate <= 0 || len(tr.Samples) == 0 {
		return nil
	}

	startMs := decimal.New(tr.StartTime.UnixNano(), -6)
	rate := decimal.NewFromFloat(tr.SamplingRate)

	points := make([]model.SamplePoint, len(tr.Samples))
	for i, amp := range tr.Samples {
		offset := decimal.NewFromInt(int64(i)).Mul(millisPerSecond).Div(rate)
		points[i] = model.SamplePoint{
			TimestampMs: startMs.Add(offset).Round(0).IntPart(),
			Amplitude:   amp,
		}
	}
	return points
}
