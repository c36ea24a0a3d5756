// Package playback drains the point buffer at a fixed display cadence.
//
// The Driver is the single consumer of the point buffer. It takes one point
// at a time, waits on a token-bucket limiter so consecutive renders are at
// least Interval apart, resolves the point's color with the threshold table
// and hands it to every renderer. When the buffer is empty it blocks on the
// buffer rather than polling. Ingest may run arbitrarily far ahead; the
// interval is a floor on the per-point spacing, not a cap on ingest.
package playback

import (
	"context"
	"errors"
	"time"

	"quakeview/internal/buffer"
	"quakeview/internal/metrics"
	"quakeview/internal/model"
	"quakeview/internal/threshold"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// DefaultInterval is the minimum spacing between rendered points.
const DefaultInterval = 10 * time.Millisecond

// Renderer displays points on a live chart.
type Renderer interface {
	// Name identifies the renderer in logs and metrics.
	Name() string

	// Configure applies the static chart configuration. Called once per
	// session before the first Append.
	Configure(cfg model.ChartConfig) error

	// Append adds one point to the chart.
	Append(p model.RenderedPoint) error
}

// Source yields buffered points in FIFO order.
type Source interface {
	Next(ctx context.Context) (model.SamplePoint, error)
	Len() int
	Dropped() uint64
}

// Classifier resolves the display tier of an amplitude.
type Classifier interface {
	Classify(v float64) threshold.Tier
}

// Config holds the driver settings.
type Config struct {
	Interval time.Duration // Minimum time between rendered points
}

// Driver moves points from the buffer to the renderers.
type Driver struct {
	source     Source
	classifier Classifier
	renderers  []Renderer
	limiter    *rate.Limiter
	metrics    *metrics.Metrics

	lastDropped uint64
	dropLog     zerolog.Logger
}

// NewDriver creates a driver. A zero Interval uses DefaultInterval; a
// negative Interval disables pacing.
func NewDriver(cfg Config, source Source, classifier Classifier, m *metrics.Metrics, renderers ...Renderer) *Driver {
	interval := cfg.Interval
	if interval == 0 {
		interval = DefaultInterval
	}

	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}

	return &Driver{
		source:     source,
		classifier: classifier,
		renderers:  renderers,
		limiter:    rate.NewLimiter(limit, 1),
		metrics:    m,
		// eviction warnings can fire per point; keep at most one a second
		dropLog: log.Sample(&zerolog.BurstSampler{Burst: 1, Period: time.Second}),
	}
}

// Run renders points until the source is closed and drained (returns nil) or
// ctx is done.
func (d *Driver) Run(ctx context.Context) error {
	logger := log.With().Str("component", "playback").Logger()
	logger.Info().Int("renderers", len(d.renderers)).Msg("playback started")

	for {
		p, err := d.source.Next(ctx)
		if err != nil {
			if errors.Is(err, buffer.ErrClosed) {
				logger.Info().Msg("point buffer drained, playback finished")
				return nil
			}
			return err
		}

		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}

		d.render(p)
		d.observe()
	}
}

// render classifies p and hands it to every renderer. A failing renderer
// does not prevent the others from receiving the point.
func (d *Driver) render(p model.SamplePoint) {
	tier := d.classifier.Classify(p.Amplitude)
	rp := model.RenderedPoint{
		SamplePoint: p,
		Color:       tier.Color,
		Severity:    tier.Severity,
	}

	for _, r := range d.renderers {
		if err := r.Append(rp); err != nil {
			d.metrics.RenderError(r.Name())
			log.Warn().Err(err).Str("renderer", r.Name()).Int64("timestamp", p.TimestampMs).Msg("render append failed")
		}
	}
	d.metrics.PointRendered()
}

func (d *Driver) observe() {
	d.metrics.BufferDepth(d.source.Len())

	dropped := d.source.Dropped()
	if dropped > d.lastDropped {
		d.metrics.PointsDropped(dropped - d.lastDropped)
		d.dropLog.Warn().Uint64("dropped", dropped-d.lastDropped).Uint64("totalDropped", dropped).Msg("playback falling behind, oldest points evicted")
		d.lastDropped = dropped
	}
}
