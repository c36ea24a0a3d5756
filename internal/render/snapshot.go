package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"quakeview/internal/model"

	"github.com/rs/zerolog/log"
	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

const (
	defaultSnapshotInterval = 5 * time.Second
	defaultSnapshotWidth    = 1200
	defaultSnapshotHeight   = 400
	defaultWindowMs         = 10_000
)

// ErrNotEnoughPoints is returned when the window spans no time.
var ErrNotEnoughPoints = errors.New("not enough points to draw")

// SnapshotConfig holds the snapshot settings.
type SnapshotConfig struct {
	Path     string        // PNG written on every tick; empty keeps snapshots in memory only
	Interval time.Duration // Time between snapshots
	Width    int
	Height   int
}

// Snapshotter keeps the progressive window of rendered points and draws it
// with go-chart: one dot per point in its threshold color, the trace as a
// thin line and one horizontal line per reference threshold.
type Snapshotter struct {
	cfg SnapshotConfig

	mu     sync.Mutex
	chart  model.ChartConfig
	points []model.RenderedPoint
	latest []byte
}

// NewSnapshotter creates a snapshotter.
func NewSnapshotter(cfg SnapshotConfig) *Snapshotter {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSnapshotInterval
	}
	if cfg.Width <= 0 {
		cfg.Width = defaultSnapshotWidth
	}
	if cfg.Height <= 0 {
		cfg.Height = defaultSnapshotHeight
	}
	return &Snapshotter{
		cfg:   cfg,
		chart: model.ChartConfig{XAxis: model.XAxisConfig{IntervalMs: defaultWindowMs}},
	}
}

// Name implements playback.Renderer.
func (s *Snapshotter) Name() string { return "snapshot" }

// Configure implements playback.Renderer.
func (s *Snapshotter) Configure(cfg model.ChartConfig) error {
	if cfg.XAxis.IntervalMs <= 0 {
		cfg.XAxis.IntervalMs = defaultWindowMs
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chart = cfg
	s.trim()
	return nil
}

// Append adds p and scrolls the window so it ends at p. A point earlier than
// the newest one starts a new window, keeping the window in time order.
func (s *Snapshotter) Append(p model.RenderedPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.points); n > 0 && p.TimestampMs < s.points[n-1].TimestampMs {
		s.points = s.points[:0]
	}
	s.points = append(s.points, p)
	s.trim()
	return nil
}

// trim drops points older than the window behind the newest point.
func (s *Snapshotter) trim() {
	if len(s.points) == 0 {
		return
	}
	cutoff := s.points[len(s.points)-1].TimestampMs - s.chart.XAxis.IntervalMs
	i := sort.Search(len(s.points), func(i int) bool { return s.points[i].TimestampMs >= cutoff })
	if i > 0 {
		s.points = append(s.points[:0], s.points[i:]...)
	}
}

// Window returns a copy of the points currently visible.
func (s *Snapshotter) Window() []model.RenderedPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.RenderedPoint(nil), s.points...)
}

// Render draws the current window as PNG.
func (s *Snapshotter) Render(w io.Writer) error {
	s.mu.Lock()
	cfg := s.chart
	points := append([]model.RenderedPoint(nil), s.points...)
	s.mu.Unlock()

	if len(points) < 2 || points[0].TimestampMs == points[len(points)-1].TimestampMs {
		return ErrNotEnoughPoints
	}

	xs := make([]time.Time, len(points))
	ys := make([]float64, len(points))
	colors := make([]drawing.Color, len(points))
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, p := range points {
		xs[i] = p.Time()
		ys[i] = p.Amplitude
		colors[i] = toDrawing(p.Color)
		lo, hi = math.Min(lo, p.Amplitude), math.Max(hi, p.Amplitude)
	}
	for _, line := range cfg.ConstantLines {
		lo, hi = math.Min(lo, line.Value), math.Max(hi, line.Value)
	}
	pad := (hi - lo) * 0.05
	if pad == 0 {
		pad = 1
	}

	thickness := cfg.LineThickness
	if thickness <= 0 {
		thickness = 1
	}

	series := []chart.Series{
		chart.TimeSeries{
			Name:    cfg.Selector,
			XValues: xs,
			YValues: ys,
			Style: chart.Style{
				StrokeWidth: thickness,
				StrokeColor: drawing.ColorFromHex("999999"),
				DotWidth:    2,
				DotColorProvider: func(_, _ chart.Range, index int, _, _ float64) drawing.Color {
					return colors[index]
				},
			},
		},
	}

	span := []time.Time{xs[0], xs[len(xs)-1]}
	for _, line := range cfg.ConstantLines {
		series = append(series, chart.TimeSeries{
			Name:    fmt.Sprintf("%g", line.Value),
			XValues: span,
			YValues: []float64{line.Value, line.Value},
			Style: chart.Style{
				StrokeWidth:     math.Max(line.Thickness, 1),
				StrokeColor:     toDrawing(line.Color),
				StrokeDashArray: []float64{4, 4},
			},
		})
	}

	graph := chart.Chart{
		Title:      cfg.Title,
		Width:      s.cfg.Width,
		Height:     s.cfg.Height,
		Background: chart.Style{Padding: chart.Box{Top: 24, Left: 16, Right: 16, Bottom: 16}},
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatterWithFormat("15:04:05"),
		},
		YAxis: chart.YAxis{
			Name:  cfg.YAxisTitle,
			Range: &chart.ContinuousRange{Min: lo - pad, Max: hi + pad},
		},
		Series: series,
	}

	return graph.Render(chart.PNG, w)
}

// Snapshot renders the window, keeps it as the latest image and writes it to
// Path when one is configured.
func (s *Snapshotter) Snapshot() error {
	var buf bytes.Buffer
	if err := s.Render(&buf); err != nil {
		return err
	}

	s.mu.Lock()
	s.latest = buf.Bytes()
	s.mu.Unlock()

	if s.cfg.Path == "" {
		return nil
	}
	return writeFileAtomic(s.cfg.Path, buf.Bytes())
}

// Latest returns the most recent PNG, or nil before the first snapshot.
func (s *Snapshotter) Latest() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Run takes a snapshot every Interval until ctx is done.
func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	logger := log.With().Str("component", "snapshot").Str("path", s.cfg.Path).Logger()
	logger.Info().Dur("interval", s.cfg.Interval).Msg("snapshots enabled")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Snapshot(); err != nil && !errors.Is(err, ErrNotEnoughPoints) {
				logger.Warn().Err(err).Msg("snapshot failed")
			}
		}
	}
}

// ServeHTTP serves the latest snapshot as image/png.
func (s *Snapshotter) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	img := s.Latest()
	if img == nil {
		http.Error(w, "no snapshot yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(img)
}

func toDrawing(c model.Color) drawing.Color {
	return drawing.Color{R: c.R, G: c.G, B: c.B, A: c.A}
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*.png")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
