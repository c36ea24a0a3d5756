// Registers:
//
//	#quakeview_traces_received_total
//	#quakeview_traces_skipped_total{reason}
//	#quakeview_points_enqueued_total
//	#quakeview_points_dropped_total
//	#quakeview_points_rendered_total
//	#quakeview_render_errors_total{renderer}
//	#quakeview_buffer_depth
//	#quakeview_trace_latency_seconds
//	#go_* and process_* system metrics (RegisterRuntime)
//
// Exposes them on /metrics using the Prometheus HTTP handler.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "quakeview"

// Metrics holds the pipeline collectors. A nil *Metrics is valid and records
// nothing, so components can run without instrumentation in tests.
type Metrics struct {
	tracesReceived prometheus.Counter
	tracesSkipped  *prometheus.CounterVec
	pointsEnqueued prometheus.Counter
	pointsDropped  prometheus.Counter
	pointsRendered prometheus.Counter
	renderErrors   *prometheus.CounterVec
	bufferDepth    prometheus.Gauge
	traceLatency   prometheus.Histogram
}

// New creates the pipeline collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		tracesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traces_received_total",
			Help:      "Number of traces delivered by the feed",
		}),
		tracesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traces_skipped_total",
			Help:      "Number of traces dropped before enqueueing, by reason",
		}, []string{"reason"}),
		pointsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_enqueued_total",
			Help:      "Number of sample points added to the playback buffer",
		}),
		pointsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_dropped_total",
			Help:      "Number of sample points evicted from a full playback buffer",
		}),
		pointsRendered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_rendered_total",
			Help:      "Number of sample points handed to the renderers",
		}),
		renderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_errors_total",
			Help:      "Number of failed renderer appends, by renderer",
		}, []string{"renderer"}),
		bufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_depth",
			Help:      "Sample points waiting in the playback buffer",
		}),
		traceLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "trace_latency_seconds",
			Help:      "Delay between the last sample of a trace and its arrival",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 300},
		}),
	}

	for _, c := range []prometheus.Collector{
		m.tracesReceived, m.tracesSkipped, m.pointsEnqueued, m.pointsDropped,
		m.pointsRendered, m.renderErrors, m.bufferDepth, m.traceLatency,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// RegisterRuntime adds the Go runtime and process collectors to reg.
func RegisterRuntime(reg prometheus.Registerer) error {
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return err
	}
	return reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// TraceReceived records a delivered trace and how late it arrived.
func (m *Metrics) TraceReceived(latency time.Duration) {
	if m == nil {
		return
	}
	m.tracesReceived.Inc()
	if latency >= 0 {
		m.traceLatency.Observe(latency.Seconds())
	}
}

// TraceSkipped records a trace rejected for the given reason.
func (m *Metrics) TraceSkipped(reason string) {
	if m == nil {
		return
	}
	m.tracesSkipped.WithLabelValues(reason).Inc()
}

// PointsEnqueued adds n to the enqueued counter.
func (m *Metrics) PointsEnqueued(n int) {
	if m == nil {
		return
	}
	m.pointsEnqueued.Add(float64(n))
}

// PointsDropped adds n to the evicted counter.
func (m *Metrics) PointsDropped(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.pointsDropped.Add(float64(n))
}

// PointRendered records one point handed to the renderers.
func (m *Metrics) PointRendered() {
	if m == nil {
		return
	}
	m.pointsRendered.Inc()
}

// RenderError records a failed append on the named renderer.
func (m *Metrics) RenderError(renderer string) {
	if m == nil {
		return
	}
	m.renderErrors.WithLabelValues(renderer).Inc()
}

// BufferDepth sets the current playback backlog.
func (m *Metrics) BufferDepth(n int) {
	if m == nil {
		return
	}
	m.bufferDepth.Set(float64(n))
}

// Serve exposes g on addr at /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("metrics server shutdown")
		}
	}()

	log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
