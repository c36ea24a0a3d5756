package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"quakeview/internal/buffer"
	"quakeview/internal/ingest"
	"quakeview/internal/model"
	"quakeview/internal/playback"
	"quakeview/internal/threshold"
	"quakeview/internal/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health/grpc_health_v1"
)

var testSelector = model.ChannelSelector{Network: "WI", Station: "CBE", Channel: "HHZ"}

// MockConnector is a mock implementation of feed.TraceConnector.
type MockConnector struct {
	mock.Mock
}

func (m *MockConnector) SubscribeToTraces(ctx context.Context, selectors ...model.ChannelSelector) (<-chan model.Trace, error) {
	args := m.Called(ctx, selectors)
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(chan model.Trace), nil
}

// MockRenderer is a mock implementation of playback.Renderer.
type MockRenderer struct {
	mock.Mock
}

func (m *MockRenderer) Name() string { return "mock" }

func (m *MockRenderer) Configure(cfg model.ChartConfig) error {
	return m.Called(cfg).Error(0)
}

func (m *MockRenderer) Append(p model.RenderedPoint) error {
	return m.Called(p).Error(0)
}

type recordingRenderer struct {
	mu      sync.Mutex
	configs []model.ChartConfig
	points  []model.RenderedPoint
}

func (r *recordingRenderer) Name() string { return "recorder" }

func (r *recordingRenderer) Configure(cfg model.ChartConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs = append(r.configs, cfg)
	return nil
}

func (r *recordingRenderer) Append(p model.RenderedPoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = append(r.points, p)
	return nil
}

func (r *recordingRenderer) Points() []model.RenderedPoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.RenderedPoint(nil), r.points...)
}

type recordingHealth struct {
	mu       sync.Mutex
	statuses []grpc_health_v1.HealthCheckResponse_ServingStatus
}

func (h *recordingHealth) SetServingStatus(service string, status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, status)
}

func (h *recordingHealth) Statuses() []grpc_health_v1.HealthCheckResponse_ServingStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]grpc_health_v1.HealthCheckResponse_ServingStatus(nil), h.statuses...)
}

type passThrough struct{}

func (passThrough) Apply(tr model.Trace) (model.Trace, error) { return tr, nil }

type testSession struct {
	session   *Session
	connector *MockConnector
	traces    chan model.Trace
	renderer  *recordingRenderer
	health    *recordingHealth
}

// newTestSession wires a real buffer, adapter and driver around a mocked
// connector.
func newTestSession(t *testing.T, extra ...playback.Renderer) *testSession {
	t.Helper()

	buf, err := buffer.New(buffer.Config{Policy: buffer.PolicyUnbounded})
	require.NoError(t, err)

	ts := &testSession{
		connector: &MockConnector{},
		traces:    make(chan model.Trace, 8),
		renderer:  &recordingRenderer{},
		health:    &recordingHealth{},
	}
	renderers := append(extra, ts.renderer)

	ts.session, err = NewSession(
		testSelector,
		model.ChartConfig{Title: "test", Selector: testSelector.String()},
		Components{
			Connector: ts.connector,
			Ingester:  ingest.NewAdapter(passThrough{}, buf, nil, nil),
			Player:    playback.NewDriver(playback.Config{Interval: -1}, buf, threshold.MustTable(threshold.Wide.Breakpoints), nil, renderers...),
			Buffer:    buf,
			Renderers: renderers,
			Health:    ts.health,
		},
	)
	require.NoError(t, err)
	return ts
}

func Test_NewSession(t *testing.T) {
	buf, err := buffer.New(buffer.Config{})
	require.NoError(t, err)
	complete := Components{
		Connector: &MockConnector{},
		Ingester:  ingest.NewAdapter(passThrough{}, buf, nil, nil),
		Player:    playback.NewDriver(playback.Config{}, buf, threshold.MustTable(threshold.Wide.Breakpoints), nil),
		Buffer:    buf,
	}

	tests := []struct {
		name        string
		selector    model.ChannelSelector
		modify      func(c *Components)
		expectError error
	}{
		{name: "Complete", selector: testSelector, modify: func(*Components) {}},
		{name: "Missing connector", selector: testSelector, modify: func(c *Components) { c.Connector = nil }, expectError: ErrMissingPart},
		{name: "Missing ingester", selector: testSelector, modify: func(c *Components) { c.Ingester = nil }, expectError: ErrMissingPart},
		{name: "Missing player", selector: testSelector, modify: func(c *Components) { c.Player = nil }, expectError: ErrMissingPart},
		{name: "Missing buffer", selector: testSelector, modify: func(c *Components) { c.Buffer = nil }, expectError: ErrMissingPart},
		{name: "No selector", modify: func(*Components) {}, expectError: ErrMissingPart},
		{name: "Invalid selector", selector: model.ChannelSelector{Network: "WI", Station: "CBE", Channel: "HHZZ"}, modify: func(*Components) {}, expectError: utils.ErrInvalidSelector},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts := complete
			tt.modify(&parts)

			s, err := NewSession(tt.selector, model.ChartConfig{}, parts)
			if tt.expectError != nil {
				assert.ErrorIs(t, err, tt.expectError)
				assert.Nil(t, s)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, s.ID().String())
			assert.False(t, s.started.Load())
		})
	}
}

// A session subscribes to its one stream only.
func Test_Session_SubscribesToSingleStream(t *testing.T) {
	ts := newTestSession(t)
	ts.connector.On("SubscribeToTraces", mock.Anything, mock.Anything).Return(ts.traces, nil)

	require.NoError(t, ts.session.Start(context.Background()))
	require.NoError(t, ts.session.Stop())

	require.Len(t, ts.connector.Calls, 1)
	assert.Equal(t, []model.ChannelSelector{testSelector}, ts.connector.Calls[0].Arguments.Get(1))
}

func Test_Session_StreamsUntilFeedCloses(t *testing.T) {
	ts := newTestSession(t)
	ts.connector.On("SubscribeToTraces", mock.Anything, []model.ChannelSelector{testSelector}).Return(ts.traces, nil)

	require.NoError(t, ts.session.Start(context.Background()))

	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	ts.traces <- model.Trace{Selector: testSelector, SamplingRate: 100, StartTime: start, Samples: []float64{0, 450, -1000}}
	ts.traces <- model.Trace{Selector: testSelector, SamplingRate: 0, StartTime: start, Samples: []float64{1}}
	ts.traces <- model.Trace{Selector: testSelector, SamplingRate: 100, StartTime: start.Add(30 * time.Millisecond), Samples: []float64{10}}
	close(ts.traces)

	select {
	case <-ts.session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish after the feed closed")
	}

	points := ts.renderer.Points()
	require.Len(t, points, 4, "the degenerate trace is skipped")
	assert.Equal(t, []int64{
		start.UnixMilli(),
		start.UnixMilli() + 10,
		start.UnixMilli() + 20,
		start.UnixMilli() + 30,
	}, []int64{points[0].TimestampMs, points[1].TimestampMs, points[2].TimestampMs, points[3].TimestampMs})
	assert.Equal(t, threshold.SeverityNormal, points[0].Severity)
	assert.Equal(t, threshold.SeverityWarning, points[2].Severity)

	assert.ErrorIs(t, ts.session.Err(), ingest.ErrFeedClosed)
	assert.Equal(t, []grpc_health_v1.HealthCheckResponse_ServingStatus{
		grpc_health_v1.HealthCheckResponse_SERVING,
		grpc_health_v1.HealthCheckResponse_NOT_SERVING,
	}, ts.health.Statuses())

	require.Len(t, ts.renderer.configs, 1)
	assert.Equal(t, "test", ts.renderer.configs[0].Title)

	assert.NoError(t, ts.session.Stop())
}

func Test_Session_StartStopLifecycle(t *testing.T) {
	ts := newTestSession(t)
	ts.connector.On("SubscribeToTraces", mock.Anything, mock.Anything).Return(ts.traces, nil)

	assert.ErrorIs(t, ts.session.Stop(), ErrNotStarted)

	require.NoError(t, ts.session.Start(context.Background()))
	assert.ErrorIs(t, ts.session.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, ts.session.Stop())

	select {
	case <-ts.session.Done():
	default:
		t.Fatal("Stop returned before the goroutines exited")
	}
	assert.NoError(t, ts.session.Err(), "a requested stop is not a feed failure")

	statuses := ts.health.Statuses()
	require.NotEmpty(t, statuses)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, statuses[len(statuses)-1])

	assert.ErrorIs(t, ts.session.Stop(), ErrNotStarted)
}

func Test_Session_ParentContextCancel(t *testing.T) {
	ts := newTestSession(t)
	ts.connector.On("SubscribeToTraces", mock.Anything, mock.Anything).Return(ts.traces, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ts.session.Start(ctx))
	cancel()

	select {
	case <-ts.session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session ignored context cancellation")
	}
	assert.NoError(t, ts.session.Err())
}

func Test_Session_SubscribeFailure(t *testing.T) {
	ts := newTestSession(t)
	dialErr := errors.New("connection refused")
	ts.connector.On("SubscribeToTraces", mock.Anything, mock.Anything).Return(nil, dialErr).Once()
	ts.connector.On("SubscribeToTraces", mock.Anything, mock.Anything).Return(ts.traces, nil).Once()

	err := ts.session.Start(context.Background())
	assert.ErrorIs(t, err, dialErr)
	assert.False(t, ts.session.started.Load())
	assert.Equal(t, []grpc_health_v1.HealthCheckResponse_ServingStatus{
		grpc_health_v1.HealthCheckResponse_NOT_SERVING,
	}, ts.health.Statuses())

	// a failed start can be retried
	require.NoError(t, ts.session.Start(context.Background()))
	require.NoError(t, ts.session.Stop())
	ts.connector.AssertNumberOfCalls(t, "SubscribeToTraces", 2)
}

func Test_Session_RendererConfigureFailure(t *testing.T) {
	failing := &MockRenderer{}
	failing.On("Configure", mock.Anything).Return(errors.New("no display"))

	ts := newTestSession(t, failing)

	err := ts.session.Start(context.Background())
	assert.ErrorContains(t, err, "configure renderer mock")
	assert.False(t, ts.session.started.Load())
	ts.connector.AssertNotCalled(t, "SubscribeToTraces", mock.Anything, mock.Anything)
	failing.AssertExpectations(t)
}
