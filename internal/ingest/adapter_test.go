package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"quakeview/internal/buffer"
	"quakeview/internal/filter"
	"quakeview/internal/model"
	"quakeview/internal/threshold"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockRecorder is a mock implementation of Recorder for testing.
type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) Record(tr model.Trace) {
	m.Called(tr)
}

// MockSink is a mock implementation of PointSink for testing.
type MockSink struct {
	mock.Mock
}

func (m *MockSink) Enqueue(ctx context.Context, p model.SamplePoint) error {
	return m.Called(ctx, p).Error(0)
}

var (
	testSelector = model.ChannelSelector{Network: "WI", Station: "CBE", Channel: "HHZ"}
	t0           = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
)

func newTestAdapter(t *testing.T, recorder Recorder) (*Adapter, *buffer.PointBuffer) {
	t.Helper()
	lp, err := filter.NewLowpass(filter.Config{})
	require.NoError(t, err)
	buf, err := buffer.New(buffer.Config{Policy: buffer.PolicyUnbounded})
	require.NoError(t, err)
	return NewAdapter(lp, buf, recorder, nil), buf
}

func drain(buf *buffer.PointBuffer) []model.SamplePoint {
	var out []model.SamplePoint
	for {
		p, ok := buf.TryDequeue()
		if !ok {
			return out
		}
		out = append(out, p)
	}
}

// Test_OnTrace_EndToEnd feeds a 1 s, 100 Hz trace through the adapter and
// checks point count, timestamps and filtered amplitudes.
func Test_OnTrace_EndToEnd(t *testing.T) {
	recorder := &MockRecorder{}
	recorder.On("Record", mock.AnythingOfType("model.Trace")).Return()
	adapter, buf := newTestAdapter(t, recorder)

	samples := make([]float64, 100)
	pattern := []float64{0, 1000, -1000}
	for i := range samples {
		samples[i] = pattern[i%3]
	}
	tr := model.Trace{Selector: testSelector, SamplingRate: 100, StartTime: t0, Samples: samples}

	require.NoError(t, adapter.OnTrace(context.Background(), tr))

	points := drain(buf)
	require.Len(t, points, 100)

	lp, _ := filter.NewLowpass(filter.Config{})
	expected, err := lp.Apply(tr)
	require.NoError(t, err)

	for i, p := range points {
		assert.Equal(t, t0.UnixMilli()+int64(i*10), p.TimestampMs, "timestamp of sample %d", i)
		assert.Equal(t, expected.Samples[i], p.Amplitude, "amplitude of sample %d", i)
	}

	recorder.AssertNumberOfCalls(t, "Record", 1)
	recorded := recorder.Calls[0].Arguments.Get(0).(model.Trace)
	assert.Equal(t, expected.Samples, recorded.Samples, "audit trail gets the filtered samples")

	table := threshold.MustTable(threshold.Wide.Breakpoints)
	assert.Equal(t, model.Red, table.Interpolated(1000))
	assert.Equal(t, model.Red, table.Interpolated(-1000))
}

func Test_OnTrace_SkipsDegenerateTraces(t *testing.T) {
	tests := []struct {
		name   string
		trace  model.Trace
		reason error
	}{
		{
			name:   "Empty samples",
			trace:  model.Trace{Selector: testSelector, SamplingRate: 100, StartTime: t0, Samples: []float64{}},
			reason: filter.ErrEmptyTrace,
		},
		{
			name:   "Zero sampling rate",
			trace:  model.Trace{Selector: testSelector, SamplingRate: 0, StartTime: t0, Samples: []float64{1, 2, 3}},
			reason: filter.ErrInvalidSamplingRate,
		},
		{
			name:   "Negative sampling rate",
			trace:  model.Trace{Selector: testSelector, SamplingRate: -20, StartTime: t0, Samples: []float64{1}},
			reason: filter.ErrInvalidSamplingRate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := &MockRecorder{}
			adapter, buf := newTestAdapter(t, recorder)

			err := adapter.OnTrace(context.Background(), tt.trace)
			assert.ErrorIs(t, err, ErrTraceSkipped)
			assert.ErrorContains(t, err, tt.reason.Error())
			assert.Equal(t, 0, buf.Len(), "no points for a skipped trace")
			recorder.AssertNotCalled(t, "Record", mock.Anything)
		})
	}
}

func Test_OnTrace_SinkError(t *testing.T) {
	lp, err := filter.NewLowpass(filter.Config{})
	require.NoError(t, err)

	sink := &MockSink{}
	sinkErr := errors.New("buffer closed")
	sink.On("Enqueue", mock.Anything, mock.Anything).Return(nil).Twice()
	sink.On("Enqueue", mock.Anything, mock.Anything).Return(sinkErr)

	recorder := &MockRecorder{}
	adapter := NewAdapter(lp, sink, recorder, nil)

	tr := model.Trace{Selector: testSelector, SamplingRate: 10, StartTime: t0, Samples: []float64{1, 2, 3, 4}}
	err = adapter.OnTrace(context.Background(), tr)

	assert.ErrorIs(t, err, sinkErr)
	assert.NotErrorIs(t, err, ErrTraceSkipped)
	sink.AssertNumberOfCalls(t, "Enqueue", 3)
	recorder.AssertNotCalled(t, "Record", mock.Anything)
}

func Test_Run_PreservesArrivalOrder(t *testing.T) {
	adapter, buf := newTestAdapter(t, nil)

	traces := make(chan model.Trace, 4)
	traces <- model.Trace{Selector: testSelector, SamplingRate: 100, StartTime: t0, Samples: []float64{1, 1, 1}}
	traces <- model.Trace{Selector: testSelector, SamplingRate: 100, StartTime: t0, Samples: nil}
	// a later trace whose start time is earlier still comes after in the buffer
	traces <- model.Trace{Selector: testSelector, SamplingRate: 100, StartTime: t0.Add(-time.Second), Samples: []float64{2, 2}}
	close(traces)

	err := adapter.Run(context.Background(), traces)
	assert.ErrorIs(t, err, ErrFeedClosed)

	points := drain(buf)
	require.Len(t, points, 5)
	assert.Equal(t, t0.UnixMilli(), points[0].TimestampMs)
	assert.Equal(t, t0.UnixMilli()+20, points[2].TimestampMs)
	assert.Equal(t, t0.Add(-time.Second).UnixMilli(), points[3].TimestampMs)
}

func Test_Run_ContextCancelled(t *testing.T) {
	adapter, _ := newTestAdapter(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	traces := make(chan model.Trace)

	done := make(chan error, 1)
	go func() { done <- adapter.Run(ctx, traces) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}

func Test_ToPoints(t *testing.T) {
	tests := []struct {
		name     string
		rate     float64
		start    time.Time
		n        int
		expected []int64
	}{
		{name: "100 Hz", rate: 100, start: time.UnixMilli(1000), n: 4, expected: []int64{1000, 1010, 1020, 1030}},
		{name: "40 Hz", rate: 40, start: time.UnixMilli(0), n: 3, expected: []int64{0, 25, 50}},
		{name: "3 Hz rounds to nearest ms", rate: 3, start: time.UnixMilli(0), n: 4, expected: []int64{0, 333, 667, 1000}},
		{name: "Sub-millisecond start", rate: 1, start: time.Unix(0, 500_000), n: 2, expected: []int64{1, 1001}},
		{name: "Fractional rate", rate: 0.1, start: time.UnixMilli(5), n: 2, expected: []int64{5, 10005}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := model.Trace{SamplingRate: tt.rate, StartTime: tt.start, Samples: make([]float64, tt.n)}
			points := ToPoints(tr)

			got := make([]int64, len(points))
			for i, p := range points {
				got[i] = p.TimestampMs
			}
			assert.Equal(t, tt.expected, got)
		})
	}

	assert.Nil(t, ToPoints(model.Trace{SamplingRate: 0, Samples: []float64{1}}))
	assert.Nil(t, ToPoints(model.Trace{SamplingRate: 1}))
}
