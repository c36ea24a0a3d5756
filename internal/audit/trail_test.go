package audit

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"
	"time"

	"quakeview/internal/model"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTrace(start int, n int) model.Trace {
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = float64(start + i)
	}
	return model.Trace{
		Selector:     model.ChannelSelector{Network: "WI", Station: "CBE", Channel: "HHZ"},
		SamplingRate: 100,
		StartTime:    time.Unix(int64(start), 0).UTC(),
		Samples:      samples,
	}
}

func Test_New_Validation(t *testing.T) {
	_, err := New(Config{History: -1})
	assert.Error(t, err)

	trail, err := New(Config{})
	require.NoError(t, err)
	assert.Len(t, trail.history, DefaultHistory)
	assert.NoError(t, trail.Close())
}

func Test_Recent_IsBounded(t *testing.T) {
	trail, err := New(Config{History: 3})
	require.NoError(t, err)

	assert.Empty(t, trail.Recent())

	for i := 0; i < 5; i++ {
		trail.Record(testTrace(i*10, 2))
	}

	recent := trail.Recent()
	require.Len(t, recent, 3)
	assert.Equal(t, testTrace(20, 2).StartTime, recent[0].Trace.StartTime)
	assert.Equal(t, testTrace(40, 2).StartTime, recent[2].Trace.StartTime)

	traces, samples := trail.Totals()
	assert.Equal(t, uint64(5), traces, "totals count every trace, not just retained ones")
	assert.Equal(t, uint64(10), samples)
}

func Test_Recent_BeforeWrap(t *testing.T) {
	trail, err := New(Config{History: 4})
	require.NoError(t, err)

	trail.Record(testTrace(1, 1))
	trail.Record(testTrace(2, 1))

	recent := trail.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, []float64{1}, recent[0].Trace.Samples)
	assert.Equal(t, []float64{2}, recent[1].Trace.Samples)
}

func Test_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	trail, err := New(Config{Path: path, History: 2})
	require.NoError(t, err)

	trail.Record(testTrace(100, 3))
	trail.Record(testTrace(200, 2))
	require.NoError(t, trail.Close())

	// records after close are kept in memory only
	trail.Record(testTrace(300, 1))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, lines, 2)

	assert.Equal(t, "WI.CBE..HHZ", lines[0]["selector"])
	assert.Equal(t, float64(3), lines[0]["count"])
	assert.Equal(t, []any{100.0, 101.0, 102.0}, lines[0]["samples"])
	assert.Equal(t, "trace", lines[0]["message"])
	assert.Contains(t, lines[1], "time")
}
