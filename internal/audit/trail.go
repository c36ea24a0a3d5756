// Package audit keeps the diagnostic record of every filtered trace a session
// processed.
//
// The record is bounded on both ends: an in-memory history holds only the most
// recent traces for inspection, and the full stream is written as JSON lines
// to a size-rotated file (lumberjack) so long-running sessions never grow
// memory without limit.
package audit

import (
	"errors"
	"io"
	"sync"
	"time"

	"quakeview/internal/model"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// DefaultHistory is the number of traces kept in memory.
	DefaultHistory = 64

	defaultMaxSizeMB  = 50
	defaultMaxBackups = 5
)

// Config holds the audit trail settings.
type Config struct {
	Path       string // JSON-lines file; empty disables the file sink
	MaxSizeMB  int    // Rotate after this many megabytes
	MaxBackups int    // Rotated files to keep
	MaxAgeDays int    // Days to keep rotated files, 0 keeps forever
	Compress   bool   // Gzip rotated files
	History    int    // Traces kept in memory
}

// Entry is one recorded trace.
type Entry struct {
	RecordedAt time.Time
	Trace      model.Trace
}

// Trail records filtered traces. It is safe for concurrent use.
type Trail struct {
	mu      sync.Mutex
	history []Entry
	next    int
	full    bool

	sink   io.WriteCloser
	writer zerolog.Logger

	traces  uint64
	samples uint64
	now     func() time.Time
}

// New creates a trail. The file sink is opened lazily by lumberjack on the
// first write.
func New(cfg Config) (*Trail, error) {
	if cfg.History < 0 {
		return nil, errors.New("audit history must not be negative")
	}
	if cfg.History == 0 {
		cfg.History = DefaultHistory
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = defaultMaxSizeMB
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = defaultMaxBackups
	}

	t := &Trail{
		history: make([]Entry, cfg.History),
		writer:  zerolog.Nop(),
		now:     time.Now,
	}

	if cfg.Path != "" {
		t.sink = &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		t.writer = zerolog.New(t.sink).With().Timestamp().Logger()
	}

	return t, nil
}

// Record appends a filtered trace to the trail. The trace's sample slice is
// retained, so callers must not modify it afterwards.
func (t *Trail) Record(tr model.Trace) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.history[t.next] = Entry{RecordedAt: t.now(), Trace: tr}
	t.next = (t.next + 1) % len(t.history)
	if t.next == 0 {
		t.full = true
	}

	t.traces++
	t.samples += uint64(len(tr.Samples))

	t.writer.Log().
		Str("selector", tr.Selector.String()).
		Time("start", tr.StartTime).
		Float64("samplingRate", tr.SamplingRate).
		Int("count", len(tr.Samples)).
		Floats64("samples", tr.Samples).
		Msg("trace")
}

// Recent returns the in-memory history, oldest first.
func (t *Trail) Recent() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.full {
		out := make([]Entry, t.next)
		copy(out, t.history[:t.next])
		return out
	}

	out := make([]Entry, 0, len(t.history))
	out = append(out, t.history[t.next:]...)
	out = append(out, t.history[:t.next]...)
	return out
}

// Totals returns how many traces and samples were recorded this session.
func (t *Trail) Totals() (traces, samples uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.traces, t.samples
}

// Close flushes and closes the file sink.
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sink == nil {
		return nil
	}
	err := t.sink.Close()
	t.sink = nil
	t.writer = zerolog.Nop()
	return err
}
