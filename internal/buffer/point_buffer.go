// Package buffer provides the FIFO queue that decouples waveform ingest from
// display playback.
//
// Thread Safety:
//   - Designed for exactly one producer (the ingest adapter) and one consumer
//     (the playback driver)
//   - All state is guarded by a single mutex; wakeups use 1-slot signal channels
//   - Close lets the consumer drain what is left before Next reports ErrClosed
//
// Overflow is governed by an explicit Policy: grow without bound, evict the
// oldest point, or block the producer until the consumer makes room.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"quakeview/internal/model"
)

// Policy selects what Enqueue does when a bounded buffer is full.
type Policy string

const (
	// PolicyUnbounded never rejects points; memory grows with the backlog.
	PolicyUnbounded Policy = "unbounded"

	// PolicyDropOldest evicts the head of the queue to make room.
	PolicyDropOldest Policy = "drop-oldest"

	// PolicyBlock makes Enqueue wait for free space (backpressure).
	PolicyBlock Policy = "block"
)

const (
	// DefaultCapacity bounds the queue to 100 s of 100 Hz data.
	DefaultCapacity = 10000

	initialUnboundedSize = 1024
)

// Common errors returned by the buffer.
var (
	ErrClosed        = errors.New("point buffer closed")
	ErrInvalidPolicy = errors.New("invalid buffer policy")
)

// ParsePolicy converts a configuration string into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyUnbounded, PolicyDropOldest, PolicyBlock:
		return p, nil
	case "":
		return PolicyDropOldest, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPolicy, s)
	}
}

// Config holds the buffer sizing parameters.
type Config struct {
	Capacity int    // Maximum queued points; ignored for PolicyUnbounded
	Policy   Policy // Overflow behaviour
}

// PointBuffer is a growable ring buffer of sample points.
type PointBuffer struct {
	mu       sync.Mutex
	items    []model.SamplePoint
	head     int
	size     int
	capacity int // 0 means unbounded
	policy   Policy
	closed   bool

	dropped  atomic.Uint64
	notEmpty chan struct{}
	notFull  chan struct{}
	done     chan struct{}
}

// New creates a buffer. A zero Capacity with a bounded policy falls back to
// DefaultCapacity.
func New(cfg Config) (*PointBuffer, error) {
	policy := cfg.Policy
	if policy == "" {
		policy = PolicyDropOldest
	}

	b := &PointBuffer{
		policy:   policy,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	switch policy {
	case PolicyUnbounded:
		b.items = make([]model.SamplePoint, initialUnboundedSize)
	case PolicyDropOldest, PolicyBlock:
		if cfg.Capacity < 0 {
			return nil, fmt.Errorf("capacity must not be negative, got %d", cfg.Capacity)
		}
		b.capacity = cfg.Capacity
		if b.capacity == 0 {
			b.capacity = DefaultCapacity
		}
		b.items = make([]model.SamplePoint, b.capacity)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidPolicy, policy)
	}

	return b, nil
}

// Enqueue appends p to the tail. With PolicyBlock it waits for space until
// ctx is done.
func (b *PointBuffer) Enqueue(ctx context.Context, p model.SamplePoint) error {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return ErrClosed
		}

		if b.capacity > 0 && b.size == b.capacity {
			if b.policy == PolicyBlock {
				b.mu.Unlock()
				select {
				case <-b.notFull:
					continue
				case <-b.done:
					return ErrClosed
				case <-ctx.Done():
					return ctx.Err()
				}
			}

			// drop-oldest: advance head over the evicted point
			b.head = (b.head + 1) % len(b.items)
			b.size--
			b.dropped.Add(1)
		}

		if b.size == len(b.items) {
			b.grow()
		}

		b.items[(b.head+b.size)%len(b.items)] = p
		b.size++
		b.mu.Unlock()

		signal(b.notEmpty)
		return nil
	}
}

// TryDequeue removes and returns the head point. ok is false when the buffer
// is empty.
func (b *PointBuffer) TryDequeue() (p model.SamplePoint, ok bool) {
	b.mu.Lock()
	if b.size == 0 {
		b.mu.Unlock()
		return model.SamplePoint{}, false
	}

	p = b.items[b.head]
	b.items[b.head] = model.SamplePoint{}
	b.head = (b.head + 1) % len(b.items)
	b.size--
	b.mu.Unlock()

	signal(b.notFull)
	return p, true
}

// Next blocks until a point is available, the buffer is closed and drained
// (ErrClosed), or ctx is done.
func (b *PointBuffer) Next(ctx context.Context) (model.SamplePoint, error) {
	for {
		if p, ok := b.TryDequeue(); ok {
			return p, nil
		}

		select {
		case <-b.notEmpty:
		case <-b.done:
			if p, ok := b.TryDequeue(); ok {
				return p, nil
			}
			return model.SamplePoint{}, ErrClosed
		case <-ctx.Done():
			return model.SamplePoint{}, ctx.Err()
		}
	}
}

// Close stops further enqueues. Points already queued remain available to
// Next and TryDequeue. Close is idempotent.
func (b *PointBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.done)
	}
}

// Len returns the number of queued points.
func (b *PointBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Capacity returns the bound, or 0 for an unbounded buffer.
func (b *PointBuffer) Capacity() int {
	return b.capacity
}

// Policy returns the overflow policy.
func (b *PointBuffer) Policy() Policy {
	return b.policy
}

// Dropped returns how many points were evicted by PolicyDropOldest.
func (b *PointBuffer) Dropped() uint64 {
	return b.dropped.Load()
}

// grow doubles the ring, unrolling it so head starts at index 0. Called with
// the lock held and only for unbounded buffers.
func (b *PointBuffer) grow() {
	next := make([]model.SamplePoint, 2*len(b.items))
	n := copy(next, b.items[b.head:])
	copy(next[n:], b.items[:b.head])
	b.items = next
	b.head = 0
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
