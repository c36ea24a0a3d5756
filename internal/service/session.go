// Package service runs a viewer session.
//
// A Session wires a feed subscription for exactly one stream to the ingest
// adapter and the playback driver and owns their goroutines. The adapter is
// the only producer into the point buffer and the driver its only consumer,
// so a slow display never slows ingest (except under the block overflow
// policy).
//
// When the feed ends the session reports NOT_SERVING on the health service
// and closes the buffer; playback drains what is already queued and the
// renderers keep showing the last window until Stop. There is no
// reconnection.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"quakeview/internal/feed"
	"quakeview/internal/ingest"
	"quakeview/internal/model"
	"quakeview/internal/playback"
	"quakeview/internal/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the name sessions report their status under.
const HealthService = "quakeview.Session"

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrNotStarted     = errors.New("session not started")
	ErrMissingPart    = errors.New("session component missing")
)

// Ingester consumes the feed channel.
type Ingester interface {
	Run(ctx context.Context, traces <-chan model.Trace) error
}

// Player drains the point buffer into the renderers.
type Player interface {
	Run(ctx context.Context) error
}

// Closer ends the point buffer once the feed is gone.
type Closer interface {
	Close()
}

// HealthReporter receives serving status changes. *health.Server satisfies
// it.
type HealthReporter interface {
	SetServingStatus(service string, status grpc_health_v1.HealthCheckResponse_ServingStatus)
}

// Components are the pipeline stages a session runs.
type Components struct {
	Connector feed.TraceConnector
	Ingester  Ingester
	Player    Player
	Buffer    Closer
	Renderers []playback.Renderer
	Health    HealthReporter // optional
}

// Session is one live viewing session for a single stream. Points from
// different streams never share a buffer or a chart.
type Session struct {
	id       uuid.UUID
	selector model.ChannelSelector
	chart    model.ChartConfig
	parts    Components
	logger   zerolog.Logger

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	feedErr error
}

// NewSession creates a session. Start must be called to begin streaming.
func NewSession(selector model.ChannelSelector, chart model.ChartConfig, parts Components) (*Session, error) {
	switch {
	case parts.Connector == nil:
		return nil, fmt.Errorf("%w: connector", ErrMissingPart)
	case parts.Ingester == nil:
		return nil, fmt.Errorf("%w: ingester", ErrMissingPart)
	case parts.Player == nil:
		return nil, fmt.Errorf("%w: player", ErrMissingPart)
	case parts.Buffer == nil:
		return nil, fmt.Errorf("%w: buffer", ErrMissingPart)
	case selector == (model.ChannelSelector{}):
		return nil, fmt.Errorf("%w: selector", ErrMissingPart)
	}
	if err := utils.ValidateSelector(selector); err != nil {
		return nil, err
	}

	id := uuid.New()
	return &Session{
		id:       id,
		selector: selector,
		chart:    chart,
		parts:    parts,
		logger:   log.With().Str("component", "session").Str("session", id.String()).Logger(),
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Start configures the renderers, subscribes to the feed and launches the
// ingest and playback goroutines.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	for _, r := range s.parts.Renderers {
		if err := r.Configure(s.chart); err != nil {
			s.started.Store(false)
			return fmt.Errorf("configure renderer %s: %w", r.Name(), err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)

	traces, err := s.parts.Connector.SubscribeToTraces(ctx, s.selector)
	if err != nil {
		cancel()
		s.started.Store(false)
		s.setHealth(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		return fmt.Errorf("failed to subscribe to feed: %w", err)
	}

	s.cancel = cancel
	s.done = make(chan struct{})
	s.setHealth(grpc_health_v1.HealthCheckResponse_SERVING)

	s.logger.Info().Str("selector", s.selector.String()).Int("renderers", len(s.parts.Renderers)).Msg("session started")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.ingest(ctx, traces)
	}()
	go func() {
		defer wg.Done()
		if err := s.parts.Player.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("playback stopped")
		}
	}()
	go func() {
		wg.Wait()
		close(s.done)
	}()

	return nil
}

func (s *Session) ingest(ctx context.Context, traces <-chan model.Trace) {
	err := s.parts.Ingester.Run(ctx, traces)
	switch {
	case errors.Is(err, ingest.ErrFeedClosed):
		s.logger.Error().Msg("feed terminated, no more data will arrive")
		s.setFeedErr(err)
		s.setHealth(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	case err != nil && !errors.Is(err, context.Canceled):
		s.logger.Error().Err(err).Msg("ingest stopped")
		s.setFeedErr(err)
		s.setHealth(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}
	// playback drains what is queued and then returns
	s.parts.Buffer.Close()
}

// Stop cancels the session and waits for its goroutines.
func (s *Session) Stop() error {
	if !s.started.CompareAndSwap(true, false) {
		return ErrNotStarted
	}

	s.cancel()
	<-s.done
	s.setHealth(grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	s.logger.Info().Msg("session stopped")
	return nil
}

// Done is closed once both ingest and playback have returned. It is nil
// before Start.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the feed ended, or nil while it is still running or after
// a clean Stop.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feedErr
}

func (s *Session) setFeedErr(err error) {
	s.mu.Lock()
	s.feedErr = err
	s.mu.Unlock()
}

func (s *Session) setHealth(status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	if s.parts.Health != nil {
		s.parts.Health.SetServingStatus(HealthService, status)
	}
}
