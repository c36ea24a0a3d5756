/*
Package main runs the quakeview live seismic viewer.

quakeview subscribes to one waveform stream (SeedLink or a JSON websocket
relay), smooths each delivered trace with a zero-phase low-pass filter and
plays the samples back at a fixed cadence, colored by amplitude against a
threshold table. Rendered points are streamed to websocket viewers
on /ws and, when enabled, drawn to a PNG snapshot.

Usage:

	go run ./cmd/quakeview -config=quakeview.yaml -selector=WI.CBE..HHZ -profile=narrow

Every setting can also be given as a QUAKEVIEW_* environment variable, for
example QUAKEVIEW_FEED_ADDRESS=rtserve.iris.washington.edu:18000, either in
the environment or in a .env file in the working directory.
*/
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quakeview/internal/audit"
	"quakeview/internal/buffer"
	"quakeview/internal/config"
	"quakeview/internal/feed"
	"quakeview/internal/filter"
	"quakeview/internal/ingest"
	"quakeview/internal/metrics"
	"quakeview/internal/playback"
	"quakeview/internal/render"
	"quakeview/internal/service"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// Command-line flags; non-empty values override the configuration file
var (
	configPath = flag.String("config", "", "Path to a YAML configuration file")
	selector   = flag.String("selector", "", "NET.STA.LOC.CHA stream to play back")
	profile    = flag.String("profile", "", "Built-in threshold profile (wide, narrow)")
)

func main() {
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// QUAKEVIEW_* variables from .env, if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("error loading .env file")
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to register metrics")
	}
	if err := metrics.RegisterRuntime(reg); err != nil {
		log.Fatal().Err(err).Msg("failed to register runtime metrics")
	}
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, reg); err != nil {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	trail, err := audit.New(cfg.AuditConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open audit trail")
	}
	defer trail.Close()

	hub := render.NewHub(cfg.HubConfig())
	if err := hub.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start viewer hub")
	}
	renderers := []playback.Renderer{hub}

	var snap *render.Snapshotter
	if cfg.Snapshot.Enabled {
		snap = render.NewSnapshotter(cfg.SnapshotConfig())
		renderers = append(renderers, snap)
		go func() {
			_ = snap.Run(ctx)
		}()
	}

	go func() {
		if err := render.Serve(ctx, cfg.Hub.Addr, render.NewMux(hub, snap)); err != nil {
			log.Fatal().Err(err).Msg("viewer server failed")
		}
	}()

	// Health service for monitoring; the session flips it to NOT_SERVING when
	// the feed ends
	healthServer := health.NewServer()
	var grpcServer *grpc.Server
	if cfg.Health.Addr != "" {
		lis, err := net.Listen("tcp", cfg.Health.Addr)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to listen")
		}
		grpcServer = grpc.NewServer(
			grpc.KeepaliveParams(keepalive.ServerParameters{
				MaxConnectionIdle: 5 * time.Minute,
				MaxConnectionAge:  30 * time.Minute,
				Time:              20 * time.Second,
				Timeout:           10 * time.Second,
			}),
		)
		grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
		healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

		go func() {
			log.Info().Str("addr", cfg.Health.Addr).Msg("health server listening")
			if err := grpcServer.Serve(lis); err != nil {
				log.Error().Err(err).Msg("health server failed")
			}
		}()
	}

	session, err := newSession(cfg, m, trail, healthServer, renderers)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create session")
	}
	if err := session.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start session")
	}

	log.Info().
		Str("session", session.ID().String()).
		Str("feed", cfg.Feed.Kind).
		Str("address", cfg.Feed.Address).
		Str("selector", cfg.Feed.Selector).
		Str("viewer", cfg.Hub.Addr).
		Msg("quakeview running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info().Msg("initiating graceful shutdown")
	if err := session.Stop(); err != nil {
		log.Warn().Err(err).Msg("session stop")
	}
	healthServer.Shutdown()
	cancel()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}

	traces, samples := trail.Totals()
	log.Info().Uint64("traces", traces).Uint64("samples", samples).Msg("shutdown complete")
}

// loadConfig reads the configuration and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}

	if *selector != "" {
		cfg.Feed.Selector = *selector
	}
	if *profile != "" {
		cfg.Thresholds.Profile = *profile
		cfg.Thresholds.Breakpoints = nil
	}
	if *selector != "" || *profile != "" {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// newSession builds the pipeline: connector, filter, buffer, ingest adapter
// and playback driver, classified against the configured thresholds.
func newSession(cfg *config.Config, m *metrics.Metrics, trail *audit.Trail, hr service.HealthReporter, renderers []playback.Renderer) (*service.Session, error) {
	sel, err := cfg.ChannelSelector()
	if err != nil {
		return nil, err
	}

	table, err := cfg.ThresholdTable()
	if err != nil {
		return nil, err
	}

	connector, err := feed.New(cfg.Feed.Kind, cfg.FeedConfig())
	if err != nil {
		log.Error().Err(err).Msg("failed to create feed connector")
		return nil, err
	}

	lowpass, err := filter.NewLowpass(cfg.FilterConfig())
	if err != nil {
		return nil, err
	}

	points, err := buffer.New(cfg.BufferConfig())
	if err != nil {
		return nil, err
	}

	adapter := ingest.NewAdapter(lowpass, points, trail, m)
	driver := playback.NewDriver(playback.Config{Interval: cfg.Playback.Interval}, points, table, m, renderers...)

	return service.NewSession(sel, cfg.ChartFor(sel, table), service.Components{
		Connector: connector,
		Ingester:  adapter,
		Player:    driver,
		Buffer:    points,
		Renderers: renderers,
		Health:    hr,
	})
}
