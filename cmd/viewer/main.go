/*
Package main implements a terminal viewer for a running quakeview.

The viewer connects to the hub's websocket endpoint, logs the chart
configuration once and then one line per rendered point with its severity
tier and color. It exits when the server ends the session or on interrupt.

Usage:

	go run ./cmd/viewer -addr=ws://localhost:8080/ws -skip-normal
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quakeview/internal/render"
	"quakeview/internal/threshold"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	serverAddr = flag.String("addr", "ws://localhost:8080/ws", "The hub websocket URL")
	skipNormal = flag.Bool("skip-normal", false, "Only log points above the normal tier")
)

func main() {
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(zerolog.InfoLevel).With().Timestamp().Logger()

	if err := validateConfig(); err != nil {
		log.Fatal().Err(err).Msg("Configuration error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, *serverAddr, nil)
	dialCancel()
	if err != nil {
		log.Fatal().Err(err).Str("addr", *serverAddr).Msg("did not connect")
	}
	defer conn.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("received shutdown signal")
		cancel()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "viewer exiting")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	}()

	log.Info().Str("addr", *serverAddr).Msg("connected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
				log.Info().Msg("session has ended")
			default:
				log.Error().Err(err).Msg("failed to receive message")
			}
			return
		}

		var msg render.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Msg("undecodable message")
			continue
		}

		switch {
		case msg.Type == render.MessageConfig && msg.Config != nil:
			log.Info().
				Str("title", msg.Config.Title).
				Str("selector", msg.Config.Selector).
				Int64("window_ms", msg.Config.XAxis.IntervalMs).
				Int("reference_lines", len(msg.Config.ConstantLines)).
				Msg("chart configured")
		case msg.Type == render.MessagePoint && msg.Point != nil:
			p := msg.Point
			if *skipNormal && p.Severity == threshold.SeverityNormal {
				continue
			}
			event := log.Info()
			if p.Severity == threshold.SeverityWarning {
				event = log.Warn()
			}
			event.
				Str("time", p.Time().UTC().Format("15:04:05.000")).
				Str("amplitude", fmt.Sprintf("%.1f", p.Amplitude)).
				Str("severity", p.Severity).
				Str("color", p.Color.Hex()).
				Msg("point")
		}
	}
}

func validateConfig() error {
	if *serverAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	return nil
}
