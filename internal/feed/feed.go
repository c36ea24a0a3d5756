// Package feed provides waveform feed connectors.
//
// A connector subscribes to one or more streams and delivers model.Trace
// values on a channel, in the order the server sent them. The channel is
// closed when the feed terminates; connectors do not reconnect.
package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quakeview/internal/model"
)

var (
	// ErrInvalidConfig indicates that the provided Config contains invalid values.
	ErrInvalidConfig = errors.New("invalid feed configuration")

	// ErrCommandRejected is returned when the server answers a command with
	// ERROR.
	ErrCommandRejected = errors.New("server rejected command")

	// ErrUnexpectedResponse is returned for replies outside the protocol.
	ErrUnexpectedResponse = errors.New("unexpected server response")
)

// Connector kinds accepted by New.
const (
	KindSeedLink  = "seedlink"
	KindWebsocket = "websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultTraceBuffer      = 256
)

// TraceConnector subscribes to waveform streams.
type TraceConnector interface {
	// SubscribeToTraces connects and returns a channel of traces for the
	// given streams. The channel is closed when the feed ends or ctx is done.
	SubscribeToTraces(ctx context.Context, selectors ...model.ChannelSelector) (<-chan model.Trace, error)
}

// Config holds the parameters shared by all connectors.
type Config struct {
	// Address is host:port for SeedLink or a ws:// URL for the relay.
	Address string

	// MaxSelectors limits how many streams one subscription may name.
	MaxSelectors int

	HandshakeTimeout time.Duration

	// TraceBuffer is the capacity of the returned channel.
	TraceBuffer int
}

// withDefaults fills unset fields from defaults.
func (c Config) withDefaults(defaults Config) Config {
	if c.Address == "" {
		c.Address = defaults.Address
	}
	if c.MaxSelectors <= 0 {
		c.MaxSelectors = defaults.MaxSelectors
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.TraceBuffer <= 0 {
		c.TraceBuffer = defaultTraceBuffer
	}
	return c
}

// New creates the connector of the given kind.
func New(kind string, cfg *Config) (TraceConnector, error) {
	switch kind {
	case KindSeedLink:
		c, err := NewSeedLinkConnector(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	case KindWebsocket:
		c, err := NewWebsocketConnector(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: unknown feed kind %q", ErrInvalidConfig, kind)
	}
}

func matchesAny(selectors []model.ChannelSelector, sel model.ChannelSelector) bool {
	for _, s := range selectors {
		if s.Matches(sel) {
			return true
		}
	}
	return false
}
