// Package websocket is a small websocket client used by the trace relay feed.
//
// The client dials once, sends optional subscription frames and then runs
// three goroutines: a read loop that hands every frame to the configured
// Handler, a ping loop that keeps the relay from timing out idle sessions and
// a listener that closes the connection when the parent context ends. There is
// no reconnection: when the connection drops, Traces is closed and the terminal
// error is reported on ErrChan.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"quakeview/internal/model"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultPingPeriod       = 15 * time.Second
	defaultSendTimeout      = 5 * time.Second
	defaultReadLimit        = 4 << 20 // traces at high rates can be large
	defaultHandshakeTimeout = 10 * time.Second
	defaultTraceBuffer      = 256
	closeWaitTimeout        = 5 * time.Second
)

// Common errors returned by the websocket client.
var (
	// ErrClientShuttingDown is reported when the client was closed locally.
	ErrClientShuttingDown = errors.New("client is shutting down")

	ErrMissingEndpoint = errors.New("endpoint URL is required")
	ErrMissingHandler  = errors.New("message handler is required")
)

// Handler decodes one frame into zero or more traces.
type Handler func(data []byte) ([]model.Trace, error)

// Config defines settings for the websocket client.
type Config struct {
	// Endpoint is the ws:// or wss:// URL of the relay. Required.
	Endpoint string

	// Handler decodes each incoming frame. Required.
	Handler Handler

	TLSInsecureSkip bool
	PingPeriod      time.Duration
	SendTimeout     time.Duration

	// TraceBuffer is the capacity of the Traces channel.
	TraceBuffer int

	// SubscriptionMessages are written as text frames right after the
	// handshake.
	SubscriptionMessages [][]byte
}

// Client wraps a websocket.Conn with lifecycle and message handling logic.
type Client struct {
	conn atomic.Value // *websocket.Conn

	// Traces delivers decoded traces in arrival order. It is closed when the
	// read loop exits.
	Traces chan model.Trace

	disconnect chan struct{}
	errChan    chan error

	cfg    *Config
	ctx    context.Context
	cancel context.CancelFunc

	once sync.Once
	wg   sync.WaitGroup
}

// NewWebsocketClient dials the endpoint, sends the subscription frames and
// starts the background loops.
func NewWebsocketClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, ErrMissingEndpoint
	}
	if cfg.Handler == nil {
		return nil, ErrMissingHandler
	}

	if cfg.SubscriptionMessages == nil {
		cfg.SubscriptionMessages = [][]byte{}
	}
	if cfg.PingPeriod == 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.TraceBuffer <= 0 {
		cfg.TraceBuffer = defaultTraceBuffer
	}

	ctx, cancel := context.WithCancel(ctx)
	client := &Client{
		cfg:        &cfg,
		ctx:        ctx,
		cancel:     cancel,
		disconnect: make(chan struct{}),
		errChan:    make(chan error, 1),
		Traces:     make(chan model.Trace, cfg.TraceBuffer),
	}

	if err := client.run(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start client: %w", err)
	}

	return client, nil
}

func (c *Client) run() (err error) {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "websocket").
		Logger()

	conn, err := c.dial(c.ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer func() {
		if err != nil {
			if closeErr := conn.Close(); closeErr != nil {
				logger.Warn().Err(closeErr).Msg("error closing connection during cleanup")
			}
		}
	}()

	c.conn.Store(conn)

	conn.SetReadLimit(defaultReadLimit)
	conn.SetPongHandler(func(string) error {
		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.PingPeriod * 2)); err != nil {
			logger.Warn().Err(err).Msg("failed to extend read deadline")
		}
		return nil
	})

	for i, msg := range c.cfg.SubscriptionMessages {
		if err = conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return fmt.Errorf("subscription message %d: %w", i, err)
		}
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.pingLoop()
	}()
	// not tracked by wg: Close waits on wg
	go func() {
		<-c.ctx.Done()
		c.Close()
	}()

	logger.Info().Int("subscriptions", len(c.cfg.SubscriptionMessages)).Msg("websocket client started")
	return nil
}

// readLoop owns the Traces channel: it is the only sender and closes it on
// exit. Its exit cancels the client, which stops the ping loop and closes the
// connection.
func (c *Client) readLoop() {
	conn := c.conn.Load().(*websocket.Conn)
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "readLoop").
		Logger()

	defer func() {
		close(c.disconnect)
		close(c.Traces)
		c.report(ErrClientShuttingDown)
		logger.Info().Msg("read loop exiting")
		c.cancel()
	}()

	for {
		if c.ctx.Err() != nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				logger.Info().Err(err).Msg("relay closed the connection")
			case websocket.IsUnexpectedCloseError(err):
				logger.Warn().Err(err).Msg("unexpected websocket closure")
			default:
				logger.Error().Err(err).Msg("read error")
			}
			c.report(err)
			return
		}

		for _, tr := range c.decode(data) {
			select {
			case c.Traces <- tr:
			case <-c.ctx.Done():
				return
			}
		}
	}
}

func (c *Client) decode(data []byte) (traces []model.Trace) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("recover", r).Str("endpoint", c.cfg.Endpoint).Msg("panic in message handler")
			traces = nil
		}
	}()

	traces, err := c.cfg.Handler(data)
	if err != nil {
		log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping undecodable frame")
		return nil
	}
	return traces
}

// report keeps the first terminal error only.
func (c *Client) report(err error) {
	select {
	case c.errChan <- err:
	default:
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			conn, ok := c.conn.Load().(*websocket.Conn)
			if !ok {
				continue
			}
			deadline := time.Now().Add(c.cfg.SendTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Warn().Err(err).Str("endpoint", c.cfg.Endpoint).Msg("ping error")
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Close sends a close frame, closes the connection and waits for the
// background loops. Safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() {
		logger := log.With().Str("endpoint", c.cfg.Endpoint).Logger()
		c.cancel()

		if ws, ok := c.conn.Load().(*websocket.Conn); ok {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
				logger.Debug().Err(err).Msg("failed to send close frame")
			}
			if err := ws.Close(); err != nil {
				logger.Warn().Err(err).Msg("error closing websocket connection")
			}
		}

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(closeWaitTimeout):
			logger.Warn().Msg("timeout waiting for websocket goroutines")
		}
		logger.Info().Msg("websocket client closed")
	})
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.cfg.TLSInsecureSkip},
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.Endpoint, make(http.Header))
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake with %s failed (%s): %w", c.cfg.Endpoint, resp.Status, err)
		}
		return nil, err
	}

	log.Info().Str("endpoint", c.cfg.Endpoint).Msg("websocket connection established")
	return conn, nil
}

// DisconnectChan is closed when the connection is lost or closed.
func (c *Client) DisconnectChan() <-chan struct{} {
	return c.disconnect
}

// ErrChan yields the terminal error: the read error that ended the session or
// ErrClientShuttingDown after a local Close.
func (c *Client) ErrChan() <-chan error {
	return c.errChan
}
