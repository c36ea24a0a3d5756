// Package render provides the live chart surfaces fed by the playback driver.
//
// Hub streams the chart configuration and every rendered point to browser or
// terminal viewers over websocket. Snapshotter keeps the visible window in
// memory and draws it to PNG. Both implement playback.Renderer.
package render

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"quakeview/internal/model"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultViewerBuffer = 256
	defaultHistory      = 1000
	defaultWriteTimeout = 5 * time.Second
	viewerPingPeriod    = 20 * time.Second
)

// Message types sent to viewers.
const (
	MessageConfig = "config"
	MessagePoint  = "point"
)

var (
	ErrHubNotStarted     = errors.New("hub not started")
	ErrHubAlreadyStarted = errors.New("hub already started")
	ErrHubStopped        = errors.New("hub stopped")
)

// Message is the envelope written to viewers, one per websocket frame.
type Message struct {
	Type   string               `json:"type"`
	Config *model.ChartConfig   `json:"config,omitempty"`
	Point  *model.RenderedPoint `json:"point,omitempty"`
}

// HubConfig holds the hub settings.
type HubConfig struct {
	ViewerBuffer int           // Frames buffered per viewer before the oldest is dropped
	History      int           // Recent points replayed to a viewer on join
	WriteTimeout time.Duration // Per-frame write deadline
}

type viewer struct {
	id         uint64
	ch         chan []byte
	sentConfig *[]byte
	dropped    uint64
}

// Hub fans rendered points out to websocket viewers.
//
// A single goroutine owns the viewer set and the replay history; joins,
// leaves, configuration changes and points all reach it over channels. A
// viewer that cannot keep up loses its oldest buffered frame, so one slow
// client never holds back playback or other viewers.
type Hub struct {
	cfg HubConfig

	viewers map[uint64]*viewer // owned by the run goroutine
	history [][]byte           // owned by the run goroutine, oldest first

	joinCh   chan *viewer
	leaveCh  chan *viewer
	pointCh  chan []byte
	configCh chan []byte
	done     chan struct{}

	config   atomic.Pointer[[]byte]
	started  atomic.Bool
	nextID   atomic.Uint64
	upgrader websocket.Upgrader
}

// NewHub creates a hub. Call Start before serving viewers.
func NewHub(cfg HubConfig) *Hub {
	if cfg.ViewerBuffer <= 0 {
		cfg.ViewerBuffer = defaultViewerBuffer
	}
	if cfg.History < 0 {
		cfg.History = 0
	} else if cfg.History == 0 {
		cfg.History = defaultHistory
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	return &Hub{
		cfg:      cfg,
		viewers:  make(map[uint64]*viewer),
		joinCh:   make(chan *viewer, 16),
		leaveCh:  make(chan *viewer, 16),
		pointCh:  make(chan []byte, 64),
		configCh: make(chan []byte, 1),
		done:     make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Name implements playback.Renderer.
func (h *Hub) Name() string { return "hub" }

// Configure stores the chart configuration. Viewers receive it before any
// point; viewers already connected receive the new configuration next.
func (h *Hub) Configure(cfg model.ChartConfig) error {
	data, err := json.Marshal(Message{Type: MessageConfig, Config: &cfg})
	if err != nil {
		return err
	}
	h.config.Store(&data)

	if !h.started.Load() {
		return nil
	}
	if h.stopped() {
		return ErrHubStopped
	}
	select {
	case h.configCh <- data:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

// Append implements playback.Renderer.
func (h *Hub) Append(p model.RenderedPoint) error {
	if !h.started.Load() {
		return ErrHubNotStarted
	}
	if h.stopped() {
		return ErrHubStopped
	}

	data, err := json.Marshal(Message{Type: MessagePoint, Point: &p})
	if err != nil {
		return err
	}

	select {
	case h.pointCh <- data:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

// Start launches the hub goroutine. It stops when ctx is done and closes every
// viewer's stream.
func (h *Hub) Start(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return ErrHubAlreadyStarted
	}

	go func() {
		defer func() {
			for _, v := range h.viewers {
				close(v.ch)
			}
			h.viewers = make(map[uint64]*viewer)
			close(h.done)
		}()

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("hub stopped")
				return
			case v := <-h.joinCh:
				h.join(v)
			case v := <-h.leaveCh:
				h.leave(v)
			case data := <-h.configCh:
				h.broadcast(data)
			case data := <-h.pointCh:
				h.remember(data)
				h.broadcast(data)
			}
		}
	}()
	return nil
}

// Done returns a channel closed when the hub goroutine exits.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) stopped() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Hub) join(v *viewer) {
	h.viewers[v.id] = v

	// configuration changed between the viewer's handshake and now
	if cur := h.config.Load(); cur != nil && cur != v.sentConfig {
		v.ch <- *cur
	}

	replay := h.history
	if room := cap(v.ch) - len(v.ch); len(replay) > room {
		replay = replay[len(replay)-room:]
	}
	for _, data := range replay {
		v.ch <- data
	}
	log.Info().Uint64("viewer", v.id).Int("replayed", len(replay)).Int("viewers", len(h.viewers)).Msg("viewer joined")
}

func (h *Hub) leave(v *viewer) {
	if _, ok := h.viewers[v.id]; ok {
		delete(h.viewers, v.id)
		close(v.ch)
		log.Info().Uint64("viewer", v.id).Uint64("dropped", v.dropped).Int("viewers", len(h.viewers)).Msg("viewer left")
	}
}

func (h *Hub) remember(data []byte) {
	if h.cfg.History == 0 {
		return
	}
	if len(h.history) == h.cfg.History {
		copy(h.history, h.history[1:])
		h.history = h.history[:len(h.history)-1]
	}
	h.history = append(h.history, data)
}

func (h *Hub) broadcast(data []byte) {
	for _, v := range h.viewers {
		select {
		case v.ch <- data:
		default:
			// full: drop the viewer's oldest frame
			select {
			case <-v.ch:
			default:
			}
			select {
			case v.ch <- data:
			default:
			}
			v.dropped++
			if v.dropped == 1 || v.dropped%1000 == 0 {
				log.Warn().Uint64("viewer", v.id).Uint64("dropped", v.dropped).Msg("viewer is too slow, dropping oldest frames")
			}
		}
	}
}

// ServeHTTP upgrades the request and streams frames to the viewer until it
// disconnects or the hub stops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.started.Load() {
		http.Error(w, ErrHubNotStarted.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("viewer upgrade failed")
		return
	}
	defer conn.Close()

	v := &viewer{
		id: h.nextID.Add(1),
		ch: make(chan []byte, h.cfg.ViewerBuffer),
	}
	logger := log.With().Uint64("viewer", v.id).Str("remote", r.RemoteAddr).Logger()

	// the configuration always precedes points and replayed history
	if cfg := h.config.Load(); cfg != nil {
		if err := h.write(conn, websocket.TextMessage, *cfg); err != nil {
			logger.Warn().Err(err).Msg("failed to send chart configuration")
			return
		}
		v.sentConfig = cfg
	}

	select {
	case h.joinCh <- v:
	case <-h.done:
		return
	}
	defer func() {
		select {
		case h.leaveCh <- v:
		case <-h.done:
		}
	}()

	// the read side only watches for the viewer going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(viewerPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			logger.Debug().Msg("viewer disconnected")
			return
		case <-ping.C:
			if err := h.write(conn, websocket.PingMessage, nil); err != nil {
				return
			}
		case data, ok := <-v.ch:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "session ended")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				return
			}
			if err := h.write(conn, websocket.TextMessage, data); err != nil {
				logger.Warn().Err(err).Msg("failed to write to viewer")
				return
			}
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, messageType int, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(messageType, data)
}
