package feed

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"quakeview/internal/model"
	"quakeview/internal/utils"
	"quakeview/internal/websocket"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

var defaultRelayConfig = Config{
	Address:      "ws://localhost:8090/traces",
	MaxSelectors: 10,
}

// WebsocketConnector receives JSON traces from a websocket trace relay.
//
// After connecting it sends one subscribe message:
//
//	{"action":"subscribe","streams":["WI.CBE..HHZ"]}
//
// and then expects one trace per text frame:
//
//	{
//		"network": "WI", "station": "CBE", "location": "", "channel": "HHZ",
//		"sampling_rate": 100,
//		"start_time": "2024-06-01T00:00:00.000Z",
//		"samples": [12, -4, 9]
//	}
type WebsocketConnector struct {
	config   Config
	validate *validator.Validate
}

type subscribeMsg struct {
	Action  string   `json:"action"`
	Streams []string `json:"streams"`
}

// traceMsg is one relayed trace. Rate and sample checks are left to ingest so
// degenerate traces are skipped and counted in one place.
type traceMsg struct {
	Network      string    `json:"network" validate:"required,max=2"`
	Station      string    `json:"station" validate:"required,max=5"`
	Location     string    `json:"location" validate:"max=2"`
	Channel      string    `json:"channel" validate:"required,len=3"`
	SamplingRate float64   `json:"sampling_rate"`
	StartTime    time.Time `json:"start_time" validate:"required"`
	Samples      []float64 `json:"samples"`
}

// NewWebsocketConnector creates a relay connector. A nil cfg uses a local relay.
func NewWebsocketConnector(cfg *Config) (*WebsocketConnector, error) {
	if cfg == nil {
		cfg = &defaultRelayConfig
	}
	c := cfg.withDefaults(defaultRelayConfig)

	u, err := url.Parse(c.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: relay address must be ws:// or wss://, got %q", ErrInvalidConfig, c.Address)
	}

	return &WebsocketConnector{
		config:   c,
		validate: validator.New(),
	}, nil
}

// SubscribeToTraces connects to the relay and returns its trace channel.
func (wc *WebsocketConnector) SubscribeToTraces(ctx context.Context, selectors ...model.ChannelSelector) (<-chan model.Trace, error) {
	if err := utils.ValidateSelectors(selectors, wc.config.MaxSelectors); err != nil {
		return nil, err
	}

	sub, err := buildSubscription(selectors)
	if err != nil {
		return nil, err
	}

	client, err := websocket.NewWebsocketClient(ctx, websocket.Config{
		Endpoint:             wc.config.Address,
		Handler:              wc.handler(selectors),
		TraceBuffer:          wc.config.TraceBuffer,
		SubscriptionMessages: [][]byte{sub},
	})
	if err != nil {
		log.Error().Err(err).Str("relay", wc.config.Address).Msg("failed to connect to trace relay")
		return nil, err
	}

	return client.Traces, nil
}

func buildSubscription(selectors []model.ChannelSelector) ([]byte, error) {
	streams := make([]string, 0, len(selectors))
	for _, s := range selectors {
		streams = append(streams, s.String())
	}
	return json.Marshal(subscribeMsg{Action: "subscribe", Streams: streams})
}

func (wc *WebsocketConnector) handler(selectors []model.ChannelSelector) websocket.Handler {
	return func(raw []byte) ([]model.Trace, error) {
		var m traceMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("invalid trace JSON: %w", err)
		}

		if err := wc.validate.Struct(&m); err != nil {
			return nil, fmt.Errorf("trace validation failed: %w", err)
		}

		tr := model.Trace{
			Selector: model.ChannelSelector{
				Network:  m.Network,
				Station:  m.Station,
				Location: m.Location,
				Channel:  m.Channel,
			},
			SamplingRate: m.SamplingRate,
			StartTime:    m.StartTime,
			Samples:      m.Samples,
		}

		if !matchesAny(selectors, tr.Selector) {
			return nil, nil
		}
		if tr.Samples == nil {
			tr.Samples = []float64{}
		}
		return []model.Trace{tr}, nil
	}
}
