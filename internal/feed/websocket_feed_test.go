package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"quakeview/internal/model"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRelay starts a relay that records the subscription and then writes
// frames and closes.
func newTestRelay(t *testing.T, frames ...string) (string, <-chan []byte) {
	t.Helper()
	subs := make(chan []byte, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, sub, err := conn.ReadMessage()
		if err != nil {
			return
		}
		subs <- sub

		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
	}))
	t.Cleanup(server.Close)

	return "ws" + strings.TrimPrefix(server.URL, "http"), subs
}

func Test_NewWebsocketConnector(t *testing.T) {
	tests := []struct {
		name        string
		config      *Config
		expectError bool
	}{
		{name: "Nil configuration uses defaults", config: nil},
		{name: "Custom relay", config: &Config{Address: "wss://relay.example.org/traces", MaxSelectors: 2}},
		{name: "HTTP scheme", config: &Config{Address: "http://relay.example.org"}, expectError: true},
		{name: "Unparseable", config: &Config{Address: "ws://%zz"}, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewWebsocketConnector(tt.config)
			if tt.expectError {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, c.config.Address)
			assert.Positive(t, c.config.MaxSelectors)
		})
	}
}

func Test_BuildSubscription(t *testing.T) {
	raw, err := buildSubscription([]model.ChannelSelector{cbe, dhs})
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"subscribe","streams":["WI.CBE..HHZ","WI.DHS..HHZ"]}`, string(raw))
}

func Test_WebsocketConnector_Handler(t *testing.T) {
	c, err := NewWebsocketConnector(nil)
	require.NoError(t, err)
	handle := c.handler([]model.ChannelSelector{cbe})

	tests := []struct {
		name        string
		frame       string
		expectError bool
		expected    []model.Trace
	}{
		{
			name:  "Valid trace",
			frame: `{"network":"WI","station":"CBE","location":"","channel":"HHZ","sampling_rate":100,"start_time":"2024-06-01T10:00:00Z","samples":[1,-2.5]}`,
			expected: []model.Trace{{
				Selector:     cbe,
				SamplingRate: 100,
				StartTime:    feedStart,
				Samples:      []float64{1, -2.5},
			}},
		},
		{
			name:  "Degenerate trace passes through",
			frame: `{"network":"WI","station":"CBE","channel":"HHZ","sampling_rate":0,"start_time":"2024-06-01T10:00:00Z"}`,
			expected: []model.Trace{{
				Selector:  cbe,
				StartTime: feedStart,
				Samples:   []float64{},
			}},
		},
		{
			name:     "Other station ignored",
			frame:    `{"network":"WI","station":"DHS","channel":"HHZ","sampling_rate":100,"start_time":"2024-06-01T10:00:00Z","samples":[1]}`,
			expected: nil,
		},
		{name: "Invalid JSON", frame: `{"network":`, expectError: true},
		{name: "Missing station", frame: `{"network":"WI","channel":"HHZ","start_time":"2024-06-01T10:00:00Z"}`, expectError: true},
		{name: "Missing start time", frame: `{"network":"WI","station":"CBE","channel":"HHZ"}`, expectError: true},
		{name: "Bad channel code", frame: `{"network":"WI","station":"CBE","channel":"HZ","start_time":"2024-06-01T10:00:00Z"}`, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := handle([]byte(tt.frame))
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, got, len(tt.expected))
			for i := range got {
				assert.Equal(t, tt.expected[i].Selector, got[i].Selector)
				assert.Equal(t, tt.expected[i].SamplingRate, got[i].SamplingRate)
				assert.True(t, tt.expected[i].StartTime.Equal(got[i].StartTime))
				assert.Equal(t, tt.expected[i].Samples, got[i].Samples)
			}
		})
	}
}

func Test_WebsocketConnector_Stream(t *testing.T) {
	frame := func(station string, samples ...float64) string {
		raw, err := json.Marshal(traceMsg{
			Network:      "WI",
			Station:      station,
			Channel:      "HHZ",
			SamplingRate: 40,
			StartTime:    feedStart,
			Samples:      samples,
		})
		require.NoError(t, err)
		return string(raw)
	}

	url, subs := newTestRelay(t, frame("CBE", 1, 2), "garbage", frame("DHS", 3), frame("CBE", 4))

	c, err := NewWebsocketConnector(&Config{Address: url})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	traces, err := c.SubscribeToTraces(ctx, cbe)
	require.NoError(t, err)

	select {
	case sub := <-subs:
		assert.JSONEq(t, `{"action":"subscribe","streams":["WI.CBE..HHZ"]}`, string(sub))
	case <-time.After(2 * time.Second):
		t.Fatal("relay got no subscription")
	}

	got := collect(t, traces)
	require.Len(t, got, 2)
	assert.Equal(t, []float64{1, 2}, got[0].Samples)
	assert.Equal(t, []float64{4}, got[1].Samples)
	assert.Equal(t, 40.0, got[1].SamplingRate)
}

func Test_WebsocketConnector_InvalidSelectors(t *testing.T) {
	c, err := NewWebsocketConnector(&Config{Address: "ws://127.0.0.1:1/traces", MaxSelectors: 1})
	require.NoError(t, err)

	_, err = c.SubscribeToTraces(context.Background(), cbe, dhs)
	assert.Error(t, err)
}

func Test_New(t *testing.T) {
	tests := []struct {
		name        string
		kind        string
		expectError bool
	}{
		{name: "SeedLink", kind: KindSeedLink},
		{name: "Websocket", kind: KindWebsocket},
		{name: "Unknown", kind: "fdsn", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.kind, nil)
			if tt.expectError {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				assert.Nil(t, c)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, c)
		})
	}
}
