// Package config loads the quakeview configuration.
//
// Settings come from an optional YAML file and QUAKEVIEW_* environment
// variables (QUAKEVIEW_FEED_ADDRESS overrides feed.address), on top of the
// defaults registered in setDefaults. The loaded Config is validated once and
// then converted into the settings of each pipeline component.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"quakeview/internal/audit"
	"quakeview/internal/buffer"
	"quakeview/internal/feed"
	"quakeview/internal/filter"
	"quakeview/internal/model"
	"quakeview/internal/render"
	"quakeview/internal/threshold"
	"quakeview/internal/utils"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "QUAKEVIEW"

var ErrInvalidConfig = errors.New("invalid configuration")

var validate = validator.New()

// Config is the complete application configuration.
type Config struct {
	LogLevel   string          `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`
	Feed       FeedConfig      `mapstructure:"feed"`
	Thresholds ThresholdConfig `mapstructure:"thresholds"`
	Filter     FilterConfig    `mapstructure:"filter"`
	Buffer     BufferConfig    `mapstructure:"buffer"`
	Playback   PlaybackConfig  `mapstructure:"playback"`
	Chart      ChartConfig     `mapstructure:"chart"`
	Audit      AuditConfig     `mapstructure:"audit"`
	Metrics    MetricsConfig   `mapstructure:"metrics"`
	Health     HealthConfig    `mapstructure:"health"`
	Hub        HubConfig       `mapstructure:"hub"`
	Snapshot   SnapshotConfig  `mapstructure:"snapshot"`
}

// FeedConfig names the upstream server and the one stream a session plays
// back.
type FeedConfig struct {
	Kind             string        `mapstructure:"kind" validate:"oneof=seedlink websocket"`
	Address          string        `mapstructure:"address" validate:"required"`
	Selector         string        `mapstructure:"selector" validate:"required"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" validate:"gte=0"`
	TraceBuffer      int           `mapstructure:"trace_buffer" validate:"gte=0"`
}

// ThresholdConfig selects the breakpoint table. Inline breakpoints take
// precedence over the named profile.
type ThresholdConfig struct {
	Profile     string             `mapstructure:"profile"`
	Breakpoints []BreakpointConfig `mapstructure:"breakpoints" validate:"dive"`
}

type BreakpointConfig struct {
	Value    float64 `mapstructure:"value"`
	Color    string  `mapstructure:"color" validate:"required"`
	Severity string  `mapstructure:"severity"`
}

type FilterConfig struct {
	CutoffRatio float64 `mapstructure:"cutoff_ratio" validate:"gt=0,lt=1"`
	Corners     int     `mapstructure:"corners" validate:"gte=2"`
}

type BufferConfig struct {
	Policy   string `mapstructure:"policy" validate:"oneof=unbounded drop-oldest block"`
	Capacity int    `mapstructure:"capacity" validate:"gte=0"`
}

type PlaybackConfig struct {
	// Interval is the minimum spacing between rendered points; negative
	// disables pacing.
	Interval time.Duration `mapstructure:"interval"`
}

type ChartConfig struct {
	Title                  string  `mapstructure:"title"`
	Theme                  string  `mapstructure:"theme" validate:"oneof=light dark"`
	WindowMs               int64   `mapstructure:"window_ms" validate:"gt=0"`
	YAxisTitle             string  `mapstructure:"y_axis_title"`
	LineThickness          float64 `mapstructure:"line_thickness" validate:"gt=0"`
	ReferenceLineThickness float64 `mapstructure:"reference_line_thickness" validate:"gt=0"`
}

type AuditConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
	Compress   bool   `mapstructure:"compress"`
	History    int    `mapstructure:"history" validate:"gte=0"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// HealthConfig enables the gRPC health service when Addr is set.
type HealthConfig struct {
	Addr string `mapstructure:"addr"`
}

type HubConfig struct {
	Addr         string        `mapstructure:"addr" validate:"required"`
	ViewerBuffer int           `mapstructure:"viewer_buffer" validate:"gte=0"`
	History      int           `mapstructure:"history"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
}

type SnapshotConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Path     string        `mapstructure:"path"`
	Interval time.Duration `mapstructure:"interval" validate:"gte=0"`
	Width    int           `mapstructure:"width" validate:"gte=0"`
	Height   int           `mapstructure:"height" validate:"gte=0"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("feed.kind", feed.KindSeedLink)
	v.SetDefault("feed.address", "rtserve.iris.washington.edu:18000")
	v.SetDefault("feed.selector", "WI.CBE..HHZ")
	v.SetDefault("feed.handshake_timeout", 10*time.Second)
	v.SetDefault("feed.trace_buffer", 256)

	v.SetDefault("thresholds.profile", threshold.Wide.Name)

	v.SetDefault("filter.cutoff_ratio", filter.DefaultCutoffRatio)
	v.SetDefault("filter.corners", filter.DefaultCorners)

	v.SetDefault("buffer.policy", string(buffer.PolicyDropOldest))
	v.SetDefault("buffer.capacity", buffer.DefaultCapacity)

	v.SetDefault("playback.interval", 10*time.Millisecond)

	v.SetDefault("chart.title", "Seismic Data Threshold Warning")
	v.SetDefault("chart.theme", "dark")
	v.SetDefault("chart.window_ms", 10_000)
	v.SetDefault("chart.y_axis_title", "Amplitude")
	v.SetDefault("chart.line_thickness", 2)
	v.SetDefault("chart.reference_line_thickness", 2.5)

	v.SetDefault("audit.path", "")
	v.SetDefault("audit.max_size_mb", 50)
	v.SetDefault("audit.max_backups", 5)
	v.SetDefault("audit.max_age_days", 0)
	v.SetDefault("audit.compress", false)
	v.SetDefault("audit.history", audit.DefaultHistory)

	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("health.addr", ":50051")

	v.SetDefault("hub.addr", ":8080")
	v.SetDefault("hub.viewer_buffer", 256)
	v.SetDefault("hub.history", 1000)
	v.SetDefault("hub.write_timeout", 5*time.Second)

	v.SetDefault("snapshot.enabled", false)
	v.SetDefault("snapshot.path", "quakeview.png")
	v.SetDefault("snapshot.interval", 5*time.Second)
	v.SetDefault("snapshot.width", 1200)
	v.SetDefault("snapshot.height", 400)
}

// Load reads the configuration file at path, if any, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and that the selector and thresholds
// build.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := c.ChannelSelector(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := c.ThresholdTable(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := buffer.ParsePolicy(c.Buffer.Policy); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// ChannelSelector parses the configured stream.
func (c *Config) ChannelSelector() (model.ChannelSelector, error) {
	return utils.ParseSelector(c.Feed.Selector)
}

// ThresholdTable builds the classifier from inline breakpoints or, when none
// are given, from the named profile.
func (c *Config) ThresholdTable() (*threshold.Table, error) {
	if len(c.Thresholds.Breakpoints) == 0 {
		p, err := threshold.LookupProfile(c.Thresholds.Profile)
		if err != nil {
			return nil, err
		}
		return p.Table()
	}

	bps := make([]model.Breakpoint, 0, len(c.Thresholds.Breakpoints))
	for i, b := range c.Thresholds.Breakpoints {
		color, err := model.ParseColor(b.Color)
		if err != nil {
			return nil, fmt.Errorf("breakpoint %d: %w", i, err)
		}
		bps = append(bps, model.Breakpoint{Value: b.Value, Color: color, Severity: b.Severity})
	}
	return threshold.NewTable(bps)
}

// ChartFor builds the renderer configuration for the given stream.
func (c *Config) ChartFor(sel model.ChannelSelector, table *threshold.Table) model.ChartConfig {
	return model.ChartConfig{
		Title:    c.Chart.Title,
		Theme:    c.Chart.Theme,
		Selector: sel.String(),
		XAxis: model.XAxisConfig{
			ScrollStrategy: "progressive",
			TickStrategy:   "DateTime",
			IntervalMs:     c.Chart.WindowMs,
		},
		YAxisTitle:    c.Chart.YAxisTitle,
		LineThickness: c.Chart.LineThickness,
		LineLUT:       table.LookupTable(true),
		AxisLUT:       table.LookupTable(false),
		ConstantLines: table.ReferenceLines(c.Chart.ReferenceLineThickness),
	}
}

func (c *Config) FeedConfig() *feed.Config {
	return &feed.Config{
		Address:          c.Feed.Address,
		MaxSelectors:     1,
		HandshakeTimeout: c.Feed.HandshakeTimeout,
		TraceBuffer:      c.Feed.TraceBuffer,
	}
}

func (c *Config) FilterConfig() filter.Config {
	return filter.Config{CutoffRatio: c.Filter.CutoffRatio, Corners: c.Filter.Corners}
}

func (c *Config) BufferConfig() buffer.Config {
	// validated in Validate
	policy, _ := buffer.ParsePolicy(c.Buffer.Policy)
	return buffer.Config{Capacity: c.Buffer.Capacity, Policy: policy}
}

func (c *Config) AuditConfig() audit.Config {
	return audit.Config{
		Path:       c.Audit.Path,
		MaxSizeMB:  c.Audit.MaxSizeMB,
		MaxBackups: c.Audit.MaxBackups,
		MaxAgeDays: c.Audit.MaxAgeDays,
		Compress:   c.Audit.Compress,
		History:    c.Audit.History,
	}
}

func (c *Config) HubConfig() render.HubConfig {
	return render.HubConfig{
		ViewerBuffer: c.Hub.ViewerBuffer,
		History:      c.Hub.History,
		WriteTimeout: c.Hub.WriteTimeout,
	}
}

func (c *Config) SnapshotConfig() render.SnapshotConfig {
	return render.SnapshotConfig{
		Path:     c.Snapshot.Path,
		Interval: c.Snapshot.Interval,
		Width:    c.Snapshot.Width,
		Height:   c.Snapshot.Height,
	}
}
