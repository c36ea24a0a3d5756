// Package model defines core data types for the seismic viewer.
//
// This package contains the fundamental data structures passed between the
// feed connectors, the filtering and buffering stages and the renderers.
// Sample values are float64 counts as delivered by the feed; timestamps on
// derived points are absolute Unix milliseconds.
package model

import (
	"fmt"
	"time"
)

// ChannelSelector identifies one waveform stream using SEED naming.
//
// The three-part selector (network, station, channel) is what the feed is
// subscribed with; the location code is optional and empty in most public
// feeds.
type ChannelSelector struct {
	Network  string `mapstructure:"network" json:"network" validate:"required,min=1,max=2,alphanum"`
	Station  string `mapstructure:"station" json:"station" validate:"required,min=1,max=5,alphanum"`
	Location string `mapstructure:"location" json:"location" validate:"max=2"`
	Channel  string `mapstructure:"channel" json:"channel" validate:"required,len=3,alphanum"`
}

// String returns the selector in NET.STA.LOC.CHA form.
func (s ChannelSelector) String() string {
	return fmt.Sprintf("%s.%s.%s.%s", s.Network, s.Station, s.Location, s.Channel)
}

// Matches reports whether other names the same stream. An empty location on
// the receiver acts as a wildcard.
func (s ChannelSelector) Matches(other ChannelSelector) bool {
	if s.Network != other.Network || s.Station != other.Station || s.Channel != other.Channel {
		return false
	}
	return s.Location == "" || s.Location == other.Location
}

// Trace represents one delivered block of waveform data.
//
// A Trace is immutable once delivered: the feed produces it, the ingest
// adapter consumes it exactly once. Filtering returns a new Trace rather than
// modifying Samples in place.
type Trace struct {
	Selector     ChannelSelector // Stream the samples belong to
	SamplingRate float64         // Samples per second, must be > 0
	StartTime    time.Time       // Absolute time of the first sample
	Samples      []float64       // Raw amplitude samples in arrival order
}

// EndTime returns the time of the last sample, or StartTime for traces with
// fewer than two samples or an invalid rate.
func (t Trace) EndTime() time.Time {
	if len(t.Samples) < 2 || t.SamplingRate <= 0 {
		return t.StartTime
	}
	span := float64(len(t.Samples)-1) / t.SamplingRate
	return t.StartTime.Add(time.Duration(span * float64(time.Second)))
}

// SamplePoint is one (timestamp, amplitude) pair derived from a Trace.
type SamplePoint struct {
	TimestampMs int64   `json:"x"` // Absolute Unix milliseconds
	Amplitude   float64 `json:"y"` // Filtered amplitude
}

// Time returns the point's timestamp as a time.Time.
func (p SamplePoint) Time() time.Time {
	return time.UnixMilli(p.TimestampMs)
}

// RenderedPoint is a SamplePoint with its resolved display color and tier.
type RenderedPoint struct {
	SamplePoint
	Color    Color  `json:"color"`
	Severity string `json:"severity,omitempty"`
}
