package model

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Color is an 8-bit RGBA color.
type Color struct {
	R, G, B, A uint8
}

// Named colors used by the built-in threshold profiles.
var (
	Red    = Color{R: 255, A: 255}
	Yellow = Color{R: 255, G: 255, A: 255}
	Green  = Color{G: 128, A: 255}
	Orange = Color{R: 255, G: 165, A: 255}
	Blue   = Color{B: 255, A: 255}
	White  = Color{R: 255, G: 255, B: 255, A: 255}
	Black  = Color{A: 255}
)

var namedColors = map[string]Color{
	"red":    Red,
	"yellow": Yellow,
	"green":  Green,
	"orange": Orange,
	"blue":   Blue,
	"white":  White,
	"black":  Black,
}

// ParseColor accepts a palette name ("red") or a hex string ("#ff0000",
// "#ff000080").
func ParseColor(s string) (Color, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if c, ok := namedColors[s]; ok {
		return c, nil
	}

	raw := strings.TrimPrefix(s, "#")
	if len(raw) != 6 && len(raw) != 8 {
		return Color{}, fmt.Errorf("invalid color %q: expected name or #rrggbb[aa]", s)
	}

	b, err := hex.DecodeString(raw)
	if err != nil {
		return Color{}, fmt.Errorf("invalid color %q: %w", s, err)
	}

	c := Color{R: b[0], G: b[1], B: b[2], A: 255}
	if len(b) == 4 {
		c.A = b[3]
	}
	return c, nil
}

// Hex returns the color as #rrggbbaa.
func (c Color) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x%02x", c.R, c.G, c.B, c.A)
}

// MarshalText implements encoding.TextMarshaler so colors read naturally in
// YAML and JSON.
func (c Color) MarshalText() ([]byte, error) {
	return []byte(c.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Color) UnmarshalText(text []byte) error {
	parsed, err := ParseColor(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
