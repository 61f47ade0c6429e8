package color

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalid is returned for strings that are not 6 or 8 hex digits.
var ErrInvalid = errors.New("invalid color")

// Model selects how an 8-digit value is laid out.
type Model int

const (
	// ARGB reads 8 digits as AARRGGBB.
	ARGB Model = iota
	// RGBA reads 8 digits as RRGGBBAA.
	RGBA
)

// ParseModel maps a config string to a Model. Unknown values fall back to ARGB.
func ParseModel(s string) Model {
	if strings.EqualFold(strings.TrimSpace(s), "rgba") {
		return RGBA
	}
	return ARGB
}

func (m Model) String() string {
	if m == RGBA {
		return "rgba"
	}
	return "argb"
}

// Color is a non-premultiplied 8-bit color.
type Color struct {
	A, R, G, B uint8
}

// Parse validates and decodes a 6 or 8 digit hex color, with or without a
// leading '#'. A 6-digit value is fully opaque.
func Parse(s string, m Model) (Color, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	switch len(hex) {
	case 6:
		if m == RGBA {
			hex += "FF"
		} else {
			hex = "FF" + hex
		}
	case 8:
	default:
		return Color{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}

	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return Color{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}

	if m == RGBA {
		return Color{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
	}
	return Color{A: uint8(v >> 24), R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v)}, nil
}

// Valid reports whether s parses under m.
func Valid(s string, m Model) bool {
	_, err := Parse(s, m)
	return err == nil
}

// ARGB packs the color the way Android's Color.parseColor does.
func (c Color) ARGB() uint32 {
	return uint32(c.A)<<24 | uint32(c.R)<<16 | uint32(c.G)<<8 | uint32(c.B)
}

// Alpha returns the alpha channel in [0,1].
func (c Color) Alpha() float64 {
	return float64(c.A) / 255
}

// CSS renders the color as a CSS value. Only hex digits and numbers are
// emitted, so the result is safe to embed in quoted script or style text.
func (c Color) CSS() string {
	if c.A == 0xFF {
		return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
	}
	return fmt.Sprintf("rgba(%d,%d,%d,%s)", c.R, c.G, c.B, strconv.FormatFloat(c.Alpha(), 'f', 3, 64))
}

func (c Color) String() string {
	return fmt.Sprintf("#%02X%02X%02X%02X", c.A, c.R, c.G, c.B)
}
