package entity

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

const undetectedChannel = -1

var ErrInvalidColor = errors.New("color channels must all be in [0,255] or all be -1")

// Color is an RGB triple or the Undetected sentinel. The zero value is
// Undetected, and a Color can never hold a mix of real and sentinel channels.
type Color struct {
	rgb      [3]uint8
	detected bool
}

// Undetected marks a facial feature the pipeline could not locate.
var Undetected = Color{}

func RGB(r, g, b uint8) Color {
	return Color{rgb: [3]uint8{r, g, b}, detected: true}
}

// NewColor accepts either three channels in [0,255] or the exact sentinel
// (-1,-1,-1). Anything else is rejected.
func NewColor(r, g, b int) (Color, error) {
	if r == undetectedChannel && g == undetectedChannel && b == undetectedChannel {
		return Undetected, nil
	}
	if !inRange(r) || !inRange(g) || !inRange(b) {
		return Undetected, fmt.Errorf("%w: got (%d,%d,%d)", ErrInvalidColor, r, g, b)
	}
	return RGB(uint8(r), uint8(g), uint8(b)), nil
}

// Clamped builds a detected color, forcing every channel into [0,255].
func Clamped(r, g, b int) Color {
	return RGB(clamp(r), clamp(g), clamp(b))
}

func (c Color) IsValid() bool {
	return c.detected
}

func (c Color) IsUndetected() bool {
	return !c.detected
}

// Components returns (R,G,B), or (-1,-1,-1) for the sentinel.
func (c Color) Components() [3]int {
	if !c.detected {
		return [3]int{undetectedChannel, undetectedChannel, undetectedChannel}
	}
	return [3]int{int(c.rgb[0]), int(c.rgb[1]), int(c.rgb[2])}
}

func (c Color) RGB8() (r, g, b uint8) {
	return c.rgb[0], c.rgb[1], c.rgb[2]
}

// Brightness is the mean of the three channels. It is -1 for the sentinel.
func (c Color) Brightness() float64 {
	if !c.detected {
		return undetectedChannel
	}
	return (float64(c.rgb[0]) + float64(c.rgb[1]) + float64(c.rgb[2])) / 3
}

func (c Color) Hex() string {
	if !c.detected {
		return ""
	}
	return fmt.Sprintf("#%02x%02x%02x", c.rgb[0], c.rgb[1], c.rgb[2])
}

func (c Color) String() string {
	if !c.detected {
		return "undetected"
	}
	return fmt.Sprintf("rgb(%d,%d,%d)", c.rgb[0], c.rgb[1], c.rgb[2])
}

func (c Color) MarshalJSON() ([]byte, error) {
	return jsoniter.Marshal(c.Components())
}

func (c *Color) UnmarshalJSON(data []byte) error {
	var channels []int
	if err := jsoniter.Unmarshal(data, &channels); err != nil {
		return fmt.Errorf("decode color: %w", err)
	}
	if len(channels) != 3 {
		return fmt.Errorf("%w: expected 3 channels, got %d", ErrInvalidColor, len(channels))
	}

	parsed, err := NewColor(channels[0], channels[1], channels[2])
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func inRange(v int) bool {
	return v >= 0 && v <= 255
}

func clamp(v int) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return uint8(v)
	}
}
