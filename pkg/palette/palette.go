// Package palette derives a makeup palette from detected facial feature colors.
//
// Hue and chroma decisions are made in HCL space; brightness decisions are made
// on the mean of the RGB channels, which is the quantity the eyeshadow ordering
// is defined on.
package palette

import (
	"math"

	"MakeupRecommendation/internal/entity"

	"github.com/lucasb-eyer/go-colorful"
)

const (
	// Skin hues at or above this angle (HCL, degrees) read as warm/golden,
	// below it as cool/pink.
	warmUndertoneHue = 55.0

	coralHue  = 30.0
	berryHue  = 355.0
	bronzeHue = 40.0
	mauveHue  = 335.0

	// Feature colors with less chroma than this have no reliable hue.
	minHueChroma = 0.08
)

type Option func(*Recommender)

// Recommender holds the blending policy. It has no mutable state, so a single
// value can be shared between goroutines.
type Recommender struct {
	lipChromaBoost float64
	lipMinChroma   float64
	lipDepth       float64
	lipHuePull     float64
	shadowChroma   float64

	innerSlope, innerOffset float64
	innerMin, innerMax      float64
	middleRatio, outerRatio float64
}

func WithLipstickIntensity(chromaBoost, minChroma float64) Option {
	return func(r *Recommender) {
		r.lipChromaBoost = chromaBoost
		r.lipMinChroma = minChroma
	}
}

func WithShadowChroma(chroma float64) Option {
	return func(r *Recommender) {
		r.shadowChroma = chroma
	}
}

func New(opts ...Option) *Recommender {
	r := &Recommender{
		lipChromaBoost: 1.35,
		lipMinChroma:   0.30,
		lipDepth:       0.85,
		lipHuePull:     0.25,
		shadowChroma:   0.22,

		innerSlope:  0.8,
		innerOffset: 45,
		innerMin:    120,
		innerMax:    225,
		middleRatio: 0.62,
		outerRatio:  0.35,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var defaultRecommender = New()

// Recommend applies the default policy.
func Recommend(features entity.DetectedFeatures) entity.Palette {
	return defaultRecommender.Recommend(features)
}

// Recommend never fabricates a color for an input it depends on: undetected
// lips give an undetected lipstick and undetected skin gives undetected
// eyeshadows. With valid skin the eyeshadow brightness strictly increases from
// outer to middle to inner.
func (r *Recommender) Recommend(features entity.DetectedFeatures) entity.Palette {
	result := entity.Palette{
		Lipstick:        entity.Undetected,
		EyeshadowOuter:  entity.Undetected,
		EyeshadowMiddle: entity.Undetected,
		EyeshadowInner:  entity.Undetected,
	}

	if features.Lips.IsValid() {
		result.Lipstick = r.lipstick(features.Lips, features.Skin)
	}

	if features.Skin.IsValid() {
		outer, middle, inner := r.eyeshadow(features)
		result.EyeshadowOuter = outer
		result.EyeshadowMiddle = middle
		result.EyeshadowInner = inner
	}

	return result
}

func (r *Recommender) lipstick(lips, skin entity.Color) entity.Color {
	h, c, l := toColorful(lips).Hcl()

	if skin.IsValid() {
		target := berryHue
		if isWarm(skin) {
			target = coralHue
		}
		h = lerpHue(h, target, r.lipHuePull)
	}

	c = math.Max(c*r.lipChromaBoost, r.lipMinChroma)
	l = clampFloat(l*r.lipDepth, 0.25, 0.65)

	return fromColorful(colorful.Hcl(h, c, l))
}

func (r *Recommender) eyeshadow(features entity.DetectedFeatures) (outer, middle, inner entity.Color) {
	_, _, skinL := toColorful(features.Skin).Hcl()
	base := colorful.Hcl(r.shadowHue(features), r.shadowChroma, skinL).Clamped()

	innerTarget := clampFloat(r.innerSlope*features.Skin.Brightness()+r.innerOffset, r.innerMin, r.innerMax)
	middleTarget := innerTarget * r.middleRatio
	outerTarget := innerTarget * r.outerRatio

	return fitBrightness(base, outerTarget), fitBrightness(base, middleTarget), fitBrightness(base, innerTarget)
}

// shadowHue complements the eyes when they carry a usable hue, otherwise
// echoes the hair, otherwise follows the skin undertone.
func (r *Recommender) shadowHue(features entity.DetectedFeatures) float64 {
	if features.Eyes.IsValid() {
		h, c, _ := toColorful(features.Eyes).Hcl()
		if c >= minHueChroma {
			return math.Mod(h+180, 360)
		}
	}

	if features.Hair.IsValid() {
		h, c, _ := toColorful(features.Hair).Hcl()
		if c >= minHueChroma {
			return h
		}
	}

	if isWarm(features.Skin) {
		return bronzeHue
	}
	return mauveHue
}

// fitBrightness rescales base so the mean of its channels lands on target:
// toward black when darkening, toward white when lightening. Rounding moves
// the mean by at most half a level.
func fitBrightness(base colorful.Color, target float64) entity.Color {
	ch := [3]float64{base.R * 255, base.G * 255, base.B * 255}
	mean := (ch[0] + ch[1] + ch[2]) / 3

	for i := range ch {
		switch {
		case target <= mean && mean > 0:
			ch[i] *= target / mean
		case mean < 255:
			ch[i] += (255 - ch[i]) * (target - mean) / (255 - mean)
		}
	}

	return entity.Clamped(
		int(math.Round(ch[0])),
		int(math.Round(ch[1])),
		int(math.Round(ch[2])),
	)
}

func isWarm(skin entity.Color) bool {
	h, _, _ := toColorful(skin).Hcl()
	return h >= warmUndertoneHue && h < warmUndertoneHue+180
}

func toColorful(c entity.Color) colorful.Color {
	r, g, b := c.RGB8()
	return colorful.Color{R: float64(r) / 255, G: float64(g) / 255, B: float64(b) / 255}
}

func fromColorful(c colorful.Color) entity.Color {
	r, g, b := c.Clamped().RGB255()
	return entity.RGB(r, g, b)
}

// lerpHue moves from a toward b along the shorter arc.
func lerpHue(a, b, t float64) float64 {
	d := math.Mod(b-a+540, 360) - 180
	return math.Mod(a+d*t+360, 360)
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
