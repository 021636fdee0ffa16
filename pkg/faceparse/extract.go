package faceparse

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"MakeupRecommendation/internal/entity"

	"github.com/EdlinOrg/prominentcolor"
	"github.com/nfnt/resize"
)

const (
	noFeature = -1

	featureSkin = iota - 1
	featureHair
	featureLips
	featureEyes
	featureCount
)

// Clusters smaller than this share of a region are ignored when picking the
// darkest one (stray eyelash or reflection pixels).
const minClusterShare = 0.15

// preprocess resizes img to the model resolution and writes it into dst as
// normalized CHW float32. The resized raster is returned so colors can be
// sampled at the same resolution as the class map.
func preprocess(img image.Image, meta Metadata, dst []float32) image.Image {
	size := meta.ImageSize
	resized := resize.Resize(uint(size), uint(size), img, resize.Bilinear)

	plane := size * size
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b := rgbAt(resized, x, y)
			idx := y*size + x
			dst[idx] = (float32(r)/255 - meta.Mean[0]) / meta.Std[0]
			dst[plane+idx] = (float32(g)/255 - meta.Mean[1]) / meta.Std[1]
			dst[2*plane+idx] = (float32(b)/255 - meta.Mean[2]) / meta.Std[2]
		}
	}

	return resized
}

// argmax collapses [C,H,W] logits into one class index per pixel.
func argmax(logits []float32, classes, pixels int, out []uint8) {
	for p := 0; p < pixels; p++ {
		best := 0
		bestVal := logits[p]
		for c := 1; c < classes; c++ {
			if v := logits[c*pixels+p]; v > bestVal {
				bestVal = v
				best = c
			}
		}
		out[p] = uint8(best)
	}
}

func featureLookup(meta Metadata) [256]int {
	var lookup [256]int
	for i := range lookup {
		lookup[i] = noFeature
	}
	groups := [featureCount][]int{
		featureSkin: meta.Classes.Skin,
		featureHair: meta.Classes.Hair,
		featureLips: meta.Classes.Lips,
		featureEyes: meta.Classes.Eyes,
	}
	for feature, classes := range groups {
		for _, c := range classes {
			lookup[c] = feature
		}
	}
	return lookup
}

// extractFeatures samples img under each feature's mask. img must have the
// same dimensions as the class map.
func extractFeatures(img image.Image, classMap []uint8, meta Metadata) entity.DetectedFeatures {
	lookup := featureLookup(meta)
	width := img.Bounds().Dx()

	var regions [featureCount][]color.RGBA
	for i, class := range classMap {
		feature := lookup[class]
		if feature == noFeature {
			continue
		}
		r, g, b := rgbAt(img, i%width, i/width)
		regions[feature] = append(regions[feature], color.RGBA{R: r, G: g, B: b, A: 255})
	}

	if len(regions[featureSkin]) < meta.MinFacePixels {
		return entity.NoFace
	}

	return entity.DetectedFeatures{
		Skin: regionColor(regions[featureSkin], meta.MinPixels, false),
		Hair: regionColor(regions[featureHair], meta.MinPixels, false),
		Lips: regionColor(regions[featureLips], meta.MinPixels, false),
		Eyes: regionColor(regions[featureEyes], meta.MinPixels, true),
	}
}

func regionColor(pixels []color.RGBA, minPixels int, darkest bool) entity.Color {
	if len(pixels) == 0 || len(pixels) < minPixels {
		return entity.Undetected
	}

	c, err := dominantColor(pixels, darkest)
	if err != nil {
		return meanColor(pixels)
	}
	return c
}

// dominantColor clusters the region with k-means. By default the largest
// cluster wins; with darkest set, the darkest cluster holding a meaningful
// share of the region wins, which favours the iris over the sclera.
func dominantColor(pixels []color.RGBA, darkest bool) (c entity.Color, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("k-means panicked: %v", r)
		}
	}()

	clusters, err := prominentcolor.KmeansWithAll(
		prominentcolor.DefaultK,
		packRegion(pixels),
		prominentcolor.ArgumentNoCropping|prominentcolor.ArgumentAverageMean,
		prominentcolor.DefaultSize,
		[]prominentcolor.ColorBackgroundMask{},
	)
	if err != nil {
		return entity.Undetected, fmt.Errorf("unable to extract dominant color: %w", err)
	}

	total := 0
	for _, item := range clusters {
		total += item.Cnt
	}

	var best *prominentcolor.ColorItem
	for i, item := range clusters {
		if item.Cnt == 0 || (darkest && float64(item.Cnt) < minClusterShare*float64(total)) {
			continue
		}
		switch {
		case best == nil:
			best = &clusters[i]
		case darkest && itemBrightness(item) < itemBrightness(*best):
			best = &clusters[i]
		case !darkest && item.Cnt > best.Cnt:
			best = &clusters[i]
		}
	}

	if best == nil {
		return entity.Undetected, fmt.Errorf("no colors found")
	}

	return entity.Clamped(int(best.Color.R), int(best.Color.G), int(best.Color.B)), nil
}

// packRegion lays the masked pixels out as a square raster, repeating them
// to fill the last row so the color distribution is preserved.
func packRegion(pixels []color.RGBA) image.Image {
	side := int(math.Ceil(math.Sqrt(float64(len(pixels)))))
	img := image.NewRGBA(image.Rect(0, 0, side, side))
	for i := 0; i < side*side; i++ {
		img.SetRGBA(i%side, i/side, pixels[i%len(pixels)])
	}
	return img
}

func meanColor(pixels []color.RGBA) entity.Color {
	var r, g, b int
	for _, p := range pixels {
		r += int(p.R)
		g += int(p.G)
		b += int(p.B)
	}
	n := len(pixels)
	return entity.Clamped((r+n/2)/n, (g+n/2)/n, (b+n/2)/n)
}

func itemBrightness(item prominentcolor.ColorItem) uint32 {
	return item.Color.R + item.Color.G + item.Color.B
}

func rgbAt(img image.Image, x, y int) (uint8, uint8, uint8) {
	b := img.Bounds()
	r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
	return uint8(r >> 8), uint8(g >> 8), uint8(bl >> 8)
}
