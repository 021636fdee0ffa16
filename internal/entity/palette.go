package entity

type DetectedFeatures struct {
	Skin Color `json:"skin_color"`
	Hair Color `json:"hair_color"`
	Lips Color `json:"lips_color"`
	Eyes Color `json:"eyes_color"`
}

// NoFace is what a pipeline reports when it cannot find a face at all.
var NoFace = DetectedFeatures{
	Skin: Undetected,
	Hair: Undetected,
	Lips: Undetected,
	Eyes: Undetected,
}

type Palette struct {
	Lipstick        Color `json:"lipstick_color"`
	EyeshadowOuter  Color `json:"eyeshadow_outer_color"`
	EyeshadowMiddle Color `json:"eyeshadow_middle_color"`
	EyeshadowInner  Color `json:"eyeshadow_inner_color"`
}

// PaletteResult is the full response payload: what was detected plus what is
// recommended. Fields flatten into a single JSON object.
type PaletteResult struct {
	DetectedFeatures
	Palette
}

func NewPaletteResult(features DetectedFeatures, palette Palette) PaletteResult {
	return PaletteResult{
		DetectedFeatures: features,
		Palette:          palette,
	}
}
