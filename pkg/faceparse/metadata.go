package faceparse

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
)

// FeatureClasses lists which segmentation classes make up each feature.
type FeatureClasses struct {
	Skin []int `json:"skin"`
	Hair []int `json:"hair"`
	Lips []int `json:"lips"`
	Eyes []int `json:"eyes"`
}

type Metadata struct {
	InputName     string         `json:"input_name"`
	OutputName    string         `json:"output_name"`
	InputShape    []int64        `json:"input_shape"`
	OutputShape   []int64        `json:"output_shape"`
	ImageSize     int            `json:"image_size"`
	Mean          [3]float32     `json:"mean"`
	Std           [3]float32     `json:"std"`
	Classes       FeatureClasses `json:"classes"`
	MinPixels     int            `json:"min_pixels"`
	MinFacePixels int            `json:"min_face_pixels"`
}

// DefaultMetadata describes the usual 19-class BiSeNet face-parsing export.
func DefaultMetadata() Metadata {
	return Metadata{
		InputName:   "input",
		OutputName:  "output",
		InputShape:  []int64{1, 3, 512, 512},
		OutputShape: []int64{1, 19, 512, 512},
		ImageSize:   512,
		Mean:        [3]float32{0.485, 0.456, 0.406},
		Std:         [3]float32{0.229, 0.224, 0.225},
		Classes: FeatureClasses{
			Skin: []int{1},
			Eyes: []int{4, 5},
			Lips: []int{12, 13},
			Hair: []int{17},
		},
		MinPixels:     64,
		MinFacePixels: 2000,
	}
}

// LoadMetadata reads path over the defaults. An empty path means defaults.
func LoadMetadata(path string) (Metadata, error) {
	meta := DefaultMetadata()
	if path == "" {
		return meta, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := jsoniter.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if err := meta.Validate(); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

func (m Metadata) NumClasses() int {
	return int(m.OutputShape[1])
}

func (m Metadata) Validate() error {
	if len(m.InputShape) != 4 || m.InputShape[1] != 3 {
		return fmt.Errorf("input shape must be [N,3,H,W], got %v", m.InputShape)
	}
	if len(m.OutputShape) != 4 {
		return fmt.Errorf("output shape must be [N,C,H,W], got %v", m.OutputShape)
	}

	size := int64(m.ImageSize)
	if size <= 0 || m.InputShape[2] != size || m.InputShape[3] != size ||
		m.OutputShape[2] != size || m.OutputShape[3] != size {
		return fmt.Errorf("image size %d does not match shapes %v / %v", m.ImageSize, m.InputShape, m.OutputShape)
	}

	classes := m.NumClasses()
	if classes <= 0 || classes > 256 {
		return fmt.Errorf("unsupported class count %d", classes)
	}
	for _, group := range [][]int{m.Classes.Skin, m.Classes.Hair, m.Classes.Lips, m.Classes.Eyes} {
		if len(group) == 0 {
			return fmt.Errorf("every feature needs at least one class: %+v", m.Classes)
		}
		for _, c := range group {
			if c < 0 || c >= classes {
				return fmt.Errorf("class %d out of range [0,%d)", c, classes)
			}
		}
	}

	for _, s := range m.Std {
		if s == 0 {
			return fmt.Errorf("std must be non-zero, got %v", m.Std)
		}
	}
	return nil
}
