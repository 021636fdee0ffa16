// Package pipeline defines the face analysis capability the service runs on
// every request, and how replicas of it are constructed on a compute device.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"

	"MakeupRecommendation/internal/entity"
)

var (
	// ErrEmptyImage is returned by Run for images with no pixels.
	ErrEmptyImage = errors.New("image has zero width or height")

	ErrInvalidDevice = errors.New("invalid device selector")
)

// FacePipeline extracts feature colors from an RGB image. A feature that can
// not be located comes back as entity.Undetected; that is not an error.
// Implementations are not required to be reentrant.
type FacePipeline interface {
	Run(ctx context.Context, img image.Image) (entity.DetectedFeatures, error)
	Close() error
}

// Loader builds one pipeline replica. It reports the device the replica
// actually runs on, which may differ from the requested one when an
// accelerator is unavailable.
type Loader interface {
	Load(device Device) (FacePipeline, string, error)
}

type Device string

const (
	DeviceAuto Device = "auto"
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

func (d Device) String() string {
	return string(d)
}

// ParseDevice accepts auto, cpu or cuda (case-insensitive). For anything else
// it returns DeviceCPU together with an ErrInvalidDevice so the caller can warn
// and carry on.
func ParseDevice(s string) (Device, error) {
	switch Device(strings.ToLower(strings.TrimSpace(s))) {
	case DeviceAuto, "":
		return DeviceAuto, nil
	case DeviceCPU:
		return DeviceCPU, nil
	case DeviceCUDA, "gpu":
		return DeviceCUDA, nil
	default:
		return DeviceCPU, fmt.Errorf("%w %q, expected auto, cpu or cuda", ErrInvalidDevice, s)
	}
}

// CheckImage rejects nil and zero-sized rasters.
func CheckImage(img image.Image) error {
	if img == nil {
		return ErrEmptyImage
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return ErrEmptyImage
	}
	return nil
}
