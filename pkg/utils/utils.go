package utils

import (
	"bytes"
	"crypto/rand"
	"errors"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime/multipart"
	"time"

	"github.com/nfnt/resize"
	"github.com/oklog/ulid/v2"
	_ "golang.org/x/image/webp"
)

var (
	ErrNoFile       = errors.New("no file uploaded")
	ErrFileTooLarge = errors.New("file size exceeds limit")
	ErrEmptyImage   = errors.New("image has zero width or height")
)

type IUtils interface {
	NewULIDFromTimestamp(t time.Time) (string, error)
	ValidateImageFile(file *multipart.FileHeader) error
	ReadImageFile(file *multipart.FileHeader) ([]byte, error)
	DecodeImage(data []byte) (image.Image, string, error)
	FitImage(img image.Image, maxSide int) image.Image
}

type utils struct {
	maxFileSize int64
}

func New(maxFileSize int64) IUtils {
	if maxFileSize <= 0 {
		maxFileSize = 10 * 1024 * 1024
	}
	return &utils{
		maxFileSize: maxFileSize,
	}
}

func (u *utils) NewULIDFromTimestamp(t time.Time) (string, error) {
	ms := ulid.Timestamp(t)
	entropy := ulid.Monotonic(rand.Reader, 0)

	id, err := ulid.New(ms, entropy)
	if err != nil {
		return "", err
	}

	return id.String(), nil
}

// ValidateImageFile only checks presence and size. The content type sent by
// the client is not trusted; decoding decides whether it is an image.
func (u *utils) ValidateImageFile(file *multipart.FileHeader) error {
	if file == nil {
		return ErrNoFile
	}

	if file.Size > u.maxFileSize {
		return ErrFileTooLarge
	}

	return nil
}

func (u *utils) ReadImageFile(file *multipart.FileHeader) ([]byte, error) {
	if err := u.ValidateImageFile(file); err != nil {
		return nil, err
	}

	f, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, u.maxFileSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > u.maxFileSize {
		return nil, ErrFileTooLarge
	}
	return data, nil
}

// DecodeImage decodes JPEG, PNG, GIF or WebP bytes and rejects rasters with
// no pixels.
func (u *utils) DecodeImage(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", err
	}

	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, format, ErrEmptyImage
	}

	return img, format, nil
}

// FitImage shrinks img so its longest side is at most maxSide, keeping the
// aspect ratio. Smaller images are returned unchanged.
func (u *utils) FitImage(img image.Image, maxSide int) image.Image {
	if maxSide <= 0 {
		return img
	}

	bounds := img.Bounds()
	if bounds.Dx() <= maxSide && bounds.Dy() <= maxSide {
		return img
	}

	return resize.Thumbnail(uint(maxSide), uint(maxSide), img, resize.Lanczos3)
}
