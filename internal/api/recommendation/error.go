package recommendation

import (
	"MakeupRecommendation/pkg/response"
	"errors"
	"net/http"
)

var (
	ErrPipelineNotInitialized = response.NewError(http.StatusInternalServerError, "Pipeline not initialized")
	ErrMissingImage           = response.NewError(http.StatusBadRequest, "No image file provided. Use 'img' field.")
	ErrInvalidImage           = response.NewError(http.StatusBadRequest, "Invalid image format")
	ErrImageTooLarge          = response.NewError(http.StatusRequestEntityTooLarge, "Image file too large")
	ErrTooManyRequests        = response.NewError(http.StatusTooManyRequests, "Too many requests")
)

var (
	ErrInitFailed         = errors.New("pipeline initialization failed")
	ErrAlreadyInitialized = errors.New("pipeline already initialized")
	ErrPipelineBusy       = errors.New("pipeline busy, too many pending requests")
	ErrQueueTimeout       = errors.New("timed out waiting for pipeline")
)

const inferenceErrorPrefix = "Processing error"

// NewInferenceError reports a failure inside the pipeline or the palette step
// as a 500 whose message starts with "Processing error: ".
func NewInferenceError(cause error) error {
	return response.Wrap(http.StatusInternalServerError, inferenceErrorPrefix, cause)
}
