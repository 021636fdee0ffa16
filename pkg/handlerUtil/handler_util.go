package handlerUtil

import (
	"MakeupRecommendation/pkg/log"
	"MakeupRecommendation/pkg/response"
	"errors"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

const processingErrorPrefix = "Processing error: "

type ErrorHandler struct {
	logger *logrus.Logger
}

func New(logger *logrus.Logger) *ErrorHandler {
	return &ErrorHandler{
		logger: logger,
	}
}

// ErrorMessage is the client-facing text for err. Errors without an attached
// status are reported as processing errors.
func ErrorMessage(err error) string {
	var respErr *response.Error
	if errors.As(err, &respErr) {
		return respErr.Error()
	}
	return processingErrorPrefix + err.Error()
}

func (h *ErrorHandler) Handle(c *fiber.Ctx, requestID string, err error, path string, operation string) error {
	fields := log.Fields{
		"request_id": requestID,
		"error":      err.Error(),
		"path":       path,
		"operation":  operation,
	}

	var respErr *response.Error
	if errors.As(err, &respErr) {
		fields["code"] = respErr.Code

		if respErr.Code >= fiber.StatusInternalServerError {
			log.ErrorWithTraceID(fields, "Operation failed")
		} else {
			h.logger.WithFields(fields).Warn("Operation failed with error response")
		}
		return c.Status(respErr.Code).JSON(fiber.Map{"error": respErr.Error()})
	}

	log.ErrorWithTraceID(fields, "Unexpected error")

	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": ErrorMessage(err),
	})
}

func (h *ErrorHandler) HandleSuccess(c *fiber.Ctx, statusCode int, data interface{}) error {
	if data == nil {
		return c.SendStatus(statusCode)
	}
	return c.Status(statusCode).JSON(data)
}
