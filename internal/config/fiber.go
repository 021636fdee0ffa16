package config

import (
	"MakeupRecommendation/pkg/handlerUtil"
	"MakeupRecommendation/pkg/response"
	"errors"

	"github.com/gofiber/fiber/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

// multipartOverhead leaves room for boundaries and form headers around the
// image part.
const multipartOverhead = 64 * 1024

func NewFiber(logger *logrus.Logger, settings Settings) *fiber.App {
	app := fiber.New(
		fiber.Config{
			AppName:               "Makeup Recommendation",
			BodyLimit:             int(settings.MaxImageBytes) + multipartOverhead,
			DisableKeepalive:      false,
			StrictRouting:         true,
			CaseSensitive:         true,
			DisableStartupMessage: true,
			JSONEncoder:           jsoniter.Marshal,
			JSONDecoder:           jsoniter.Unmarshal,
			ErrorHandler:          newErrorHandler(logger),
		})

	return app
}

// newErrorHandler renders errors that escape the handlers, including fiber's
// own (404, 413 body limit, 426) and recovered panics, as {"error": ...}.
func newErrorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			message := fe.Message
			if fe.Code == fiber.StatusRequestEntityTooLarge {
				message = "Image file too large"
			}
			return c.Status(fe.Code).JSON(fiber.Map{"error": message})
		}

		code := response.StatusCode(err)
		logger.WithFields(logrus.Fields{
			"path":  c.Path(),
			"code":  code,
			"error": err.Error(),
		}).Error("Unhandled error")

		return c.Status(code).JSON(fiber.Map{
			"error": handlerUtil.ErrorMessage(err),
		})
	}
}
