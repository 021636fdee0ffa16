package middleware

import (
	"MakeupRecommendation/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type Middleware interface {
	NewRateLimiter(ctx *fiber.Ctx) error
	Allow(clientIP string) bool
	NewRequestIDMiddleware() fiber.Handler
	NewLoggingMiddleware() fiber.Handler
	GetRequestID(ctx *fiber.Ctx) string
}

type middleware struct {
	rateLimitter        *rateLimiter
	requestIDMiddleware fiber.Handler
	loggingMiddleware   fiber.Handler
	log                 *logrus.Logger
}

// New wires the per-IP limiter at reqRate requests per second with the given
// burst. A non-positive reqRate disables limiting.
func New(logger *logrus.Logger, utils utils.IUtils, reqRate float64, burst int) Middleware {
	limit := rate.Limit(reqRate)
	if reqRate <= 0 {
		limit = rate.Inf
	}

	return &middleware{
		rateLimitter:        newRateLimiter(limit, burst),
		requestIDMiddleware: newRequestIDMiddleware(utils),
		loggingMiddleware:   LoggerConfig(),
		log:                 logger,
	}
}

func (m *middleware) GetRequestID(ctx *fiber.Ctx) string {
	requestID, ok := ctx.Locals(RequestIDKey).(string)
	if !ok || requestID == "" {
		return "unknown"
	}
	return requestID
}

func (m *middleware) NewRequestIDMiddleware() fiber.Handler {
	return m.requestIDMiddleware
}

func (m *middleware) NewLoggingMiddleware() fiber.Handler {
	return m.loggingMiddleware
}
