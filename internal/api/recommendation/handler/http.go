package recommendationHandler

import (
	recommendationService "MakeupRecommendation/internal/api/recommendation/service"
	"MakeupRecommendation/internal/middleware"
	"MakeupRecommendation/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
	"time"
)

type RecommendationHandler struct {
	log                   *logrus.Logger
	middleware            middleware.Middleware
	recommendationService recommendationService.IRecommendationService
	utils                 utils.IUtils
	requestTimeout        time.Duration
	maxImageBytes         int64
}

func New(
	log *logrus.Logger,
	middleware middleware.Middleware,
	rs recommendationService.IRecommendationService,
	utils utils.IUtils,
	requestTimeout time.Duration,
	maxImageBytes int64,
) *RecommendationHandler {
	if maxImageBytes <= 0 {
		maxImageBytes = 10 * 1024 * 1024
	}

	return &RecommendationHandler{
		recommendationService: rs,
		log:                   log,
		middleware:            middleware,
		utils:                 utils,
		requestTimeout:        requestTimeout,
		maxImageBytes:         maxImageBytes,
	}
}

func (h *RecommendationHandler) Start(srv fiber.Router) {
	wsMiddleware := func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals(clientIPKey, c.IP())
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}

	srv.Post("/", h.middleware.NewRateLimiter, h.Recommend)
	srv.Get("/health", h.Health)

	srv.Use("/ws", wsMiddleware)
	srv.Get("/ws", h.middleware.NewRateLimiter, websocket.New(h.handleWebSocket))
}
