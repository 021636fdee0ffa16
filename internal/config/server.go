package config

import (
	recommendationHandler "MakeupRecommendation/internal/api/recommendation/handler"
	recommendationService "MakeupRecommendation/internal/api/recommendation/service"
	"MakeupRecommendation/internal/middleware"
	"MakeupRecommendation/pkg/utils"
	"fmt"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"
	"time"
)

type ServerOption func(*Server) error

type Server struct {
	engine                *fiber.App
	log                   *logrus.Logger
	middleware            middleware.Middleware
	validator             *validator.Validate
	utils                 utils.IUtils
	settings              Settings
	recommendationService recommendationService.IRecommendationService
	handlers              []handler
}

type handler interface {
	Start(srv fiber.Router)
}

func NewServer(options ...ServerOption) (*Server, error) {
	server := &Server{settings: DefaultSettings()}

	for _, option := range options {
		if err := option(server); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if server.engine == nil {
		return nil, fmt.Errorf("fiber app is required")
	}
	if server.log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if server.recommendationService == nil {
		return nil, fmt.Errorf("recommendation service is required")
	}
	if server.utils == nil {
		server.utils = utils.New(server.settings.MaxImageBytes)
	}
	if server.middleware == nil {
		server.middleware = middleware.New(server.log, server.utils, server.settings.RateLimit, server.settings.RateBurst)
	}

	return server, nil
}

func WithFiber(fiberApp *fiber.App) ServerOption {
	return func(s *Server) error {
		s.engine = fiberApp
		return nil
	}
}

func WithLogger(logger *logrus.Logger) ServerOption {
	return func(s *Server) error {
		s.log = logger
		return nil
	}
}

func WithValidator(validator *validator.Validate) ServerOption {
	return func(s *Server) error {
		s.validator = validator
		return nil
	}
}

// WithSettings must come before WithUtils and WithMiddleware, which read it.
func WithSettings(settings Settings) ServerOption {
	return func(s *Server) error {
		if err := settings.Validate(s.validator); err != nil {
			return err
		}
		s.settings = settings
		return nil
	}
}

func WithUtils(u utils.IUtils) ServerOption {
	return func(s *Server) error {
		if u == nil {
			u = utils.New(s.settings.MaxImageBytes)
		}
		s.utils = u
		return nil
	}
}

func WithMiddleware() ServerOption {
	return func(s *Server) error {
		if s.log == nil {
			return fmt.Errorf("logger must be initialized before middleware")
		}
		if s.utils == nil {
			return fmt.Errorf("utils must be initialized before middleware")
		}
		s.middleware = middleware.New(s.log, s.utils, s.settings.RateLimit, s.settings.RateBurst)
		return nil
	}
}

func WithRecommendationService(svc recommendationService.IRecommendationService) ServerOption {
	return func(s *Server) error {
		s.recommendationService = svc
		return nil
	}
}

func (s *Server) RegisterHandler() {
	s.engine.Use(recover.New(recover.Config{EnableStackTrace: true}))
	s.engine.Use(cors.New(cors.Config{
		AllowOrigins:  s.settings.CORSOrigins,
		AllowMethods:  "GET,POST,OPTIONS",
		AllowHeaders:  "Origin, Content-Type, Accept, X-Request-ID",
		ExposeHeaders: middleware.RequestIDKey,
	}))
	s.engine.Use(s.middleware.NewRequestIDMiddleware())
	s.engine.Use(s.middleware.NewLoggingMiddleware())

	// Recommendation
	recommendationHandlers := recommendationHandler.New(
		s.log,
		s.middleware,
		s.recommendationService,
		s.utils,
		s.settings.RequestTimeout,
		s.settings.MaxImageBytes,
	)

	s.handlers = append(s.handlers, recommendationHandlers)

	for _, h := range s.handlers {
		h.Start(s.engine)
	}
}

// Run blocks serving on the configured address until Shutdown.
func (s *Server) Run() error {
	addr := s.settings.Address()
	s.log.WithField("address", addr).Info("Server listening")

	return s.engine.Listen(addr)
}

func (s *Server) Shutdown(timeout time.Duration) error {
	return s.engine.ShutdownWithTimeout(timeout)
}

func (s *Server) App() *fiber.App {
	return s.engine
}
