package recommendationService

import (
	"MakeupRecommendation/internal/api/recommendation"
	"MakeupRecommendation/internal/entity"
	"MakeupRecommendation/pkg/palette"
	"MakeupRecommendation/pkg/pipeline"
	"MakeupRecommendation/pkg/utils"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

type IRecommendationService interface {
	Initialize(ctx context.Context, loader pipeline.Loader, device pipeline.Device) error
	Process(ctx context.Context, raw []byte) (entity.PaletteResult, error)
	Health() recommendation.HealthStatus
	Close() error
}

type Config struct {
	// PoolSize is the number of pipeline replicas. Each replica runs at most
	// one inference at a time.
	PoolSize int
	// MaxPending bounds how many requests may wait for a replica. Zero means
	// no bound.
	MaxPending int
	// QueueTimeout bounds how long a request waits for a replica. Zero means
	// only the request context applies.
	QueueTimeout time.Duration
	// MaxImageSide downscales larger images before inference. Zero disables.
	MaxImageSide int
	CloseTimeout time.Duration
}

// serviceState is published once by Initialize and never mutated afterwards.
type serviceState struct {
	device   string
	replicas chan pipeline.FacePipeline
	all      []pipeline.FacePipeline
}

type recommendationService struct {
	log         *logrus.Logger
	utils       utils.IUtils
	recommender *palette.Recommender
	cfg         Config

	initMu  sync.Mutex
	state   atomic.Pointer[serviceState]
	pending atomic.Int64
}

func NewRecommendationService(
	log *logrus.Logger,
	utils utils.IUtils,
	recommender *palette.Recommender,
	cfg Config,
) IRecommendationService {
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 10 * time.Second
	}
	if recommender == nil {
		recommender = palette.New()
	}

	return &recommendationService{
		log:         log,
		utils:       utils,
		recommender: recommender,
		cfg:         cfg,
	}
}
