package recommendationService

import (
	"MakeupRecommendation/internal/api/recommendation"
	"MakeupRecommendation/internal/entity"
	contextPkg "MakeupRecommendation/pkg/context"
	"MakeupRecommendation/pkg/log"
	"MakeupRecommendation/pkg/pipeline"
	"context"
	"errors"
	"fmt"
	"image"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
)

// Initialize loads every replica or none. On failure the replicas already
// built are closed and the service stays uninitialized.
func (s *recommendationService) Initialize(ctx context.Context, loader pipeline.Loader, device pipeline.Device) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.state.Load() != nil {
		return recommendation.ErrAlreadyInitialized
	}

	s.log.WithFields(logrus.Fields{
		"device":    device.String(),
		"pool_size": s.cfg.PoolSize,
	}).Info("Initializing pipeline")

	replicas := make([]pipeline.FacePipeline, 0, s.cfg.PoolSize)
	var resolved string

	for i := 0; i < s.cfg.PoolSize; i++ {
		if err := ctx.Err(); err != nil {
			closeReplicas(replicas)
			return fmt.Errorf("%w: %w", recommendation.ErrInitFailed, err)
		}

		replica, replicaDevice, err := loader.Load(device)
		if err != nil {
			closeReplicas(replicas)
			s.log.WithFields(logrus.Fields{
				"replica": i,
				"error":   err.Error(),
			}).Error("Failed to initialize pipeline")
			return fmt.Errorf("%w: replica %d: %w", recommendation.ErrInitFailed, i, err)
		}

		if i == 0 {
			resolved = replicaDevice
		} else if replicaDevice != resolved {
			s.log.WithFields(logrus.Fields{
				"replica":  i,
				"device":   replicaDevice,
				"expected": resolved,
			}).Warn("Pipeline replica landed on a different device")
		}

		replicas = append(replicas, replica)
	}

	pool := make(chan pipeline.FacePipeline, len(replicas))
	for _, r := range replicas {
		pool <- r
	}

	s.state.Store(&serviceState{
		device:   resolved,
		replicas: pool,
		all:      replicas,
	})

	s.log.WithFields(logrus.Fields{
		"device":   resolved,
		"replicas": len(replicas),
	}).Info("Pipeline initialized successfully")

	return nil
}

// Process runs decode, inference and recommendation for one image. Only the
// inference step holds a replica.
func (s *recommendationService) Process(ctx context.Context, raw []byte) (entity.PaletteResult, error) {
	st := s.state.Load()
	if st == nil {
		return entity.PaletteResult{}, recommendation.ErrPipelineNotInitialized
	}

	img, format, err := s.utils.DecodeImage(raw)
	if err != nil {
		log.WithRequestID(ctx).WithFields(logrus.Fields{
			"error": err.Error(),
			"bytes": len(raw),
		}).Debug("Image decode failed")
		return entity.PaletteResult{}, recommendation.ErrInvalidImage
	}

	bounds := img.Bounds()
	img = s.utils.FitImage(img, s.cfg.MaxImageSide)

	log.WithRequestID(ctx).WithFields(logrus.Fields{
		"format": format,
		"width":  bounds.Dx(),
		"height": bounds.Dy(),
	}).Debug("Image decoded")

	features, err := s.infer(ctx, st, img)
	if err != nil {
		return entity.PaletteResult{}, recommendation.NewInferenceError(err)
	}

	palette, err := s.recommend(ctx, features)
	if err != nil {
		return entity.PaletteResult{}, recommendation.NewInferenceError(err)
	}

	return entity.NewPaletteResult(features, palette), nil
}

func (s *recommendationService) infer(ctx context.Context, st *serviceState, img image.Image) (features entity.DetectedFeatures, err error) {
	replica, err := s.acquire(ctx, st)
	if err != nil {
		return entity.NoFace, err
	}
	defer func() { st.replicas <- replica }()

	defer func() {
		if r := recover(); r != nil {
			traceID := log.ErrorWithTraceID(log.Fields{
				log.RequestIDKey: contextPkg.GetRequestID(ctx),
				"panic":          fmt.Sprint(r),
				"stack":          string(debug.Stack()),
			}, "Pipeline panicked")
			features, err = entity.NoFace, fmt.Errorf("pipeline crashed (trace %s)", traceID)
		}
	}()

	start := time.Now()
	features, err = replica.Run(ctx, img)

	log.WithRequestID(ctx).WithFields(logrus.Fields{
		"latency_ms": time.Since(start).Milliseconds(),
		"failed":     err != nil,
	}).Debug("Pipeline run finished")

	return features, err
}

func (s *recommendationService) recommend(ctx context.Context, features entity.DetectedFeatures) (palette entity.Palette, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.ErrorWithTraceID(log.Fields{
				log.RequestIDKey: contextPkg.GetRequestID(ctx),
				"panic":          fmt.Sprint(r),
				"stack":          string(debug.Stack()),
			}, "Palette recommendation panicked")
			err = fmt.Errorf("recommendation failed: %v", r)
		}
	}()

	return s.recommender.Recommend(features), nil
}

// acquire takes a free replica, waiting behind at most MaxPending other
// requests and for at most QueueTimeout.
func (s *recommendationService) acquire(ctx context.Context, st *serviceState) (pipeline.FacePipeline, error) {
	select {
	case replica := <-st.replicas:
		return replica, nil
	default:
	}

	waiting := s.pending.Add(1)
	defer s.pending.Add(-1)
	if s.cfg.MaxPending > 0 && waiting > int64(s.cfg.MaxPending) {
		return nil, recommendation.ErrPipelineBusy
	}

	var timeout <-chan time.Time
	if s.cfg.QueueTimeout > 0 {
		timer := time.NewTimer(s.cfg.QueueTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case replica := <-st.replicas:
		return replica, nil
	case <-timeout:
		return nil, recommendation.ErrQueueTimeout
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", recommendation.ErrQueueTimeout, ctx.Err())
	}
}

func (s *recommendationService) Health() recommendation.HealthStatus {
	st := s.state.Load()
	if st == nil {
		return recommendation.HealthStatus{}
	}

	device := st.device
	return recommendation.HealthStatus{
		Initialized: true,
		Device:      &device,
	}
}

// Close waits for in-flight inferences to hand their replicas back, then
// releases every replica. Replicas still busy after CloseTimeout are closed
// regardless.
func (s *recommendationService) Close() error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	st := s.state.Swap(nil)
	if st == nil {
		return nil
	}

	deadline := time.NewTimer(s.cfg.CloseTimeout)
	defer deadline.Stop()

	returned := 0
drain:
	for returned < len(st.all) {
		select {
		case <-st.replicas:
			returned++
		case <-deadline.C:
			s.log.WithField("busy", len(st.all)-returned).Warn("Closing pipeline replicas that are still running")
			break drain
		}
	}

	return closeReplicas(st.all)
}

func closeReplicas(replicas []pipeline.FacePipeline) error {
	var errs []error
	for _, r := range replicas {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
