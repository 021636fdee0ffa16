package main

import (
	recommendationService "MakeupRecommendation/internal/api/recommendation/service"
	"MakeupRecommendation/internal/config"
	"MakeupRecommendation/pkg/faceparse"
	"MakeupRecommendation/pkg/log"
	"MakeupRecommendation/pkg/palette"
	"MakeupRecommendation/pkg/pipeline"
	"MakeupRecommendation/pkg/utils"
	websocketPkg "MakeupRecommendation/pkg/websocket"
	"MakeupRecommendation/pkg/worker"
	"context"
	"errors"
	"fmt"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const shutdownTimeout = 15 * time.Second

func main() {
	envErr := godotenv.Load()
	logger := log.NewLogger()
	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		logger.Warnf("Error loading .env file: %v", envErr)
	}

	settings, err := config.LoadSettings()
	if err != nil {
		logger.Fatalf("Invalid environment: %v", err)
	}

	rootCmd := newRootCmd(logger, &settings)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.Errorf("%v", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd(logger *logrus.Logger, s *config.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "makeup-recommendation",
		Short:         "Face color analysis and makeup palette HTTP service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), logger, *s)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&s.Host, "host", s.Host, "Address to bind")
	flags.IntVar(&s.Port, "port", s.Port, "Port to listen on")
	flags.StringVar(&s.Device, "device", s.Device, "Compute device: auto, cpu or cuda")
	flags.StringVar(&s.Backend, "backend", s.Backend, "Pipeline backend: onnx, worker or remote")
	flags.StringVar(&s.Model, "model", s.Model, "Face parsing ONNX model")
	flags.StringVar(&s.Metadata, "metadata", s.Metadata, "Model metadata JSON (default: built-in BiSeNet layout)")
	flags.StringVar(&s.ONNXLib, "onnx-lib", s.ONNXLib, "Path to the onnxruntime shared library")
	flags.StringVar(&s.WorkerCommand, "worker-cmd", s.WorkerCommand, "Command that starts a pipeline worker process")
	flags.StringVar(&s.RemoteURL, "inference-url", s.RemoteURL, "WebSocket URL of a remote inference service")
	flags.IntVar(&s.PoolSize, "pool-size", s.PoolSize, "Number of pipeline replicas")
	flags.IntVar(&s.MaxPending, "max-pending", s.MaxPending, "Requests allowed to wait for a replica (0 = unbounded)")
	flags.DurationVar(&s.QueueTimeout, "queue-timeout", s.QueueTimeout, "Longest wait for a replica (0 = request timeout only)")

	return cmd
}

func run(ctx context.Context, logger *logrus.Logger, s config.Settings) error {
	validate := config.NewValidator()
	if err := s.Validate(validate); err != nil {
		return err
	}

	device, err := pipeline.ParseDevice(s.Device)
	if err != nil {
		logger.WithField("device", s.Device).Warnf("%v, using CPU", err)
	}

	loader, err := newLoader(logger, s)
	if err != nil {
		return fmt.Errorf("failed to prepare pipeline: %w", err)
	}
	if closer, ok := loader.(io.Closer); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				logger.Errorf("Error releasing pipeline runtime: %v", err)
			}
		}()
	}

	u := utils.New(s.MaxImageBytes)
	svc := recommendationService.NewRecommendationService(logger, u, palette.New(), recommendationService.Config{
		PoolSize:     s.PoolSize,
		MaxPending:   s.MaxPending,
		QueueTimeout: s.QueueTimeout,
		MaxImageSide: s.MaxImageSide,
	})

	if err := svc.Initialize(ctx, loader, device); err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Errorf("Error closing pipeline: %v", err)
		}
	}()

	server, err := config.NewServer(
		config.WithFiber(config.NewFiber(logger, s)),
		config.WithLogger(logger),
		config.WithValidator(validate),
		config.WithSettings(s),
		config.WithUtils(u),
		config.WithMiddleware(),
		config.WithRecommendationService(svc),
	)
	if err != nil {
		return err
	}

	server.RegisterHandler()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Run()
	}()

	logger.Info("Server started successfully")

	select {
	case err := <-serveErr:
		return fmt.Errorf("error starting server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	if err := server.Shutdown(shutdownTimeout); err != nil {
		logger.Errorf("Error shutting down server: %v", err)
	}
	return nil
}

func newLoader(logger *logrus.Logger, s config.Settings) (pipeline.Loader, error) {
	switch s.Backend {
	case config.BackendWorker:
		return worker.NewLoader(logger, s.WorkerCommand, s.WorkerStartTimeout)
	case config.BackendRemote:
		return websocketPkg.NewLoader(logger, s.RemoteURL, s.RemoteTimeout)
	default:
		return faceparse.NewLoader(logger, s.Model, s.Metadata, s.ONNXLib)
	}
}
