package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	BackendONNX   = "onnx"
	BackendWorker = "worker"
	BackendRemote = "remote"
)

// Settings is the startup configuration. Values come from the environment
// (optionally a .env file) and may be overridden by command-line flags.
type Settings struct {
	Host string `env:"APP_HOST" validate:"omitempty,hostname|ip"`
	Port int    `env:"APP_PORT" validate:"min=1,max=65535"`

	Device   string `env:"DEVICE"`
	Backend  string `env:"PIPELINE_BACKEND" validate:"oneof=onnx worker remote"`
	Model    string `env:"MODEL_PATH" validate:"required_if=Backend onnx"`
	Metadata string `env:"MODEL_METADATA_PATH"`
	ONNXLib  string `env:"ONNXRUNTIME_LIB"`

	WorkerCommand      string        `env:"WORKER_COMMAND" validate:"required_if=Backend worker"`
	WorkerStartTimeout time.Duration `env:"WORKER_START_TIMEOUT" validate:"min=0"`

	RemoteURL     string        `env:"INFERENCE_URL" validate:"required_if=Backend remote"`
	RemoteTimeout time.Duration `env:"INFERENCE_TIMEOUT" validate:"min=0"`

	PoolSize     int           `env:"PIPELINE_POOL_SIZE" validate:"min=1,max=64"`
	MaxPending   int           `env:"PIPELINE_MAX_PENDING" validate:"min=0"`
	QueueTimeout time.Duration `env:"PIPELINE_QUEUE_TIMEOUT" validate:"min=0"`

	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" validate:"min=0"`
	MaxImageBytes  int64         `env:"MAX_IMAGE_BYTES" validate:"min=1"`
	MaxImageSide   int           `env:"MAX_IMAGE_SIDE" validate:"min=0"`

	RateLimit float64 `env:"RATE_LIMIT" validate:"min=0"`
	RateBurst int     `env:"RATE_BURST" validate:"min=0"`

	CORSOrigins string `env:"CORS_ALLOW_ORIGINS"`
}

func DefaultSettings() Settings {
	return Settings{
		Host:               "0.0.0.0",
		Port:               8080,
		Device:             "auto",
		Backend:            BackendONNX,
		Model:              "models/face_parsing.onnx",
		WorkerCommand:      "python3 -u worker.py",
		WorkerStartTimeout: 2 * time.Minute,
		RemoteTimeout:      30 * time.Second,
		PoolSize:           1,
		MaxPending:         32,
		QueueTimeout:       30 * time.Second,
		RequestTimeout:     60 * time.Second,
		MaxImageBytes:      10 * 1024 * 1024,
		MaxImageSide:       1024,
		RateLimit:          10,
		RateBurst:          20,
		CORSOrigins:        "*",
	}
}

// LoadSettings starts from DefaultSettings and applies every variable that is
// set in the environment. Unparsable values are reported together.
func LoadSettings() (Settings, error) {
	s := DefaultSettings()
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("APP_HOST", &s.Host)
	integer("APP_PORT", &s.Port)
	str("DEVICE", &s.Device)
	str("PIPELINE_BACKEND", &s.Backend)
	str("MODEL_PATH", &s.Model)
	str("MODEL_METADATA_PATH", &s.Metadata)
	str("ONNXRUNTIME_LIB", &s.ONNXLib)
	str("WORKER_COMMAND", &s.WorkerCommand)
	duration("WORKER_START_TIMEOUT", &s.WorkerStartTimeout)
	str("INFERENCE_URL", &s.RemoteURL)
	duration("INFERENCE_TIMEOUT", &s.RemoteTimeout)
	integer("PIPELINE_POOL_SIZE", &s.PoolSize)
	integer("PIPELINE_MAX_PENDING", &s.MaxPending)
	duration("PIPELINE_QUEUE_TIMEOUT", &s.QueueTimeout)
	duration("REQUEST_TIMEOUT", &s.RequestTimeout)
	integer("MAX_IMAGE_SIDE", &s.MaxImageSide)
	integer("RATE_BURST", &s.RateBurst)
	str("CORS_ALLOW_ORIGINS", &s.CORSOrigins)

	if v, ok := os.LookupEnv("MAX_IMAGE_BYTES"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("MAX_IMAGE_BYTES: %w", err))
		} else {
			s.MaxImageBytes = n
		}
	}
	if v, ok := os.LookupEnv("RATE_LIMIT"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("RATE_LIMIT: %w", err))
		} else {
			s.RateLimit = f
		}
	}

	return s, errors.Join(errs...)
}

// Validate checks ranges and backend requirements. The device selector is
// not validated here; an unknown value falls back to CPU at startup.
func (s Settings) Validate(v *validator.Validate) error {
	if v == nil {
		v = NewValidator()
	}
	if err := v.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]error, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Errorf("%s: failed %q check (value %v)", fe.Field(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid settings: %w", errors.Join(msgs...))
		}
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}
