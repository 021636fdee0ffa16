package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadSettings(t *testing.T) {
	t.Setenv("APP_PORT", "9090")
	t.Setenv("PIPELINE_BACKEND", "worker")
	t.Setenv("PIPELINE_QUEUE_TIMEOUT", "5s")
	t.Setenv("RATE_LIMIT", "2.5")
	t.Setenv("MAX_IMAGE_BYTES", "2048")

	s, err := LoadSettings()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if s.Port != 9090 || s.Backend != BackendWorker {
		t.Errorf("port/backend = %d/%s", s.Port, s.Backend)
	}
	if s.QueueTimeout != 5*time.Second {
		t.Errorf("queue timeout = %v", s.QueueTimeout)
	}
	if s.RateLimit != 2.5 || s.MaxImageBytes != 2048 {
		t.Errorf("rate/max bytes = %v/%d", s.RateLimit, s.MaxImageBytes)
	}
	if s.PoolSize != 1 || s.Host != "0.0.0.0" {
		t.Errorf("defaults not kept: %+v", s)
	}
}

func TestLoadSettings_BadValues(t *testing.T) {
	t.Setenv("APP_PORT", "eighty")
	t.Setenv("PIPELINE_QUEUE_TIMEOUT", "soon")

	_, err := LoadSettings()
	if err == nil {
		t.Fatal("expected an error")
	}
	for _, key := range []string{"APP_PORT", "PIPELINE_QUEUE_TIMEOUT"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not mention %s", err, key)
		}
	}
}

func TestSettingsValidate(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		mutate  func(s *Settings)
		wantErr string
	}{
		{name: "defaults", mutate: func(s *Settings) {}},
		{name: "unknown device is not fatal", mutate: func(s *Settings) { s.Device = "tpu" }},
		{name: "port out of range", mutate: func(s *Settings) { s.Port = 70000 }, wantErr: "APP_PORT"},
		{name: "zero pool", mutate: func(s *Settings) { s.PoolSize = 0 }, wantErr: "PIPELINE_POOL_SIZE"},
		{name: "bad backend", mutate: func(s *Settings) { s.Backend = "tensorflow" }, wantErr: "PIPELINE_BACKEND"},
		{name: "onnx needs a model", mutate: func(s *Settings) { s.Model = "" }, wantErr: "MODEL_PATH"},
		{
			name: "worker needs a command",
			mutate: func(s *Settings) {
				s.Backend = BackendWorker
				s.WorkerCommand = ""
			},
			wantErr: "WORKER_COMMAND",
		},
		{
			name:    "remote needs a URL",
			mutate:  func(s *Settings) { s.Backend = BackendRemote },
			wantErr: "INFERENCE_URL",
		},
		{
			name: "remote with URL",
			mutate: func(s *Settings) {
				s.Backend = BackendRemote
				s.RemoteURL = "ws://inference:9000/parse"
			},
		},
		{
			name: "worker does not need a model",
			mutate: func(s *Settings) {
				s.Backend = BackendWorker
				s.Model = ""
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(&s)

			err := s.Validate(v)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error mentioning %s, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestAddress(t *testing.T) {
	s := DefaultSettings()
	s.Host = "127.0.0.1"
	s.Port = 8081

	if got := s.Address(); got != "127.0.0.1:8081" {
		t.Errorf("address = %q", got)
	}
}
