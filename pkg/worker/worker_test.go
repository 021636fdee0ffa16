package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/png"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"MakeupRecommendation/internal/entity"
	"MakeupRecommendation/pkg/pipeline"

	"github.com/sirupsen/logrus"
)

const (
	testWorkerEnv = "MAKEUP_TEST_WORKER"
	stallEnv      = "MAKEUP_TEST_WORKER_STALL"
)

// TestMain lets the test binary double as a worker child when testWorkerEnv
// is set.
func TestMain(m *testing.M) {
	if os.Getenv(testWorkerEnv) == "1" {
		runTestWorker()
		return
	}
	os.Exit(m.Run())
}

// runTestWorker speaks the worker protocol on stdin and FD 3. With stallEnv
// set it sleeps before its first reply.
func runTestWorker() {
	out := os.NewFile(3, "replies")
	if err := writeFrame(out, []byte(`{"device":"cpu"}`)); err != nil {
		os.Exit(1)
	}

	stall, _ := time.ParseDuration(os.Getenv(stallEnv))
	for {
		if _, err := readFrame(os.Stdin); err != nil {
			os.Exit(0)
		}
		if stall > 0 {
			time.Sleep(stall)
			stall = 0
		}
		if err := writeFrame(out, []byte(`{"skin_color":[200,150,120]}`)); err != nil {
			os.Exit(1)
		}
	}
}

func newTestWorkerLoader(t *testing.T) *Loader {
	t.Helper()
	t.Setenv(testWorkerEnv, "1")

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	l, err := NewLoader(logger, os.Args[0], 10*time.Second)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	return l
}

// MockCloser lets an in-memory buffer stand in for either end of a pipe.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func newMockProcess(replies ...string) (*Process, *MockCloser) {
	stdin := &MockCloser{Buffer: new(bytes.Buffer)}
	data := &MockCloser{Buffer: new(bytes.Buffer)}
	for _, r := range replies {
		writeFrame(data, []byte(r))
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	return &Process{stdin: stdin, data: data, log: logger}, stdin
}

func testImage() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 2, 2))
}

func TestRun(t *testing.T) {
	p, stdin := newMockProcess(`{"skin_color":[224,172,150],"hair_color":[-1,-1,-1],"lips_color":[163,76,84]}`)

	got, err := p.Run(context.Background(), testImage())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got.Skin != entity.RGB(224, 172, 150) {
		t.Errorf("skin = %v", got.Skin)
	}
	if got.Hair != entity.Undetected || got.Eyes != entity.Undetected {
		t.Errorf("hair/eyes should be undetected, got %v / %v", got.Hair, got.Eyes)
	}

	// Verify the request frame carries a decodable PNG
	sent := stdin.Bytes()
	size := binary.BigEndian.Uint32(sent[:4])
	if int(size) != len(sent)-4 {
		t.Fatalf("frame header says %d bytes, body has %d", size, len(sent)-4)
	}
	if _, err := png.Decode(bytes.NewReader(sent[4:])); err != nil {
		t.Errorf("request body is not a PNG: %v", err)
	}
}

func TestRun_WorkerError(t *testing.T) {
	p, _ := newMockProcess(`{"error":"CUDA out of memory"}`)

	_, err := p.Run(context.Background(), testImage())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if err.Error() != "worker error: CUDA out of memory" {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestRun_PartialSentinelRejected(t *testing.T) {
	p, _ := newMockProcess(`{"skin_color":[-1,20,30]}`)

	_, err := p.Run(context.Background(), testImage())
	if err == nil || !strings.HasPrefix(err.Error(), "invalid worker reply") {
		t.Errorf("expected invalid reply error, got %v", err)
	}
}

func TestRun_BrokenPipe(t *testing.T) {
	p, _ := newMockProcess()

	if _, err := p.Run(context.Background(), testImage()); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF, got %v", err)
	}
	// Without a loader there is nothing to restart.
	if _, err := p.Run(context.Background(), testImage()); !errors.Is(err, ErrWorkerBroken) {
		t.Errorf("expected ErrWorkerBroken after a transport failure, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	l := newTestWorkerLoader(t)

	fp, device, err := l.Load(pipeline.DeviceCUDA)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer fp.Close()

	if device != "cpu" {
		t.Errorf("device = %q, want cpu", device)
	}

	got, err := fp.Run(context.Background(), testImage())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Skin != entity.RGB(200, 150, 120) {
		t.Errorf("skin = %v", got.Skin)
	}
}

func TestRun_RestartsAfterTimeout(t *testing.T) {
	l := newTestWorkerLoader(t)
	t.Setenv(stallEnv, "5s")

	fp, _, err := l.Load(pipeline.DeviceCPU)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer fp.Close()
	p := fp.(*Process)
	firstPID := p.pid()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := p.Run(ctx, testImage()); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	// The stalled child still owes a reply for the first frame. A fresh child
	// must answer the next request instead.
	t.Setenv(stallEnv, "")
	got, err := p.Run(context.Background(), testImage())
	if err != nil {
		t.Fatalf("Run after timeout: %v", err)
	}
	if got.Skin != entity.RGB(200, 150, 120) {
		t.Errorf("skin = %v", got.Skin)
	}
	if p.pid() == firstPID {
		t.Error("expected the worker to be restarted")
	}
}

func TestRun_EmptyImage(t *testing.T) {
	p, stdin := newMockProcess()

	_, err := p.Run(context.Background(), image.NewRGBA(image.Rect(0, 0, 0, 0)))
	if !errors.Is(err, pipeline.ErrEmptyImage) {
		t.Errorf("expected ErrEmptyImage, got %v", err)
	}
	if stdin.Len() != 0 {
		t.Error("nothing should be sent for an empty image")
	}
}

func TestReadHandshake(t *testing.T) {
	p, _ := newMockProcess(`{"device":"cuda"}`)

	hs, err := p.readHandshake()
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	if hs.Device != "cuda" {
		t.Errorf("device = %q", hs.Device)
	}
}

func TestReadFrame_TooLarge(t *testing.T) {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint32(maxFrameSize+1))

	if _, err := readFrame(buf); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestNewLoader(t *testing.T) {
	logger := logrus.New()
	if _, err := NewLoader(logger, "   ", 0); err == nil {
		t.Error("expected empty command to fail")
	}

	l, err := NewLoader(logger, "python3 -u worker.py", 0)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	if strings.Join(l.command, " ") != "python3 -u worker.py" {
		t.Errorf("command = %v", l.command)
	}
}
