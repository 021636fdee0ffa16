package recommendationHandler

import (
	"MakeupRecommendation/internal/api/recommendation"
	recommendationService "MakeupRecommendation/internal/api/recommendation/service"
	"MakeupRecommendation/internal/entity"
	"MakeupRecommendation/internal/middleware"
	"MakeupRecommendation/pkg/palette"
	"MakeupRecommendation/pkg/pipeline"
	"MakeupRecommendation/pkg/utils"
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

type stubPipeline struct {
	features entity.DetectedFeatures
	err      error
}

func (p *stubPipeline) Run(ctx context.Context, img image.Image) (entity.DetectedFeatures, error) {
	if err := pipeline.CheckImage(img); err != nil {
		return entity.NoFace, err
	}
	return p.features, p.err
}

func (p *stubPipeline) Close() error { return nil }

type stubLoader struct {
	pipe *stubPipeline
}

func (l stubLoader) Load(pipeline.Device) (pipeline.FacePipeline, string, error) {
	return l.pipe, "cpu", nil
}

type testEnv struct {
	app *fiber.App
	svc recommendationService.IRecommendationService
}

func newTestEnv(t *testing.T, pipe *stubPipeline, maxBytes int64) *testEnv {
	t.Helper()
	return newLimitedTestEnv(t, pipe, maxBytes, 0, 0)
}

func newLimitedTestEnv(t *testing.T, pipe *stubPipeline, maxBytes int64, reqRate float64, burst int) *testEnv {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	u := utils.New(maxBytes)
	svc := recommendationService.NewRecommendationService(logger, u, palette.New(), recommendationService.Config{})
	if pipe != nil {
		if err := svc.Initialize(context.Background(), stubLoader{pipe: pipe}, pipeline.DeviceAuto); err != nil {
			t.Fatalf("initialize: %v", err)
		}
	}

	m := middleware.New(logger, u, reqRate, burst)
	app := fiber.New(fiber.Config{
		JSONEncoder:           jsoniter.Marshal,
		JSONDecoder:           jsoniter.Unmarshal,
		DisableStartupMessage: true,
	})
	app.Use(m.NewRequestIDMiddleware())
	New(logger, m, svc, u, 5*time.Second, maxBytes).Start(app)

	return &testEnv{app: app, svc: svc}
}

func multipartBody(t *testing.T, field string, content []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	if field != "" {
		part, err := w.CreateFormFile(field, "face.png")
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(content); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	} else if err := w.WriteField("note", "no file here"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return body, w.FormDataContentType()
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{200, 150, 130, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func (e *testEnv) post(t *testing.T, field string, content []byte) (int, map[string]interface{}, string) {
	t.Helper()

	body, contentType := multipartBody(t, field, content)
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", contentType)

	resp, err := e.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	var decoded map[string]interface{}
	if err := jsoniter.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
	return resp.StatusCode, decoded, string(raw)
}

var faceFeatures = entity.DetectedFeatures{
	Skin: entity.RGB(225, 180, 160),
	Hair: entity.RGB(50, 35, 25),
	Lips: entity.RGB(180, 90, 100),
	Eyes: entity.RGB(80, 55, 35),
}

func TestRecommend(t *testing.T) {
	env := newTestEnv(t, &stubPipeline{features: faceFeatures}, 0)

	status, body, raw := env.post(t, "img", pngBytes(t, 16, 16))
	if status != fiber.StatusOK {
		t.Fatalf("status = %d body = %s", status, raw)
	}

	keys := []string{
		"skin_color", "hair_color", "lips_color", "eyes_color",
		"lipstick_color", "eyeshadow_outer_color", "eyeshadow_middle_color", "eyeshadow_inner_color",
	}
	if len(body) != len(keys) {
		t.Errorf("expected %d keys, got %d: %s", len(keys), len(body), raw)
	}

	last := -1
	for _, k := range keys {
		v, ok := body[k].([]interface{})
		if !ok || len(v) != 3 {
			t.Errorf("%s is not a 3-element array: %v", k, body[k])
		}
		idx := strings.Index(raw, `"`+k+`"`)
		if idx <= last {
			t.Errorf("%s is out of order in %s", k, raw)
		}
		last = idx
	}

	skin := body["skin_color"].([]interface{})
	if skin[0].(float64) != 225 || skin[1].(float64) != 180 || skin[2].(float64) != 160 {
		t.Errorf("skin_color = %v", skin)
	}
}

func TestRecommend_NoFace(t *testing.T) {
	env := newTestEnv(t, &stubPipeline{features: entity.NoFace}, 0)

	status, body, raw := env.post(t, "img", pngBytes(t, 8, 8))
	if status != fiber.StatusOK {
		t.Fatalf("status = %d body = %s", status, raw)
	}
	for k, v := range body {
		arr := v.([]interface{})
		for _, c := range arr {
			if c.(float64) != -1 {
				t.Errorf("%s = %v, expected the sentinel", k, arr)
				break
			}
		}
	}
}

func TestRecommend_Errors(t *testing.T) {
	tests := []struct {
		name       string
		pipe       *stubPipeline
		maxBytes   int64
		field      string
		content    []byte
		wantStatus int
		wantError  string
	}{
		{
			name:       "pipeline not initialized",
			field:      "img",
			content:    []byte("anything"),
			wantStatus: fiber.StatusInternalServerError,
			wantError:  "Pipeline not initialized",
		},
		{
			name:       "missing img field",
			pipe:       &stubPipeline{features: faceFeatures},
			field:      "",
			wantStatus: fiber.StatusBadRequest,
			wantError:  "No image file provided. Use 'img' field.",
		},
		{
			name:       "wrong field name",
			pipe:       &stubPipeline{features: faceFeatures},
			field:      "image",
			content:    []byte("anything"),
			wantStatus: fiber.StatusBadRequest,
			wantError:  "No image file provided. Use 'img' field.",
		},
		{
			name:       "not an image",
			pipe:       &stubPipeline{features: faceFeatures},
			field:      "img",
			content:    []byte("plain text pretending to be a photo"),
			wantStatus: fiber.StatusBadRequest,
			wantError:  "Invalid image format",
		},
		{
			name:       "empty file",
			pipe:       &stubPipeline{features: faceFeatures},
			field:      "img",
			content:    []byte{},
			wantStatus: fiber.StatusBadRequest,
			wantError:  "Invalid image format",
		},
		{
			name:       "too large",
			pipe:       &stubPipeline{features: faceFeatures},
			maxBytes:   64,
			field:      "img",
			content:    bytes.Repeat([]byte{0xff}, 128),
			wantStatus: fiber.StatusRequestEntityTooLarge,
			wantError:  "Image file too large",
		},
		{
			name:       "pipeline failure",
			pipe:       &stubPipeline{err: errors.New("session run failed")},
			field:      "img",
			content:    nil,
			wantStatus: fiber.StatusInternalServerError,
			wantError:  "Processing error: session run failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.pipe, tt.maxBytes)

			content := tt.content
			if content == nil && tt.field != "" {
				content = pngBytes(t, 4, 4)
			}

			status, body, raw := env.post(t, tt.field, content)
			if status != tt.wantStatus {
				t.Errorf("status = %d, want %d (%s)", status, tt.wantStatus, raw)
			}
			if body["error"] != tt.wantError {
				t.Errorf("error = %v, want %q", body["error"], tt.wantError)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	check := func(t *testing.T, env *testEnv) recommendation.HealthResponse {
		t.Helper()
		resp, err := env.app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if resp.Header.Get(middleware.RequestIDKey) == "" {
			t.Error("missing request id header")
		}

		raw, _ := io.ReadAll(resp.Body)
		var health recommendation.HealthResponse
		if err := jsoniter.Unmarshal(raw, &health); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return health
	}

	t.Run("before init", func(t *testing.T) {
		env := newTestEnv(t, nil, 0)

		resp, err := env.app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		raw, _ := io.ReadAll(resp.Body)
		want := `{"status":"healthy","pipeline_loaded":false,"device":null}`
		if string(raw) != want {
			t.Errorf("body = %s, want %s", raw, want)
		}
	})

	t.Run("after init", func(t *testing.T) {
		env := newTestEnv(t, &stubPipeline{features: faceFeatures}, 0)

		health := check(t, env)
		if health.Status != "healthy" || !health.PipelineLoaded {
			t.Errorf("health = %+v", health)
		}
		if health.Device == nil || *health.Device != "cpu" {
			t.Errorf("device = %v", health.Device)
		}
	})
}

func TestWebSocketRequiresUpgrade(t *testing.T) {
	env := newTestEnv(t, &stubPipeline{features: faceFeatures}, 0)

	resp, err := env.app.Test(httptest.NewRequest(http.MethodGet, "/ws", nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != fiber.StatusUpgradeRequired {
		t.Errorf("status = %d, want 426", resp.StatusCode)
	}
}

// dial serves the app on a loopback port and opens a WebSocket to /ws.
func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go e.app.Listener(ln)
	t.Cleanup(func() { e.app.Shutdown() })

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func exchange(t *testing.T, conn *websocket.Conn, frame []byte) map[string]interface{} {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var decoded map[string]interface{}
	if err := jsoniter.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
	return decoded
}

func TestWebSocket(t *testing.T) {
	env := newTestEnv(t, &stubPipeline{features: faceFeatures}, 1024)
	conn := env.dial(t)

	reply := exchange(t, conn, pngBytes(t, 4, 4))
	skin, ok := reply["skin_color"].([]interface{})
	if !ok || skin[0].(float64) != 225 {
		t.Fatalf("unexpected reply: %v", reply)
	}

	if reply := exchange(t, conn, []byte("not an image")); reply["error"] != "Invalid image format" {
		t.Errorf("error = %v", reply["error"])
	}

	if reply := exchange(t, conn, bytes.Repeat([]byte{0xff}, 2000)); reply["error"] != "Image file too large" {
		t.Errorf("error = %v", reply["error"])
	}

	// The connection stays usable after an oversized frame.
	if reply := exchange(t, conn, pngBytes(t, 4, 4)); reply["skin_color"] == nil {
		t.Errorf("unexpected reply after oversized frame: %v", reply)
	}
}

func TestWebSocket_PipelineError(t *testing.T) {
	env := newTestEnv(t, &stubPipeline{err: errors.New("session run failed")}, 0)
	conn := env.dial(t)

	reply := exchange(t, conn, pngBytes(t, 4, 4))
	if reply["error"] != "Processing error: session run failed" {
		t.Errorf("error = %v", reply["error"])
	}
}

func TestWebSocket_ReadLimitCloses(t *testing.T) {
	env := newTestEnv(t, &stubPipeline{features: faceFeatures}, 1024)
	conn := env.dial(t)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.BinaryMessage, bytes.Repeat([]byte{0xff}, 1024*wsReadLimitFactor+1)); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
		t.Errorf("expected close 1009, got %v", err)
	}
}

func TestWebSocket_RateLimited(t *testing.T) {
	// The upgrade spends the first token and the first frame the second.
	env := newLimitedTestEnv(t, &stubPipeline{features: faceFeatures}, 0, 0.001, 2)
	conn := env.dial(t)

	if reply := exchange(t, conn, pngBytes(t, 4, 4)); reply["skin_color"] == nil {
		t.Fatalf("unexpected reply: %v", reply)
	}
	if reply := exchange(t, conn, pngBytes(t, 4, 4)); reply["error"] != "Too many requests" {
		t.Errorf("error = %v", reply["error"])
	}
}
