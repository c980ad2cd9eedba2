package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	_ "image/jpeg"
	"errors"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"inpaint-service/app/config"
	"inpaint-service/app/filewatcher"
	"inpaint-service/app/handler"
	"inpaint-service/app/inpaint"
	"inpaint-service/app/logger"
	"inpaint-service/app/model"
	"inpaint-service/app/service"
	"inpaint-service/app/storage"

	"github.com/fogleman/gg"
	"github.com/gorilla/websocket"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	svc    *service.InpaintService
	server *Server
}

func newTestEnv(t *testing.T, queueSize int) *testEnv {
	t.Helper()
	log := logger.NewNop()
	blobs := storage.NewMemStore()
	pipeline := inpaint.NewPipeline(inpaint.NewMockEngine(0), blobs, inpaint.PipelineOptions{
		MinSize:     64,
		MaxSize:     1024,
		JPEGQuality: 90,
		Device:      "cpu",
	}, log)

	svc := service.NewInpaintService(service.Options{
		Workers:          1,
		QueueSize:        queueSize,
		SubscriberBuffer: 16,
		DefaultSteps:     25,
	}, pipeline, blobs, log)

	cfg := &config.Config{
		Server: config.ServerConfig{Port: "0", CORSOrigins: []string{"*"}},
		Log:    config.LogConfig{Level: "info"},
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	return &testEnv{svc: svc, server: New(cfg, log, svc)}
}

func drawPNG(t *testing.T, w, h int, draw func(dc *gg.Context)) []byte {
	t.Helper()
	dc := gg.NewContext(w, h)
	draw(dc)
	var buf bytes.Buffer
	require.NoError(t, dc.EncodePNG(&buf))
	return buf.Bytes()
}

func fixtures(t *testing.T) (imageData, maskData []byte) {
	imageData = drawPNG(t, 128, 96, func(dc *gg.Context) {
		dc.SetRGB(0.2, 0.6, 0.9)
		dc.Clear()
		dc.SetRGB(1, 1, 0)
		dc.DrawCircle(64, 48, 20)
		dc.Fill()
	})
	maskData = drawPNG(t, 128, 96, func(dc *gg.Context) {
		dc.SetRGB(0, 0, 0)
		dc.Clear()
		dc.SetRGB(1, 1, 1)
		dc.DrawCircle(64, 48, 24)
		dc.Fill()
	})
	return imageData, maskData
}

func multipartBody(t *testing.T, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for field, data := range files {
		part, err := mw.CreateFormFile(field, field+".png")
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func (e *testEnv) submit(t *testing.T, query string, files map[string][]byte) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, files)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/inpaint"+query, body)
	req.Header.Set("Content-Type", contentType)
	return e.do(req)
}

func decodeEnvelope[T any](t *testing.T, w *httptest.ResponseRecorder) (handler.ApiResponse, T) {
	t.Helper()
	var raw struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	var data T
	if len(raw.Data) > 0 && string(raw.Data) != "null" {
		require.NoError(t, json.Unmarshal(raw.Data, &data))
	}
	return handler.ApiResponse{Code: raw.Code, Message: raw.Message}, data
}

func TestServer_SubmitToResult(t *testing.T) {
	env := newTestEnv(t, 4)
	env.svc.Start()
	imageData, maskData := fixtures(t)

	w := env.submit(t, "?priority=2&refinement_steps=10", map[string][]byte{"image": imageData, "mask": maskData})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp, submitted := decodeEnvelope[service.SubmitResult](t, w)
	assert.Equal(t, 0, resp.Code)
	require.NotEmpty(t, submitted.TaskID)
	assert.Equal(t, model.TaskStatusQueued, submitted.Status)
	assert.Equal(t, 2, submitted.Priority)
	assert.Equal(t, "/ws/inpaint/"+submitted.TaskID, submitted.SubscribeURL)

	var task model.InpaintTask
	require.Eventually(t, func() bool {
		w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/inpaint/"+submitted.TaskID, nil))
		if w.Code != http.StatusOK {
			return false
		}
		_, task = decodeEnvelope[model.InpaintTask](t, w)
		return task.Status == model.TaskStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 100, task.Progress)
	assert.Equal(t, 10, task.RefinementSteps)
	assert.Equal(t, model.ImageSize{Width: 128, Height: 96}, task.ImageSize)

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/inpaint/"+submitted.TaskID+"/result", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "inpainted_"+submitted.TaskID)
	cfg, format, err := image.DecodeConfig(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 128, cfg.Width)

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/inpaint/"+submitted.TaskID+"/preview", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
}

func TestServer_SubmitRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, 4)
	imageData, maskData := fixtures(t)

	tests := []struct {
		name  string
		query string
		files map[string][]byte
	}{
		{"缺少掩码", "", map[string][]byte{"image": imageData}},
		{"缺少图片", "", map[string][]byte{"mask": maskData}},
		{"优先级越界", "?priority=7", map[string][]byte{"image": imageData, "mask": maskData}},
		{"步数越界", "?refinement_steps=0", map[string][]byte{"image": imageData, "mask": maskData}},
		{"优先级不是数字", "?priority=high", map[string][]byte{"image": imageData, "mask": maskData}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.submit(t, tt.query, tt.files)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			resp, _ := decodeEnvelope[any](t, w)
			assert.Equal(t, http.StatusBadRequest, resp.Code)
		})
	}
	assert.Equal(t, 0, env.svc.Health().TotalTasks)
}

func TestServer_QueueFull(t *testing.T) {
	env := newTestEnv(t, 2)
	imageData, maskData := fixtures(t)
	files := map[string][]byte{"image": imageData, "mask": maskData}

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusAccepted, env.submit(t, "", files).Code)
	}

	w := env.submit(t, "", files)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
	assert.Equal(t, 2, env.svc.Health().TotalTasks)
}

func TestServer_NotFoundAndNotReady(t *testing.T) {
	env := newTestEnv(t, 4)

	for _, path := range []string{"/api/v1/inpaint/missing", "/api/v1/inpaint/missing/result", "/api/v1/inpaint/missing/preview"} {
		w := env.do(httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}

	imageData, maskData := fixtures(t)
	w := env.submit(t, "", map[string][]byte{"image": imageData, "mask": maskData})
	_, submitted := decodeEnvelope[service.SubmitResult](t, w)

	// worker 未启动，任务停留在排队状态
	w = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/inpaint/"+submitted.TaskID+"/result", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestServer_HealthAndStats(t *testing.T) {
	env := newTestEnv(t, 4)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	_, health := decodeEnvelope[model.HealthReport](t, w)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 1, health.WorkerCount)
	assert.Equal(t, 4, health.QueueCapacity)
	assert.Equal(t, "mock", health.Model.Engine)
	assert.True(t, health.Model.Ready)

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	_, stats := decodeEnvelope[model.StatsReport](t, w)
	assert.Equal(t, 0, stats.TotalTasks)
	assert.Len(t, stats.WorkerStats, 1)
}

func dialProgress(t *testing.T, srv *httptest.Server, taskID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/inpaint/" + taskID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func TestServer_WebSocketUnknownTask(t *testing.T) {
	env := newTestEnv(t, 4)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	conn := dialProgress(t, srv, "missing")

	var msg model.ProgressMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, model.MessageTypeError, msg.Type)
	assert.Equal(t, "task not found", msg.Error)

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "%v", err)
}

func TestServer_WebSocketProgress(t *testing.T) {
	env := newTestEnv(t, 4)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	imageData, maskData := fixtures(t)
	w := env.submit(t, "", map[string][]byte{"image": imageData, "mask": maskData})
	require.Equal(t, http.StatusAccepted, w.Code)
	_, submitted := decodeEnvelope[service.SubmitResult](t, w)

	conn := dialProgress(t, srv, submitted.TaskID)

	var first model.ProgressMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, model.MessageTypeStatus, first.Type)
	assert.Equal(t, model.TaskStatusQueued, first.Status)

	env.svc.Start()

	var msgs []model.ProgressMessage
	for {
		var msg model.ProgressMessage
		err := conn.ReadJSON(&msg)
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "%v", err)
			break
		}
		msgs = append(msgs, msg)
	}

	require.NotEmpty(t, msgs)
	last := -1
	for _, m := range msgs[:len(msgs)-1] {
		assert.Equal(t, model.MessageTypeProgress, m.Type)
		assert.GreaterOrEqual(t, *m.Progress, last)
		last = *m.Progress
	}
	final := msgs[len(msgs)-1]
	assert.Equal(t, model.MessageTypeCompleted, final.Type)
	assert.Equal(t, "/api/v1/inpaint/"+submitted.TaskID+"/result", final.ResultLocation)
}

type failingComponent struct{ stopped bool }

func (c *failingComponent) Start() error { return errors.New("component unavailable") }

func (c *failingComponent) Stop() error {
	c.stopped = true
	return nil
}

func TestServer_StartsWithDefaultConfig(t *testing.T) {
	v := viper.New()
	v.AddConfigPath(t.TempDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	cfg, err := config.LoadFrom(v)
	require.NoError(t, err)
	require.Equal(t, "auto", cfg.Model.Engine)
	require.True(t, cfg.Model.WatchCheckpoint)

	// 默认部署下检查点和所在目录都不存在
	cfg.Model.CheckpointPath = filepath.Join(t.TempDir(), "models", "lama-mpe.ckpt")

	log := logger.NewNop()
	blobs := storage.NewMemStore()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	adapter, err := inpaint.NewAdapter(ctx, cfg.Model, blobs, log)
	require.NoError(t, err)
	assert.Equal(t, "mock", adapter.Info().Engine)

	svc := service.NewInpaintService(service.OptionsFromConfig(cfg), adapter, blobs, log)
	retention, err := service.NewRetention(cfg.Task, svc, log)
	require.NoError(t, err)
	watcher, err := filewatcher.NewCheckpointWatcher(cfg.Model.CheckpointPath, 0, adapter.Reload, log)
	require.NoError(t, err)
	broken := &failingComponent{}

	srv := New(cfg, log, svc, retention, watcher, broken)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	url := "http://" + ln.Addr().String() + "/api/v1/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	require.NoError(t, srv.Shutdown(shutdownCtx))
	assert.ErrorIs(t, <-served, http.ErrServerClosed)
	assert.True(t, broken.stopped)
}
