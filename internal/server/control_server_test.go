package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"Mansoor88-6/consent-analytics-agent/internal/connectivity"
	"Mansoor88-6/consent-analytics-agent/internal/consentsync"
	"Mansoor88-6/consent-analytics-agent/internal/metrics"
	"Mansoor88-6/consent-analytics-agent/internal/models"
	"Mansoor88-6/consent-analytics-agent/internal/queue"
	"Mansoor88-6/consent-analytics-agent/internal/service"
	"Mansoor88-6/consent-analytics-agent/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingUploader struct {
	mu    sync.Mutex
	count int
}

func (u *countingUploader) Send(_ context.Context, req models.UploadRequest) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.count += len(req.Events)
	return nil
}

func (u *countingUploader) sent() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.count
}

type testEnv struct {
	server   *httptest.Server
	detector *connectivity.ManualDetector
	uploader *countingUploader
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	store := storage.NewMemoryStorage()
	detector := connectivity.NewManualDetector(false, logger)
	uploader := &countingUploader{}

	syncCfg := consentsync.DefaultConfig()
	syncCfg.CrossTab = false
	synchronizer := consentsync.New(ctx, syncCfg, store, nil, logger, consentsync.WithMetrics(m))
	t.Cleanup(synchronizer.Destroy)

	queueCfg := queue.DefaultConfig()
	queueCfg.FlushInterval = time.Hour
	q := queue.New(ctx, queueCfg, store, detector, uploader, logger, queue.WithMetrics(m))
	t.Cleanup(q.Destroy)

	pages := service.NewPageStore(time.Minute, logger)
	t.Cleanup(pages.Stop)

	svc := service.NewAnalyticsService(ctx, service.Config{Locale: "en-US"}, synchronizer, q, detector, store, pages, logger)

	srv := httptest.NewServer(NewControlServer(svc, reg, nil, logger).Handler())
	t.Cleanup(srv.Close)

	return &testEnv{server: srv, detector: detector, uploader: uploader}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestControlServer_Health(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	decode(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestControlServer_ConsentLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPut, "/api/v1/consent", `{"measurement":true,"marketing":true,"reason":"banner"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var state models.ConsentSyncState
	decode(t, resp, &state)
	assert.True(t, state.Consent.Measurement)
	assert.True(t, state.Consent.Marketing)
	assert.Equal(t, models.SourceUserAction, state.Source)

	resp = env.do(t, http.MethodGet, "/api/v1/consent", "")
	decode(t, resp, &state)
	assert.True(t, state.Consent.Marketing)

	resp = env.do(t, http.MethodPost, "/api/v1/consent/reset", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &state)
	assert.False(t, state.Consent.Marketing)
	assert.True(t, state.Consent.Necessary)

	resp = env.do(t, http.MethodGet, "/api/v1/consent/history", "")
	var history []models.ConsentChangeEvent
	decode(t, resp, &history)
	require.Len(t, history, 2)
	assert.Equal(t, models.SourceReset, history[0].Source)
	assert.Equal(t, "banner", history[1].Reason)
}

func TestControlServer_BadRequests(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPut, "/api/v1/consent", "{").StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/v1/events", `{"type":"screen"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/v1/events", `{"type":"track"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/v1/page-context", `{"url":"ftp://x"}`).StatusCode)
	assert.Equal(t, http.StatusMethodNotAllowed, env.do(t, http.MethodDelete, "/api/v1/consent", "").StatusCode)
}

func TestControlServer_EventsAndFlush(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/v1/page-context", `{"url":"https://example.com/docs","path":"/docs","title":"Docs"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/v1/events", `{"type":"track","name":"Clicked","properties":{"button":"buy"}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp = env.do(t, http.MethodPost, "/api/v1/events", `{"type":"page","name":"Docs"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp = env.do(t, http.MethodPost, "/api/v1/events", `{"type":"identify","userId":"user-1"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/queue/stats", "")
	var stats models.QueueStats
	decode(t, resp, &stats)
	assert.Equal(t, 3, stats.Size)

	// offline flush is a no-op
	resp = env.do(t, http.MethodPost, "/api/v1/queue/flush", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, env.uploader.sent())

	env.detector.SetOnline(true)
	require.Eventually(t, func() bool { return env.uploader.sent() == 3 }, time.Second, 10*time.Millisecond)

	resp = env.do(t, http.MethodPost, "/api/v1/queue/flush", "")
	decode(t, resp, &stats)
	assert.Equal(t, 0, stats.Size)

	resp = env.do(t, http.MethodGet, "/api/v1/status", "")
	var status service.Status
	decode(t, resp, &status)
	assert.Equal(t, "user-1", status.UserID)
	assert.True(t, status.Online)
}

func TestControlServer_Metrics(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodPut, "/api/v1/consent", `{"measurement":true}`)
	env.do(t, http.MethodPost, "/api/v1/events", `{"type":"track","name":"Clicked"}`)

	resp := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "consent_agent_events_queued_total 1")
	assert.Contains(t, string(body), `consent_agent_consent_changes_total{source="user-action"} 1`)
}

func TestControlServer_CORS(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/api/v1/consent", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "chrome-extension://abc")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
