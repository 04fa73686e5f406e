package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voxline/voxline/pkg/relay/config"
	"github.com/voxline/voxline/pkg/relay/lifecycle"
)

func validConfig() config.Config {
	return config.Config{
		AuthMode:            config.AuthModeDisabled,
		MaxConnections:      100,
		QueueCapacity:       16,
		PoolSize:            2,
		RedisAddr:           "localhost:6379",
		BargeInThreshold:    3,
		ShutdownGracePeriod: 10 * time.Second,
	}
}

func decodeReady(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal readyz body: %v", err)
	}
	return body
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "ok\n" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestReadyHandler_Ready(t *testing.T) {
	h := ReadyHandler{Config: validConfig(), Lifecycle: &lifecycle.Lifecycle{}}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rec.Code, rec.Body.String())
	}
	body := decodeReady(t, rec)
	if body["ok"] != true || body["draining"] != false {
		t.Fatalf("body = %v", body)
	}
}

func TestReadyHandler_DrainingNotReady(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)
	h := ReadyHandler{Config: validConfig(), Lifecycle: lc}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	body := decodeReady(t, rec)
	if body["draining"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestReadyHandler_RequiredAuthWithoutKeys(t *testing.T) {
	cfg := validConfig()
	cfg.AuthMode = config.AuthModeRequired
	h := ReadyHandler{Config: cfg, Lifecycle: &lifecycle.Lifecycle{}}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
