package mw

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/voxline/voxline/pkg/relay/auth"
	"github.com/voxline/voxline/pkg/relay/config"
)

func testConfig(mode config.AuthMode, keys ...string) config.Config {
	cfg := config.Config{AuthMode: mode, APIKeys: make(map[string]struct{})}
	for _, k := range keys {
		cfg.APIKeys[k] = struct{}{}
	}
	return cfg
}

func TestRequestID_GeneratesWhenMissing(t *testing.T) {
	var got string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = RequestIDFrom(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if got == "" || !strings.HasPrefix(got, "req_") {
		t.Fatalf("request id = %q, want req_ prefix", got)
	}
	if rec.Header().Get("X-Request-ID") != got {
		t.Fatalf("response header = %q, want %q", rec.Header().Get("X-Request-ID"), got)
	}
}

func TestRequestID_PreservesIncoming(t *testing.T) {
	var got string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = RequestIDFrom(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	r.Header.Set("X-Request-ID", "req_upstream")
	h.ServeHTTP(httptest.NewRecorder(), r)

	if got != "req_upstream" {
		t.Fatalf("request id = %q, want req_upstream", got)
	}
}

func TestAuth_Required(t *testing.T) {
	cfg := testConfig(config.AuthModeRequired, "vx_good")

	cases := []struct {
		name       string
		authz      string
		wantStatus int
		wantKey    string
	}{
		{name: "valid key", authz: "Bearer vx_good", wantStatus: http.StatusOK, wantKey: "vx_good"},
		{name: "missing token", authz: "", wantStatus: http.StatusUnauthorized},
		{name: "unknown key", authz: "Bearer vx_bad", wantStatus: http.StatusUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var gotKey string
			h := Auth(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if p, ok := auth.PrincipalFrom(r.Context()); ok {
					gotKey = p.APIKey
				}
			}))

			r := httptest.NewRequest(http.MethodGet, "/v1/connect", nil)
			if tc.authz != "" {
				r.Header.Set("Authorization", tc.authz)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)

			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if gotKey != tc.wantKey {
				t.Fatalf("principal key = %q, want %q", gotKey, tc.wantKey)
			}
			if tc.wantStatus == http.StatusUnauthorized {
				var env struct {
					Error struct {
						Type string `json:"type"`
					} `json:"error"`
				}
				if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
					t.Fatalf("unmarshal error body: %v", err)
				}
				if env.Error.Type != "authentication_error" {
					t.Fatalf("error type = %q", env.Error.Type)
				}
			}
		})
	}
}

func TestAuth_OptionalAllowsAnonymous(t *testing.T) {
	cfg := testConfig(config.AuthModeOptional, "vx_good")

	called := false
	h := Auth(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if _, ok := auth.PrincipalFrom(r.Context()); ok {
			t.Fatal("expected no principal for anonymous request")
		}
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/connect", nil))
	if !called || rec.Code != http.StatusOK {
		t.Fatalf("called=%v status=%d", called, rec.Code)
	}
}

func TestAuth_Disabled(t *testing.T) {
	cfg := testConfig(config.AuthModeDisabled)

	called := false
	h := Auth(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/connect", nil))
	if !called {
		t.Fatal("expected handler to run with auth disabled")
	}
}

func TestRecover_TurnsPanicInto500(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(buf, nil))

	h := Recover(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/connect", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(buf.String(), "boom") {
		t.Fatalf("expected panic value in log, got %q", buf.String())
	}
}

type testBaseWriter struct {
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func newTestBaseWriter() *testBaseWriter {
	return &testBaseWriter{header: make(http.Header)}
}

func (w *testBaseWriter) Header() http.Header {
	return w.header
}

func (w *testBaseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.status = code
	w.wroteHeader = true
}

func (w *testBaseWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.Write(p)
}

type testHijackerWriter struct {
	*testBaseWriter
	hijacked bool
}

func (w *testHijackerWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.hijacked = true
	return nil, nil, nil
}

type testFlusherWriter struct {
	*testBaseWriter
	flushed bool
}

func (w *testFlusherWriter) Flush() {
	w.flushed = true
}

func TestAccessLog_PreservesHijacker(t *testing.T) {
	writer := &testHijackerWriter{testBaseWriter: newTestBaseWriter()}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	h := AccessLog(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Fatalf("expected http.Hijacker to be preserved")
		}
		_, _, err := hj.Hijack()
		if err != nil {
			t.Fatalf("hijack failed: %v", err)
		}
	}))

	h.ServeHTTP(writer, httptest.NewRequest(http.MethodGet, "/v1/connect", nil))
	if !writer.hijacked {
		t.Fatal("expected underlying hijacker to be invoked")
	}
}

func TestAccessLog_PreservesFlusher(t *testing.T) {
	writer := &testFlusherWriter{testBaseWriter: newTestBaseWriter()}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	h := AccessLog(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatalf("expected http.Flusher to be preserved")
		}
		flusher.Flush()
	}))

	h.ServeHTTP(writer, httptest.NewRequest(http.MethodGet, "/v1/connect", nil))
	if !writer.flushed {
		t.Fatal("expected underlying flusher to be invoked")
	}
}

func TestAccessLog_DoesNotAdvertiseUnsupportedInterfaces(t *testing.T) {
	writer := newTestBaseWriter()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	h := AccessLog(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := w.(http.Hijacker); ok {
			t.Fatal("did not expect http.Hijacker to be advertised")
		}
		if _, ok := w.(http.Flusher); ok {
			t.Fatal("did not expect http.Flusher to be advertised")
		}
		_, _ = w.Write([]byte("ok"))
	}))

	h.ServeHTTP(writer, httptest.NewRequest(http.MethodGet, "/healthz", nil))
}

func TestAccessLog_RecordsStatus(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(buf, nil))

	h := AccessLog(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	h.ServeHTTP(newTestBaseWriter(), httptest.NewRequest(http.MethodGet, "/readyz", nil))

	var rec map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &rec); err != nil {
		t.Fatalf("unmarshal log: %v", err)
	}
	if got, ok := rec["status"].(float64); !ok || int(got) != http.StatusServiceUnavailable {
		t.Fatalf("logged status = %v, want 503", rec["status"])
	}
	if rec["path"] != "/readyz" {
		t.Fatalf("logged path = %v", rec["path"])
	}
}
