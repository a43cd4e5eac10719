package server

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if tt.wantErr != (err != nil) {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	return NewHandler(testService(t, 31), WithMaxTextTokens(4))
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	rec := doRequest(t, newTestHandler(t), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}

	var body map[string]string
	if err := sonic.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field %q, want ok", body["status"])
	}
	if body["version"] == "" {
		t.Fatal("version field is empty")
	}
}

func TestHandleVoicesWithoutManifest(t *testing.T) {
	rec := doRequest(t, newTestHandler(t), http.MethodGet, "/voices", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Fatalf("body %q, want empty voice list", got)
	}
}

func TestHandleTTSValidation(t *testing.T) {
	h := newTestHandler(t)

	tests := []struct {
		name   string
		method string
		body   string
		status int
		errSub string
	}{
		{"rejects GET", http.MethodGet, "", http.StatusMethodNotAllowed, "method not allowed"},
		{"rejects bad JSON", http.MethodPost, "{", http.StatusBadRequest, "invalid JSON"},
		{"requires tokens", http.MethodPost, `{"voice":"x"}`, http.StatusBadRequest, "tokens field is required"},
		{"caps token count", http.MethodPost, `{"tokens":[1,2,3,4,5]}`, http.StatusRequestEntityTooLarge, "maximum of 4"},
		{"requires vocoder", http.MethodPost, `{"tokens":[1,2]}`, http.StatusNotImplemented, "no vocoder configured"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, h, tt.method, "/tts", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status %d, want %d (body %s)", rec.Code, tt.status, rec.Body.String())
			}

			var body map[string]string
			if err := sonic.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if !strings.Contains(body["error"], tt.errSub) {
				t.Fatalf("error %q does not contain %q", body["error"], tt.errSub)
			}
		})
	}
}
