package util

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClientIP(t *testing.T) {
	trusted, err := NewTrustedProxies([]string{"10.0.0.0/8", "192.168.1.10", " "})
	if err != nil {
		t.Fatalf("trusted proxies: %v", err)
	}
	cases := []struct {
		name    string
		remote  string
		xff     string
		xrip    string
		trusted *TrustedProxies
		want    string
	}{
		{"untrusted peer ignores headers", "198.51.100.10:1234", "203.0.113.5", "203.0.113.6", trusted, "198.51.100.10"},
		{"no trusted set", "10.0.0.20:1234", "203.0.113.5", "", nil, "10.0.0.20"},
		{"trusted peer uses forwarded", "10.0.0.20:1234", "203.0.113.5", "", trusted, "203.0.113.5"},
		{"rightmost untrusted hop", "10.0.0.20:1234", "198.51.100.1, 203.0.113.5, 10.0.0.10", "", trusted, "203.0.113.5"},
		{"single trusted address", "192.168.1.10:80", "203.0.113.9", "", trusted, "203.0.113.9"},
		{"x-real-ip fallback", "10.0.0.20:1234", "garbage", "203.0.113.7", trusted, "203.0.113.7"},
		{"all hops trusted", "10.0.0.20:1234", "10.0.0.5, 10.0.0.10", "", trusted, "10.0.0.5"},
		{"mapped ipv4 peer", "[::ffff:10.0.0.20]:1234", "203.0.113.5", "", trusted, "203.0.113.5"},
		{"unparseable peer", "pipe", "", "", trusted, "pipe"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ask", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.xrip != "" {
				req.Header.Set("X-Real-IP", tc.xrip)
			}
			if got := ClientIP(req, tc.trusted); got != tc.want {
				t.Fatalf("client ip = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewTrustedProxies(t *testing.T) {
	if set, err := NewTrustedProxies(nil); err != nil || set != nil {
		t.Fatalf("empty input = %v, %v; want nil set", set, err)
	}
	if _, err := NewTrustedProxies([]string{"10.0.0.0/33"}); err == nil {
		t.Fatalf("expected error for bad prefix")
	}
	if _, err := NewTrustedProxies([]string{"not-an-ip"}); err == nil {
		t.Fatalf("expected error for bad address")
	}
}

func TestWithRequestIDPropagatesOrGenerates(t *testing.T) {
	var seen string
	h := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "req-123" || rec.Header().Get("X-Request-Id") != "req-123" {
		t.Fatalf("incoming id not propagated: ctx=%q header=%q", seen, rec.Header().Get("X-Request-Id"))
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", strings.Repeat("x", 200))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen == "" || len(seen) > 128 || rec.Header().Get("X-Request-Id") != seen {
		t.Fatalf("expected a fresh id, got %q", seen)
	}
}

func TestRequestLogCarriesUserAndClientIP(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	trusted, _ := NewTrustedProxies([]string{"10.0.0.1"})
	h := WithRequestID(WithRequestLog("tutor", trusted, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := SetRequestUser(r.Context(), "u1")
		LoggerFromContext(ctx).Info("inside")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("oops"))
	})))

	req := httptest.NewRequest(http.MethodPost, "/ask", nil)
	req.RemoteAddr = "10.0.0.1:5000"
	req.Header.Set("X-Forwarded-For", "203.0.113.4")
	h.ServeHTTP(httptest.NewRecorder(), req)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("log lines = %d: %s", len(lines), buf.String())
	}
	var inside, access map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &inside); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &access); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if inside["user_id"] != "u1" || inside["request_id"] == "" {
		t.Fatalf("handler log missing fields: %v", inside)
	}
	if access["msg"] != "http_request" || access["level"] != "WARN" {
		t.Fatalf("unexpected access line: %v", access)
	}
	if access["user_id"] != "u1" || access["client_ip"] != "203.0.113.4" || access["service"] != "tutor" {
		t.Fatalf("access line fields: %v", access)
	}
	if access["status"] != float64(http.StatusBadGateway) || access["bytes"] != float64(4) {
		t.Fatalf("status/bytes: %v", access)
	}
}

func TestWithAPIHeaders(t *testing.T) {
	called := false
	h := WithAPIHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/books", nil))
	if !called {
		t.Fatalf("handler not called")
	}
	for header, want := range map[string]string{
		"X-Content-Type-Options":      "nosniff",
		"X-Frame-Options":             "DENY",
		"Cache-Control":               "no-store",
		"Access-Control-Allow-Origin": "*",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Fatalf("%s = %q, want %q", header, got, want)
		}
	}
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Fatalf("HSTS set on plain http")
	}

	called = false
	req := httptest.NewRequest(http.MethodOptions, "/ask", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if called || rec.Code != http.StatusNoContent {
		t.Fatalf("preflight: called=%v code=%d", called, rec.Code)
	}
	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Fatalf("expected HSTS behind https proxy")
	}
}
