package util

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const requestIDHeader = "X-Request-Id"

type requestStateKey struct{}

// requestState is shared by the middleware and the handlers of one request.
// Handlers run on the request goroutine, so no locking is needed.
type requestState struct {
	id     string
	userID string
}

// WithRequestID reuses the caller's X-Request-Id or mints one, echoes it on
// the response and stores a logger tagged with it in the context.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" || len(id) > 128 {
			id = NewID()
		}
		w.Header().Set(requestIDHeader, id)

		ctx := context.WithValue(r.Context(), requestStateKey{}, &requestState{id: id})
		ctx = ContextWithLogger(ctx, slog.Default().With("request_id", id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext returns the id set by WithRequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	if st := stateFrom(ctx); st != nil {
		return st.id
	}
	return ""
}

// SetRequestUser records the authenticated user so the access log line and
// every later log call through the returned context carry user_id.
func SetRequestUser(ctx context.Context, userID string) context.Context {
	if st := stateFrom(ctx); st != nil {
		st.userID = userID
	}
	return ContextWithLogger(ctx, LoggerFromContext(ctx).With("user_id", userID))
}

func stateFrom(ctx context.Context) *requestState {
	if ctx == nil {
		return nil
	}
	st, _ := ctx.Value(requestStateKey{}).(*requestState)
	return st
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *responseRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// WithRequestLog writes one http_request line per request. Server errors are
// logged at warn so they stand out from routine traffic.
func WithRequestLog(service string, trusted *TrustedProxies, next http.Handler) http.Handler {
	service = strings.TrimSpace(service)
	if service == "" {
		service = "unknown"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		attrs := []any{
			"service", service,
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", rec.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", ClientIP(r, trusted),
		}
		if st := stateFrom(r.Context()); st != nil {
			attrs = append(attrs, "request_id", st.id)
			if st.userID != "" {
				attrs = append(attrs, "user_id", st.userID)
			}
		}
		slog.Log(r.Context(), level, "http_request", attrs...)
	})
}
