package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"booktutor/internal/ratelimit"
	"booktutor/internal/util"
	"booktutor/pkg/domain"
	"booktutor/pkg/rag"
	"booktutor/pkg/store"
	"booktutor/services/tutor/internal/app"
)

// TokenVerifier turns a bearer token into the caller identity.
type TokenVerifier interface {
	Verify(token string) (domain.Identity, error)
}

// Limiter throttles questions per user.
type Limiter interface {
	Allow(ctx context.Context, key string) ratelimit.Decision
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TokenVerifier  TokenVerifier
	AskLimiter     Limiter
	MaxUploadBytes int64
	TrustedProxies *util.TrustedProxies
	// Ping reports backend health for /healthz.
	Ping func(ctx context.Context) error
}

// Server exposes HTTP endpoints for the tutor service.
type Server struct {
	app            *app.App
	tokenVerifier  TokenVerifier
	askLimiter     Limiter
	ping           func(ctx context.Context) error
	trustedProxies *util.TrustedProxies
	mux            *http.ServeMux
	maxUploadBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("server: token verifier is required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 50 * 1024 * 1024
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		askLimiter:     cfg.AskLimiter,
		ping:           cfg.Ping,
		trustedProxies: cfg.TrustedProxies,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("tutor", s.trustedProxies, util.WithAPIHeaders(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.Handle("/books", s.withUser(s.handleBooks))
	s.mux.Handle("/books/", s.withUser(s.handleBookByID))
	s.mux.Handle("/ask", s.withUser(s.handleAsk))
	s.mux.Handle("/sessions", s.withUser(s.handleSessions))
	s.mux.Handle("/sessions/", s.withUser(s.handleSessionByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ping(ctx); err != nil {
			util.LoggerFromContext(r.Context()).Warn("healthz_backend_down", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.Identity)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		caller, err := s.tokenVerifier.Verify(token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Info("token_rejected", "client_ip", util.ClientIP(r, s.trustedProxies), "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r.WithContext(util.SetRequestUser(r.Context(), caller.UserID)), caller)
	})
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request, caller domain.Identity) {
	switch r.Method {
	case http.MethodPost:
		s.handleUploadBook(w, r, caller)
	case http.MethodGet:
		all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
		books, err := s.app.ListBooks(r.Context(), caller, all)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": books,
			"count": len(books),
		})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUploadBook(w http.ResponseWriter, r *http.Request, caller domain.Identity) {
	if !caller.Role.CanManageBooks() {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	book, job, err := s.app.UploadBook(r.Context(), caller, app.Upload{
		Filename:    header.Filename,
		Title:       r.FormValue("title"),
		Author:      r.FormValue("author"),
		Description: r.FormValue("description"),
		Category:    r.FormValue("category"),
		Body:        file,
		Size:        header.Size,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"book":  book,
		"jobId": job.ID,
	})
}

// /books/{id}, /books/{id}/reprocess, /books/{id}/file or /books/{id}/jobs/{jobId}
func (s *Server) handleBookByID(w http.ResponseWriter, r *http.Request, caller domain.Identity) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/books/"), "/")
	parts := strings.Split(path, "/")
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		book, err := s.app.GetBook(r.Context(), caller, id)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, book)
	case len(parts) == 2 && parts[1] == "reprocess":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		job, err := s.app.ReprocessBook(r.Context(), caller, id)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"jobId": job.ID, "status": job.Status})
	case len(parts) == 2 && parts[1] == "file":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		url, filename, err := s.app.DownloadURL(r.Context(), caller, id)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"url":      url,
			"filename": filename,
		})
	case len(parts) == 3 && parts[1] == "jobs" && parts[2] != "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		job, err := s.app.JobStatus(r.Context(), caller, id, parts[2])
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	default:
		notFound(w, "not found")
	}
}

type askRequest struct {
	Question  string `json:"question"`
	BookID    string `json:"bookId"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request, caller domain.Identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.askLimiter != nil {
		decision := s.askLimiter.Allow(r.Context(), caller.UserID)
		if !decision.Allowed {
			seconds := int(decision.RetryAfter.Round(time.Second) / time.Second)
			if seconds < 1 {
				seconds = 1
			}
			util.LoggerFromContext(r.Context()).Info("ask_rate_limited", "user_id", caller.UserID, "client_ip", util.ClientIP(r, s.trustedProxies))
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
	}
	var req askRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.BookID) == "" {
		writeError(w, http.StatusBadRequest, "bookId is required")
		return
	}
	answer, err := s.app.Ask(r.Context(), caller, req.Question, req.BookID, req.SessionID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request, caller domain.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.app.ListSessions(r.Context(), caller, limit)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

// /sessions/{id}/messages
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request, caller domain.Identity) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/sessions/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "messages" {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	msgs, err := s.app.SessionMessages(r.Context(), caller, parts[0])
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": msgs,
		"count": len(msgs),
	})
}

// writeAppError maps domain errors to status codes. Unknown errors are
// logged and reported without detail.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var genErr *rag.GenerationError
	switch {
	case errors.As(err, &genErr):
		util.LoggerFromContext(r.Context()).Error("ask_failed", "stage", genErr.Stage, "err", genErr.Cause)
		writeError(w, http.StatusBadGateway, genErr.UserMessage())
	case errors.Is(err, rag.ErrEmptyQuestion):
		writeError(w, http.StatusBadRequest, "question is required")
	case errors.Is(err, rag.ErrBookNotReady) && errors.Is(err, store.ErrNotFound),
		errors.Is(err, app.ErrBookNotFound):
		notFound(w, "book not found")
	case errors.Is(err, rag.ErrBookNotReady):
		writeError(w, http.StatusConflict, "book is not ready")
	case errors.Is(err, rag.ErrSessionNotFound):
		notFound(w, "session not found")
	case errors.Is(err, rag.ErrSessionForbidden), errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, app.ErrBookBusy):
		writeError(w, http.StatusConflict, "book is being processed")
	case errors.Is(err, app.ErrJobNotFound):
		notFound(w, "job not found")
	case errors.Is(err, app.ErrFileRequired):
		writeError(w, http.StatusBadRequest, "filename required")
	case errors.Is(err, app.ErrUnsupportedFile):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrDownloadUnsupported):
		writeError(w, http.StatusNotImplemented, "file download is not available")
	default:
		util.LoggerFromContext(r.Context()).Error("request_failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCode(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCode(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "forbidden":
		return "AUTH_FORBIDDEN"
	case message == "book not found":
		return "BOOK_NOT_FOUND"
	case message == "book is not ready":
		return "BOOK_NOT_READY"
	case message == "book is being processed":
		return "BOOK_PROCESSING"
	case message == "job not found":
		return "INGEST_JOB_NOT_FOUND"
	case message == "file too large":
		return "BOOK_FILE_TOO_LARGE"
	case message == "filename required", strings.Contains(message, "file is required"):
		return "BOOK_FILE_REQUIRED"
	case strings.Contains(message, "unsupported file type"):
		return "BOOK_UNSUPPORTED_FILE_TYPE"
	case message == "invalid form data":
		return "BOOK_INVALID_UPLOAD_FORM"
	case message == "session not found":
		return "CHAT_SESSION_NOT_FOUND"
	case message == "question is required", message == "bookid is required":
		return "CHAT_INVALID_REQUEST"
	case message == "too many requests":
		return "RATE_LIMITED"
	case message == strings.ToLower(rag.FallbackMessage):
		return "CHAT_GENERATION_FAILED"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "REQUEST_INVALID"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "AUTH_FORBIDDEN"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
