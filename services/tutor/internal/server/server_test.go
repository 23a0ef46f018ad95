package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"booktutor/internal/ratelimit"
	"booktutor/pkg/ai"
	"booktutor/pkg/domain"
	"booktutor/pkg/ingest"
	"booktutor/pkg/lock"
	"booktutor/pkg/queue"
	"booktutor/pkg/rag"
	"booktutor/pkg/storage"
	"booktutor/pkg/store"
	"booktutor/services/tutor/internal/app"
)

const (
	teacherToken  = "teacher-token"
	studentToken  = "student-token"
	student2Token = "student2-token"
)

type fakeModel struct {
	genErr error
}

func (f *fakeModel) Embed(_ context.Context, text string) ([]float32, error) {
	if strings.Contains(text, "สังเคราะห์แสง") {
		return []float32{1, 0, 0}, nil
	}
	return []float32{0, 0, 1}, nil
}

func (f *fakeModel) Dimensions() int { return 3 }

func (f *fakeModel) Generate(_ context.Context, req ai.GenerateRequest) (string, error) {
	if strings.Contains(req.System, "คำถามต่อยอด") {
		return `["แสงมีผลอย่างไร"]`, nil
	}
	if f.genErr != nil {
		return "", f.genErr
	}
	return "พืชใช้แสงสร้างอาหาร", nil
}

type staticVerifier map[string]domain.Identity

func (v staticVerifier) Verify(token string) (domain.Identity, error) {
	id, ok := v[token]
	if !ok {
		return domain.Identity{}, errors.New("unknown token")
	}
	return id, nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) ratelimit.Decision {
	return ratelimit.Decision{Allowed: false, RetryAfter: 30 * time.Second}
}

type testEnv struct {
	handler http.Handler
	store   *store.MemoryStore
	queue   *queue.LocalQueue
	model   *fakeModel
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st := store.NewMemoryStore(3)
	objects, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	model := &fakeModel{}
	pipeline := ingest.New(st, st, model, lock.NewMemoryLocker(), ingest.Config{BatchDelay: -1}, nil)
	jobs := ingest.NewJobHandler(st, objects, pipeline, nil)
	q := queue.NewLocalQueue(ctx, jobs.Handle, queue.LocalQueueConfig{MaxRetries: 1})
	svc := rag.NewService(st, model, pipeline, rag.DefaultConfig(), nil)

	core, err := app.New(app.Config{Store: st, Objects: objects, Queue: q, RAG: svc})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	cfg := Config{
		App: core,
		TokenVerifier: staticVerifier{
			teacherToken:  {UserID: "t1", Role: domain.RoleTeacher},
			studentToken:  {UserID: "s1", Role: domain.RoleStudent},
			student2Token: {UserID: "s2", Role: domain.RoleStudent},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	return &testEnv{handler: srv.Router(), store: st, queue: q, model: model}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) upload(t *testing.T, token, filename, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("title", "วิทยาศาสตร์ ม.1")
	_ = mw.WriteField("author", "ครูสมชาย")
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	_, _ = fw.Write([]byte(content))
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/books", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) seedBook(t *testing.T, id string, status domain.BookStatus) {
	t.Helper()
	ctx := context.Background()
	if err := e.store.SaveBook(ctx, domain.Book{ID: id, Title: "หนังสือ", Status: status, StorageKey: "books/" + id + "/a.txt"}); err != nil {
		t.Fatalf("save book: %v", err)
	}
	if status != domain.StatusCompleted {
		return
	}
	if err := e.store.InsertChunk(ctx, domain.Chunk{
		ID: id + "-0", BookID: id, Content: "การสังเคราะห์แสงของพืช", Embedding: []float32{1, 0, 0}, PageNumber: 1,
	}); err != nil {
		t.Fatalf("insert chunk: %v", err)
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	if rec := env.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", rec.Code)
	}

	down := newTestEnv(t, func(c *Config) {
		c.Ping = func(context.Context) error { return errors.New("db down") }
	})
	if rec := down.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz = %d, want 503", rec.Code)
	}
}

func TestRequiresBearerToken(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, token := range []string{"", "bogus"} {
		rec := env.do(t, http.MethodGet, "/books", token, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("token %q: status = %d, want 401", token, rec.Code)
		}
		body := decode[errorResponse](t, rec)
		if body.Code != "AUTH_INVALID_TOKEN" {
			t.Fatalf("code = %q", body.Code)
		}
	}
}

func TestUploadIngestAndAsk(t *testing.T) {
	env := newTestEnv(t, nil)
	content := strings.Repeat("การสังเคราะห์แสง คือ กระบวนการ สร้าง อาหาร ของ พืช ", 10)

	rec := env.upload(t, teacherToken, "photosynthesis.txt", content)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("upload = %d: %s", rec.Code, rec.Body.String())
	}
	uploaded := decode[struct {
		Book  domain.Book `json:"book"`
		JobID string      `json:"jobId"`
	}](t, rec)
	if uploaded.Book.Status != domain.StatusPending || uploaded.Book.Title != "วิทยาศาสตร์ ม.1" {
		t.Fatalf("book = %+v", uploaded.Book)
	}
	env.queue.Wait()

	rec = env.do(t, http.MethodGet, "/books/"+uploaded.Book.ID+"/jobs/"+uploaded.JobID, teacherToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("job status = %d: %s", rec.Code, rec.Body.String())
	}
	if job := decode[queue.Job](t, rec); job.Status != queue.StatusDone {
		t.Fatalf("job = %+v", job)
	}

	rec = env.do(t, http.MethodGet, "/books", studentToken, nil)
	list := decode[struct {
		Items []domain.Book `json:"items"`
	}](t, rec)
	if len(list.Items) != 1 || list.Items[0].Status != domain.StatusCompleted {
		t.Fatalf("books = %+v", list.Items)
	}

	rec = env.do(t, http.MethodPost, "/ask", studentToken, map[string]string{
		"question": "การสังเคราะห์แสงคืออะไร",
		"bookId":   uploaded.Book.ID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("ask = %d: %s", rec.Code, rec.Body.String())
	}
	answer := decode[domain.Answer](t, rec)
	if answer.Answer != "พืชใช้แสงสร้างอาหาร" || answer.SessionID == "" || len(answer.Sources) == 0 {
		t.Fatalf("answer = %+v", answer)
	}
	if len(answer.FollowUps) != 1 {
		t.Fatalf("followUps = %v", answer.FollowUps)
	}

	rec = env.do(t, http.MethodGet, "/sessions", studentToken, nil)
	sessions := decode[struct {
		Items []domain.ChatSession `json:"items"`
	}](t, rec)
	if len(sessions.Items) != 1 || sessions.Items[0].ID != answer.SessionID {
		t.Fatalf("sessions = %+v", sessions.Items)
	}

	rec = env.do(t, http.MethodGet, "/sessions/"+answer.SessionID+"/messages", studentToken, nil)
	msgs := decode[struct {
		Items []domain.ChatMessage `json:"items"`
	}](t, rec)
	if len(msgs.Items) != 2 || msgs.Items[0].Role != domain.RoleUser || msgs.Items[1].Role != domain.RoleAssistant {
		t.Fatalf("messages = %+v", msgs.Items)
	}

	rec = env.do(t, http.MethodGet, "/sessions/"+answer.SessionID+"/messages", student2Token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("other student history = %d, want 403", rec.Code)
	}
}

func TestUploadRules(t *testing.T) {
	env := newTestEnv(t, nil)
	if rec := env.upload(t, studentToken, "a.txt", "hello"); rec.Code != http.StatusForbidden {
		t.Fatalf("student upload = %d, want 403", rec.Code)
	}
	rec := env.upload(t, teacherToken, "a.docx", "hello")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("docx upload = %d, want 400", rec.Code)
	}
	if body := decode[errorResponse](t, rec); body.Code != "BOOK_UNSUPPORTED_FILE_TYPE" {
		t.Fatalf("code = %q", body.Code)
	}
}

func TestUploadTooLarge(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.MaxUploadBytes = 1024 })
	rec := env.upload(t, teacherToken, "a.txt", strings.Repeat("x", 8192))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("upload = %d, want 413", rec.Code)
	}
}

func TestAskErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedBook(t, "ready", domain.StatusCompleted)
	env.seedBook(t, "pending", domain.StatusPending)

	cases := []struct {
		name   string
		body   map[string]string
		status int
	}{
		{"empty question", map[string]string{"question": "  ", "bookId": "ready"}, http.StatusBadRequest},
		{"missing book id", map[string]string{"question": "q"}, http.StatusBadRequest},
		{"unknown book", map[string]string{"question": "q", "bookId": "nope"}, http.StatusNotFound},
		{"not ready", map[string]string{"question": "q", "bookId": "pending"}, http.StatusConflict},
		{"unknown session", map[string]string{"question": "q", "bookId": "ready", "sessionId": "missing"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/ask", studentToken, tc.body)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tc.status, rec.Body.String())
			}
		})
	}
	if rec := env.do(t, http.MethodGet, "/ask", studentToken, nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /ask = %d, want 405", rec.Code)
	}
}

func TestAskGenerationFailureReturnsFallback(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedBook(t, "ready", domain.StatusCompleted)
	env.model.genErr = &ai.ProviderError{Provider: "openai", Op: "generate", StatusCode: 500, Message: "upstream secret detail"}

	rec := env.do(t, http.MethodPost, "/ask", studentToken, map[string]string{
		"question": "การสังเคราะห์แสงคืออะไร",
		"bookId":   "ready",
	})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	body := decode[errorResponse](t, rec)
	if body.Error != rag.FallbackMessage || body.Code != "CHAT_GENERATION_FAILED" {
		t.Fatalf("body = %+v", body)
	}
	if strings.Contains(rec.Body.String(), "upstream secret detail") {
		t.Fatalf("provider detail leaked: %s", rec.Body.String())
	}
}

func TestAskRateLimited(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.AskLimiter = denyLimiter{} })
	env.seedBook(t, "ready", domain.StatusCompleted)
	rec := env.do(t, http.MethodPost, "/ask", studentToken, map[string]string{"question": "q", "bookId": "ready"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "30" {
		t.Fatalf("Retry-After = %q, want 30", got)
	}
}

func TestBookVisibilityAndReprocess(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedBook(t, "busy", domain.StatusProcessing)
	env.seedBook(t, "ready", domain.StatusCompleted)

	if rec := env.do(t, http.MethodGet, "/books/busy", studentToken, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("student sees busy book: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/books/busy", teacherToken, nil); rec.Code != http.StatusOK {
		t.Fatalf("teacher get busy book = %d", rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/books?all=true", teacherToken, nil)
	all := decode[struct {
		Count int `json:"count"`
	}](t, rec)
	if all.Count != 2 {
		t.Fatalf("teacher all count = %d, want 2", all.Count)
	}
	rec = env.do(t, http.MethodGet, "/books?all=true", studentToken, nil)
	if got := decode[struct {
		Count int `json:"count"`
	}](t, rec); got.Count != 1 {
		t.Fatalf("student all count = %d, want 1", got.Count)
	}

	if rec := env.do(t, http.MethodPost, "/books/busy/reprocess", teacherToken, nil); rec.Code != http.StatusConflict {
		t.Fatalf("reprocess busy = %d, want 409", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/books/ready/reprocess", studentToken, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("student reprocess = %d, want 403", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/books/ready/reprocess", teacherToken, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("reprocess = %d: %s", rec.Code, rec.Body.String())
	}
	env.queue.Wait()
	// the seeded object was never stored, so the job fails the book
	book, err := env.store.GetBook(context.Background(), "ready")
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	if book.Status != domain.StatusFailed || book.ErrorMessage != "uploaded file is missing" {
		t.Fatalf("book = %+v", book)
	}
}

func TestFileDownloadUnsupportedOnLocalStorage(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedBook(t, "ready", domain.StatusCompleted)
	if rec := env.do(t, http.MethodGet, "/books/ready/file", studentToken, nil); rec.Code != http.StatusNotImplemented {
		t.Fatalf("file = %d, want 501", rec.Code)
	}
}

func TestUnknownJob(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedBook(t, "ready", domain.StatusCompleted)
	if rec := env.do(t, http.MethodGet, "/books/ready/jobs/nope", teacherToken, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("job = %d, want 404", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/books/ready/other", teacherToken, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown path = %d, want 404", rec.Code)
	}
}
