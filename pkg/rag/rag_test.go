package rag

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booktutor/pkg/ai"
	"booktutor/pkg/domain"
	"booktutor/pkg/ingest"
	"booktutor/pkg/store"
)

const (
	photosynthesisQ = "การสังเคราะห์แสงคืออะไร"
	gravityQ        = "อธิบายแรงโน้มถ่วง"
)

type fakeModel struct {
	mu        sync.Mutex
	requests  []ai.GenerateRequest
	embedErr  error
	genErr    error
	answer    string
	followUps string
}

func (f *fakeModel) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	switch {
	case strings.Contains(text, "แรงโน้มถ่วง"):
		return []float32{0, 0, 1}, nil
	case strings.Contains(text, "สังเคราะห์แสง"):
		return []float32{1, 0, 0}, nil
	default:
		return []float32{0.5, 0.5, 0.5}, nil
	}
}

func (f *fakeModel) Dimensions() int { return 3 }

func (f *fakeModel) Generate(ctx context.Context, req ai.GenerateRequest) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if strings.Contains(req.System, "คำถามต่อยอด") {
		if f.followUps == "" {
			return "", errors.New("no follow-ups configured")
		}
		return f.followUps, nil
	}
	if f.genErr != nil {
		return "", f.genErr
	}
	if f.answer == "" {
		return "พืชใช้แสงสร้างอาหาร (หน้า 1)", nil
	}
	return f.answer, nil
}

func (f *fakeModel) answerCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if !strings.Contains(r.System, "คำถามต่อยอด") {
			n++
		}
	}
	return n
}

func seedBook(t *testing.T, st *store.MemoryStore, id string, status domain.BookStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.SaveBook(ctx, domain.Book{ID: id, Title: "วิทยาศาสตร์ ม.1", Status: status}))
	chunks := []struct {
		content string
		page    int
		vec     []float32
	}{
		{"พืชสีเขียวใช้แสงแดด น้ำ และคาร์บอนไดออกไซด์ในการสร้างอาหาร", 1, []float32{1, 0, 0}},
		{"โลกหมุนรอบดวงอาทิตย์ใช้เวลาประมาณหนึ่งปี", 2, []float32{0, 1, 0}},
		{"คลอโรฟิลล์ในใบไม้ช่วยดูดกลืนแสง", 3, []float32{0.6, 0.8, 0}},
	}
	for i, c := range chunks {
		require.NoError(t, st.InsertChunk(ctx, domain.Chunk{
			ID:         id + "-" + string(rune('a'+i)),
			BookID:     id,
			Content:    c.content,
			Embedding:  c.vec,
			PageNumber: c.page,
			ChunkIndex: i,
			Metadata:   domain.BookMetadata{Title: "วิทยาศาสตร์ ม.1", Section: "บทที่ 1"},
		}))
	}
}

func newTestService(t *testing.T, model *fakeModel) (*Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore(3)
	seedBook(t, st, "book-1", domain.StatusCompleted)
	cfg := DefaultConfig()
	return NewService(st, model, nil, cfg, nil), st
}

func TestAskWithoutRelevantContentReturnsNoInfo(t *testing.T) {
	model := &fakeModel{followUps: `["ก", "ข"]`}
	svc, _ := newTestService(t, model)

	ans, err := svc.Ask(context.Background(), AskRequest{Question: gravityQ, BookID: "book-1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, NoInfoAnswer, ans.Answer)
	assert.Zero(t, ans.Confidence)
	assert.Empty(t, ans.Sources)
	assert.NotNil(t, ans.FollowUps)
	assert.Empty(t, ans.FollowUps)
	assert.Zero(t, model.answerCalls(), "model must not be called without context")

	history, err := svc.Sessions().History(context.Background(), ans.SessionID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, NoInfoAnswer, history[1].Content)
	require.NotNil(t, history[1].Metadata)
	assert.Zero(t, *history[1].Metadata.Confidence)
}

func TestAskTwiceWithSameSessionKeepsChronologicalHistory(t *testing.T) {
	svc, _ := newTestService(t, &fakeModel{})
	ctx := context.Background()

	first, err := svc.Ask(ctx, AskRequest{Question: photosynthesisQ, BookID: "book-1", UserID: "u1"})
	require.NoError(t, err)
	second, err := svc.Ask(ctx, AskRequest{Question: "แล้วคลอโรฟิลล์ล่ะ สังเคราะห์แสง", BookID: "book-1", UserID: "u1", SessionID: first.SessionID})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)

	history, err := svc.Sessions().History(ctx, first.SessionID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	roles := make([]domain.MessageRole, len(history))
	for i, m := range history {
		roles[i] = m.Role
	}
	assert.Equal(t, []domain.MessageRole{domain.RoleUser, domain.RoleAssistant, domain.RoleUser, domain.RoleAssistant}, roles)
	assert.Equal(t, photosynthesisQ, history[0].Content)
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].CreatedAt.Before(history[i-1].CreatedAt))
	}

	sessions, err := svc.Sessions().ListSessions(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, photosynthesisQ, sessions[0].Title)
}

func TestAskReturnsSourcesConfidenceAndFollowUps(t *testing.T) {
	model := &fakeModel{followUps: "```json\n[\"คลอโรฟิลล์คืออะไร\", \"  \", 3, \"ทำไมใบไม้เป็นสีเขียว\"]\n```"}
	svc, _ := newTestService(t, model)

	ans, err := svc.Ask(context.Background(), AskRequest{Question: photosynthesisQ, BookID: "book-1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "พืชใช้แสงสร้างอาหาร (หน้า 1)", ans.Answer)
	require.Len(t, ans.Sources, 2)
	assert.Equal(t, 1, ans.Sources[0].PageNumber)
	assert.Equal(t, 3, ans.Sources[1].PageNumber)
	assert.Equal(t, "บทที่ 1", ans.Sources[0].Section)
	assert.Greater(t, ans.Sources[0].Similarity, ans.Sources[1].Similarity)
	assert.InDelta(t, 0.8, ans.Confidence, 1e-9)
	assert.Equal(t, []string{"คลอโรฟิลล์คืออะไร", "ทำไมใบไม้เป็นสีเขียว"}, ans.FollowUps)

	require.Len(t, model.requests, 2)
	answerReq := model.requests[0]
	assert.InDelta(t, 0.3, answerReq.Temperature, 1e-9)
	assert.Equal(t, 800, answerReq.MaxTokens)
	assert.Contains(t, answerReq.System, "[ส่วนที่ 1] (หน้า 1)")
	assert.Contains(t, answerReq.System, "[ส่วนที่ 2] (หน้า 3)")
	assert.NotContains(t, answerReq.System, "โลกหมุนรอบดวงอาทิตย์")
	assert.Contains(t, answerReq.System, NoInfoAnswer)
	assert.Equal(t, []ai.Message{{Role: "user", Content: photosynthesisQ}}, answerReq.Messages)

	followReq := model.requests[1]
	assert.InDelta(t, 0.4, followReq.Temperature, 1e-9)
	assert.Equal(t, 200, followReq.MaxTokens)
	assert.Contains(t, followReq.System, photosynthesisQ)
}

func TestAskFollowUpFailureYieldsEmptyList(t *testing.T) {
	svc, _ := newTestService(t, &fakeModel{followUps: "ขอโทษ ฉันทำไม่ได้"})
	ans, err := svc.Ask(context.Background(), AskRequest{Question: photosynthesisQ, BookID: "book-1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, []string{}, ans.FollowUps)
}

func TestAskGenerationFailureIsWrapped(t *testing.T) {
	cause := &ai.ProviderError{Provider: "openai", Op: "generate", StatusCode: 500, Message: "boom"}
	svc, _ := newTestService(t, &fakeModel{genErr: cause})

	_, err := svc.Ask(context.Background(), AskRequest{Question: photosynthesisQ, BookID: "book-1", UserID: "u1"})
	var genErr *GenerationError
	require.True(t, errors.As(err, &genErr), "got %v", err)
	assert.Equal(t, FallbackMessage, genErr.UserMessage())
	assert.ErrorIs(t, err, cause)
}

func TestAskRetrievalFailureIsWrapped(t *testing.T) {
	svc, _ := newTestService(t, &fakeModel{embedErr: errors.New("connection refused")})

	_, err := svc.Ask(context.Background(), AskRequest{Question: photosynthesisQ, BookID: "book-1", UserID: "u1"})
	var genErr *GenerationError
	require.True(t, errors.As(err, &genErr))
	assert.Equal(t, "retrieve", genErr.Stage)
}

func TestAskFailureLeavesNoSession(t *testing.T) {
	for name, model := range map[string]*fakeModel{
		"retrieve": {embedErr: errors.New("provider 500")},
		"generate": {genErr: &ai.ProviderError{Provider: "openai", Op: "generate", StatusCode: 503, Message: "busy"}},
	} {
		t.Run(name, func(t *testing.T) {
			svc, _ := newTestService(t, model)
			_, err := svc.Ask(context.Background(), AskRequest{Question: photosynthesisQ, BookID: "book-1", UserID: "u1"})
			require.Error(t, err)

			sessions, err := svc.Sessions().ListSessions(context.Background(), "u1", 0)
			require.NoError(t, err)
			assert.Empty(t, sessions)
		})
	}
}

// sessionlessStore cannot create sessions but serves everything else.
type sessionlessStore struct {
	*store.MemoryStore
}

func (sessionlessStore) CreateSession(context.Context, domain.ChatSession) error {
	return &store.StorageError{Op: "create session", Err: errors.New("db down")}
}

func (sessionlessStore) GetSession(context.Context, string) (domain.ChatSession, error) {
	return domain.ChatSession{}, &store.StorageError{Op: "get session", Err: errors.New("db down")}
}

func TestAskSurvivesSessionStorageFailure(t *testing.T) {
	mem := store.NewMemoryStore(3)
	seedBook(t, mem, "book-1", domain.StatusCompleted)
	svc := NewService(sessionlessStore{mem}, &fakeModel{}, nil, DefaultConfig(), nil)
	ctx := context.Background()

	ans, err := svc.Ask(ctx, AskRequest{Question: photosynthesisQ, BookID: "book-1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "พืชใช้แสงสร้างอาหาร (หน้า 1)", ans.Answer)
	assert.Empty(t, ans.SessionID)
	assert.NotEmpty(t, ans.Sources)

	// a supplied session that cannot be loaded fails with the fallback
	_, err = svc.Ask(ctx, AskRequest{Question: photosynthesisQ, BookID: "book-1", UserID: "u1", SessionID: "s1"})
	var genErr *GenerationError
	require.True(t, errors.As(err, &genErr), "got %v", err)
	assert.Equal(t, "session", genErr.Stage)
	assert.Equal(t, FallbackMessage, genErr.UserMessage())
}

func TestAskRequestErrors(t *testing.T) {
	svc, st := newTestService(t, &fakeModel{})
	ctx := context.Background()
	seedBook(t, st, "book-2", domain.StatusProcessing)
	seedBook(t, st, "book-3", domain.StatusCompleted)

	own, err := svc.Ask(ctx, AskRequest{Question: photosynthesisQ, BookID: "book-1", UserID: "u1"})
	require.NoError(t, err)

	cases := []struct {
		name string
		req  AskRequest
		want error
	}{
		{"empty question", AskRequest{Question: "  ", BookID: "book-1", UserID: "u1"}, ErrEmptyQuestion},
		{"unknown book", AskRequest{Question: "q", BookID: "nope", UserID: "u1"}, ErrBookNotReady},
		{"book still processing", AskRequest{Question: "q", BookID: "book-2", UserID: "u1"}, ErrBookNotReady},
		{"unknown session", AskRequest{Question: "q", BookID: "book-1", UserID: "u1", SessionID: "missing"}, ErrSessionNotFound},
		{"someone else's session", AskRequest{Question: "q", BookID: "book-1", UserID: "u2", SessionID: own.SessionID}, ErrSessionForbidden},
		{"session of another book", AskRequest{Question: "q", BookID: "book-3", UserID: "u1", SessionID: own.SessionID}, ErrSessionForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Ask(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	_, err = svc.Ask(ctx, AskRequest{Question: "q", BookID: "nope", UserID: "u1"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcessUploadDelegatesToPipeline(t *testing.T) {
	st := store.NewMemoryStore(3)
	ctx := context.Background()
	require.NoError(t, st.SaveBook(ctx, domain.Book{ID: "book-9", Status: domain.StatusPending}))
	model := &fakeModel{}
	pipeline := ingest.New(st, st, model, nil, ingest.Config{BatchDelay: -1}, nil)
	svc := NewService(st, model, pipeline, DefaultConfig(), nil)

	res, err := svc.ProcessUpload(ctx, ingest.Source{Filename: "a.txt", Reader: strings.NewReader("การสังเคราะห์แสง ของพืช")}, "book-9", domain.BookMetadata{Title: "t"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.ChunksProcessed)

	ans, err := svc.Ask(ctx, AskRequest{Question: photosynthesisQ, BookID: "book-9", UserID: "u"})
	require.NoError(t, err)
	require.Len(t, ans.Sources, 1)
	assert.Equal(t, "การสังเคราะห์แสง ของพืช", ans.Sources[0].Content)
}

func TestProcessUploadWithoutPipeline(t *testing.T) {
	svc, _ := newTestService(t, &fakeModel{})
	res, err := svc.ProcessUpload(context.Background(), ingest.Source{Filename: "a.txt", Reader: strings.NewReader("x")}, "book-1", domain.BookMetadata{})
	require.Error(t, err)
	assert.False(t, res.Success)
}
