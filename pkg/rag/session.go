package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"booktutor/internal/util"
	"booktutor/pkg/domain"
	"booktutor/pkg/store"
)

const (
	titleMaxRunes       = 50
	defaultSessionLimit = 30
	maxSessionLimit     = 100
	historyLimit        = 500
)

// SessionManager owns chat sessions and their message history.
type SessionManager struct {
	sessions store.SessionStore
	logger   *slog.Logger
	now      func() time.Time
}

func NewSessionManager(sessions store.SessionStore, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{sessions: sessions, logger: logger.With("component", "sessions"), now: time.Now}
}

// GetOrCreateSession returns sessionID when it exists and belongs to userID
// and bookID. An empty sessionID creates a session titled from firstQuestion.
func (m *SessionManager) GetOrCreateSession(ctx context.Context, userID, bookID, sessionID, firstQuestion string) (string, error) {
	id, err := m.ResolveSession(ctx, userID, bookID, sessionID)
	if err != nil || id != "" {
		return id, err
	}
	return m.CreateSession(ctx, userID, bookID, firstQuestion)
}

// ResolveSession checks a caller-supplied session id. It returns "" when
// none was supplied.
func (m *SessionManager) ResolveSession(ctx context.Context, userID, bookID, sessionID string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", nil
	}
	s, err := m.Get(ctx, userID, sessionID)
	if err != nil {
		return "", err
	}
	if s.BookID != bookID {
		return "", ErrSessionForbidden
	}
	return s.ID, nil
}

// CreateSession starts a session titled from firstQuestion.
func (m *SessionManager) CreateSession(ctx context.Context, userID, bookID, firstQuestion string) (string, error) {
	now := m.now().UTC()
	s := domain.ChatSession{
		ID:        util.NewID(),
		UserID:    userID,
		BookID:    bookID,
		Title:     SessionTitle(firstQuestion),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.sessions.CreateSession(ctx, s); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return s.ID, nil
}

// Get loads a session owned by userID.
func (m *SessionManager) Get(ctx context.Context, userID, sessionID string) (domain.ChatSession, error) {
	s, err := m.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.ChatSession{}, ErrSessionNotFound
	}
	if err != nil {
		return domain.ChatSession{}, fmt.Errorf("load session: %w", err)
	}
	if s.UserID != userID {
		return domain.ChatSession{}, ErrSessionForbidden
	}
	return s, nil
}

// AppendMessage stores a message. Failures are logged and dropped so a
// storage hiccup never costs the student their answer.
func (m *SessionManager) AppendMessage(ctx context.Context, sessionID, content string, role domain.MessageRole, meta *domain.MessageMetadata) {
	err := m.sessions.AppendMessage(ctx, domain.ChatMessage{
		SessionID: sessionID,
		Content:   content,
		Role:      role,
		Metadata:  meta,
		CreatedAt: m.now().UTC(),
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "chat_message_save_failed", "session_id", sessionID, "role", string(role), "err", err)
	}
}

// History returns a session's messages oldest first.
func (m *SessionManager) History(ctx context.Context, sessionID string) ([]domain.ChatMessage, error) {
	msgs, err := m.sessions.ListMessages(ctx, sessionID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// ListSessions returns the user's sessions, most recently active first.
func (m *SessionManager) ListSessions(ctx context.Context, userID string, limit int) ([]domain.ChatSession, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user id required")
	}
	if limit <= 0 || limit > maxSessionLimit {
		limit = defaultSessionLimit
	}
	items, err := m.sessions.ListSessions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return items, nil
}

// SessionTitle cuts the first question to 50 runes plus "...".
func SessionTitle(question string) string {
	text := strings.TrimSpace(strings.ReplaceAll(question, "\n", " "))
	runes := []rune(text)
	if len(runes) > titleMaxRunes {
		return string(runes[:titleMaxRunes]) + "..."
	}
	return text
}
