package domain

import "time"

type BookStatus string

const (
	StatusPending    BookStatus = "pending"
	StatusProcessing BookStatus = "processing"
	StatusCompleted  BookStatus = "completed"
	StatusFailed     BookStatus = "failed"
)

// Valid reports whether s is one of the known processing states.
func (s BookStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

// CanManageBooks reports whether the role may upload or reprocess books.
func (r Role) CanManageBooks() bool {
	return r == RoleTeacher || r == RoleAdmin
}

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Identity is the caller as asserted by the external identity provider.
type Identity struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

type Book struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	Author           string     `json:"author"`
	Description      string     `json:"description,omitempty"`
	Category         string     `json:"category"`
	Status           BookStatus `json:"processingStatus"`
	ErrorMessage     string     `json:"errorMessage,omitempty"`
	CreatedBy        string     `json:"createdBy"`
	OriginalFilename string     `json:"originalFilename"`
	StorageKey       string     `json:"-"`
	SizeBytes        int64      `json:"sizeBytes"`
	ChunkCount       int        `json:"chunkCount"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// BookMetadata is attached to every chunk produced from a book.
type BookMetadata struct {
	Title   string `json:"title,omitempty"`
	Author  string `json:"author,omitempty"`
	Section string `json:"section,omitempty"`
}

type Chunk struct {
	ID         string       `json:"id"`
	BookID     string       `json:"bookId"`
	Content    string       `json:"content"`
	Embedding  []float32    `json:"-"`
	PageNumber int          `json:"pageNumber"`
	ChunkIndex int          `json:"chunkIndex"`
	Metadata   BookMetadata `json:"metadata"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// ScoredChunk is a chunk returned by similarity search.
type ScoredChunk struct {
	Chunk
	Similarity float64 `json:"similarity"`
}

// Page is one unit of extracted text tagged with its 1-based page number.
type Page struct {
	Number  int    `json:"pageNumber"`
	Text    string `json:"text"`
	Section string `json:"section,omitempty"`
	// Estimated is set when the source had no page breaks; page numbers
	// are then approximated from word offsets.
	Estimated bool `json:"-"`
}

type ChatSession struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	BookID    string    `json:"bookId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type MessageMetadata struct {
	Sources    []string `json:"sources,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

type ChatMessage struct {
	ID        string           `json:"id"`
	SessionID string           `json:"sessionId"`
	Content   string           `json:"content"`
	Role      MessageRole      `json:"role"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Source is a citation returned alongside an answer.
type Source struct {
	Content    string  `json:"content"`
	PageNumber int     `json:"pageNumber"`
	Section    string  `json:"section,omitempty"`
	Similarity float64 `json:"similarity"`
}

// ProcessingResult summarizes one ingestion run.
type ProcessingResult struct {
	Success         bool   `json:"success"`
	BookID          string `json:"bookId"`
	ChunksProcessed int    `json:"chunksProcessed"`
	ChunksFailed    int    `json:"chunksFailed"`
	Error           string `json:"error,omitempty"`
}

// Answer is the response to a student question.
type Answer struct {
	Answer     string   `json:"answer"`
	Sources    []Source `json:"sources"`
	SessionID  string   `json:"sessionId"`
	Confidence float64  `json:"confidence"`
	FollowUps  []string `json:"followUps"`
}
