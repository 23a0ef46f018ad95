package store

import (
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// GORM models used for persistence.
type BookModel struct {
	ID               string `gorm:"primaryKey"`
	Title            string `gorm:"not null"`
	Author           string
	Description      string `gorm:"type:text"`
	Category         string `gorm:"index"`
	Status           string `gorm:"not null;index"`
	ErrorMessage     string
	CreatedBy        string `gorm:"not null;index"`
	OriginalFilename string
	StorageKey       string
	SizeBytes        int64
	ChunkCount       int
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

type ChunkModel struct {
	ID         string           `gorm:"primaryKey"`
	BookID     string           `gorm:"not null;uniqueIndex:idx_chunk_book_index,priority:1"`
	ChunkIndex int              `gorm:"not null;uniqueIndex:idx_chunk_book_index,priority:2"`
	PageNumber int              `gorm:"not null"`
	Content    string           `gorm:"type:text;not null"`
	Metadata   datatypes.JSON   `gorm:"type:jsonb"`
	Embedding  *pgvector.Vector `gorm:"type:vector(3072)"`
	CreatedAt  time.Time        `gorm:"not null"`
}

// scoredChunkRow is the projection returned by MatchEmbeddings.
type scoredChunkRow struct {
	ChunkModel
	Similarity float64
}

type ChatSessionModel struct {
	ID        string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;index"`
	BookID    string    `gorm:"not null;index"`
	Title     string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null;index"`
}

type ChatMessageModel struct {
	ID        string         `gorm:"primaryKey"`
	SessionID string         `gorm:"not null;index:idx_message_session_created,priority:1"`
	Role      string         `gorm:"not null"`
	Content   string         `gorm:"type:text;not null"`
	Metadata  datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"not null;index:idx_message_session_created,priority:2"`
}
