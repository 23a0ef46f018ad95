package rag

import (
	"errors"
	"fmt"
)

// FallbackMessage is the only text shown to students when answering fails.
const FallbackMessage = "ไม่สามารถประมวลผลคำถามได้ในขณะนี้"

var (
	ErrEmptyQuestion    = errors.New("question required")
	ErrBookNotReady     = errors.New("book is not ready for questions")
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionForbidden = errors.New("session belongs to another user or book")
)

// GenerationError wraps a retrieval or provider failure during Ask.
// Cause is for logs; callers show FallbackMessage instead.
type GenerationError struct {
	Stage string
	Cause error
}

func (e *GenerationError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("generate answer: %v", e.Cause)
	}
	return fmt.Sprintf("generate answer: %s: %v", e.Stage, e.Cause)
}

func (e *GenerationError) Unwrap() error { return e.Cause }

// UserMessage is safe to return to clients.
func (e *GenerationError) UserMessage() string { return FallbackMessage }
