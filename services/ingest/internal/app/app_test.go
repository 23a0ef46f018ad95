package app

import (
	"context"
	"errors"
	"testing"

	"booktutor/pkg/domain"
	"booktutor/pkg/queue"
	"booktutor/pkg/store"
)

type recordingQueue struct {
	requests    []queue.Request
	started     int
	concurrency int
}

func (q *recordingQueue) Enqueue(_ context.Context, req queue.Request) (queue.Job, error) {
	q.requests = append(q.requests, req)
	return queue.Job{ID: "job-1", BookID: req.BookID, Status: queue.StatusQueued}, nil
}

func (q *recordingQueue) GetJob(_ context.Context, id string) (queue.Job, bool, error) {
	if id != "job-1" {
		return queue.Job{}, false, nil
	}
	return queue.Job{ID: id, Status: queue.StatusDone}, true, nil
}

func (q *recordingQueue) Start(_ context.Context, concurrency int, handler queue.Handler) {
	q.started++
	q.concurrency = concurrency
	_ = handler(context.Background(), queue.Job{ID: "job-1"})
}

func TestRunStartsConsumers(t *testing.T) {
	q := &recordingQueue{}
	handled := 0
	a, err := New(Config{
		Books:       store.NewMemoryStore(0),
		Queue:       q,
		Handler:     func(context.Context, queue.Job) error { handled++; return nil },
		Concurrency: 3,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	a.Run(context.Background())
	if q.started != 1 || q.concurrency != 3 || handled != 1 {
		t.Fatalf("started=%d concurrency=%d handled=%d", q.started, q.concurrency, handled)
	}
}

func TestEnqueueUsesStoredFile(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(0)
	_ = st.SaveBook(ctx, domain.Book{ID: "b1", StorageKey: "books/b1/a.pdf", OriginalFilename: "a.pdf", Status: domain.StatusFailed})
	_ = st.SaveBook(ctx, domain.Book{ID: "b2", Status: domain.StatusProcessing})
	q := &recordingQueue{}
	a, err := New(Config{Books: st, Queue: q, Handler: func(context.Context, queue.Job) error { return nil }})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	job, err := a.Enqueue(ctx, "b1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.ID != "job-1" || len(q.requests) != 1 {
		t.Fatalf("job = %+v, requests = %d", job, len(q.requests))
	}
	if got := q.requests[0]; got.StorageKey != "books/b1/a.pdf" || got.Filename != "a.pdf" {
		t.Fatalf("request = %+v", got)
	}

	if _, err := a.Enqueue(ctx, "missing"); !errors.Is(err, ErrBookNotFound) {
		t.Fatalf("missing err = %v", err)
	}
	if _, err := a.Enqueue(ctx, "b2"); !errors.Is(err, ErrBookBusy) {
		t.Fatalf("busy err = %v", err)
	}
	if _, err := a.Enqueue(ctx, " "); !errors.Is(err, ErrBookRequired) {
		t.Fatalf("blank err = %v", err)
	}
}
