package queue

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"booktutor/internal/util"
)

// LocalQueue runs jobs in-process. It backs single-node deployments without
// Redis and mirrors RedisJobQueue's retry and status semantics; job status
// lives only as long as the process.
type LocalQueue struct {
	mu         sync.Mutex
	jobs       map[string]Job
	handler    Handler
	maxRetries int
	retryDelay time.Duration
	sem        chan struct{}
	ctx        context.Context
	wg         sync.WaitGroup
	logger     *slog.Logger
}

type LocalQueueConfig struct {
	Concurrency int
	MaxRetries  int
	RetryDelay  time.Duration
	Logger      *slog.Logger
}

// NewLocalQueue runs handler for each enqueued job until ctx is done.
func NewLocalQueue(ctx context.Context, handler Handler, cfg LocalQueueConfig) *LocalQueue {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalQueue{
		jobs:       make(map[string]Job),
		handler:    handler,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		sem:        make(chan struct{}, cfg.Concurrency),
		ctx:        ctx,
		logger:     logger.With("component", "queue", "stream", "local"),
	}
}

func (q *LocalQueue) Enqueue(ctx context.Context, req Request) (Job, error) {
	req.BookID = strings.TrimSpace(req.BookID)
	if req.BookID == "" {
		return Job{}, errors.New("bookId required")
	}
	if strings.TrimSpace(req.StorageKey) == "" {
		return Job{}, errors.New("storageKey required")
	}
	now := time.Now().UTC()
	job := Job{
		ID:         util.NewID(),
		BookID:     req.BookID,
		StorageKey: req.StorageKey,
		Filename:   req.Filename,
		Status:     StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	q.mu.Lock()
	q.jobs[job.ID] = job
	q.mu.Unlock()

	q.wg.Add(1)
	go q.process(job.ID)
	return job, nil
}

func (q *LocalQueue) GetJob(ctx context.Context, jobID string) (Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[strings.TrimSpace(jobID)]
	return job, ok, nil
}

// Wait blocks until every enqueued job has finished.
func (q *LocalQueue) Wait() { q.wg.Wait() }

func (q *LocalQueue) process(id string) {
	defer q.wg.Done()
	select {
	case q.sem <- struct{}{}:
	case <-q.ctx.Done():
		q.update(id, func(j *Job) { j.Status, j.ErrorMessage = StatusFailed, q.ctx.Err().Error() })
		return
	}
	defer func() { <-q.sem }()

	for {
		job := q.update(id, func(j *Job) {
			j.Attempts++
			j.Status = StatusProcessing
		})
		err := q.handler(q.ctx, job)
		if err == nil {
			q.update(id, func(j *Job) { j.Status, j.ErrorMessage = StatusDone, "" })
			return
		}
		if isPermanent(err) || job.Attempts >= q.maxRetries || q.ctx.Err() != nil {
			q.logger.Warn("queue_job_failed", "job_id", id, "book_id", job.BookID, "attempts", job.Attempts, "err", err)
			q.update(id, func(j *Job) { j.Status, j.ErrorMessage = StatusFailed, err.Error() })
			return
		}
		q.logger.Info("queue_job_retry", "job_id", id, "book_id", job.BookID, "attempts", job.Attempts, "err", err)
		q.update(id, func(j *Job) { j.Status, j.ErrorMessage = StatusQueued, err.Error() })
		if !sleepCtx(q.ctx, q.retryDelay) {
			q.update(id, func(j *Job) { j.Status = StatusFailed })
			return
		}
	}
}

func (q *LocalQueue) update(id string, fn func(*Job)) Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	job := q.jobs[id]
	fn(&job)
	job.UpdatedAt = time.Now().UTC()
	q.jobs[id] = job
	return job
}
