// Package backend opens the storage, model and queue dependencies described
// by a config.FileConfig.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"booktutor/internal/config"
	"booktutor/internal/ratelimit"
	"booktutor/pkg/ai"
	"booktutor/pkg/ingest"
	"booktutor/pkg/lock"
	"booktutor/pkg/queue"
	"booktutor/pkg/rag"
	"booktutor/pkg/storage"
	"booktutor/pkg/store"
)

// JobQueue is implemented by queue.RedisJobQueue and queue.LocalQueue.
type JobQueue interface {
	Enqueue(ctx context.Context, req queue.Request) (queue.Job, error)
	GetJob(ctx context.Context, jobID string) (queue.Job, bool, error)
}

// Backends holds every opened dependency. Close releases them.
type Backends struct {
	Store    store.Store
	Provider ai.Provider
	Objects  storage.ObjectStore
	Locker   lock.Locker
	Pipeline *ingest.Pipeline
	RAG      *rag.Service

	// Redis is nil when no redisAddr is configured.
	Redis *redis.Client
	// RedisQueue is nil without Redis; Queue then runs jobs in-process.
	RedisQueue *queue.RedisJobQueue
	Queue      JobQueue
	Jobs       *ingest.JobHandler

	pingers []func(context.Context) error
	closers []func() error
}

// Options adjust Open for tests and for the CLI.
type Options struct {
	// Provider replaces the configured AI provider.
	Provider ai.Provider
	// NoQueue skips queue setup entirely.
	NoQueue bool
}

// Open connects everything. On error whatever was opened is closed again.
func Open(ctx context.Context, cfg config.FileConfig, logger *slog.Logger, opts Options) (*Backends, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backends{}
	ok := false
	defer func() {
		if !ok {
			_ = b.Close()
		}
	}()

	provider := opts.Provider
	if provider == nil {
		p, err := ai.NewProvider(cfg.AI())
		if err != nil {
			return nil, err
		}
		provider = p
	}
	b.Provider = provider
	dim := cfg.EmbeddingDim
	if dim <= 0 {
		dim = provider.Dimensions()
	}

	st, err := b.openStore(ctx, cfg, dim)
	if err != nil {
		return nil, err
	}
	b.Store = st

	objects, err := openObjects(cfg)
	if err != nil {
		return nil, err
	}
	b.Objects = objects

	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RedisPassword})
		b.Redis = client
		b.closers = append(b.closers, client.Close)
		b.pingers = append(b.pingers, func(ctx context.Context) error { return client.Ping(ctx).Err() })
		b.Locker = lock.NewRedisLockerWithClient(client)
	} else {
		b.Locker = lock.NewMemoryLocker()
	}

	b.Pipeline = ingest.New(b.Store, b.Store, provider, b.Locker, cfg.Ingest(), logger)
	b.RAG = rag.NewService(b.Store, provider, b.Pipeline, cfg.RAG(), logger)
	b.Jobs = ingest.NewJobHandler(b.Store, b.Objects, b.Pipeline, logger)

	if !opts.NoQueue {
		if err := b.openQueue(ctx, cfg, logger); err != nil {
			return nil, err
		}
	}

	logger.Info("backends_ready",
		"provider", provider.Name(),
		"embedding_dim", dim,
		"database", cfg.DatabaseURL != "",
		"vector_backend", cfg.VectorBackend,
		"redis", b.Redis != nil,
		"minio", cfg.MinioEndpoint != "",
	)
	ok = true
	return b, nil
}

func (b *Backends) openStore(ctx context.Context, cfg config.FileConfig, dim int) (store.Store, error) {
	var base store.Store
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		base = store.NewMemoryStore(dim)
	} else {
		gs, err := store.NewGormStore(cfg.DatabaseURL, store.WithEmbeddingDim(dim))
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		b.closers = append(b.closers, gs.Close)
		b.pingers = append(b.pingers, gs.Ping)
		base = gs
	}
	if cfg.VectorBackend != config.VectorQdrant {
		return base, nil
	}
	qs, err := store.NewQdrantChunkStore(ctx, store.QdrantConfig{
		Host:       cfg.QdrantHost,
		Port:       cfg.QdrantPort,
		APIKey:     cfg.QdrantAPIKey,
		UseTLS:     cfg.QdrantUseTLS,
		Collection: cfg.QdrantCollection,
		Dim:        dim,
	})
	if err != nil {
		return nil, fmt.Errorf("open qdrant: %w", err)
	}
	b.closers = append(b.closers, qs.Close)
	b.pingers = append(b.pingers, qs.Health)
	return store.Split{BookStore: base, SessionStore: base, ChunkStore: qs}, nil
}

func openObjects(cfg config.FileConfig) (storage.ObjectStore, error) {
	if strings.TrimSpace(cfg.MinioEndpoint) == "" {
		return storage.NewFileStore(cfg.StorageDir)
	}
	return storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
}

func (b *Backends) openQueue(ctx context.Context, cfg config.FileConfig, logger *slog.Logger) error {
	retryDelay := time.Duration(cfg.QueueRetryDelaySeconds) * time.Second
	if b.Redis == nil {
		b.Queue = queue.NewLocalQueue(ctx, b.Jobs.Handle, queue.LocalQueueConfig{
			Concurrency: cfg.QueueConcurrency,
			MaxRetries:  cfg.QueueMaxRetries,
			RetryDelay:  retryDelay,
			Logger:      logger,
		})
		return nil
	}
	q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		Stream:     cfg.QueueName,
		Group:      cfg.QueueGroup,
		MaxRetries: cfg.QueueMaxRetries,
		RetryDelay: retryDelay,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	b.closers = append(b.closers, q.Close)
	b.RedisQueue = q
	b.Queue = q
	return nil
}

// AskLimiter returns a per-user limiter for questions, or nil when disabled.
func (b *Backends) AskLimiter(cfg config.FileConfig) (*ratelimit.FixedWindowLimiter, error) {
	if cfg.AskRateLimit <= 0 {
		return nil, nil
	}
	if b.Redis == nil {
		return nil, errors.New("ask rate limit requires redis")
	}
	return ratelimit.NewFixedWindowLimiter(b.Redis, "booktutor:ratelimit:ask", cfg.AskRateLimit,
		time.Duration(cfg.AskRateLimitWindowSecs)*time.Second)
}

// Ping checks every networked dependency.
func (b *Backends) Ping(ctx context.Context) error {
	for _, ping := range b.pingers {
		if err := ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close releases dependencies in reverse order of opening.
func (b *Backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
