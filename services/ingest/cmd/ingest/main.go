package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"booktutor/internal/backend"
	"booktutor/internal/config"
	"booktutor/internal/usertoken"
	"booktutor/internal/util"
	"booktutor/services/ingest/internal/app"
	"booktutor/services/ingest/internal/server"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.RedisAddr == "" {
		log.Fatalf("ingest worker requires redisAddr (set in config.yaml or REDIS_ADDR)")
	}
	if err := cfg.ValidateAuth(); err != nil {
		log.Fatalf("invalid auth config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backends, err := backend.Open(ctx, cfg, logger, backend.Options{})
	if err != nil {
		log.Fatalf("failed to open backends: %v", err)
	}
	defer backends.Close()

	appCore, err := app.New(app.Config{
		Books:       backends.Store,
		Queue:       backends.RedisQueue,
		Handler:     backends.Jobs.Handle,
		Concurrency: cfg.QueueConcurrency,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	appCore.Run(ctx)

	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		Secret:     cfg.JWTSecret,
		JWKSURL:    cfg.JWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}
	httpServer, err := server.New(server.Config{
		App:           appCore,
		TokenVerifier: tokenVerifier,
		Ping:          backends.Ping,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("ingest server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
