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
	"booktutor/services/tutor/internal/app"
	"booktutor/services/tutor/internal/server"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
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

	appCore, err := app.New(app.Config{
		Store:   backends.Store,
		Objects: backends.Objects,
		Queue:   backends.Queue,
		RAG:     backends.RAG,
		Logger:  logger,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("invalid trustedProxies: %v", err)
	}
	serverCfg := server.Config{
		App:            appCore,
		TokenVerifier:  tokenVerifier,
		MaxUploadBytes: int64(cfg.MaxUploadMB) * 1024 * 1024,
		TrustedProxies: trustedProxies,
		Ping:           backends.Ping,
	}
	limiter, err := backends.AskLimiter(cfg)
	if err != nil {
		log.Fatalf("failed to init ask rate limit: %v", err)
	}
	if limiter != nil {
		serverCfg.AskLimiter = limiter
	}
	httpServer, err := server.New(serverCfg)
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("tutor server listening", "addr", addr, "in_process_queue", backends.RedisQueue == nil)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
