package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"booktutor/internal/backend"
	"booktutor/internal/config"
	"booktutor/internal/util"
	"booktutor/pkg/ai"
	"booktutor/pkg/domain"
	"booktutor/pkg/rag"
	"booktutor/pkg/store"
)

type rootOptions struct {
	configPath  string
	databaseURL string
	logLevel    string
	// provider replaces the configured provider in tests.
	provider ai.Provider
}

func newRootCmd(provider ai.Provider) *cobra.Command {
	opts := &rootOptions{provider: provider}
	root := &cobra.Command{
		Use:   "tutorctl",
		Short: "Textbook tutor command line tool",
		Long: `Ingest textbooks and ask questions against them.

Without --database-url (or DATABASE_URL) everything runs on an in-memory
store, so ingest and ask only share data within one "demo" invocation.

Environment variables:
  AI_PROVIDER     openai, groq, openai-compat, ollama or gemini (default: openai)
  OPENAI_API_KEY  API key for openai (GROQ_API_KEY, GEMINI_API_KEY likewise)
  AI_API_KEY      API key for any provider, wins over the ones above
  DATABASE_URL    Postgres DSN with pgvector (optional)
  CONFIG_PATH     YAML config file (optional)`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file (default: environment only)")
	root.PersistentFlags().StringVar(&opts.databaseURL, "database-url", "", "Postgres DSN; empty uses the in-memory store")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level")

	root.AddCommand(
		newIngestCmd(opts),
		newAskCmd(opts),
		newProvidersCmd(opts),
		newDemoCmd(opts),
	)
	return root
}

func (o *rootOptions) loadConfig() (config.FileConfig, error) {
	var (
		cfg config.FileConfig
		err error
	)
	path := o.configPath
	if path == "" {
		path = envConfigPath()
	}
	if path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		return cfg, err
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	return cfg, nil
}

func envConfigPath() string {
	if p := config.Path(); p != config.ConfigPath {
		return p
	}
	return ""
}

func (o *rootOptions) open(ctx context.Context, cfg config.FileConfig) (*backend.Backends, *slog.Logger, error) {
	logger := util.InitLogger(o.logLevel)
	b, err := backend.Open(ctx, cfg, logger, backend.Options{Provider: o.provider, NoQueue: true})
	if err != nil {
		return nil, nil, err
	}
	return b, logger, nil
}

func newIngestCmd(opts *rootOptions) *cobra.Command {
	var bookID, title, author string
	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Extract, chunk and embed a textbook file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			b, _, err := opts.open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer b.Close()
			id, err := runIngest(cmd.Context(), cmd.OutOrStdout(), b, args[0], bookID, title, author)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Book %s lives in memory only; use --database-url to keep it\n", id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&bookID, "book-id", "", "book id (default: new id)")
	cmd.Flags().StringVar(&title, "title", "", "book title (default: file name)")
	cmd.Flags().StringVar(&author, "author", "", "book author")
	return cmd
}

func newAskCmd(opts *rootOptions) *cobra.Command {
	var bookID, sessionID, userID string
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question about an ingested book",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			b, _, err := opts.open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer b.Close()
			return runAsk(cmd.Context(), cmd.OutOrStdout(), b, rag.AskRequest{
				Question:  strings.Join(args, " "),
				BookID:    bookID,
				SessionID: sessionID,
				UserID:    userID,
			})
		},
	}
	cmd.Flags().StringVar(&bookID, "book-id", "", "book id (required)")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "continue an existing session")
	cmd.Flags().StringVar(&userID, "user-id", "cli", "user id recorded on the session")
	_ = cmd.MarkFlagRequired("book-id")
	return cmd
}

func newProvidersCmd(opts *rootOptions) *cobra.Command {
	providers := &cobra.Command{
		Use:   "providers",
		Short: "Inspect the configured AI provider",
	}
	providers.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Verify the provider credentials with a cheap request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			provider := opts.provider
			if provider == nil {
				if provider, err = ai.NewProvider(cfg.AI()); err != nil {
					return err
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := provider.TestConnection(ctx); err != nil {
				return fmt.Errorf("provider %s: %w", provider.Name(), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Provider %s OK (embedding dimension %d)\n", provider.Name(), provider.Dimensions())
			return nil
		},
	})
	return providers
}

func newDemoCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "demo <file> <question>",
		Short: "Ingest a file into memory and ask one question about it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			cfg.DatabaseURL = ""
			cfg.VectorBackend = config.VectorPgvector
			b, _, err := opts.open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer b.Close()
			id, err := runIngest(cmd.Context(), cmd.OutOrStdout(), b, args[0], "", "", "")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return runAsk(cmd.Context(), cmd.OutOrStdout(), b, rag.AskRequest{Question: args[1], BookID: id, UserID: "demo"})
		},
	}
}

func runIngest(ctx context.Context, out io.Writer, b *backend.Backends, path, bookID, title, author string) (string, error) {
	if bookID == "" {
		bookID = util.NewID()
	}
	book, err := b.Store.GetBook(ctx, bookID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if title == "" {
			base := filepath.Base(path)
			title = strings.TrimSuffix(base, filepath.Ext(base))
		}
		now := time.Now().UTC()
		book = domain.Book{
			ID:               bookID,
			Title:            title,
			Author:           author,
			Status:           domain.StatusPending,
			CreatedBy:        "cli",
			OriginalFilename: filepath.Base(path),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := b.Store.SaveBook(ctx, book); err != nil {
			return "", err
		}
	case err != nil:
		return "", err
	}

	fmt.Fprintf(out, "Ingesting %s into book %s...\n", path, book.ID)
	res, err := b.Pipeline.ProcessFile(ctx, path, book.ID, domain.BookMetadata{Title: book.Title, Author: book.Author})
	if err != nil {
		return "", fmt.Errorf("ingest failed: %w", err)
	}
	fmt.Fprintf(out, "  Chunks stored: %d\n", res.ChunksProcessed)
	if res.ChunksFailed > 0 {
		fmt.Fprintf(out, "  Chunks skipped: %d\n", res.ChunksFailed)
	}
	return book.ID, nil
}

func runAsk(ctx context.Context, out io.Writer, b *backend.Backends, req rag.AskRequest) error {
	answer, err := b.RAG.Ask(ctx, req)
	if err != nil {
		var genErr *rag.GenerationError
		if errors.As(err, &genErr) {
			fmt.Fprintln(out, genErr.UserMessage())
		}
		return err
	}
	fmt.Fprintln(out, answer.Answer)
	fmt.Fprintf(out, "\nConfidence: %.2f  Session: %s\n", answer.Confidence, answer.SessionID)
	if len(answer.Sources) > 0 {
		fmt.Fprintln(out, "Sources:")
		for i, s := range answer.Sources {
			fmt.Fprintf(out, "  [%d] page %d (%.2f) %s\n", i+1, s.PageNumber, s.Similarity, s.Content)
		}
	}
	if len(answer.FollowUps) > 0 {
		fmt.Fprintln(out, "Follow-up questions:")
		for _, q := range answer.FollowUps {
			fmt.Fprintf(out, "  - %s\n", q)
		}
	}
	return nil
}
