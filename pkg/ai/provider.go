package ai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	ProviderOpenAI       = "openai"
	ProviderGroq         = "groq"
	ProviderOpenAICompat = "openai-compat"
	ProviderOllama       = "ollama"
	ProviderGemini       = "gemini"
)

const (
	defaultTimeout        = 60 * time.Second
	defaultMaxRetries     = 2
	defaultRetryBaseDelay = 500 * time.Millisecond
)

// Provider is the single abstraction over embedding and chat model backends.
// Implementations are safe for concurrent use.
type Provider interface {
	Name() string
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Generate(ctx context.Context, req GenerateRequest) (string, error)
	TestConnection(ctx context.Context) error
	// Dimensions is the vector size produced by Embed, or 0 when unknown.
	Dimensions() int
}

// Message is one turn of a chat prompt.
type Message struct {
	Role    string
	Content string
}

// GenerateRequest describes a chat completion call.
type GenerateRequest struct {
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Config selects and configures one Provider.
type Config struct {
	Provider       string
	APIKey         string
	BaseURL        string
	ChatModel      string
	EmbeddingModel string
	EmbeddingDim   int
	MaxRetries     int
	RetryBaseDelay time.Duration
	Timeout        time.Duration
	HTTPClient     *http.Client
}

// NewProvider returns the implementation named by cfg.Provider.
func NewProvider(cfg Config) (Provider, error) {
	cfg = cfg.withDefaults()
	switch cfg.Provider {
	case ProviderOpenAI, ProviderGroq, ProviderOpenAICompat:
		return NewOpenAIProvider(cfg)
	case ProviderOllama:
		return NewOllamaProvider(cfg)
	case ProviderGemini:
		return NewGeminiProvider(cfg)
	default:
		return nil, &ConfigurationError{Provider: cfg.Provider, Field: "provider", Reason: "is not supported"}
	}
}

func (cfg Config) withDefaults() Config {
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	if cfg.Provider == "" {
		cfg.Provider = ProviderOpenAI
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.ChatModel = strings.TrimSpace(cfg.ChatModel)
	cfg.EmbeddingModel = strings.TrimSpace(cfg.EmbeddingModel)
	// negative disables retries
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return cfg
}

func (cfg Config) retrier() retrier {
	return retrier{maxRetries: cfg.MaxRetries, baseDelay: cfg.RetryBaseDelay}
}

func requireNonEmpty(provider string, texts []string) error {
	if len(texts) == 0 {
		return fmt.Errorf("%s embed: no input", provider)
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("%s embed: input %d is empty", provider, i)
		}
	}
	return nil
}
