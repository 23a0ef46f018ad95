package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const defaultOllamaBaseURL = "http://127.0.0.1:11434"

// OllamaProvider calls the Ollama HTTP API for both embeddings and chat.
type OllamaProvider struct {
	baseURL        string
	httpClient     *http.Client
	chatModel      string
	embeddingModel string
	dimensions     int
	retry          retrier
}

// NewOllamaProvider constructs a provider. Ollama needs no credential but
// both models and the embedding dimension must be configured.
func NewOllamaProvider(cfg Config) (*OllamaProvider, error) {
	cfg = cfg.withDefaults()
	if cfg.EmbeddingModel == "" {
		return nil, &ConfigurationError{Provider: ProviderOllama, Field: "embeddingModel"}
	}
	if cfg.ChatModel == "" {
		return nil, &ConfigurationError{Provider: ProviderOllama, Field: "chatModel"}
	}
	if cfg.EmbeddingDim <= 0 {
		return nil, &ConfigurationError{Provider: ProviderOllama, Field: "embeddingDim"}
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	return &OllamaProvider{
		baseURL:        baseURL,
		httpClient:     cfg.HTTPClient,
		chatModel:      cfg.ChatModel,
		embeddingModel: cfg.EmbeddingModel,
		dimensions:     cfg.EmbeddingDim,
		retry:          cfg.retrier(),
	}, nil
}

func (p *OllamaProvider) Name() string    { return ProviderOllama }
func (p *OllamaProvider) Dimensions() int { return p.dimensions }

// Embed generates an embedding, falling back to the legacy endpoint on old servers.
func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := requireNonEmpty(ProviderOllama, []string{text}); err != nil {
		return nil, err
	}
	var resp ollamaEmbedResponse
	err := p.retry.do(ctx, func() error {
		return p.doJSON(ctx, http.MethodPost, "/api/embed", ollamaEmbedRequest{
			Model:      p.embeddingModel,
			Input:      text,
			Dimensions: p.dimensions,
		}, &resp)
	})
	if err != nil {
		var perr *ProviderError
		if errors.As(err, &perr) && (perr.StatusCode == http.StatusNotFound || perr.StatusCode == http.StatusMethodNotAllowed) {
			return p.embedLegacy(ctx, text)
		}
		return nil, err
	}
	if len(resp.Embeddings) > 0 && len(resp.Embeddings[0]) > 0 {
		return resp.Embeddings[0], nil
	}
	if len(resp.Embedding) > 0 {
		return resp.Embedding, nil
	}
	return nil, &EmptyResponseError{Provider: ProviderOllama, Op: "embed"}
}

// EmbedBatch embeds all texts in one /api/embed call.
func (p *OllamaProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := requireNonEmpty(ProviderOllama, texts); err != nil {
		return nil, err
	}
	if len(texts) == 1 {
		vec, err := p.Embed(ctx, texts[0])
		if err != nil {
			return nil, err
		}
		return [][]float32{vec}, nil
	}
	var resp ollamaEmbedResponse
	err := p.retry.do(ctx, func() error {
		return p.doJSON(ctx, http.MethodPost, "/api/embed", ollamaEmbedRequest{
			Model:      p.embeddingModel,
			Input:      texts,
			Dimensions: p.dimensions,
		}, &resp)
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, &EmptyResponseError{Provider: ProviderOllama, Op: "embed"}
	}
	return resp.Embeddings, nil
}

func (p *OllamaProvider) embedLegacy(ctx context.Context, text string) ([]float32, error) {
	var resp ollamaLegacyEmbedResponse
	err := p.retry.do(ctx, func() error {
		return p.doJSON(ctx, http.MethodPost, "/api/embeddings", ollamaLegacyEmbedRequest{
			Model:  p.embeddingModel,
			Prompt: text,
		}, &resp)
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, &EmptyResponseError{Provider: ProviderOllama, Op: "embed"}
	}
	return resp.Embedding, nil
}

// Generate uses /api/chat without streaming.
func (p *OllamaProvider) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	messages := make([]ollamaChatMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, ollamaChatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, ollamaChatMessage{Role: m.Role, Content: m.Content})
	}
	body := ollamaChatRequest{
		Model:    p.chatModel,
		Messages: messages,
		Stream:   false,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	}
	var resp ollamaChatResponse
	if err := p.retry.do(ctx, func() error {
		return p.doJSON(ctx, http.MethodPost, "/api/chat", body, &resp)
	}); err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Message.Content)
	if text == "" {
		return "", &EmptyResponseError{Provider: ProviderOllama, Op: "generate"}
	}
	return text, nil
}

// TestConnection checks that the server answers /api/tags.
func (p *OllamaProvider) TestConnection(ctx context.Context) error {
	return p.doJSON(ctx, http.MethodGet, "/api/tags", nil, nil)
}

func (p *OllamaProvider) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &ProviderError{Provider: ProviderOllama, Op: path, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp ollamaErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return &ProviderError{Provider: ProviderOllama, Op: path, StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ollama decode %s: %w", path, err)
	}
	return nil
}

type ollamaEmbedRequest struct {
	Model      string `json:"model"`
	Input      any    `json:"input"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Embedding  []float32   `json:"embedding"`
}

type ollamaLegacyEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaLegacyEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  ollamaOptions       `json:"options"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
}

type ollamaErrorResponse struct {
	Error string `json:"error"`
}
