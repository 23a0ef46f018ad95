package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	defaultGeminiBaseURL        = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiChatModel      = "gemini-1.5-flash"
	defaultGeminiEmbeddingModel = "text-embedding-004"
	defaultGeminiEmbeddingDim   = 768
)

// GeminiProvider calls the Google AI Studio (Gemini) API.
type GeminiProvider struct {
	apiKey         string
	baseURL        string
	httpClient     *http.Client
	chatModel      string
	embeddingModel string
	dimensions     int
	retry          retrier
}

// NewGeminiProvider constructs a provider with the configured API key.
func NewGeminiProvider(cfg Config) (*GeminiProvider, error) {
	cfg = cfg.withDefaults()
	if cfg.APIKey == "" {
		return nil, &ConfigurationError{Provider: ProviderGemini, Field: "apiKey"}
	}
	p := &GeminiProvider{
		apiKey:         cfg.APIKey,
		baseURL:        cfg.BaseURL,
		httpClient:     cfg.HTTPClient,
		chatModel:      normalizeModel(cfg.ChatModel),
		embeddingModel: normalizeModel(cfg.EmbeddingModel),
		dimensions:     cfg.EmbeddingDim,
		retry:          cfg.retrier(),
	}
	if p.baseURL == "" {
		p.baseURL = defaultGeminiBaseURL
	}
	if p.chatModel == "" {
		p.chatModel = defaultGeminiChatModel
	}
	if p.embeddingModel == "" {
		p.embeddingModel = defaultGeminiEmbeddingModel
	}
	if p.dimensions <= 0 {
		p.dimensions = defaultGeminiEmbeddingDim
	}
	return p, nil
}

func (p *GeminiProvider) Name() string    { return ProviderGemini }
func (p *GeminiProvider) Dimensions() int { return p.dimensions }

// Embed generates an embedding for the input text.
func (p *GeminiProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := requireNonEmpty(ProviderGemini, []string{text}); err != nil {
		return nil, err
	}
	reqBody := embedRequest{
		Content:              content{Parts: []part{{Text: text}}},
		TaskType:             "RETRIEVAL_DOCUMENT",
		OutputDimensionality: p.dimensions,
	}
	var resp embedResponse
	if err := p.retry.do(ctx, func() error {
		return p.doJSON(ctx, http.MethodPost, p.modelURL(p.embeddingModel, "embedContent"), reqBody, &resp)
	}); err != nil {
		return nil, err
	}
	if len(resp.Embedding.Values) == 0 {
		return nil, &EmptyResponseError{Provider: ProviderGemini, Op: "embed"}
	}
	return resp.Embedding.Values, nil
}

// EmbedBatch embeds texts one by one; results keep input order.
func (p *GeminiProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := requireNonEmpty(ProviderGemini, texts); err != nil {
		return nil, err
	}
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := p.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

// Generate returns the first candidate's text.
func (p *GeminiProvider) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	reqBody := generateRequest{
		GenerationConfig: &generationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		},
	}
	for _, m := range req.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		reqBody.Contents = append(reqBody.Contents, content{Role: role, Parts: []part{{Text: m.Content}}})
	}
	if strings.TrimSpace(req.System) != "" {
		reqBody.SystemInstruction = &content{Parts: []part{{Text: req.System}}}
	}
	var resp generateResponse
	if err := p.retry.do(ctx, func() error {
		return p.doJSON(ctx, http.MethodPost, p.modelURL(p.chatModel, "generateContent"), reqBody, &resp)
	}); err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", &EmptyResponseError{Provider: ProviderGemini, Op: "generate"}
	}
	text := strings.TrimSpace(resp.Candidates[0].Content.Parts[0].Text)
	if text == "" {
		return "", &EmptyResponseError{Provider: ProviderGemini, Op: "generate"}
	}
	return text, nil
}

// TestConnection fetches the configured chat model's metadata.
func (p *GeminiProvider) TestConnection(ctx context.Context) error {
	u := fmt.Sprintf("%s/models/%s?key=%s", p.baseURL, p.chatModel, url.QueryEscape(p.apiKey))
	return p.doJSON(ctx, http.MethodGet, u, nil, nil)
}

func (p *GeminiProvider) modelURL(model, method string) string {
	return fmt.Sprintf("%s/models/%s:%s?key=%s", p.baseURL, model, method, url.QueryEscape(p.apiKey))
}

func normalizeModel(model string) string {
	model = strings.TrimSpace(model)
	model = strings.TrimPrefix(model, "models/")
	return model
}

func (p *GeminiProvider) doJSON(ctx context.Context, method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		// the url carries the key, keep it out of the message
		return &ProviderError{Provider: ProviderGemini, Op: method, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error.Message
		if msg == "" {
			msg = resp.Status
		}
		return &ProviderError{Provider: ProviderGemini, Op: method, StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type embedRequest struct {
	Content              content `json:"content"`
	TaskType             string  `json:"taskType,omitempty"`
	OutputDimensionality int     `json:"outputDimensionality,omitempty"`
}

type embedResponse struct {
	Embedding struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}
