package ai

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	openAIBaseURL = "https://api.openai.com/v1"
	groqBaseURL   = "https://api.groq.com/openai/v1"

	defaultOpenAIChatModel = "gpt-3.5-turbo"
	defaultGroqChatModel   = "llama3-8b-8192"
	defaultEmbeddingModel  = "text-embedding-3-large"
)

var knownEmbeddingDims = map[string]int{
	"text-embedding-3-large": 3072,
	"text-embedding-3-small": 1536,
	"text-embedding-ada-002": 1536,
}

// OpenAIProvider talks to any API that speaks the OpenAI wire format:
// OpenAI itself, Groq, and self-hosted compatible servers.
type OpenAIProvider struct {
	name           string
	client         openai.Client
	chatModel      string
	embeddingModel string
	dimensions     int
	retry          retrier
}

// NewOpenAIProvider builds a provider for openai, groq or openai-compat.
func NewOpenAIProvider(cfg Config) (*OpenAIProvider, error) {
	cfg = cfg.withDefaults()
	baseURL := cfg.BaseURL
	chatModel := cfg.ChatModel
	switch cfg.Provider {
	case ProviderGroq:
		if baseURL == "" {
			baseURL = groqBaseURL
		}
		if chatModel == "" {
			chatModel = defaultGroqChatModel
		}
	case ProviderOpenAICompat:
		if baseURL == "" {
			return nil, &ConfigurationError{Provider: cfg.Provider, Field: "baseURL"}
		}
		if chatModel == "" {
			return nil, &ConfigurationError{Provider: cfg.Provider, Field: "chatModel"}
		}
	default:
		if baseURL == "" {
			baseURL = openAIBaseURL
		}
		if chatModel == "" {
			chatModel = defaultOpenAIChatModel
		}
	}
	// Local compatible servers often run without auth.
	if cfg.APIKey == "" && cfg.Provider != ProviderOpenAICompat {
		return nil, &ConfigurationError{Provider: cfg.Provider, Field: "apiKey"}
	}
	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = defaultEmbeddingModel
	}
	dims := cfg.EmbeddingDim
	if dims <= 0 {
		dims = knownEmbeddingDims[embeddingModel]
	}

	opts := []option.RequestOption{
		option.WithBaseURL(baseURL + "/"),
		option.WithHTTPClient(cfg.HTTPClient),
		// retries are driven by our own backoff policy
		option.WithMaxRetries(0),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	} else {
		opts = append(opts, option.WithAPIKey("none"))
	}
	return &OpenAIProvider{
		name:           cfg.Provider,
		client:         openai.NewClient(opts...),
		chatModel:      chatModel,
		embeddingModel: embeddingModel,
		dimensions:     dims,
		retry:          cfg.retrier(),
	}, nil
}

func (p *OpenAIProvider) Name() string    { return p.name }
func (p *OpenAIProvider) Dimensions() int { return p.dimensions }

// Embed returns the embedding for a single text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch embeds texts in one request and returns vectors in input order.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := requireNonEmpty(p.name, texts); err != nil {
		return nil, err
	}
	var resp *openai.CreateEmbeddingResponse
	err := p.retry.do(ctx, func() error {
		r, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
			Model: openai.EmbeddingModel(p.embeddingModel),
		})
		if err != nil {
			return p.wrapError("embed", err)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if resp == nil || len(resp.Data) != len(texts) {
		return nil, &EmptyResponseError{Provider: p.name, Op: "embed"}
	}
	data := resp.Data
	sort.SliceStable(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	out := make([][]float32, len(data))
	for i, d := range data {
		if len(d.Embedding) == 0 {
			return nil, &EmptyResponseError{Provider: p.name, Op: "embed"}
		}
		out[i] = toFloat32(d.Embedding)
	}
	return out, nil
}

// Generate runs a chat completion and returns the trimmed assistant text.
func (p *OpenAIProvider) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(p.chatModel),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	var text string
	err := p.retry.do(ctx, func() error {
		resp, err := p.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return p.wrapError("generate", err)
		}
		if len(resp.Choices) == 0 {
			return &EmptyResponseError{Provider: p.name, Op: "generate"}
		}
		text = strings.TrimSpace(resp.Choices[0].Message.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", &EmptyResponseError{Provider: p.name, Op: "generate"}
	}
	return text, nil
}

// TestConnection lists models, which needs a valid credential but no quota.
func (p *OpenAIProvider) TestConnection(ctx context.Context) error {
	if _, err := p.client.Models.List(ctx); err != nil {
		return p.wrapError("list models", err)
	}
	return nil
}

func (p *OpenAIProvider) wrapError(op string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := strings.TrimSpace(apiErr.Message)
		if msg == "" {
			msg = apiErr.Error()
		}
		return &ProviderError{Provider: p.name, Op: op, StatusCode: apiErr.StatusCode, Message: msg, Err: err}
	}
	return &ProviderError{Provider: p.name, Op: op, Message: err.Error(), Err: err}
}

func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
