package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOpenAITestProvider(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p, err := NewOpenAIProvider(Config{
		Provider:       ProviderOpenAI,
		APIKey:         "sk-test",
		BaseURL:        srv.URL + "/v1",
		EmbeddingModel: "text-embedding-3-small",
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
	})
	require.NoError(t, err)
	return p
}

func writeEmbeddings(w http.ResponseWriter, vectors ...[]float64) {
	data := make([]map[string]any, 0, len(vectors))
	// reversed on purpose, the provider must restore input order by index
	for i := len(vectors) - 1; i >= 0; i-- {
		data = append(data, map[string]any{"object": "embedding", "index": i, "embedding": vectors[i]})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   data,
		"model":  "text-embedding-3-small",
		"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
	})
}

func TestOpenAIEmbedBatchKeepsInputOrder(t *testing.T) {
	p := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var body struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "text-embedding-3-small", body.Model)
		assert.Equal(t, []string{"a", "b"}, body.Input)
		writeEmbeddings(w, []float64{1, 0}, []float64{0, 1})
	})

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{1, 0}, vecs[0])
	assert.Equal(t, []float32{0, 1}, vecs[1])
	assert.Equal(t, 1536, p.Dimensions())
}

func TestOpenAIUnauthorizedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	p := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`))
	})

	_, err := p.Embed(context.Background(), "hello")
	require.Error(t, err)
	var perr *ProviderError
	require.True(t, errors.As(err, &perr), "want ProviderError, got %T", err)
	assert.Equal(t, http.StatusUnauthorized, perr.StatusCode)
	assert.False(t, perr.Retryable())
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAIRateLimitIsRetried(t *testing.T) {
	var calls atomic.Int32
	p := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
			return
		}
		writeEmbeddings(w, []float64{0.5, 0.5})
	})

	vec, err := p.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5}, vec)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOpenAIEmptyEmbeddingResponse(t *testing.T) {
	p := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[],"model":"m"}`))
	})

	_, err := p.Embed(context.Background(), "hello")
	var empty *EmptyResponseError
	require.True(t, errors.As(err, &empty), "want EmptyResponseError, got %v", err)
}

func TestOpenAIGenerateSendsSamplingParams(t *testing.T) {
	p := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		var body struct {
			Model       string  `json:"model"`
			Temperature float64 `json:"temperature"`
			MaxTokens   int     `json:"max_tokens"`
			Messages    []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-3.5-turbo", body.Model)
		assert.InDelta(t, 0.3, body.Temperature, 1e-9)
		assert.Equal(t, 800, body.MaxTokens)
		assert.Len(t, body.Messages, 2)
		assert.Equal(t, "system", body.Messages[0].Role)
		assert.Equal(t, "user", body.Messages[1].Role)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"gpt-3.5-turbo",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"  คำตอบ  "}}]}`))
	})

	text, err := p.Generate(context.Background(), GenerateRequest{
		System:      "ระบบ",
		Messages:    []Message{{Role: "user", Content: "คำถาม"}},
		Temperature: 0.3,
		MaxTokens:   800,
	})
	require.NoError(t, err)
	assert.Equal(t, "คำตอบ", text)
}

func TestOpenAITestConnection(t *testing.T) {
	p := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"gpt-3.5-turbo","object":"model","created":1,"owned_by":"openai"}]}`))
	})
	require.NoError(t, p.TestConnection(context.Background()))
}
