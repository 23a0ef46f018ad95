// Package config loads the YAML settings shared by the tutor API, the ingest
// worker and tutorctl.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"booktutor/pkg/ai"
	"booktutor/pkg/chunker"
	"booktutor/pkg/ingest"
	"booktutor/pkg/rag"
)

// ConfigPath is read when CONFIG_PATH is unset.
const ConfigPath = "config.yaml"

const (
	VectorPgvector = "pgvector"
	VectorQdrant   = "qdrant"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	Provider              string `yaml:"provider"`
	APIKey                string `yaml:"apiKey"`
	BaseURL               string `yaml:"baseURL"`
	ChatModel             string `yaml:"chatModel"`
	EmbeddingModel        string `yaml:"embeddingModel"`
	EmbeddingDim          int    `yaml:"embeddingDim"`
	ProviderMaxRetries    int    `yaml:"providerMaxRetries"`
	RequestTimeoutSeconds int    `yaml:"requestTimeoutSeconds"`

	ChunkSize        int `yaml:"chunkSize"`
	ChunkOverlap     int `yaml:"chunkOverlap"`
	WordsPerPage     int `yaml:"wordsPerPage"`
	EmbedBatchSize   int `yaml:"embedBatchSize"`
	EmbedConcurrency int `yaml:"embedConcurrency"`
	BatchDelayMillis int `yaml:"batchDelayMillis"`

	TopK                int      `yaml:"topK"`
	SimilarityThreshold *float64 `yaml:"similarityThreshold"`
	Temperature         *float64 `yaml:"temperature"`
	MaxTokens           int      `yaml:"maxTokens"`
	FollowUps           *bool    `yaml:"followUps"`
	AskTimeoutSeconds   int      `yaml:"askTimeoutSeconds"`

	DatabaseURL      string `yaml:"databaseURL"`
	VectorBackend    string `yaml:"vectorBackend"`
	QdrantHost       string `yaml:"qdrantHost"`
	QdrantPort       int    `yaml:"qdrantPort"`
	QdrantAPIKey     string `yaml:"qdrantApiKey"`
	QdrantUseTLS     bool   `yaml:"qdrantUseTLS"`
	QdrantCollection string `yaml:"qdrantCollection"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	StorageDir     string `yaml:"storageDir"`
	MaxUploadMB    int    `yaml:"maxUploadMB"`

	RedisAddr              string `yaml:"redisAddr"`
	RedisPassword          string `yaml:"redisPassword"`
	QueueName              string `yaml:"queueName"`
	QueueGroup             string `yaml:"queueGroup"`
	QueueConcurrency       int    `yaml:"queueConcurrency"`
	QueueMaxRetries        int    `yaml:"queueMaxRetries"`
	QueueRetryDelaySeconds int    `yaml:"queueRetryDelaySeconds"`

	JWTSecret              string `yaml:"jwtSecret"`
	JWKSURL                string `yaml:"jwksURL"`
	JWTIssuer              string `yaml:"jwtIssuer"`
	JWTAudience            string `yaml:"jwtAudience"`
	AskRateLimit           int    `yaml:"askRateLimit"`
	AskRateLimitWindowSecs int    `yaml:"askRateLimitWindowSeconds"`
	// TrustedProxies lists CIDRs whose X-Forwarded-For is believed.
	TrustedProxies []string `yaml:"trustedProxies"`
}

// Path returns CONFIG_PATH or the default.
func Path() string {
	if v := strings.TrimSpace(os.Getenv("CONFIG_PATH")); v != "" {
		return v
	}
	return ConfigPath
}

// Load reads config from path (defaults to config.yaml), applies environment
// overrides and defaults, then validates.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyEnv()
	cfg.ApplyDefaults()
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// FromEnv builds a config without a file, for tutorctl.
func FromEnv() (FileConfig, error) {
	cfg := FileConfig{}
	cfg.ApplyEnv()
	cfg.ApplyDefaults()
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment.
func (cfg *FileConfig) ApplyEnv() {
	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.Provider, "AI_PROVIDER")
	// provider-specific keys first so AI_API_KEY wins
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ai.ProviderGroq:
		setString(&cfg.APIKey, "GROQ_API_KEY")
	case ai.ProviderGemini:
		setString(&cfg.APIKey, "GEMINI_API_KEY")
	case ai.ProviderOpenAI, "":
		setString(&cfg.APIKey, "OPENAI_API_KEY")
	}
	setString(&cfg.APIKey, "AI_API_KEY")
	setString(&cfg.BaseURL, "AI_BASE_URL")
	setString(&cfg.ChatModel, "AI_CHAT_MODEL")
	setString(&cfg.EmbeddingModel, "AI_EMBEDDING_MODEL")
	setInt(&cfg.EmbeddingDim, "BOOKTUTOR_EMBEDDING_DIM")

	setInt(&cfg.ChunkSize, "INGEST_CHUNK_SIZE")
	setInt(&cfg.ChunkOverlap, "INGEST_CHUNK_OVERLAP")
	setInt(&cfg.EmbedBatchSize, "INGEST_EMBED_BATCH_SIZE")
	setInt(&cfg.EmbedConcurrency, "INGEST_EMBED_CONCURRENCY")

	setInt(&cfg.TopK, "RAG_TOP_K")
	if v := os.Getenv("RAG_SIMILARITY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.SimilarityThreshold = &f
		}
	}
	if v := os.Getenv("RAG_FOLLOW_UPS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.FollowUps = &b
		}
	}

	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.VectorBackend, "VECTOR_BACKEND")
	setString(&cfg.QdrantHost, "QDRANT_HOST")
	setInt(&cfg.QdrantPort, "QDRANT_PORT")
	setString(&cfg.QdrantAPIKey, "QDRANT_API_KEY")

	setString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	setString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.MinioBucket, "MINIO_BUCKET")
	setString(&cfg.StorageDir, "STORAGE_DIR")

	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.QueueName, "INGEST_QUEUE_NAME")
	setString(&cfg.QueueGroup, "INGEST_QUEUE_GROUP")
	setInt(&cfg.QueueConcurrency, "INGEST_QUEUE_CONCURRENCY")
	setInt(&cfg.QueueMaxRetries, "INGEST_QUEUE_MAX_RETRIES")
	setInt(&cfg.QueueRetryDelaySeconds, "INGEST_QUEUE_RETRY_DELAY_SECONDS")

	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.JWKSURL, "JWKS_URL")
	setInt(&cfg.AskRateLimit, "ASK_RATE_LIMIT")
	if v := strings.TrimSpace(os.Getenv("TRUSTED_PROXIES")); v != "" {
		cfg.TrustedProxies = strings.Split(v, ",")
	}
}

// ApplyDefaults fills unset fields.
func (cfg *FileConfig) ApplyDefaults() {
	defaultString(&cfg.Port, "8080")
	defaultString(&cfg.LogLevel, "info")
	defaultString(&cfg.Provider, ai.ProviderOpenAI)
	defaultInt(&cfg.RequestTimeoutSeconds, 60)
	defaultInt(&cfg.ChunkSize, chunker.DefaultSize)
	if cfg.ChunkOverlap == 0 && cfg.ChunkSize > chunker.DefaultOverlap {
		cfg.ChunkOverlap = chunker.DefaultOverlap
	}
	defaultInt(&cfg.WordsPerPage, chunker.DefaultWordsPerPage)
	defaultInt(&cfg.EmbedBatchSize, ingest.DefaultBatchSize)
	defaultInt(&cfg.EmbedConcurrency, ingest.DefaultConcurrency)
	if cfg.BatchDelayMillis == 0 {
		cfg.BatchDelayMillis = int(ingest.DefaultBatchDelay / time.Millisecond)
	}
	defaultInt(&cfg.TopK, rag.DefaultTopK)
	if cfg.SimilarityThreshold == nil {
		v := rag.DefaultSimilarityThreshold
		cfg.SimilarityThreshold = &v
	}
	if cfg.Temperature == nil {
		v := rag.DefaultTemperature
		cfg.Temperature = &v
	}
	defaultInt(&cfg.MaxTokens, rag.DefaultMaxTokens)
	if cfg.FollowUps == nil {
		v := true
		cfg.FollowUps = &v
	}
	defaultInt(&cfg.AskTimeoutSeconds, 60)
	cfg.VectorBackend = strings.ToLower(strings.TrimSpace(cfg.VectorBackend))
	defaultString(&cfg.VectorBackend, VectorPgvector)
	defaultInt(&cfg.QdrantPort, 6334)
	defaultString(&cfg.MinioBucket, "booktutor")
	defaultString(&cfg.StorageDir, "data/uploads")
	defaultInt(&cfg.MaxUploadMB, 50)
	defaultInt(&cfg.QueueConcurrency, 1)
	defaultInt(&cfg.QueueMaxRetries, 3)
	defaultInt(&cfg.QueueRetryDelaySeconds, 5)
	defaultInt(&cfg.AskRateLimitWindowSecs, 60)
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	if cfg.EmbeddingDim < 0 {
		return errors.New("config: embeddingDim must be >= 0")
	}
	if cfg.ChunkSize <= 0 {
		return errors.New("config: chunkSize must be > 0 (set in config.yaml or INGEST_CHUNK_SIZE)")
	}
	if cfg.ChunkOverlap < 0 {
		return errors.New("config: chunkOverlap must be >= 0 (set in config.yaml or INGEST_CHUNK_OVERLAP)")
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		return errors.New("config: chunkOverlap must be smaller than chunkSize")
	}
	if cfg.EmbedBatchSize <= 0 || cfg.EmbedConcurrency <= 0 {
		return errors.New("config: embedBatchSize and embedConcurrency must be > 0")
	}
	if cfg.TopK <= 0 {
		return errors.New("config: topK must be > 0")
	}
	if t := *cfg.SimilarityThreshold; t <= 0 || t > 1 {
		return errors.New("config: similarityThreshold must be > 0 and <= 1")
	}
	if t := *cfg.Temperature; t < 0 || t > 2 {
		return errors.New("config: temperature must be between 0 and 2")
	}
	switch cfg.VectorBackend {
	case VectorPgvector:
	case VectorQdrant:
		if strings.TrimSpace(cfg.QdrantHost) == "" {
			return errors.New("config: qdrantHost is required when vectorBackend=qdrant")
		}
	default:
		return fmt.Errorf("config: unknown vectorBackend %q (want pgvector or qdrant)", cfg.VectorBackend)
	}
	if cfg.MinioEndpoint != "" && (cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "") {
		return errors.New("config: minioAccessKey and minioSecretKey are required with minioEndpoint")
	}
	if cfg.AskRateLimit < 0 {
		return errors.New("config: askRateLimit must be >= 0")
	}
	if cfg.AskRateLimit > 0 && cfg.RedisAddr == "" {
		return errors.New("config: askRateLimit requires redisAddr")
	}
	return nil
}

// ValidateAuth checks that bearer tokens can be verified. Only the API needs it.
func (cfg FileConfig) ValidateAuth() error {
	if strings.TrimSpace(cfg.JWTSecret) == "" && strings.TrimSpace(cfg.JWKSURL) == "" {
		return errors.New("config: jwtSecret or jwksURL is required (set in config.yaml, JWT_SECRET or JWKS_URL)")
	}
	return nil
}

// AI returns the provider settings.
func (cfg FileConfig) AI() ai.Config {
	return ai.Config{
		Provider:       cfg.Provider,
		APIKey:         cfg.APIKey,
		BaseURL:        cfg.BaseURL,
		ChatModel:      cfg.ChatModel,
		EmbeddingModel: cfg.EmbeddingModel,
		EmbeddingDim:   cfg.EmbeddingDim,
		MaxRetries:     cfg.ProviderMaxRetries,
		Timeout:        time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
	}
}

// Ingest returns the pipeline settings.
func (cfg FileConfig) Ingest() ingest.Config {
	delay := time.Duration(cfg.BatchDelayMillis) * time.Millisecond
	return ingest.Config{
		Chunking: chunker.Constraints{
			Size:         cfg.ChunkSize,
			Overlap:      cfg.ChunkOverlap,
			WordsPerPage: cfg.WordsPerPage,
		},
		BatchSize:   cfg.EmbedBatchSize,
		Concurrency: cfg.EmbedConcurrency,
		BatchDelay:  delay,
	}
}

// RAG returns the question-answering settings.
func (cfg FileConfig) RAG() rag.Config {
	c := rag.DefaultConfig()
	c.TopK = cfg.TopK
	c.MaxTokens = cfg.MaxTokens
	c.AskTimeout = time.Duration(cfg.AskTimeoutSeconds) * time.Second
	if cfg.SimilarityThreshold != nil {
		c.SimilarityThreshold = *cfg.SimilarityThreshold
	}
	if cfg.Temperature != nil {
		c.Temperature = *cfg.Temperature
	}
	if cfg.FollowUps != nil {
		c.FollowUps = *cfg.FollowUps
	}
	return c
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func defaultString(dst *string, v string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = v
	}
}

func defaultInt(dst *int, v int) {
	if *dst == 0 {
		*dst = v
	}
}
