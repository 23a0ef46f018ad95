package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "AI_PROVIDER", "AI_API_KEY", "OPENAI_API_KEY", "GROQ_API_KEY", "GEMINI_API_KEY",
		"DATABASE_URL", "REDIS_ADDR", "VECTOR_BACKEND", "QDRANT_HOST", "ASK_RATE_LIMIT",
		"INGEST_CHUNK_SIZE", "INGEST_CHUNK_OVERLAP", "RAG_TOP_K", "RAG_SIMILARITY_THRESHOLD", "RAG_FOLLOW_UPS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, "apiKey: sk-file\n"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("port = %q, want 8080", cfg.Port)
	}
	if cfg.ChunkSize != 200 || cfg.ChunkOverlap != 20 {
		t.Fatalf("chunking = %d/%d, want 200/20", cfg.ChunkSize, cfg.ChunkOverlap)
	}
	if cfg.TopK != 5 || *cfg.SimilarityThreshold != 0.5 {
		t.Fatalf("retrieval = %d/%f, want 5/0.5", cfg.TopK, *cfg.SimilarityThreshold)
	}
	if cfg.VectorBackend != VectorPgvector {
		t.Fatalf("vectorBackend = %q", cfg.VectorBackend)
	}
	rc := cfg.RAG()
	if !rc.FollowUps || rc.AskTimeout != time.Minute || rc.MaxTokens != 800 {
		t.Fatalf("rag config = %+v", rc)
	}
	ic := cfg.Ingest()
	if ic.BatchDelay != time.Second || ic.BatchSize != 10 {
		t.Fatalf("ingest config = %+v", ic)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("AI_PROVIDER", "groq")
	t.Setenv("GROQ_API_KEY", "gsk-env")
	t.Setenv("INGEST_CHUNK_SIZE", "400")
	t.Setenv("INGEST_CHUNK_OVERLAP", "40")
	t.Setenv("RAG_SIMILARITY_THRESHOLD", "0.7")
	t.Setenv("RAG_FOLLOW_UPS", "false")
	t.Setenv("DATABASE_URL", "postgres://env")

	cfg, err := Load(writeConfig(t, `
port: "9000"
provider: openai
apiKey: sk-file
chunkSize: 100
databaseURL: postgres://file
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Provider != "groq" || cfg.APIKey != "gsk-env" {
		t.Fatalf("provider = %q key = %q", cfg.Provider, cfg.APIKey)
	}
	if cfg.ChunkSize != 400 || cfg.ChunkOverlap != 40 {
		t.Fatalf("chunking = %d/%d, want 400/40", cfg.ChunkSize, cfg.ChunkOverlap)
	}
	if *cfg.SimilarityThreshold != 0.7 {
		t.Fatalf("threshold = %f, want 0.7", *cfg.SimilarityThreshold)
	}
	if cfg.RAG().FollowUps {
		t.Fatalf("followUps = true, want false")
	}
	if cfg.DatabaseURL != "postgres://env" {
		t.Fatalf("databaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.Port != "9000" {
		t.Fatalf("port = %q, want 9000", cfg.Port)
	}
	if got := cfg.AI(); got.Provider != "groq" || got.Timeout != time.Minute {
		t.Fatalf("ai config = %+v", got)
	}
}

func TestGenericAPIKeyWins(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-openai")
	t.Setenv("AI_API_KEY", "sk-generic")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.APIKey != "sk-generic" {
		t.Fatalf("apiKey = %q, want sk-generic", cfg.APIKey)
	}
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"overlap too large", "chunkSize: 50\nchunkOverlap: 50\n", "chunkOverlap"},
		{"negative overlap", "chunkOverlap: -1\n", "chunkOverlap"},
		{"qdrant without host", "vectorBackend: qdrant\n", "qdrantHost"},
		{"unknown backend", "vectorBackend: milvus\n", "vectorBackend"},
		{"threshold range", "similarityThreshold: 1.5\n", "similarityThreshold"},
		{"zero threshold", "similarityThreshold: 0\n", "similarityThreshold"},
		{"negative threshold", "similarityThreshold: -0.2\n", "similarityThreshold"},
		{"minio credentials", "minioEndpoint: localhost:9000\n", "minioAccessKey"},
		{"rate limit needs redis", "askRateLimit: 10\n", "redisAddr"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			_, err := Load(writeConfig(t, tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidateAuth(t *testing.T) {
	if err := (FileConfig{}).ValidateAuth(); err == nil {
		t.Fatalf("expected error without jwt settings")
	}
	if err := (FileConfig{JWTSecret: "s"}).ValidateAuth(); err != nil {
		t.Fatalf("validate auth: %v", err)
	}
}

func TestPath(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	if Path() != ConfigPath {
		t.Fatalf("path = %q, want %q", Path(), ConfigPath)
	}
	t.Setenv("CONFIG_PATH", "/etc/booktutor.yaml")
	if Path() != "/etc/booktutor.yaml" {
		t.Fatalf("path = %q", Path())
	}
}
