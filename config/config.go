package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// ErrMissingCredentials is returned by Validate when a selected provider has no key configured.
var ErrMissingCredentials = errors.New("missing credentials")

type LLMConfig struct {
	Provider          string        `yaml:"provider"`
	Model             string        `yaml:"model"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

type EmbeddingConfig struct {
	Provider  string        `yaml:"provider"`
	Model     string        `yaml:"model"`
	Dimension int           `yaml:"dimension"`
	Timeout   time.Duration `yaml:"timeout"`
}

type IndexConfig struct {
	Backend   string `yaml:"backend"`
	SessionID string `yaml:"session_id"`
}

type RetrievalConfig struct {
	LocateK        int      `yaml:"locate_k"`
	ScoopK         int      `yaml:"scoop_k"`
	LocateSections []string `yaml:"locate_sections"`
}

type ChunkingConfig struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	LLM        LLMConfig       `yaml:"llm"`
	Embeddings EmbeddingConfig `yaml:"embeddings"`
	Index      IndexConfig     `yaml:"index"`
	Retrieval  RetrievalConfig `yaml:"retrieval"`
	Chunking   ChunkingConfig  `yaml:"chunking"`
	Log        LogConfig       `yaml:"log"`

	OllamaHost    string `yaml:"ollama_host"`
	OpenAIAPIKey  string `yaml:"-"`
	OpenAIBaseURL string `yaml:"openai_base_url"`
	GeminiAPIKey  string `yaml:"-"`

	PostgresDSN string `yaml:"postgres_dsn"`
	Neo4jURI    string `yaml:"neo4j_uri"`
	Neo4jUser   string `yaml:"neo4j_username"`
	Neo4jPass   string `yaml:"-"`

	HTTPAddr string `yaml:"http_addr"`
}

// Default returns the configuration used when neither a file nor the environment set a value.
func Default() Config {
	return Config{
		LLM: LLMConfig{
			Provider: ProviderOpenAI,
			Model:    "meta-llama/llama-3-8b-instruct",
			Timeout:  60 * time.Second,
		},
		Embeddings: EmbeddingConfig{
			Provider:  ProviderOpenAI,
			Model:     "text-embedding-3-small",
			Dimension: 1536,
			Timeout:   30 * time.Second,
		},
		Index: IndexConfig{Backend: BackendMemory, SessionID: "default"},
		Retrieval: RetrievalConfig{
			LocateK:        5,
			ScoopK:         20,
			LocateSections: []string{"Outcomes", "Results", "Abstract"},
		},
		Chunking:   ChunkingConfig{Size: 1500, Overlap: 200},
		Log:        LogConfig{Level: "info", Format: "console"},
		OllamaHost: "http://localhost:11434",
		Neo4jUser:  "neo4j",
		HTTPAddr:   ":8080",
	}
}

// Load reads .env (if present), then the YAML file named by SCOOP_CONFIG (if set),
// then applies environment overrides.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path := getEnv("SCOOP_CONFIG", ""); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.LLM.Provider = getEnv("LLM_PROVIDER", cfg.LLM.Provider)
	cfg.LLM.Model = getEnv("LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.Timeout = getDuration("LLM_TIMEOUT", cfg.LLM.Timeout)
	cfg.LLM.RequestsPerSecond = getFloat("LLM_REQUESTS_PER_SECOND", cfg.LLM.RequestsPerSecond)

	cfg.Embeddings.Provider = getEnv("EMBEDDINGS_PROVIDER", cfg.Embeddings.Provider)
	cfg.Embeddings.Model = getEnv("EMBEDDINGS_MODEL", cfg.Embeddings.Model)
	cfg.Embeddings.Dimension = getInt("EMBEDDINGS_DIMENSION", cfg.Embeddings.Dimension)
	cfg.Embeddings.Timeout = getDuration("EMBEDDINGS_TIMEOUT", cfg.Embeddings.Timeout)

	cfg.Index.Backend = getEnv("INDEX_BACKEND", cfg.Index.Backend)
	cfg.Index.SessionID = getEnv("SESSION_ID", cfg.Index.SessionID)

	cfg.Retrieval.LocateK = getInt("LOCATE_K", cfg.Retrieval.LocateK)
	cfg.Retrieval.ScoopK = getInt("SCOOP_K", cfg.Retrieval.ScoopK)
	if sections := getEnv("LOCATE_SECTIONS", ""); sections != "" {
		cfg.Retrieval.LocateSections = splitList(sections)
	}

	cfg.Chunking.Size = getInt("CHUNK_SIZE", cfg.Chunking.Size)
	cfg.Chunking.Overlap = getInt("CHUNK_OVERLAP", cfg.Chunking.Overlap)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)

	cfg.OllamaHost = getEnv("OLLAMA_HOST", cfg.OllamaHost)
	cfg.OpenAIAPIKey = getEnv("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	cfg.GeminiAPIKey = getEnv("GEMINI_API_KEY", cfg.GeminiAPIKey)

	cfg.PostgresDSN = getEnv("POSTGRES_DSN", cfg.PostgresDSN)
	cfg.Neo4jURI = getEnv("NEO4J_URI", cfg.Neo4jURI)
	cfg.Neo4jUser = getEnv("NEO4J_USERNAME", cfg.Neo4jUser)
	cfg.Neo4jPass = getEnv("NEO4J_PASSWORD", cfg.Neo4jPass)

	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
}

// Validate reports configuration problems that make the completion or embedding
// capability unusable. It is meant to be surfaced once at startup.
func (c Config) Validate() error {
	for _, p := range []struct{ kind, provider string }{
		{"llm", c.LLM.Provider},
		{"embeddings", c.Embeddings.Provider},
	} {
		switch p.provider {
		case ProviderOllama:
		case ProviderOpenAI:
			if c.OpenAIAPIKey == "" {
				return fmt.Errorf("%s provider %s: OPENAI_API_KEY not set: %w", p.kind, p.provider, ErrMissingCredentials)
			}
		case ProviderGemini:
			if c.GeminiAPIKey == "" {
				return fmt.Errorf("%s provider %s: GEMINI_API_KEY not set: %w", p.kind, p.provider, ErrMissingCredentials)
			}
		default:
			return fmt.Errorf("unknown %s provider: %s", p.kind, p.provider)
		}
	}

	switch c.Index.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres index backend selected but POSTGRES_DSN not set")
		}
		if c.Embeddings.Dimension <= 0 {
			return fmt.Errorf("postgres index backend requires a positive embedding dimension")
		}
	default:
		return fmt.Errorf("unknown index backend: %s", c.Index.Backend)
	}

	if c.Chunking.Size <= 0 {
		return fmt.Errorf("chunk size must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getFloat(key string, fallback float64) float64 {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
