package poalegal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/brunobiangulo/poalegal/artifacts"
	"github.com/brunobiangulo/poalegal/llm"
	"github.com/brunobiangulo/poalegal/retrieval"
)

// Store backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Artifact sink names.
const (
	SinkSQLite = "sqlite"
	SinkFile   = "file"
	SinkS3     = "s3"
	SinkKafka  = "kafka"
)

// Config holds all configuration for the engine.
type Config struct {
	// Store selects the article store: "sqlite" (default) or "postgres".
	Store string `json:"store" yaml:"store"`

	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.poalegal/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the database name used when DBPath is empty.
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir is "home" (default, ~/.poalegal/) or "local" (working dir).
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// PostgresDSN is used when Store is "postgres".
	PostgresDSN string `json:"postgres_dsn" yaml:"postgres_dsn"`

	// LLM providers
	Chat      LLMConfig `json:"chat" yaml:"chat"`
	Embedding LLMConfig `json:"embedding" yaml:"embedding"`

	// Embedding dimensions (must match model)
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`

	// Cache memoises query embeddings in Redis when Enabled.
	Cache CacheConfig `json:"cache" yaml:"cache"`

	Retrieval retrieval.Config `json:"retrieval" yaml:"retrieval"`

	// LegalAreasPath replaces the built-in legal areas checklist.
	LegalAreasPath string `json:"legal_areas_path" yaml:"legal_areas_path"`

	// LawID restricts searches and cross-reference lookups to one law.
	LawID string `json:"law_id" yaml:"law_id"`

	Artifacts ArtifactsConfig `json:"artifacts" yaml:"artifacts"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider   string `json:"provider" yaml:"provider"` // ollama, lmstudio, openrouter, openai, groq, xai, gemini, cohere, custom
	Model      string `json:"model" yaml:"model"`
	BaseURL    string `json:"base_url" yaml:"base_url"`
	APIKey     string `json:"api_key" yaml:"api_key"`
	Dimensions int    `json:"dimensions,omitempty" yaml:"dimensions,omitempty"`
}

func (c LLMConfig) provider() llm.Config {
	return llm.Config{
		Provider:   c.Provider,
		Model:      c.Model,
		BaseURL:    c.BaseURL,
		APIKey:     c.APIKey,
		Dimensions: c.Dimensions,
	}
}

// CacheConfig configures the Redis embedding cache.
type CacheConfig struct {
	Enabled         bool `json:"enabled" yaml:"enabled"`
	llm.CacheConfig `yaml:",inline"`
}

// ArtifactsConfig selects where evaluation artifacts are persisted.
type ArtifactsConfig struct {
	// Sinks lists sink names: sqlite, file, s3, kafka. Empty means sqlite
	// for the SQLite backend and none otherwise.
	Sinks     []string              `json:"sinks" yaml:"sinks"`
	Dir       string                `json:"dir" yaml:"dir"`
	S3        artifacts.S3Config    `json:"s3" yaml:"s3"`
	Kafka     artifacts.KafkaConfig `json:"kafka" yaml:"kafka"`
	QueueSize int                   `json:"queue_size" yaml:"queue_size"`
	Timeout   time.Duration         `json:"timeout" yaml:"timeout"`
}

// DefaultConfig returns a Config with defaults for local inference.
// The database is stored in ~/.poalegal/poalegal.db by default.
func DefaultConfig() Config {
	return Config{
		Store:      BackendSQLite,
		DBName:     "poalegal",
		StorageDir: "home",
		Chat: LLMConfig{
			Provider: "ollama",
			Model:    "qwen2.5:7b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "bge-m3",
			BaseURL:  "http://localhost:11434",
		},
		EmbeddingDim: 1024,
		Cache: CacheConfig{
			CacheConfig: llm.CacheConfig{Addr: "localhost:6379", TTL: 7 * 24 * time.Hour},
		},
		Retrieval: retrieval.DefaultConfig(),
		Artifacts: ArtifactsConfig{
			QueueSize: 64,
			Timeout:   30 * time.Second,
		},
	}
}

// LoadConfig reads a YAML or JSON file over DefaultConfig. The format is
// chosen by extension; anything other than .json is parsed as YAML.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from POALEGAL_* variables, then fills missing
// API keys from the providers' well-known variables.
func (c *Config) ApplyEnv() {
	str := map[string]*string{
		"POALEGAL_STORE":          &c.Store,
		"POALEGAL_DB_PATH":        &c.DBPath,
		"POALEGAL_POSTGRES_DSN":   &c.PostgresDSN,
		"POALEGAL_CHAT_PROVIDER":  &c.Chat.Provider,
		"POALEGAL_CHAT_MODEL":     &c.Chat.Model,
		"POALEGAL_CHAT_BASE_URL":  &c.Chat.BaseURL,
		"POALEGAL_CHAT_API_KEY":   &c.Chat.APIKey,
		"POALEGAL_EMBED_PROVIDER": &c.Embedding.Provider,
		"POALEGAL_EMBED_MODEL":    &c.Embedding.Model,
		"POALEGAL_EMBED_BASE_URL": &c.Embedding.BaseURL,
		"POALEGAL_EMBED_API_KEY":  &c.Embedding.APIKey,
		"POALEGAL_LEGAL_AREAS":    &c.LegalAreasPath,
		"POALEGAL_LAW_ID":         &c.LawID,
		"POALEGAL_ARTIFACT_DIR":   &c.Artifacts.Dir,
		"POALEGAL_S3_BUCKET":      &c.Artifacts.S3.Bucket,
		"POALEGAL_S3_PREFIX":      &c.Artifacts.S3.Prefix,
		"POALEGAL_S3_REGION":      &c.Artifacts.S3.Region,
		"POALEGAL_KAFKA_TOPIC":    &c.Artifacts.Kafka.Topic,
		"POALEGAL_REDIS_PASSWORD": &c.Cache.Password,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("POALEGAL_EMBEDDING_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.EmbeddingDim = n
		}
	}
	if v := os.Getenv("POALEGAL_REDIS_ADDR"); v != "" {
		c.Cache.Addr = v
		c.Cache.Enabled = true
	}
	if v := os.Getenv("POALEGAL_ARTIFACT_SINKS"); v != "" {
		c.Artifacts.Sinks = splitList(v)
	}
	if v := os.Getenv("POALEGAL_KAFKA_BROKERS"); v != "" {
		c.Artifacts.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("POALEGAL_HYDE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Retrieval.HydeEnabled = b
		}
	}
	if v := os.Getenv("POALEGAL_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Retrieval.MaxIterations = n
		}
	}

	// Fallback: check well-known provider env vars for API keys.
	if c.Chat.APIKey == "" {
		c.Chat.APIKey = providerKey(c.Chat.Provider)
	}
	if c.Embedding.APIKey == "" {
		c.Embedding.APIKey = providerKey(c.Embedding.Provider)
	}
}

func providerKey(provider string) string {
	switch provider {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "groq":
		return os.Getenv("GROQ_API_KEY")
	case "xai":
		return os.Getenv("XAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "cohere":
		return os.Getenv("COHERE_API_KEY")
	case "gemini":
		if v := os.Getenv("GEMINI_API_KEY"); v != "" {
			return v
		}
		return os.Getenv("GOOGLE_API_KEY")
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the engine-level fields and the retrieval config.
func (c *Config) Validate() error {
	switch c.Store {
	case "", BackendSQLite:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("%w: postgres_dsn is required for the postgres store", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store %q", ErrInvalidConfig, c.Store)
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("%w: embedding_dim must be positive", ErrInvalidConfig)
	}
	for _, s := range c.Artifacts.Sinks {
		switch s {
		case SinkSQLite:
			if c.Store == BackendPostgres {
				return fmt.Errorf("%w: the sqlite artifact sink needs the sqlite store", ErrInvalidConfig)
			}
		case SinkFile:
			if c.Artifacts.Dir == "" {
				return fmt.Errorf("%w: artifacts.dir is required for the file sink", ErrInvalidConfig)
			}
		case SinkS3, SinkKafka:
		default:
			return fmt.Errorf("%w: unknown artifact sink %q", ErrInvalidConfig, s)
		}
	}
	if err := c.Retrieval.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// sinks resolves the configured sink names, defaulting to sqlite for the
// SQLite backend.
func (c *Config) sinks() []string {
	if len(c.Artifacts.Sinks) > 0 {
		return c.Artifacts.Sinks
	}
	if c.Store == "" || c.Store == BackendSQLite {
		return []string{SinkSQLite}
	}
	return nil
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "poalegal"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db"
		}
		return filepath.Join(home, ".poalegal", name+".db")
	}
}
