// Package config loads layered configuration: built-in defaults, then the
// TOML config file, then BRANESTAWM_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Server    ServerConfig
	Ollama    OllamaConfig
	Storage   StorageConfig
	Log       LogConfig
	Context   ContextConfig
	Embedding EmbeddingConfig
	Retrieval RetrievalConfig
	VectorDB  VectorDBConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
	// VectorBackend is "sqlite" (shared with the data store) or "bolt".
	VectorBackend string
}

type LogConfig struct {
	Level  string
	Format string
}

// ContextConfig holds the context assembler limits.
type ContextConfig struct {
	MaxTokens           int
	ReservedTokens      int
	MaxRecentMessages   int
	MinRecentMessages   int
	RelevanceThreshold  float64
	ImportanceThreshold float64
	CacheTTL            time.Duration
}

type EmbeddingConfig struct {
	Dimensions int
	// Provider is one of auto, hash, features or model.
	Provider string
}

type RetrievalConfig struct {
	TopK      int
	Threshold float64
}

type VectorDBConfig struct {
	ChunkSize    int
	ChunkOverlap int
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "llama3.2",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir:       defaultDataDir(),
			VectorBackend: "sqlite",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Context: ContextConfig{
			MaxTokens:           8000,
			ReservedTokens:      1000,
			MaxRecentMessages:   10,
			MinRecentMessages:   3,
			RelevanceThreshold:  0.6,
			ImportanceThreshold: 3.0,
			CacheTTL:            5 * time.Minute,
		},
		Embedding: EmbeddingConfig{
			Dimensions: 256,
			Provider:   "auto",
		},
		Retrieval: RetrievalConfig{
			TopK:      5,
			Threshold: 0.3,
		},
		VectorDB: VectorDBConfig{
			ChunkSize:    500,
			ChunkOverlap: 50,
		},
	}
}

// Load reads configuration from the config file and environment.
//
// The file is TOML at $XDG_CONFIG_HOME/branestawm/config.toml, or the path
// in BRANESTAWM_CONFIG. Environment variables (BRANESTAWM_*) override file
// values. Secrets are read from the environment only.
func Load() (Config, error) {
	return loadWith(newFileBackend(ConfigFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Storage.VectorBackend {
	case "sqlite", "bolt":
	default:
		return fmt.Errorf("invalid config storage.vector_backend=%q: want sqlite or bolt", c.Storage.VectorBackend)
	}
	switch c.Embedding.Provider {
	case "auto", "hash", "features", "model":
	default:
		return fmt.Errorf("invalid config embedding.provider=%q: want auto, hash, features or model", c.Embedding.Provider)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid config log.format=%q: want text or json", c.Log.Format)
	}
	if c.Context.ReservedTokens >= c.Context.MaxTokens {
		return fmt.Errorf("invalid config: context.reserved_tokens (%d) must be below context.max_tokens (%d)",
			c.Context.ReservedTokens, c.Context.MaxTokens)
	}
	if c.VectorDB.ChunkOverlap >= c.VectorDB.ChunkSize {
		return fmt.Errorf("invalid config: vectordb.chunk_overlap (%d) must be below vectordb.chunk_size (%d)",
			c.VectorDB.ChunkOverlap, c.VectorDB.ChunkSize)
	}
	return nil
}

// ConfigFilePath returns the location of the TOML config file.
func ConfigFilePath() string {
	if p := os.Getenv("BRANESTAWM_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "branestawm", "config.toml")
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "branestawm-data"
		}
	}
	return filepath.Join(dir, "branestawm")
}
