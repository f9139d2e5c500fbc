package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "BRANESTAWM_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "BRANESTAWM_SERVER_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "ollama.base_url", typ: kString, env: "BRANESTAWM_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "BRANESTAWM_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "BRANESTAWM_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "BRANESTAWM_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.vector_backend", typ: kString, env: "BRANESTAWM_STORAGE_VECTOR_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.VectorBackend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.VectorBackend },
	},
	{
		key: "log.level", typ: kString, env: "BRANESTAWM_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "BRANESTAWM_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "context.max_tokens", typ: kInt, env: "BRANESTAWM_CONTEXT_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Context.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Context.MaxTokens },
	},
	{
		key: "context.reserved_tokens", typ: kInt, env: "BRANESTAWM_CONTEXT_RESERVED_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Context.ReservedTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Context.ReservedTokens },
	},
	{
		key: "context.max_recent_messages", typ: kInt, env: "BRANESTAWM_CONTEXT_MAX_RECENT_MESSAGES",
		apply:   func(cfg *Config, v any) { cfg.Context.MaxRecentMessages = v.(int) },
		extract: func(cfg Config) any { return cfg.Context.MaxRecentMessages },
	},
	{
		key: "context.min_recent_messages", typ: kInt, env: "BRANESTAWM_CONTEXT_MIN_RECENT_MESSAGES",
		apply:   func(cfg *Config, v any) { cfg.Context.MinRecentMessages = v.(int) },
		extract: func(cfg Config) any { return cfg.Context.MinRecentMessages },
	},
	{
		key: "context.relevance_threshold", typ: kFloat, env: "BRANESTAWM_CONTEXT_RELEVANCE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Context.RelevanceThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Context.RelevanceThreshold },
	},
	{
		key: "context.importance_threshold", typ: kFloat, env: "BRANESTAWM_CONTEXT_IMPORTANCE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Context.ImportanceThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Context.ImportanceThreshold },
	},
	{
		key: "context.cache_ttl", typ: kDuration, env: "BRANESTAWM_CONTEXT_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Context.CacheTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Context.CacheTTL },
	},
	{
		key: "embedding.dimensions", typ: kInt, env: "BRANESTAWM_EMBEDDING_DIMENSIONS",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Dimensions = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.Dimensions },
	},
	{
		key: "embedding.provider", typ: kString, env: "BRANESTAWM_EMBEDDING_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Provider },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "BRANESTAWM_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.threshold", typ: kFloat, env: "BRANESTAWM_RETRIEVAL_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.Threshold },
	},
	{
		key: "vectordb.chunk_size", typ: kInt, env: "BRANESTAWM_VECTORDB_CHUNK_SIZE",
		apply:   func(cfg *Config, v any) { cfg.VectorDB.ChunkSize = v.(int) },
		extract: func(cfg Config) any { return cfg.VectorDB.ChunkSize },
	},
	{
		key: "vectordb.chunk_overlap", typ: kInt, env: "BRANESTAWM_VECTORDB_CHUNK_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.VectorDB.ChunkOverlap = v.(int) },
		extract: func(cfg Config) any { return cfg.VectorDB.ChunkOverlap },
	},
}

// parseValue converts raw to the Go type of typ.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			raw, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || raw == "" {
				continue
			}
			v, err := parseValue(s.typ, raw)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
				continue
			}
			s.apply(cfg, v)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
