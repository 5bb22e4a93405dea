package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
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
		key: "server.port", typ: kInt, env: "QUIRE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.cors_origins", typ: kString, env: "QUIRE_SERVER_CORS_ORIGINS",
		apply:   func(cfg *Config, v any) { cfg.Server.CORSOrigins = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.CORSOrigins },
	},
	{
		key: "storage.data_dir", typ: kString, env: "QUIRE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "QUIRE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "inference.provider", typ: kString, env: "QUIRE_INFERENCE_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Inference.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.Provider },
	},
	{
		key: "inference.model", typ: kString, env: "QUIRE_INFERENCE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Inference.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.Model },
	},
	{
		key: "inference.base_url", typ: kString, env: "QUIRE_INFERENCE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Inference.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.BaseURL },
	},
	{
		key: "inference.ollama_base_url", typ: kString, env: "QUIRE_INFERENCE_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Inference.OllamaBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.OllamaBaseURL },
	},
	{
		key: "inference.transcription_model", typ: kString, env: "QUIRE_INFERENCE_TRANSCRIPTION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Inference.TranscriptionModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.TranscriptionModel },
	},
	{
		key: "inference.api_key", typ: kString, env: "QUIRE_INFERENCE_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Inference.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.APIKey },
	},
	{
		key: "inference.gemini_api_key", typ: kString, env: "QUIRE_INFERENCE_GEMINI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Inference.GeminiAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.GeminiAPIKey },
	},
	{
		key: "jobs.stuck_timeout", typ: kDuration, env: "QUIRE_JOBS_STUCK_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Jobs.StuckTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Jobs.StuckTimeout },
	},
	{
		key: "jobs.poll_interval", typ: kDuration, env: "QUIRE_JOBS_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Jobs.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Jobs.PollInterval },
	},
	{
		key: "assistant.max_turns", typ: kInt, env: "QUIRE_ASSISTANT_MAX_TURNS",
		apply:   func(cfg *Config, v any) { cfg.Assistant.MaxTurns = v.(int) },
		extract: func(cfg Config) any { return cfg.Assistant.MaxTurns },
	},
	{
		key: "assistant.tool_concurrency", typ: kInt, env: "QUIRE_ASSISTANT_TOOL_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Assistant.ToolConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Assistant.ToolConcurrency },
	},
	{
		key: "sandbox.timeout", typ: kDuration, env: "QUIRE_SANDBOX_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Sandbox.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sandbox.Timeout },
	},
}

// parse converts raw into the key's type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
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
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("ignoring invalid environment override", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
