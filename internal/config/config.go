// Package config loads quire's settings: defaults, then the JSON config
// file, then QUIRE_* environment variables (a .env file in the working
// directory counts as environment). Secrets come from the environment or
// the secrets file.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/quirehq/quire/internal/engine"
	"github.com/quirehq/quire/internal/usecase"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Log       LogConfig
	Inference InferenceConfig
	Jobs      JobsConfig
	Assistant AssistantConfig
	Sandbox   SandboxConfig
}

type ServerConfig struct {
	Port        int
	CORSOrigins string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type InferenceConfig struct {
	Provider           string
	Model              string
	BaseURL            string
	OllamaBaseURL      string
	TranscriptionModel string
	APIKey             string
	GeminiAPIKey       string
}

type JobsConfig struct {
	StuckTimeout time.Duration
	PollInterval time.Duration
}

type AssistantConfig struct {
	MaxTurns        int
	ToolConcurrency int
}

type SandboxConfig struct {
	Timeout time.Duration
}

func defaults() Config {
	s := usecase.DefaultSettings()
	return Config{
		Server:  ServerConfig{Port: 4100},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Log:     LogConfig{Level: "info"},
		Inference: InferenceConfig{
			Provider:      engine.ProviderOpenRouter,
			Model:         "openai/gpt-4o-mini",
			OllamaBaseURL: "http://localhost:11434",
		},
		Jobs:      JobsConfig{StuckTimeout: s.StuckTimeout, PollInterval: 2 * time.Second},
		Assistant: AssistantConfig{MaxTurns: s.MaxTurns, ToolConcurrency: s.ToolConcurrency},
		Sandbox:   SandboxConfig{Timeout: 2 * time.Second},
	}
}

// Load reads configuration from $XDG_CONFIG_HOME/quire/config.json and the
// environment. A .env file in the working directory is loaded first; it
// never overrides variables that are already set.
func Load() (Config, error) {
	_ = godotenv.Load()
	return loadWith(newFileBackend(configFilePath()), NewSecretStore())
}

func loadWith(b ConfigBackend, secrets SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if cfg.Inference.APIKey == "" {
		if v, err := secrets.Get(SecretInferenceKey); err == nil {
			cfg.Inference.APIKey = v
		}
	}
	if cfg.Inference.GeminiAPIKey == "" {
		if v, err := secrets.Get(SecretGeminiKey); err == nil {
			cfg.Inference.GeminiAPIKey = v
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Inference.Provider {
	case engine.ProviderOpenRouter, engine.ProviderOllama, engine.ProviderGemini:
	default:
		return fmt.Errorf("invalid config: inference.provider %q (want openrouter, ollama or gemini)", c.Inference.Provider)
	}
	if c.Jobs.StuckTimeout <= 0 {
		return fmt.Errorf("invalid config: jobs.stuck_timeout must be positive")
	}
	if c.Assistant.MaxTurns < 1 {
		return fmt.Errorf("invalid config: assistant.max_turns must be at least 1")
	}
	if c.Assistant.ToolConcurrency < 1 {
		return fmt.Errorf("invalid config: assistant.tool_concurrency must be at least 1")
	}
	return nil
}

// Origins splits server.cors_origins.
func (c Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.Server.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// LogLevel parses log.level, defaulting to info.
func (c Config) LogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Engine returns the inference provider settings.
func (c Config) Engine() engine.Config {
	return engine.Config{
		Provider:           c.Inference.Provider,
		Model:              c.Inference.Model,
		BaseURL:            c.Inference.BaseURL,
		OllamaBaseURL:      c.Inference.OllamaBaseURL,
		APIKey:             c.Inference.APIKey,
		GeminiAPIKey:       c.Inference.GeminiAPIKey,
		TranscriptionModel: c.Inference.TranscriptionModel,
	}
}

// Settings returns the tunables the backend hands to operations.
func (c Config) Settings() usecase.Settings {
	return usecase.Settings{
		StuckTimeout:    c.Jobs.StuckTimeout,
		MaxTurns:        c.Assistant.MaxTurns,
		ToolConcurrency: c.Assistant.ToolConcurrency,
	}
}
