// Package engine selects and constructs the inference provider the assistant
// talks to.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/quirehq/quire/internal/llm"
	"github.com/quirehq/quire/internal/llm/gemini"
	"github.com/quirehq/quire/internal/llm/ollama"
	"github.com/quirehq/quire/internal/llm/openrouter"
)

// Provider names accepted by Config.Provider.
const (
	ProviderOpenRouter = "openrouter"
	ProviderOllama     = "ollama"
	ProviderGemini     = "gemini"
)

// Config picks a provider and carries its connection settings.
type Config struct {
	Provider           string
	Model              string
	BaseURL            string
	OllamaBaseURL      string
	APIKey             string
	GeminiAPIKey       string
	TranscriptionModel string
}

// ErrNotConfigured is returned when the selected provider lacks credentials.
var ErrNotConfigured = errors.New("inference provider is not configured")

// Engine lazily builds one llm.Service and hands it out to every caller.
type Engine struct {
	cfg Config

	mu      sync.Mutex
	service llm.Service
	closer  io.Closer
}

// New returns an Engine for cfg. No connection is made until Service is
// first called.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Service returns the configured provider, constructing it on first use.
func (e *Engine) Service(ctx context.Context) (llm.Service, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.service != nil {
		return e.service, nil
	}
	svc, closer, err := build(ctx, e.cfg)
	if err != nil {
		return nil, err
	}
	e.service, e.closer = svc, closer
	return svc, nil
}

// Close releases the provider's resources, if any.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closer == nil {
		return nil
	}
	err := e.closer.Close()
	e.service, e.closer = nil, nil
	return err
}

// EnsureReady verifies the provider can serve requests. For Ollama it pulls
// the model when missing; for hosted providers it only checks credentials.
// Progress is written to w.
func (e *Engine) EnsureReady(ctx context.Context, w io.Writer) error {
	switch e.cfg.Provider {
	case ProviderOllama:
		return ollama.EnsureReady(ctx, ollama.New(e.cfg.OllamaBaseURL, e.cfg.Model), w)
	case ProviderOpenRouter, "":
		if e.cfg.APIKey == "" {
			return fmt.Errorf("%w: set QUIRE_INFERENCE_API_KEY", ErrNotConfigured)
		}
		fmt.Fprintf(w, "provider openrouter: model %s\n", e.cfg.Model)
		return nil
	case ProviderGemini:
		if e.cfg.GeminiAPIKey == "" {
			return fmt.Errorf("%w: set QUIRE_INFERENCE_GEMINI_API_KEY", ErrNotConfigured)
		}
		fmt.Fprintf(w, "provider gemini: model %s\n", e.cfg.Model)
		return nil
	default:
		return fmt.Errorf("unknown inference provider %q", e.cfg.Provider)
	}
}

func build(ctx context.Context, cfg Config) (llm.Service, io.Closer, error) {
	switch cfg.Provider {
	case ProviderOpenRouter, "":
		if cfg.APIKey == "" {
			return nil, nil, fmt.Errorf("%w: openrouter API key is empty", ErrNotConfigured)
		}
		opts := []openrouter.Option{openrouter.WithBaseURL(cfg.BaseURL)}
		if cfg.TranscriptionModel != "" {
			opts = append(opts, openrouter.WithTranscriptionModel(cfg.TranscriptionModel))
		}
		return openrouter.New(cfg.APIKey, cfg.Model, opts...), nil, nil
	case ProviderOllama:
		return ollama.New(cfg.OllamaBaseURL, cfg.Model), nil, nil
	case ProviderGemini:
		if cfg.GeminiAPIKey == "" {
			return nil, nil, fmt.Errorf("%w: gemini API key is empty", ErrNotConfigured)
		}
		c, err := gemini.New(ctx, cfg.GeminiAPIKey, cfg.Model)
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	default:
		return nil, nil, fmt.Errorf("unknown inference provider %q", cfg.Provider)
	}
}
