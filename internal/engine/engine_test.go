package engine

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/quirehq/quire/internal/llm/ollama"
	"github.com/quirehq/quire/internal/llm/openrouter"
)

func TestService_OpenRouterIsDefault(t *testing.T) {
	e := New(Config{APIKey: "k", Model: "m"})
	svc, err := e.Service(context.Background())
	if err != nil {
		t.Fatalf("Service: %v", err)
	}
	if _, ok := svc.(*openrouter.Client); !ok {
		t.Errorf("service = %T, want *openrouter.Client", svc)
	}

	again, err := e.Service(context.Background())
	if err != nil {
		t.Fatalf("Service: %v", err)
	}
	if again != svc {
		t.Error("Service built a second client")
	}
}

func TestService_MissingKey(t *testing.T) {
	for _, p := range []string{ProviderOpenRouter, ProviderGemini} {
		_, err := New(Config{Provider: p}).Service(context.Background())
		if !errors.Is(err, ErrNotConfigured) {
			t.Errorf("%s: error = %v, want ErrNotConfigured", p, err)
		}
	}
}

func TestService_Ollama(t *testing.T) {
	svc, err := New(Config{Provider: ProviderOllama, Model: "llama3.1"}).Service(context.Background())
	if err != nil {
		t.Fatalf("Service: %v", err)
	}
	c, ok := svc.(*ollama.Client)
	if !ok {
		t.Fatalf("service = %T, want *ollama.Client", svc)
	}
	if c.Model() != "llama3.1" {
		t.Errorf("Model() = %q, want llama3.1", c.Model())
	}
}

func TestService_UnknownProvider(t *testing.T) {
	if _, err := New(Config{Provider: "mlx"}).Service(context.Background()); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestEnsureReady_Ollama(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write([]byte(`{"models":[{"name":"llama3.1:latest"}]}`))
		case "/api/chat":
			w.Write([]byte(`{"message":{"role":"assistant","content":"pong"}}`))
		}
	}))
	defer srv.Close()

	var out bytes.Buffer
	e := New(Config{Provider: ProviderOllama, OllamaBaseURL: srv.URL, Model: "llama3.1"})
	if err := e.EnsureReady(context.Background(), &out); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if !strings.Contains(out.String(), "model llama3.1: ready") {
		t.Errorf("output = %q", out.String())
	}
}

func TestEnsureReady_HostedNeedsKey(t *testing.T) {
	var out bytes.Buffer
	if err := New(Config{Provider: ProviderOpenRouter}).EnsureReady(context.Background(), &out); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("error = %v, want ErrNotConfigured", err)
	}
	if err := New(Config{Provider: ProviderOpenRouter, APIKey: "k", Model: "m"}).EnsureReady(context.Background(), &out); err != nil {
		t.Errorf("EnsureReady with key: %v", err)
	}
}
