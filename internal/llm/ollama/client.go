// Package ollama implements llm.Service against a local Ollama instance.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quirehq/quire/internal/llm"
)

// DefaultBaseURL is where a stock Ollama install listens.
const DefaultBaseURL = "http://localhost:11434"

// ErrNoSpeechToText is returned by SpeechToText; Ollama has no transcription
// endpoint.
var ErrNoSpeechToText = errors.New("ollama does not support speech-to-text")

// Message is a chat message in the Ollama API format.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	ToolName  string     `json:"tool_name,omitempty"`
}

// ToolCall is a model-issued function call. Ollama sends arguments as an
// object, not a string.
type ToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type tool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

// Client communicates with a local Ollama instance over HTTP.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// New creates a Client targeting the given Ollama base URL and chat model.
func New(baseURL, model string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: 0,
		},
	}
}

var _ llm.Service = (*Client)(nil)

// Model returns the chat model name.
func (c *Client) Model() string { return c.model }

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// IsRunning returns true if the Ollama server responds to GET /api/tags with 200.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ListModels returns the names of all models available locally.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting model list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

// HasModel reports whether the given model name is present locally.
func (c *Client) HasModel(ctx context.Context, name string) bool {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		// "llama3.1" matches "llama3.1:latest".
		if m == name || strings.HasPrefix(m, name+":") {
			return true
		}
	}
	return false
}

// PullProgress is one line of the streamed pull response.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// PullModel downloads a model, reading the streamed progress to completion.
// onProgress may be nil.
func (c *Client) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	body, err := json.Marshal(map[string]any{"name": name, "stream": true})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating pull request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pulling model %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pull %s: unexpected status %d", name, resp.StatusCode)
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var p PullProgress
		if err := dec.Decode(&p); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("reading pull progress: %w", err)
		}
		if onProgress != nil {
			onProgress(p)
		}
	}
	return nil
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Tools    []tool    `json:"tools,omitempty"`
	Stream   bool      `json:"stream"`
}

type chatResponse struct {
	Message Message `json:"message"`
}

// GenerateNextMessage sends history and tools to POST /api/chat.
func (c *Client) GenerateNextMessage(ctx context.Context, history []llm.Message, tools []llm.ToolSpec) (llm.Message, error) {
	cr := chatRequest{Model: c.model, Stream: false}
	for _, m := range history {
		wire, err := toWire(m)
		if err != nil {
			return nil, err
		}
		cr.Messages = append(cr.Messages, wire...)
	}
	for _, t := range tools {
		var w tool
		w.Type = "function"
		w.Function.Name = t.Name
		w.Function.Description = t.Description
		w.Function.Parameters = t.Parameters
		if len(w.Function.Parameters) == 0 {
			w.Function.Parameters = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		cr.Tools = append(cr.Tools, w)
	}

	body, err := json.Marshal(cr)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("chat: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding chat response: %w", err)
	}
	return fromWire(out.Message), nil
}

// SpeechToText always fails.
func (c *Client) SpeechToText(context.Context, llm.Audio) (string, error) {
	return "", ErrNoSpeechToText
}

func toWire(m llm.Message) ([]Message, error) {
	switch m := m.(type) {
	case llm.DeveloperMessage:
		return []Message{{Role: "system", Content: m.Content}}, nil
	case llm.UserContextMessage:
		return []Message{{Role: "user", Content: m.Content}}, nil
	case llm.UserMessage:
		return []Message{{Role: "user", Content: m.Content}}, nil
	case llm.ContentAssistantMessage:
		return []Message{{Role: "assistant", Content: m.Content}}, nil
	case llm.ToolCallAssistantMessage:
		wm := Message{Role: "assistant"}
		for _, tc := range m.ToolCalls {
			var call ToolCall
			call.Function.Name = tc.Name
			call.Function.Arguments = tc.Arguments
			if len(call.Function.Arguments) == 0 {
				call.Function.Arguments = json.RawMessage(`{}`)
			}
			wm.ToolCalls = append(wm.ToolCalls, call)
		}
		return []Message{wm}, nil
	case llm.ToolMessage:
		out := make([]Message, 0, len(m.Results))
		for _, r := range m.Results {
			content, err := llm.ResultContent(r)
			if err != nil {
				return nil, err
			}
			out = append(out, Message{Role: "tool", ToolName: r.Name, Content: content})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported message %T", m)
	}
}

// fromWire assigns call ids, which Ollama does not provide.
func fromWire(m Message) llm.Message {
	if len(m.ToolCalls) == 0 {
		return llm.ContentAssistantMessage{Content: m.Content}
	}
	calls := make([]llm.ToolCall, 0, len(m.ToolCalls))
	for _, tc := range m.ToolCalls {
		args := tc.Function.Arguments
		if len(args) == 0 || !json.Valid(args) || string(args) == "null" {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, llm.ToolCall{ID: uuid.NewString(), Name: tc.Function.Name, Arguments: args})
	}
	return llm.ToolCallAssistantMessage{ToolCalls: calls}
}
