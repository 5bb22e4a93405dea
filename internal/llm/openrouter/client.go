// Package openrouter implements llm.Service against an OpenAI-compatible
// chat-completions API (OpenRouter by default).
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quirehq/quire/internal/llm"
)

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	defaultTimeout = 120 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
)

// Client talks to the chat-completions and audio-transcriptions endpoints.
type Client struct {
	apiKey             string
	baseURL            string
	model              string
	transcriptionModel string
	httpClient         *http.Client
	referer            string
	title              string
	backoff            time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another OpenAI-compatible server.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithTranscriptionModel sets the model used by SpeechToText.
func WithTranscriptionModel(m string) Option {
	return func(c *Client) { c.transcriptionModel = m }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client generating with model.
func New(apiKey, model string, opts ...Option) *Client {
	c := &Client{
		apiKey:             apiKey,
		baseURL:            DefaultBaseURL,
		model:              model,
		transcriptionModel: "openai/whisper-1",
		httpClient:         &http.Client{Timeout: defaultTimeout},
		referer:            "https://github.com/quirehq/quire",
		title:              "quire",
		backoff:            initialBackoff,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

var _ llm.Service = (*Client)(nil)

// GenerateNextMessage sends history and tools and maps the first choice back
// onto the message union.
func (c *Client) GenerateNextMessage(ctx context.Context, history []llm.Message, tools []llm.ToolSpec) (llm.Message, error) {
	req := chatRequest{Model: c.model}
	for _, m := range history {
		wire, err := toWire(m)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, wire...)
	}
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		req.Tools = append(req.Tools, tool{
			Type:     "function",
			Function: function{Name: t.Name, Description: t.Description, Parameters: params},
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	respBody, err := c.withRetry(ctx, func() ([]byte, error) {
		return c.post(ctx, "/chat/completions", "application/json", body)
	})
	if err != nil {
		return nil, err
	}

	var resp chatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decoding chat response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("chat response has no choices")
	}
	return fromWire(resp.Choices[0].Message), nil
}

// SpeechToText posts audio to /audio/transcriptions.
func (c *Client) SpeechToText(ctx context.Context, audio llm.Audio) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("model", c.transcriptionModel); err != nil {
		return "", err
	}
	fw, err := mw.CreateFormFile("file", "audio"+extensionFor(audio.MIMEType))
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(audio.Data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	respBody, err := c.withRetry(ctx, func() ([]byte, error) {
		return c.post(ctx, "/audio/transcriptions", mw.FormDataContentType(), buf.Bytes())
	})
	if err != nil {
		return "", err
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("decoding transcription: %w", err)
	}
	return out.Text, nil
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	var rl *rateLimitError
	return errors.As(err, &rl)
}

// withRetry retries fn with exponential backoff while it is rate limited.
func (c *Client) withRetry(ctx context.Context, fn func() ([]byte, error)) ([]byte, error) {
	var lastErr error
	for attempt := range maxRetries {
		b, err := fn()
		if err == nil {
			return b, nil
		}
		if !isRateLimit(err) {
			return nil, err
		}
		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(c.backoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) post(ctx context.Context, path, contentType string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", c.referer)
	req.Header.Set("X-Title", c.title)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &rateLimitError{status: resp.StatusCode}
	}
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

func toWire(m llm.Message) ([]wireMessage, error) {
	switch m := m.(type) {
	case llm.DeveloperMessage:
		return []wireMessage{{Role: "system", Content: m.Content}}, nil
	case llm.UserContextMessage:
		return []wireMessage{{Role: "user", Content: m.Content}}, nil
	case llm.UserMessage:
		return []wireMessage{{Role: "user", Content: m.Content}}, nil
	case llm.ContentAssistantMessage:
		return []wireMessage{{Role: "assistant", Content: m.Content}}, nil
	case llm.ToolCallAssistantMessage:
		wm := wireMessage{Role: "assistant"}
		for _, tc := range m.ToolCalls {
			args := string(tc.Arguments)
			if args == "" {
				args = "{}"
			}
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: wireFunctionCall{Name: tc.Name, Arguments: args},
			})
		}
		return []wireMessage{wm}, nil
	case llm.ToolMessage:
		out := make([]wireMessage, 0, len(m.Results))
		for _, r := range m.Results {
			content, err := llm.ResultContent(r)
			if err != nil {
				return nil, err
			}
			out = append(out, wireMessage{Role: "tool", ToolCallID: r.CallID, Name: r.Name, Content: content})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported message %T", m)
	}
}

func fromWire(wm wireMessage) llm.Message {
	if len(wm.ToolCalls) == 0 {
		return llm.ContentAssistantMessage{Content: wm.Content}
	}
	calls := make([]llm.ToolCall, 0, len(wm.ToolCalls))
	for _, tc := range wm.ToolCalls {
		id := tc.ID
		if id == "" {
			id = uuid.NewString()
		}
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, llm.ToolCall{ID: id, Name: tc.Function.Name, Arguments: args})
	}
	return llm.ToolCallAssistantMessage{ToolCalls: calls}
}

func extensionFor(mime string) string {
	switch {
	case strings.Contains(mime, "wav"):
		return ".wav"
	case strings.Contains(mime, "mpeg"), strings.Contains(mime, "mp3"):
		return ".mp3"
	case strings.Contains(mime, "ogg"):
		return ".ogg"
	case strings.Contains(mime, "mp4"), strings.Contains(mime, "m4a"):
		return ".m4a"
	default:
		return ".webm"
	}
}

// Model is an entry of GET /models.
type Model struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ListModels returns the models the API key can use.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var list struct {
		Data []Model `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding models: %w", err)
	}
	if list.Data == nil {
		return []Model{}, nil
	}
	return list.Data, nil
}
