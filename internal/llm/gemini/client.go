// Package gemini implements llm.Service with Google's Gemini API through
// function calling.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/option"

	"github.com/quirehq/quire/internal/llm"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-1.5-flash"

const transcribePrompt = "Transcribe this audio verbatim. Reply with the transcript only."

// Client wraps a genai client bound to one model.
type Client struct {
	client    *genai.Client
	modelName string
}

// New creates a Gemini client authenticated with apiKey.
func New(ctx context.Context, apiKey, modelName string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	if modelName == "" {
		modelName = DefaultModel
	}
	return &Client{client: cl, modelName: modelName}, nil
}

var _ llm.Service = (*Client)(nil)

func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// GenerateNextMessage replays history as a chat session and sends its final
// turn.
func (c *Client) GenerateNextMessage(ctx context.Context, history []llm.Message, tools []llm.ToolSpec) (llm.Message, error) {
	m := c.client.GenerativeModel(c.modelName)

	system, contents, err := toContents(history)
	if err != nil {
		return nil, err
	}
	if system != "" {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if len(tools) > 0 {
		decls, err := toDeclarations(tools)
		if err != nil {
			return nil, err
		}
		m.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	if len(contents) == 0 {
		return nil, errors.New("gemini: history has no user or model turns")
	}

	cs := m.StartChat()
	cs.History = contents[:len(contents)-1]
	last := contents[len(contents)-1]

	resp, err := cs.SendMessage(ctx, last.Parts...)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	return fromResponse(resp), nil
}

// SpeechToText sends the audio inline and asks the model for a transcript.
func (c *Client) SpeechToText(ctx context.Context, audio llm.Audio) (string, error) {
	m := c.client.GenerativeModel(c.modelName)
	resp, err := m.GenerateContent(ctx, genai.Blob{MIMEType: audio.MIMEType, Data: audio.Data}, genai.Text(transcribePrompt))
	if err != nil {
		return "", fmt.Errorf("gemini transcribe: %w", err)
	}
	if cm, ok := fromResponse(resp).(llm.ContentAssistantMessage); ok {
		return strings.TrimSpace(cm.Content), nil
	}
	return "", errors.New("gemini transcribe: model answered with a function call")
}

// toContents maps history onto alternating user/model turns. Developer
// messages become the system instruction.
func toContents(history []llm.Message) (string, []*genai.Content, error) {
	var system []string
	var out []*genai.Content

	add := func(role string, parts ...genai.Part) {
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, parts...)
			return
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}

	for _, msg := range history {
		switch m := msg.(type) {
		case llm.DeveloperMessage:
			system = append(system, m.Content)
		case llm.UserContextMessage:
			add("user", genai.Text(m.Content))
		case llm.UserMessage:
			add("user", genai.Text(m.Content))
		case llm.ContentAssistantMessage:
			add("model", genai.Text(m.Content))
		case llm.ToolCallAssistantMessage:
			for _, tc := range m.ToolCalls {
				args := map[string]any{}
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &args); err != nil {
						return "", nil, fmt.Errorf("decoding arguments of %s: %w", tc.Name, err)
					}
				}
				add("model", genai.FunctionCall{Name: tc.Name, Args: args})
			}
		case llm.ToolMessage:
			for _, r := range m.Results {
				content, err := llm.ResultContent(r)
				if err != nil {
					return "", nil, err
				}
				var resp map[string]any
				if err := json.Unmarshal([]byte(content), &resp); err != nil {
					return "", nil, err
				}
				add("user", genai.FunctionResponse{Name: r.Name, Response: resp})
			}
		default:
			return "", nil, fmt.Errorf("unsupported message %T", msg)
		}
	}
	return strings.Join(system, "\n\n"), out, nil
}

// fromResponse reads the first candidate. Gemini does not identify function
// calls, so each one gets a fresh id.
func fromResponse(resp *genai.GenerateContentResponse) llm.Message {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return llm.ContentAssistantMessage{}
	}

	var text strings.Builder
	var calls []llm.ToolCall
	for _, p := range resp.Candidates[0].Content.Parts {
		switch p := p.(type) {
		case genai.Text:
			text.WriteString(string(p))
		case genai.FunctionCall:
			args, err := json.Marshal(p.Args)
			if err != nil || p.Args == nil {
				args = []byte(`{}`)
			}
			calls = append(calls, llm.ToolCall{ID: uuid.NewString(), Name: p.Name, Arguments: args})
		}
	}
	if len(calls) > 0 {
		return llm.ToolCallAssistantMessage{ToolCalls: calls}
	}
	return llm.ContentAssistantMessage{Content: text.String()}
}

func toDeclarations(tools []llm.ToolSpec) ([]*genai.FunctionDeclaration, error) {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		params, err := llm.ParametersOf(t)
		if err != nil {
			return nil, fmt.Errorf("parameters of %s: %w", t.Name, err)
		}
		d := &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
		if props, _ := params["properties"].(map[string]any); len(props) > 0 {
			d.Parameters = toSchema(params)
		}
		decls = append(decls, d)
	}
	return decls, nil
}

// toSchema converts the JSON Schema subset the tool builders emit.
func toSchema(m map[string]any) *genai.Schema {
	s := &genai.Schema{}
	s.Description, _ = m["description"].(string)

	switch m["type"] {
	case "string":
		s.Type = genai.TypeString
	case "number":
		s.Type = genai.TypeNumber
	case "integer":
		s.Type = genai.TypeInteger
	case "boolean":
		s.Type = genai.TypeBoolean
	case "array":
		s.Type = genai.TypeArray
		if items, ok := m["items"].(map[string]any); ok {
			s.Items = toSchema(items)
		} else {
			s.Items = &genai.Schema{Type: genai.TypeString}
		}
	default:
		s.Type = genai.TypeObject
		if props, ok := m["properties"].(map[string]any); ok {
			s.Properties = make(map[string]*genai.Schema, len(props))
			for name, raw := range props {
				if pm, ok := raw.(map[string]any); ok {
					s.Properties[name] = toSchema(pm)
				}
			}
		}
		if req, ok := m["required"].([]any); ok {
			for _, r := range req {
				if name, ok := r.(string); ok {
					s.Required = append(s.Required, name)
				}
			}
		}
	}
	if enum, ok := m["enum"].([]any); ok {
		for _, e := range enum {
			if v, ok := e.(string); ok {
				s.Enum = append(s.Enum, v)
			}
		}
	}
	return s
}
