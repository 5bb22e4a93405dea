package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quirehq/quire/internal/result"
)

// ToolSpec describes a tool the model may call. Parameters is a JSON Schema
// object.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Audio is a recorded user utterance.
type Audio struct {
	MIMEType string
	Data     []byte
}

// Service is the inference capability the assistant loop depends on.
type Service interface {
	// GenerateNextMessage returns either a ContentAssistantMessage or a
	// ToolCallAssistantMessage continuing history.
	GenerateNextMessage(ctx context.Context, history []Message, tools []ToolSpec) (Message, error)

	// SpeechToText transcribes audio.
	SpeechToText(ctx context.Context, audio Audio) (string, error)
}

// ResultContent renders a tool result as the JSON text providers hand back to
// the model: {"success":true,"data":...} or {"success":false,"error":{...}}.
func ResultContent(r ToolResult) (string, error) {
	var v any
	if r.Success {
		data := r.Data
		if len(data) == 0 {
			data = json.RawMessage(`null`)
		}
		v = struct {
			Success bool            `json:"success"`
			Data    json.RawMessage `json:"data"`
		}{true, data}
	} else {
		v = struct {
			Success bool          `json:"success"`
			Error   *result.Error `json:"error"`
		}{false, r.Error}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding result of %s: %w", r.Name, err)
	}
	return string(b), nil
}

// ParametersOf decodes a tool's JSON Schema into a generic map. Providers
// that need a typed schema walk this map.
func ParametersOf(spec ToolSpec) (map[string]any, error) {
	if len(spec.Parameters) == 0 {
		return map[string]any{"type": "object", "properties": map[string]any{}}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(spec.Parameters, &m); err != nil {
		return nil, err
	}
	return m, nil
}
