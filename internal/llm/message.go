// Package llm defines the conversation message model shared by the assistant
// loop, persistence, and the inference providers.
package llm

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/quirehq/quire/internal/result"
)

// Kind tags each message variant on the wire and in storage.
type Kind string

const (
	KindDeveloper         Kind = "developer"
	KindUserContext       Kind = "user_context"
	KindUser              Kind = "user"
	KindContentAssistant  Kind = "content_assistant"
	KindToolCallAssistant Kind = "tool_call_assistant"
	KindTool              Kind = "tool"
)

// Message is one of DeveloperMessage, UserContextMessage, UserMessage,
// ContentAssistantMessage, ToolCallAssistantMessage or ToolMessage. The set
// is closed; switch on the concrete type.
type Message interface {
	Kind() Kind
	Time() time.Time
	isMessage()
}

// DeveloperMessage carries the persona's instructions.
type DeveloperMessage struct {
	Content string `json:"content"`
}

// UserContextMessage carries a snapshot of domain facts for the current turn.
type UserContextMessage struct {
	Content string `json:"content"`
}

// UserMessage is a message typed or spoken by the user.
type UserMessage struct {
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Media is an attachment on an assistant reply.
type Media struct {
	MIMEType string `json:"mime_type"`
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// ContentAssistantMessage is a terminal assistant reply.
type ContentAssistantMessage struct {
	Content   string    `json:"content"`
	Media     []Media   `json:"media,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ToolCall is a model-issued request to invoke a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCallAssistantMessage asks for one or more tool invocations.
type ToolCallAssistantMessage struct {
	ToolCalls []ToolCall `json:"tool_calls"`
	CreatedAt time.Time  `json:"created_at"`
}

// ToolResult answers the ToolCall with the same CallID.
type ToolResult struct {
	CallID  string          `json:"call_id"`
	Name    string          `json:"name"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *result.Error   `json:"error,omitempty"`
}

// ToolMessage folds every result of one tool-call turn.
type ToolMessage struct {
	Results   []ToolResult `json:"results"`
	CreatedAt time.Time    `json:"created_at"`
}

func (DeveloperMessage) Kind() Kind         { return KindDeveloper }
func (UserContextMessage) Kind() Kind       { return KindUserContext }
func (UserMessage) Kind() Kind              { return KindUser }
func (ContentAssistantMessage) Kind() Kind  { return KindContentAssistant }
func (ToolCallAssistantMessage) Kind() Kind { return KindToolCallAssistant }
func (ToolMessage) Kind() Kind              { return KindTool }

func (DeveloperMessage) Time() time.Time           { return time.Time{} }
func (UserContextMessage) Time() time.Time         { return time.Time{} }
func (m UserMessage) Time() time.Time              { return m.CreatedAt }
func (m ContentAssistantMessage) Time() time.Time  { return m.CreatedAt }
func (m ToolCallAssistantMessage) Time() time.Time { return m.CreatedAt }
func (m ToolMessage) Time() time.Time              { return m.CreatedAt }

func (DeveloperMessage) isMessage()         {}
func (UserContextMessage) isMessage()       {}
func (UserMessage) isMessage()              {}
func (ContentAssistantMessage) isMessage()  {}
func (ToolCallAssistantMessage) isMessage() {}
func (ToolMessage) isMessage()              {}

// OK builds a successful tool result.
func OK(call ToolCall, data any) (ToolResult, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return ToolResult{}, fmt.Errorf("marshaling %s result: %w", call.Name, err)
	}
	return ToolResult{CallID: call.ID, Name: call.Name, Success: true, Data: b}, nil
}

// Failed builds an unsuccessful tool result carrying a domain error.
func Failed(call ToolCall, e *result.Error) ToolResult {
	return ToolResult{CallID: call.ID, Name: call.Name, Error: e}
}

type envelope struct {
	Type Kind            `json:"type"`
	Body json.RawMessage `json:"message"`
}

// MarshalMessages encodes a history as a JSON array of tagged envelopes.
func MarshalMessages(msgs []Message) ([]byte, error) {
	out := make([]envelope, 0, len(msgs))
	for i, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("marshaling message %d: %w", i, err)
		}
		out = append(out, envelope{Type: m.Kind(), Body: b})
	}
	return json.Marshal(out)
}

// UnmarshalMessages decodes a history produced by MarshalMessages.
func UnmarshalMessages(data []byte) ([]Message, error) {
	var envs []envelope
	if err := json.Unmarshal(data, &envs); err != nil {
		return nil, fmt.Errorf("decoding message envelopes: %w", err)
	}
	msgs := make([]Message, 0, len(envs))
	for i, env := range envs {
		m, err := decode(env)
		if err != nil {
			return nil, fmt.Errorf("decoding message %d: %w", i, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func decode(env envelope) (Message, error) {
	switch env.Type {
	case KindDeveloper:
		var m DeveloperMessage
		err := json.Unmarshal(env.Body, &m)
		return m, err
	case KindUserContext:
		var m UserContextMessage
		err := json.Unmarshal(env.Body, &m)
		return m, err
	case KindUser:
		var m UserMessage
		err := json.Unmarshal(env.Body, &m)
		return m, err
	case KindContentAssistant:
		var m ContentAssistantMessage
		err := json.Unmarshal(env.Body, &m)
		return m, err
	case KindToolCallAssistant:
		var m ToolCallAssistantMessage
		err := json.Unmarshal(env.Body, &m)
		return m, err
	case KindTool:
		var m ToolMessage
		err := json.Unmarshal(env.Body, &m)
		return m, err
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}

// LastTime returns the timestamp of the newest timestamped message, or the
// zero time if there is none.
func LastTime(msgs []Message) time.Time {
	for i := len(msgs) - 1; i >= 0; i-- {
		if t := msgs[i].Time(); !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}
