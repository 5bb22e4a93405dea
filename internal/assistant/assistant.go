// Package assistant defines the assistant personas and the tool-calling loop
// that drives them.
package assistant

import (
	"context"
	"sort"

	"github.com/quirehq/quire/internal/llm"
	"github.com/quirehq/quire/internal/result"
	"github.com/quirehq/quire/internal/usecase"
)

// Persona identifiers.
const (
	KindEditor = "editor"
	KindReader = "reader"
)

// NameUnknownKind is returned by New for an unregistered persona.
const NameUnknownKind = "UnknownAssistantKind"

// Assistant is one persona: what it is told, what it can see, and the tools
// it may call.
type Assistant interface {
	Kind() string
	DeveloperPrompt() string
	UserContextPrompt(ctx context.Context, env *usecase.Env) (string, error)
	Tools() []llm.ToolSpec
	// DispatchToolCall runs one call. Domain failures come back as an
	// unsuccessful ToolResult; a returned error is unexpected and aborts
	// the loop.
	DispatchToolCall(ctx context.Context, env *usecase.Env, conversationID string, call llm.ToolCall) (llm.ToolResult, error)
}

var personas = map[string]func() Assistant{
	KindEditor: func() Assistant { return newEditor() },
	KindReader: func() Assistant { return newReader() },
}

// New returns the persona registered under kind.
func New(kind string) (Assistant, error) {
	f, ok := personas[kind]
	if !ok {
		return nil, result.New(NameUnknownKind, map[string]any{"kind": kind, "known": Kinds()})
	}
	return f(), nil
}

// Kinds lists the registered personas.
func Kinds() []string {
	out := make([]string, 0, len(personas))
	for k := range personas {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type editor struct{ toolbox }

func newEditor() *editor {
	return &editor{toolbox: newToolbox(
		listCollectionsTool, getCollectionTool, listDocumentsTool, getDocumentTool,
		createDocumentTool, createDocumentsTool, createDocumentVersionTool,
		completeConversationTool,
	)}
}

func (*editor) Kind() string { return KindEditor }

func (*editor) DeveloperPrompt() string { return editorPrompt }

func (*editor) UserContextPrompt(ctx context.Context, env *usecase.Env) (string, error) {
	return userContext(ctx, env)
}

type reader struct{ toolbox }

func newReader() *reader {
	return &reader{toolbox: newToolbox(
		listCollectionsTool, getCollectionTool, listDocumentsTool, getDocumentTool,
		completeConversationTool,
	)}
}

func (*reader) Kind() string { return KindReader }

func (*reader) DeveloperPrompt() string { return readerPrompt }

func (*reader) UserContextPrompt(ctx context.Context, env *usecase.Env) (string, error) {
	return userContext(ctx, env)
}
