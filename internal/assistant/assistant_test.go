package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/quirehq/quire/internal/collection"
	"github.com/quirehq/quire/internal/document"
	"github.com/quirehq/quire/internal/llm"
	"github.com/quirehq/quire/internal/result"
	"github.com/quirehq/quire/internal/storage"
	"github.com/quirehq/quire/internal/usecase"
)

// scriptedService replays canned replies and records every prompt.
type scriptedService struct {
	replies []llm.Message
	prompts [][]llm.Message
	tools   [][]llm.ToolSpec
	err     error
}

func (s *scriptedService) GenerateNextMessage(_ context.Context, history []llm.Message, tools []llm.ToolSpec) (llm.Message, error) {
	s.prompts = append(s.prompts, history)
	s.tools = append(s.tools, tools)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.replies) == 0 {
		return llm.ToolCallAssistantMessage{ToolCalls: []llm.ToolCall{{ID: "again", Name: "list_collections"}}}, nil
	}
	next := s.replies[0]
	s.replies = s.replies[1:]
	return next, nil
}

func (s *scriptedService) SpeechToText(context.Context, llm.Audio) (string, error) {
	return "", errors.New("not supported")
}

func newTestBackend(t *testing.T) *usecase.Backend {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return usecase.NewBackend(store, usecase.Options{})
}

// runLoop runs the loop in a committed transaction.
func runLoop(t *testing.T, b *usecase.Backend, kind string, svc llm.Service, maxTurns int, history []llm.Message) ([]llm.Message, error) {
	t.Helper()
	a, err := New(kind)
	if err != nil {
		t.Fatalf("New(%s): %v", kind, err)
	}
	var out []llm.Message
	var loopErr error
	err = b.Transaction(context.Background(), func(env *usecase.Env) (storage.Decision, error) {
		l := NewLoop(svc, env)
		l.MaxTurns = maxTurns
		out, loopErr = l.Run(context.Background(), env, a, "conv-1", history)
		return storage.Commit, nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	return out, loopErr
}

func newPeople(t *testing.T, b *usecase.Backend) string {
	t.Helper()
	res := usecase.Run(context.Background(), b, collection.Create, collection.CreateInput{
		Name:      "People",
		Schema:    "name: string\nemail: string\n",
		KeyScript: `exports.default = function (d) { return [d.email]; };`,
	})
	if !res.Success {
		t.Fatalf("collection.Create: %v", res.Error)
	}
	return res.Data.ID
}

func call(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func TestNew_UnknownKind(t *testing.T) {
	_, err := New("poet")
	if !result.Is(err, NameUnknownKind) {
		t.Errorf("New(poet) error = %v, want %s", err, NameUnknownKind)
	}
	if got := Kinds(); len(got) != 2 || got[0] != KindEditor || got[1] != KindReader {
		t.Errorf("Kinds() = %v", got)
	}
}

func TestTools_ReaderCannotWrite(t *testing.T) {
	editor, _ := New(KindEditor)
	reader, _ := New(KindReader)

	names := func(a Assistant) map[string]bool {
		m := map[string]bool{}
		for _, s := range a.Tools() {
			m[s.Name] = true
		}
		return m
	}
	if !names(editor)["create_document"] || !names(editor)[ToolCompleteConversation] {
		t.Errorf("editor tools = %v", names(editor))
	}
	if names(reader)["create_document"] || names(reader)["create_document_version"] {
		t.Errorf("reader tools = %v, want read-only", names(reader))
	}
}

func TestTools_ParametersAreJSONSchema(t *testing.T) {
	a, _ := New(KindEditor)
	for _, spec := range a.Tools() {
		if spec.Name != "create_document_version" {
			continue
		}
		params, err := llm.ParametersOf(spec)
		if err != nil {
			t.Fatalf("ParametersOf: %v", err)
		}
		if params["type"] != "object" {
			t.Errorf("type = %v, want object", params["type"])
		}
		props, _ := params["properties"].(map[string]any)
		for _, name := range []string{"collection_id", "document_id", "latest_version_id", "content"} {
			if _, ok := props[name]; !ok {
				t.Errorf("property %s missing", name)
			}
		}
		req, _ := params["required"].([]any)
		if len(req) != 4 {
			t.Errorf("required = %v, want 4 entries", req)
		}
		return
	}
	t.Fatal("create_document_version not found")
}

func TestLoop_ContentReplyEndsLoop(t *testing.T) {
	b := newTestBackend(t)
	newPeople(t, b)
	svc := &scriptedService{replies: []llm.Message{llm.ContentAssistantMessage{Content: "hi"}}}

	history := []llm.Message{llm.UserMessage{Content: "hello"}}
	out, err := runLoop(t, b, KindEditor, svc, 5, history)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("history = %d messages, want 2", len(out))
	}
	reply, ok := out[1].(llm.ContentAssistantMessage)
	if !ok || reply.Content != "hi" || reply.CreatedAt.IsZero() {
		t.Errorf("reply = %#v", out[1])
	}

	prompt := svc.prompts[0]
	if _, ok := prompt[0].(llm.DeveloperMessage); !ok {
		t.Errorf("prompt[0] = %T, want DeveloperMessage", prompt[0])
	}
	uc, ok := prompt[1].(llm.UserContextMessage)
	if !ok || !strings.Contains(uc.Content, "People") || !strings.Contains(uc.Content, "email: string") {
		t.Errorf("prompt[1] = %#v, want the collection summary", prompt[1])
	}
}

func TestLoop_DomainFailureFedBackToModel(t *testing.T) {
	b := newTestBackend(t)
	c := newPeople(t, b)
	svc := &scriptedService{replies: []llm.Message{
		llm.ToolCallAssistantMessage{ToolCalls: []llm.ToolCall{
			call("a", "get_collection", `{"collection_id":"missing"}`),
			call("b", "list_documents", `{"collection_id":"`+c+`"}`),
			call("c", "no_such_tool", `{}`),
		}},
		llm.ContentAssistantMessage{Content: "done"},
	}}

	out, err := runLoop(t, b, KindEditor, svc, 5, []llm.Message{llm.UserMessage{Content: "look"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out) != 4 {
		t.Fatalf("history = %d messages, want 4", len(out))
	}
	tm, ok := out[2].(llm.ToolMessage)
	if !ok || len(tm.Results) != 3 {
		t.Fatalf("out[2] = %#v, want a tool message with 3 results", out[2])
	}
	byID := map[string]llm.ToolResult{}
	for _, r := range tm.Results {
		byID[r.CallID] = r
	}
	if r := byID["a"]; r.Success || r.Error == nil || r.Error.Name != collection.NameNotFound {
		t.Errorf("result a = %+v, want %s", r, collection.NameNotFound)
	}
	if r := byID["b"]; !r.Success || string(r.Data) != "[]" {
		t.Errorf("result b = %+v, want empty list", r)
	}
	if r := byID["c"]; r.Success || r.Error.Name != NameUnknownTool {
		t.Errorf("result c = %+v, want %s", r, NameUnknownTool)
	}

	// The second request carries the tool turn.
	if got := len(svc.prompts[1]); got != 2+3 {
		t.Errorf("second prompt = %d messages, want 5", got)
	}
}

func TestLoop_EditorCreatesDocumentsAsAssistant(t *testing.T) {
	b := newTestBackend(t)
	c := newPeople(t, b)
	content := `{"name":"Ada","email":"ada@example.com"}`
	svc := &scriptedService{replies: []llm.Message{
		llm.ToolCallAssistantMessage{ToolCalls: []llm.ToolCall{
			call("1", "create_document", `{"collection_id":"`+c+`","content":`+content+`}`),
		}},
		llm.ToolCallAssistantMessage{ToolCalls: []llm.ToolCall{
			call("2", "create_document", `{"collection_id":"`+c+`","content":`+content+`}`),
		}},
		llm.ContentAssistantMessage{Content: "Ada already exists."},
	}}

	out, err := runLoop(t, b, KindEditor, svc, 5, []llm.Message{llm.UserMessage{Content: "add Ada twice"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	second := out[4].(llm.ToolMessage).Results[0]
	if second.Success || second.Error.Name != document.NameDuplicateDetected {
		t.Errorf("second create = %+v, want %s", second, document.NameDuplicateDetected)
	}

	list := usecase.Run(context.Background(), b, document.List, document.ListInput{CollectionID: c})
	if !list.Success || len(list.Data) != 1 {
		t.Fatalf("documents = %+v, want 1", list)
	}
	v := list.Data[0]
	if v.CreatedBy != storage.AuthorAssistant || v.ConversationID == nil || *v.ConversationID != "conv-1" {
		t.Errorf("version origin = %s/%v, want assistant/conv-1", v.CreatedBy, v.ConversationID)
	}
}

func TestLoop_ReaderCannotCallWriteTools(t *testing.T) {
	b := newTestBackend(t)
	c := newPeople(t, b)
	svc := &scriptedService{replies: []llm.Message{
		llm.ToolCallAssistantMessage{ToolCalls: []llm.ToolCall{
			call("1", "create_document", `{"collection_id":"`+c+`","content":{"name":"Ada","email":"a@b"}}`),
		}},
		llm.ContentAssistantMessage{Content: "I cannot do that."},
	}}

	out, err := runLoop(t, b, KindReader, svc, 5, []llm.Message{llm.UserMessage{Content: "add Ada"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r := out[2].(llm.ToolMessage).Results[0]; r.Success || r.Error.Name != NameUnknownTool {
		t.Errorf("result = %+v, want %s", r, NameUnknownTool)
	}
}

func TestLoop_CompleteConversationAloneEndsLoop(t *testing.T) {
	b := newTestBackend(t)
	svc := &scriptedService{replies: []llm.Message{
		llm.ToolCallAssistantMessage{ToolCalls: []llm.ToolCall{call("end", ToolCompleteConversation, `{}`)}},
	}}

	out, err := runLoop(t, b, KindEditor, svc, 5, []llm.Message{llm.UserMessage{Content: "thanks"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out) != 3 || len(svc.prompts) != 1 {
		t.Fatalf("history = %d messages after %d requests, want 3 after 1", len(out), len(svc.prompts))
	}
	if r := out[2].(llm.ToolMessage).Results[0]; !r.Success || r.CallID != "end" {
		t.Errorf("result = %+v", r)
	}
}

func TestLoop_TurnLimit(t *testing.T) {
	b := newTestBackend(t)
	svc := &scriptedService{}

	_, err := runLoop(t, b, KindEditor, svc, 3, []llm.Message{llm.UserMessage{Content: "loop forever"}})
	if !errors.Is(err, ErrTurnLimit) {
		t.Fatalf("Run error = %v, want ErrTurnLimit", err)
	}
	if len(svc.prompts) != 3 {
		t.Errorf("requests = %d, want 3", len(svc.prompts))
	}
}

func TestLoop_InferenceErrorUnwinds(t *testing.T) {
	b := newTestBackend(t)
	svc := &scriptedService{err: errors.New("upstream 500")}

	_, err := runLoop(t, b, KindEditor, svc, 5, []llm.Message{llm.UserMessage{Content: "hi"}})
	if err == nil || !strings.Contains(err.Error(), "upstream 500") {
		t.Errorf("Run error = %v, want the inference error", err)
	}
	if _, ok := result.As(err); ok {
		t.Error("inference failure must not be a domain error")
	}
}

func TestLoop_ToolResultsCorrelateWithConcurrency(t *testing.T) {
	b := newTestBackend(t)
	c := newPeople(t, b)
	calls := []llm.ToolCall{
		call("x1", "list_collections", `{}`),
		call("x2", "get_collection", `{"collection_id":"`+c+`"}`),
		call("x3", "list_documents", `{"collection_id":"`+c+`"}`),
	}
	svc := &scriptedService{replies: []llm.Message{
		llm.ToolCallAssistantMessage{ToolCalls: calls},
		llm.ContentAssistantMessage{Content: "ok"},
	}}

	a, _ := New(KindReader)
	var out []llm.Message
	err := b.Transaction(context.Background(), func(env *usecase.Env) (storage.Decision, error) {
		l := Loop{Inference: svc, MaxTurns: 5, ToolConcurrency: 3}
		var err error
		out, err = l.Run(context.Background(), env, a, "conv-1", nil)
		return storage.Rollback, err
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	results := out[1].(llm.ToolMessage).Results
	for i, r := range results {
		if r.CallID != calls[i].ID || r.Name != calls[i].Name || !r.Success {
			t.Errorf("result %d = %+v, want success for %s", i, r, calls[i].ID)
		}
	}
}
