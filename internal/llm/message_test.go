package llm

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/quirehq/quire/internal/result"
)

func TestMarshalMessages_PreservesOrderAndVariants(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	in := []Message{
		UserMessage{Content: "add a contact", CreatedAt: now},
		ToolCallAssistantMessage{
			ToolCalls: []ToolCall{
				{ID: "call-1", Name: "list_collections", Arguments: json.RawMessage(`{}`)},
				{ID: "call-2", Name: "get_collection", Arguments: json.RawMessage(`{"collection_id":"c1"}`)},
			},
			CreatedAt: now.Add(time.Second),
		},
		ToolMessage{
			Results: []ToolResult{
				{CallID: "call-2", Name: "get_collection", Error: result.New("CollectionNotFound", map[string]string{"collection_id": "c1"})},
				{CallID: "call-1", Name: "list_collections", Success: true, Data: json.RawMessage(`[]`)},
			},
			CreatedAt: now.Add(2 * time.Second),
		},
		ContentAssistantMessage{Content: "done", CreatedAt: now.Add(3 * time.Second)},
	}

	data, err := MarshalMessages(in)
	if err != nil {
		t.Fatalf("MarshalMessages: %v", err)
	}
	out, err := UnmarshalMessages(data)
	if err != nil {
		t.Fatalf("UnmarshalMessages: %v", err)
	}

	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i].Kind() != in[i].Kind() {
			t.Errorf("message %d kind = %s, want %s", i, out[i].Kind(), in[i].Kind())
		}
	}

	tc, ok := out[1].(ToolCallAssistantMessage)
	if !ok {
		t.Fatalf("message 1 = %T, want ToolCallAssistantMessage", out[1])
	}
	tm, ok := out[2].(ToolMessage)
	if !ok {
		t.Fatalf("message 2 = %T, want ToolMessage", out[2])
	}
	ids := map[string]bool{}
	for _, c := range tc.ToolCalls {
		ids[c.ID] = true
	}
	for _, r := range tm.Results {
		if !ids[r.CallID] {
			t.Errorf("result %q has no matching tool call", r.CallID)
		}
	}
	if tm.Results[0].Error == nil || tm.Results[0].Error.Name != "CollectionNotFound" {
		t.Errorf("result error = %+v, want CollectionNotFound", tm.Results[0].Error)
	}
	if !LastTime(out).Equal(now.Add(3 * time.Second)) {
		t.Errorf("LastTime = %v, want %v", LastTime(out), now.Add(3*time.Second))
	}
}

func TestUnmarshalMessages_UnknownType(t *testing.T) {
	_, err := UnmarshalMessages([]byte(`[{"type":"system","message":{}}]`))
	if err == nil {
		t.Fatal("expected error for unknown message type")
	}
}
