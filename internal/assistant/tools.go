package assistant

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/quirehq/quire/internal/collection"
	"github.com/quirehq/quire/internal/document"
	"github.com/quirehq/quire/internal/llm"
	"github.com/quirehq/quire/internal/result"
	"github.com/quirehq/quire/internal/storage"
	"github.com/quirehq/quire/internal/usecase"
)

// ToolCompleteConversation ends the loop when called on its own.
const ToolCompleteConversation = "complete_conversation"

// Domain errors produced while dispatching.
const (
	NameUnknownTool      = "UnknownTool"
	NameInvalidArguments = "InvalidToolArguments"
)

// toolFunc runs a tool against decoded arguments.
type toolFunc func(ctx context.Context, env *usecase.Env, conversationID string, args json.RawMessage) (any, error)

type tool struct {
	def mcp.Tool
	run toolFunc
}

// toolbox is the dispatch table shared by the personas.
type toolbox struct {
	specs  []llm.ToolSpec
	byName map[string]tool
}

func newToolbox(tools ...tool) toolbox {
	tb := toolbox{byName: make(map[string]tool, len(tools))}
	for _, t := range tools {
		tb.specs = append(tb.specs, toolSpec(t.def))
		tb.byName[t.def.Name] = t
	}
	return tb
}

// toolSpec renders an mcp tool definition as the JSON Schema the providers
// send to the model.
func toolSpec(def mcp.Tool) llm.ToolSpec {
	params, err := json.Marshal(def.InputSchema)
	if err != nil {
		panic(fmt.Sprintf("tool %s: %v", def.Name, err))
	}
	return llm.ToolSpec{Name: def.Name, Description: def.Description, Parameters: params}
}

func (tb toolbox) Tools() []llm.ToolSpec {
	return tb.specs
}

func (tb toolbox) DispatchToolCall(ctx context.Context, env *usecase.Env, conversationID string, call llm.ToolCall) (llm.ToolResult, error) {
	t, ok := tb.byName[call.Name]
	if !ok {
		return llm.Failed(call, result.New(NameUnknownTool, map[string]string{"name": call.Name})), nil
	}
	args := call.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}

	out, err := t.run(ctx, env, conversationID, args)
	if err != nil {
		if e, ok := result.As(err); ok && !isInvariant(err) {
			return llm.Failed(call, e), nil
		}
		return llm.ToolResult{}, fmt.Errorf("tool %s: %w", call.Name, err)
	}
	return llm.OK(call, out)
}

// decode unmarshals tool arguments, reporting malformed input to the model.
func decode[T any](args json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(args, &v); err != nil {
		return v, result.New(NameInvalidArguments, map[string]string{"message": err.Error()})
	}
	return v, nil
}

func origin(conversationID string) document.Origin {
	o := document.Origin{CreatedBy: storage.AuthorAssistant}
	if conversationID != "" {
		o.ConversationID = &conversationID
	}
	return o
}

var listCollectionsTool = tool{
	def: mcp.NewTool("list_collections",
		mcp.WithDescription("List every collection with its fields and document count."),
	),
	run: func(ctx context.Context, env *usecase.Env, _ string, _ json.RawMessage) (any, error) {
		return collection.List(ctx, env, struct{}{})
	},
}

var getCollectionTool = tool{
	def: mcp.NewTool("get_collection",
		mcp.WithDescription("Get one collection including its full CUE schema."),
		mcp.WithString("collection_id", mcp.Required(), mcp.Description("Collection id")),
	),
	run: func(ctx context.Context, env *usecase.Env, _ string, args json.RawMessage) (any, error) {
		in, err := decode[collection.GetInput](args)
		if err != nil {
			return nil, err
		}
		return collection.Get(ctx, env, in)
	},
}

var listDocumentsTool = tool{
	def: mcp.NewTool("list_documents",
		mcp.WithDescription("List the latest version of every document in a collection."),
		mcp.WithString("collection_id", mcp.Required(), mcp.Description("Collection id")),
	),
	run: func(ctx context.Context, env *usecase.Env, _ string, args json.RawMessage) (any, error) {
		in, err := decode[document.ListInput](args)
		if err != nil {
			return nil, err
		}
		return document.List(ctx, env, in)
	},
}

var getDocumentTool = tool{
	def: mcp.NewTool("get_document",
		mcp.WithDescription("Get a document and its latest version. Use the returned latest.id as latest_version_id when updating."),
		mcp.WithString("collection_id", mcp.Required(), mcp.Description("Collection id")),
		mcp.WithString("document_id", mcp.Required(), mcp.Description("Document id")),
	),
	run: func(ctx context.Context, env *usecase.Env, _ string, args json.RawMessage) (any, error) {
		in, err := decode[document.GetInput](args)
		if err != nil {
			return nil, err
		}
		return document.Get(ctx, env, in)
	},
}

var createDocumentTool = tool{
	def: mcp.NewTool("create_document",
		mcp.WithDescription("Create a document. Fails with DuplicateDocumentDetected when it looks like an existing one."),
		mcp.WithString("collection_id", mcp.Required(), mcp.Description("Collection id")),
		mcp.WithObject("content", mcp.Required(), mcp.Description("Document content matching the collection schema")),
		mcp.WithBoolean("skip_duplicate_check", mcp.Description("Create even if duplicates exist. Only after the user confirms.")),
	),
	run: func(ctx context.Context, env *usecase.Env, conversationID string, args json.RawMessage) (any, error) {
		in, err := decode[struct {
			CollectionID       string          `json:"collection_id"`
			Content            json.RawMessage `json:"content"`
			SkipDuplicateCheck bool            `json:"skip_duplicate_check"`
		}](args)
		if err != nil {
			return nil, err
		}
		return document.Create(ctx, env, document.CreateInput{
			CollectionID:       in.CollectionID,
			Content:            in.Content,
			SkipDuplicateCheck: in.SkipDuplicateCheck,
			Origin:             origin(conversationID),
		})
	},
}

var createDocumentsTool = tool{
	def: mcp.NewTool("create_documents",
		mcp.WithDescription("Create several documents in one collection. Either all are created or none."),
		mcp.WithString("collection_id", mcp.Required(), mcp.Description("Collection id")),
		mcp.WithArray("documents", mcp.Required(), mcp.Description("Document contents matching the collection schema"),
			mcp.Items(map[string]any{"type": "object"})),
		mcp.WithBoolean("skip_duplicate_check", mcp.Description("Create even if duplicates exist. Only after the user confirms.")),
	),
	run: func(ctx context.Context, env *usecase.Env, conversationID string, args json.RawMessage) (any, error) {
		in, err := decode[struct {
			CollectionID       string            `json:"collection_id"`
			Documents          []json.RawMessage `json:"documents"`
			SkipDuplicateCheck bool              `json:"skip_duplicate_check"`
		}](args)
		if err != nil {
			return nil, err
		}
		return document.CreateMany(ctx, env, document.CreateManyInput{
			CollectionID:       in.CollectionID,
			Contents:           in.Documents,
			SkipDuplicateCheck: in.SkipDuplicateCheck,
			Origin:             origin(conversationID),
		})
	},
}

var createDocumentVersionTool = tool{
	def: mcp.NewTool("create_document_version",
		mcp.WithDescription("Replace a document's content. Fails with DocumentVersionConflict when latest_version_id is stale."),
		mcp.WithString("collection_id", mcp.Required(), mcp.Description("Collection id")),
		mcp.WithString("document_id", mcp.Required(), mcp.Description("Document id")),
		mcp.WithString("latest_version_id", mcp.Required(), mcp.Description("Id of the version the change is based on")),
		mcp.WithObject("content", mcp.Required(), mcp.Description("Full new content matching the collection schema")),
	),
	run: func(ctx context.Context, env *usecase.Env, conversationID string, args json.RawMessage) (any, error) {
		in, err := decode[struct {
			CollectionID    string          `json:"collection_id"`
			DocumentID      string          `json:"document_id"`
			LatestVersionID string          `json:"latest_version_id"`
			Content         json.RawMessage `json:"content"`
		}](args)
		if err != nil {
			return nil, err
		}
		return document.CreateNewVersion(ctx, env, document.CreateNewVersionInput{
			CollectionID:    in.CollectionID,
			DocumentID:      in.DocumentID,
			LatestVersionID: in.LatestVersionID,
			Content:         in.Content,
			Origin:          origin(conversationID),
		})
	},
}

var completeConversationTool = tool{
	def: mcp.NewTool(ToolCompleteConversation,
		mcp.WithDescription("End your turn without a further reply. Call it alone."),
	),
	run: func(context.Context, *usecase.Env, string, json.RawMessage) (any, error) {
		return map[string]bool{"completed": true}, nil
	},
}
