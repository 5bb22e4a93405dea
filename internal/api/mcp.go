package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/quirehq/quire/internal/assistant"
	"github.com/quirehq/quire/internal/collection"
	"github.com/quirehq/quire/internal/conversation"
	"github.com/quirehq/quire/internal/document"
	"github.com/quirehq/quire/internal/result"
	"github.com/quirehq/quire/internal/usecase"
)

const mcpInstructions = "quire: schema-checked document collections with duplicate detection, edited by assistant conversations."

// NewMCPServer creates an MCP server exposing the backend's collection,
// document and conversation operations as tools.
func NewMCPServer(b *usecase.Backend, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"quire",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions(mcpInstructions),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_collections",
			mcp.WithDescription("List every collection with its schema fields and document count."),
		),
		mcpReadTool(b, collection.List, func(mcp.CallToolRequest) (struct{}, error) { return struct{}{}, nil }),
	)

	s.AddTool(
		mcp.NewTool("create_collection",
			mcp.WithDescription("Create a collection from a CUE schema and an optional blocking-key script."),
			mcp.WithString("name", mcp.Description("Collection name"), mcp.Required()),
			mcp.WithString("description", mcp.Description("What the collection holds")),
			mcp.WithString("schema", mcp.Description("CUE schema every document must satisfy"), mcp.Required()),
			mcp.WithString("key_script", mcp.Description("JavaScript module whose default export maps a document to its blocking keys")),
		),
		mcpTool(b, collection.Create, func(req mcp.CallToolRequest) (collection.CreateInput, error) {
			name, err := req.RequireString("name")
			if err != nil {
				return collection.CreateInput{}, err
			}
			src, err := req.RequireString("schema")
			if err != nil {
				return collection.CreateInput{}, err
			}
			return collection.CreateInput{
				Name:        name,
				Description: req.GetString("description", ""),
				Schema:      src,
				KeyScript:   req.GetString("key_script", ""),
			}, nil
		}),
	)

	s.AddTool(
		mcp.NewTool("list_documents",
			mcp.WithDescription("List the latest version of every document in a collection."),
			mcp.WithString("collection_id", mcp.Required()),
		),
		mcpReadTool(b, document.List, func(req mcp.CallToolRequest) (document.ListInput, error) {
			id, err := req.RequireString("collection_id")
			return document.ListInput{CollectionID: id}, err
		}),
	)

	s.AddTool(
		mcp.NewTool("get_document",
			mcp.WithDescription("Fetch a document and its latest version."),
			mcp.WithString("collection_id", mcp.Required()),
			mcp.WithString("document_id", mcp.Required()),
		),
		mcpReadTool(b, document.Get, documentArgs),
	)

	s.AddTool(
		mcp.NewTool("create_document",
			mcp.WithDescription("Create a document. Fails with DuplicateDocumentDetected when its blocking keys collide with an existing document unless skip_duplicate_check is set."),
			mcp.WithString("collection_id", mcp.Required()),
			mcp.WithObject("content", mcp.Description("Document content matching the collection schema"), mcp.Required()),
			mcp.WithBoolean("skip_duplicate_check", mcp.Description("Store the document even if it looks like a duplicate")),
		),
		mcpTool(b, document.Create, func(req mcp.CallToolRequest) (document.CreateInput, error) {
			id, err := req.RequireString("collection_id")
			if err != nil {
				return document.CreateInput{}, err
			}
			content, err := objectArg(req, "content")
			return document.CreateInput{
				CollectionID:       id,
				Content:            content,
				SkipDuplicateCheck: req.GetBool("skip_duplicate_check", false),
			}, err
		}),
	)

	s.AddTool(
		mcp.NewTool("create_document_version",
			mcp.WithDescription("Replace a document's content. latest_version_id must be the version you read."),
			mcp.WithString("collection_id", mcp.Required()),
			mcp.WithString("document_id", mcp.Required()),
			mcp.WithString("latest_version_id", mcp.Required()),
			mcp.WithObject("content", mcp.Required()),
		),
		mcpTool(b, document.CreateNewVersion, func(req mcp.CallToolRequest) (document.CreateNewVersionInput, error) {
			d, err := documentArgs(req)
			if err != nil {
				return document.CreateNewVersionInput{}, err
			}
			latest, err := req.RequireString("latest_version_id")
			if err != nil {
				return document.CreateNewVersionInput{}, err
			}
			content, err := objectArg(req, "content")
			return document.CreateNewVersionInput{
				CollectionID:    d.CollectionID,
				DocumentID:      d.DocumentID,
				LatestVersionID: latest,
				Content:         content,
			}, err
		}),
	)

	s.AddTool(
		mcp.NewTool("start_conversation",
			mcp.WithDescription("Start an assistant conversation. Processing happens in the background; poll get_conversation."),
			mcp.WithString("message", mcp.Description("First user message"), mcp.Required()),
			mcp.WithString("assistant_kind", mcp.Description("Assistant persona"), mcp.Enum(assistant.Kinds()...)),
			mcp.WithString("title", mcp.Description("Conversation title; derived from the message when empty")),
		),
		mcpTool(b, conversation.Start, func(req mcp.CallToolRequest) (conversation.StartInput, error) {
			msg, err := req.RequireString("message")
			return conversation.StartInput{
				AssistantKind: req.GetString("assistant_kind", assistant.KindEditor),
				Title:         req.GetString("title", ""),
				Message:       msg,
			}, err
		}),
	)

	s.AddTool(
		mcp.NewTool("get_conversation",
			mcp.WithDescription("Fetch a conversation with its status and messages."),
			mcp.WithString("conversation_id", mcp.Required()),
		),
		mcpReadTool(b, conversation.Get, func(req mcp.CallToolRequest) (conversation.GetInput, error) {
			id, err := req.RequireString("conversation_id")
			return conversation.GetInput{ConversationID: id}, err
		}),
	)

	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Add a user message to an idle conversation."),
			mcp.WithString("conversation_id", mcp.Required()),
			mcp.WithString("message", mcp.Required()),
		),
		mcpTool(b, conversation.SendMessage, func(req mcp.CallToolRequest) (conversation.SendMessageInput, error) {
			id, err := req.RequireString("conversation_id")
			if err != nil {
				return conversation.SendMessageInput{}, err
			}
			msg, err := req.RequireString("message")
			return conversation.SendMessageInput{ConversationID: id, Message: msg}, err
		}),
	)

	s.AddTool(
		mcp.NewTool("recover_conversation",
			mcp.WithDescription("Retry a conversation that failed or got stuck."),
			mcp.WithString("conversation_id", mcp.Required()),
		),
		mcpTool(b, conversation.Recover, func(req mcp.CallToolRequest) (conversation.RecoverInput, error) {
			id, err := req.RequireString("conversation_id")
			return conversation.RecoverInput{ConversationID: id}, err
		}),
	)

	s.AddResource(
		mcp.NewResource(
			"quire://conversations/recent",
			"Recent conversations",
			mcp.WithResourceDescription("The most recent conversations as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(b),
	)

	return s
}

// mcpTool adapts a writing operation into a tool handler. The tool result is
// the operation's JSON Result; failures are flagged as tool errors.
func mcpTool[In, Out any](b *usecase.Backend, op usecase.Func[In, Out], parse func(mcp.CallToolRequest) (In, error)) server.ToolHandlerFunc {
	return mcpRespond(parse, func(ctx context.Context, in In) result.Result[Out] {
		return usecase.Run(ctx, b, op, in)
	})
}

// mcpReadTool is mcpTool for read-only operations.
func mcpReadTool[In, Out any](b *usecase.Backend, op usecase.Func[In, Out], parse func(mcp.CallToolRequest) (In, error)) server.ToolHandlerFunc {
	return mcpRespond(parse, func(ctx context.Context, in In) result.Result[Out] {
		return usecase.Read(ctx, b, op, in)
	})
}

func mcpRespond[In, Out any](parse func(mcp.CallToolRequest) (In, error), run func(context.Context, In) result.Result[Out]) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		in, err := parse(req)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		res := run(ctx, in)
		out, err := json.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		if !res.Success {
			return mcpError(string(out)), nil
		}
		return mcpText(string(out)), nil
	}
}

func documentArgs(req mcp.CallToolRequest) (document.GetInput, error) {
	cid, err := req.RequireString("collection_id")
	if err != nil {
		return document.GetInput{}, err
	}
	did, err := req.RequireString("document_id")
	return document.GetInput{CollectionID: cid, DocumentID: did}, err
}

// objectArg returns a JSON object argument. Clients that send the object
// serialized as a string are accepted too.
func objectArg(req mcp.CallToolRequest, key string) (json.RawMessage, error) {
	v, ok := req.GetArguments()[key]
	if !ok || v == nil {
		return nil, fmt.Errorf("required argument %q not found", key)
	}
	if s, ok := v.(string); ok {
		if !json.Valid([]byte(s)) {
			return nil, errors.New(key + " is not valid JSON")
		}
		return json.RawMessage(s), nil
	}
	return json.Marshal(v)
}

func mcpResourceRecent(b *usecase.Backend) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		res := usecase.Read(ctx, b, conversation.List, conversation.ListInput{Limit: 10})
		if !res.Success {
			return nil, fmt.Errorf("failed to list conversations: %w", res.Error)
		}
		out, err := json.Marshal(res.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal conversations: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(out),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
