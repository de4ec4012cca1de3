// Package mcpserver exposes the chat operations as MCP tools for a single configured owner.
package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/comigor/mira-go/internal/apperr"
	"github.com/comigor/mira-go/internal/history"
	"github.com/comigor/mira-go/internal/logger"
	"github.com/comigor/mira-go/internal/orchestrator"
)

// Service is the subset of chat operations published as tools.
type Service interface {
	SendChatTurn(ctx context.Context, req orchestrator.TurnRequest) (orchestrator.Reply, error)
	ListConversations(ctx context.Context, owner string) ([]history.Conversation, error)
	GetHistory(ctx context.Context, owner, conversationID string) ([]history.Message, error)
	DeleteConversation(ctx context.Context, owner, conversationID string) (int, error)
	SetFeedback(ctx context.Context, owner, messageID, rating string) error
	CredentialStatus(ctx context.Context, owner string) (map[string]bool, error)
	Providers() []string
}

type Config struct {
	// Owner is the identity every tool call acts as.
	Owner           string
	DefaultProvider string
}

type Tools struct {
	svc Service
	cfg Config
}

func New(svc Service, cfg Config) *Tools {
	return &Tools{svc: svc, cfg: cfg}
}

// Server builds an MCP server with every tool registered.
func (t *Tools) Server(version string) *server.MCPServer {
	s := server.NewMCPServer("mira", version, server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool("send_chat_turn",
		mcp.WithDescription("Send a message to Mira and get the reply. Omit conversation_id to start a new conversation."),
		mcp.WithString("message", mcp.Required(), mcp.Description("The user message")),
		mcp.WithString("conversation_id", mcp.Description("Conversation to continue")),
		mcp.WithString("provider", mcp.Description("Provider name; defaults to the configured one")),
	), t.sendChatTurn)

	s.AddTool(mcp.NewTool("list_conversations",
		mcp.WithDescription("List conversations, most recent first"),
	), t.listConversations)

	s.AddTool(mcp.NewTool("get_history",
		mcp.WithDescription("Get every message of a conversation, oldest first"),
		mcp.WithString("conversation_id", mcp.Required()),
	), t.getHistory)

	s.AddTool(mcp.NewTool("delete_conversation",
		mcp.WithDescription("Delete a conversation and report how many messages were removed"),
		mcp.WithString("conversation_id", mcp.Required()),
	), t.deleteConversation)

	s.AddTool(mcp.NewTool("set_feedback",
		mcp.WithDescription("Rate a reply"),
		mcp.WithString("message_id", mcp.Required()),
		mcp.WithString("rating", mcp.Required(), mcp.Enum("good", "bad")),
	), t.setFeedback)

	s.AddTool(mcp.NewTool("credential_status",
		mcp.WithDescription("Report which providers have a stored api key"),
	), t.credentialStatus)

	s.AddTool(mcp.NewTool("list_providers",
		mcp.WithDescription("List the configured providers"),
	), t.listProviders)

	return s
}

// Serve runs the tools over stdio until the client disconnects.
func (t *Tools) Serve(version string) error {
	logger.L.Info("serving MCP over stdio", "owner", t.cfg.Owner)
	return server.ServeStdio(t.Server(version))
}

// result encodes v as the tool's text content, or the safe message of err as a tool error.
func result(v any, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		logger.L.Warn("tool call failed", "kind", apperr.KindOf(err), "error", err)
		return mcp.NewToolResultError(string(apperr.KindOf(err)) + ": " + apperr.Public(err)), nil
	}
	b, merr := json.Marshal(v)
	if merr != nil {
		return nil, merr
	}
	return mcp.NewToolResultText(string(b)), nil
}

func missing(name string) error {
	return apperr.Newf(apperr.KindValidation, "%s is required", name)
}

func (t *Tools) sendChatTurn(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	msg, err := req.RequireString("message")
	if err != nil {
		return result(nil, missing("message"))
	}
	provider := req.GetString("provider", t.cfg.DefaultProvider)
	reply, err := t.svc.SendChatTurn(ctx, orchestrator.TurnRequest{
		Owner:          t.cfg.Owner,
		ConversationID: req.GetString("conversation_id", ""),
		Text:           msg,
		Provider:       provider,
	})
	return result(reply, err)
}

func (t *Tools) listConversations(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return result(t.svc.ListConversations(ctx, t.cfg.Owner))
}

func (t *Tools) getHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("conversation_id")
	if err != nil {
		return result(nil, missing("conversation_id"))
	}
	return result(t.svc.GetHistory(ctx, t.cfg.Owner, id))
}

func (t *Tools) deleteConversation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("conversation_id")
	if err != nil {
		return result(nil, missing("conversation_id"))
	}
	n, err := t.svc.DeleteConversation(ctx, t.cfg.Owner, id)
	return result(map[string]int{"deleted_count": n}, err)
}

func (t *Tools) setFeedback(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("message_id")
	if err != nil {
		return result(nil, missing("message_id"))
	}
	rating, err := req.RequireString("rating")
	if err != nil {
		return result(nil, missing("rating"))
	}
	err = t.svc.SetFeedback(ctx, t.cfg.Owner, id, rating)
	return result(map[string]bool{"ok": err == nil}, err)
}

func (t *Tools) credentialStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return result(t.svc.CredentialStatus(ctx, t.cfg.Owner))
}

func (t *Tools) listProviders(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return result(t.svc.Providers(), nil)
}
