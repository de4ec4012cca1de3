package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/comigor/mira-go/internal/apperr"
	"github.com/comigor/mira-go/internal/history"
	"github.com/comigor/mira-go/internal/orchestrator"
)

type mockService struct {
	lastTurn orchestrator.TurnRequest
	sendErr  error
	owners   []string
}

func (m *mockService) SendChatTurn(_ context.Context, req orchestrator.TurnRequest) (orchestrator.Reply, error) {
	m.lastTurn = req
	if m.sendErr != nil {
		return orchestrator.Reply{}, m.sendErr
	}
	return orchestrator.Reply{ConversationID: "c-new", MessageID: "m2", Text: "hello back"}, nil
}

func (m *mockService) ListConversations(_ context.Context, owner string) ([]history.Conversation, error) {
	m.owners = append(m.owners, owner)
	return []history.Conversation{{ID: "c1", Label: "first"}}, nil
}

func (m *mockService) GetHistory(_ context.Context, owner, id string) ([]history.Message, error) {
	m.owners = append(m.owners, owner)
	return []history.Message{{ID: "m1", ConversationID: id, Role: history.RoleUser, Content: "hi"}}, nil
}

func (m *mockService) DeleteConversation(context.Context, string, string) (int, error) { return 4, nil }

func (m *mockService) SetFeedback(_ context.Context, _, id, _ string) error {
	if id != "m1" {
		return apperr.New(apperr.KindNotFound, "message not found")
	}
	return nil
}

func (m *mockService) CredentialStatus(context.Context, string) (map[string]bool, error) {
	return map[string]bool{"openai": true}, nil
}

func (m *mockService) Providers() []string { return []string{"openai", "gemini"} }

func call(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{Params: mcp.CallToolParams{Arguments: args}}
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestSendChatTurn(t *testing.T) {
	svc := &mockService{}
	tools := New(svc, Config{Owner: "mcp:local", DefaultProvider: "gemini"})

	res, err := tools.sendChatTurn(context.Background(), call(map[string]any{"message": "hi"}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var reply orchestrator.Reply
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &reply))
	require.Equal(t, "hello back", reply.Text)
	require.Equal(t, "mcp:local", svc.lastTurn.Owner)
	require.Equal(t, "gemini", svc.lastTurn.Provider)
	require.Empty(t, svc.lastTurn.ConversationID)

	_, err = tools.sendChatTurn(context.Background(), call(map[string]any{"message": "again", "conversation_id": "c1", "provider": "openai"}))
	require.NoError(t, err)
	require.Equal(t, "c1", svc.lastTurn.ConversationID)
	require.Equal(t, "openai", svc.lastTurn.Provider)
}

func TestSendChatTurn_Errors(t *testing.T) {
	svc := &mockService{sendErr: &apperr.Error{Kind: apperr.KindProviderAuth, Message: "openai rejected the api key", Err: context.Canceled}}
	tools := New(svc, Config{Owner: "o"})

	res, err := tools.sendChatTurn(context.Background(), call(map[string]any{"message": "hi"}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Equal(t, "provider_auth: openai rejected the api key", text(t, res))

	res, err = tools.sendChatTurn(context.Background(), call(map[string]any{}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Contains(t, text(t, res), "message is required")
}

func TestReadTools(t *testing.T) {
	svc := &mockService{}
	tools := New(svc, Config{Owner: "o1"})
	ctx := context.Background()

	res, err := tools.listConversations(ctx, call(nil))
	require.NoError(t, err)
	require.Contains(t, text(t, res), `"label":"first"`)

	res, err = tools.getHistory(ctx, call(map[string]any{"conversation_id": "c1"}))
	require.NoError(t, err)
	require.Contains(t, text(t, res), `"content":"hi"`)
	require.Equal(t, []string{"o1", "o1"}, svc.owners)

	res, err = tools.deleteConversation(ctx, call(map[string]any{"conversation_id": "c1"}))
	require.NoError(t, err)
	require.JSONEq(t, `{"deleted_count":4}`, text(t, res))

	res, err = tools.setFeedback(ctx, call(map[string]any{"message_id": "nope", "rating": "good"}))
	require.NoError(t, err)
	require.True(t, res.IsError)

	res, err = tools.credentialStatus(ctx, call(nil))
	require.NoError(t, err)
	require.JSONEq(t, `{"openai":true}`, text(t, res))

	res, err = tools.listProviders(ctx, call(nil))
	require.NoError(t, err)
	require.JSONEq(t, `["openai","gemini"]`, text(t, res))
}

func TestServerRegistersTools(t *testing.T) {
	s := New(&mockService{}, Config{Owner: "o"}).Server("test")
	require.NotNil(t, s)
}
