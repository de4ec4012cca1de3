package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/mira-go/internal/apperr"
	"github.com/comigor/mira-go/internal/history"
	"github.com/comigor/mira-go/internal/orchestrator"
)

type mockService struct {
	SendFunc     func(ctx context.Context, req orchestrator.TurnRequest) (orchestrator.Reply, error)
	HistoryFunc  func(ctx context.Context, owner, id string) ([]history.Message, error)
	DeleteFunc   func(ctx context.Context, owner, id string) (int, error)
	FeedbackFunc func(ctx context.Context, owner, id, rating string) error
	SaveFunc     func(ctx context.Context, owner, provider, key string) error
}

func (m *mockService) SendChatTurn(ctx context.Context, req orchestrator.TurnRequest) (orchestrator.Reply, error) {
	return m.SendFunc(ctx, req)
}

func (m *mockService) ListConversations(context.Context, string) ([]history.Conversation, error) {
	return []history.Conversation{{ID: "c1", Label: "hello"}}, nil
}

func (m *mockService) GetHistory(ctx context.Context, owner, id string) ([]history.Message, error) {
	return m.HistoryFunc(ctx, owner, id)
}

func (m *mockService) DeleteConversation(ctx context.Context, owner, id string) (int, error) {
	return m.DeleteFunc(ctx, owner, id)
}

func (m *mockService) DeleteAllConversations(context.Context, string) (int, error) { return 7, nil }

func (m *mockService) SetFeedback(ctx context.Context, owner, id, rating string) error {
	return m.FeedbackFunc(ctx, owner, id, rating)
}

func (m *mockService) SaveCredential(ctx context.Context, owner, provider, key string) error {
	return m.SaveFunc(ctx, owner, provider, key)
}

func (m *mockService) CredentialStatus(context.Context, string) (map[string]bool, error) {
	return map[string]bool{"openai": true, "gemini": false}, nil
}

func (m *mockService) Providers() []string     { return []string{"openai", "gemini"} }
func (m *mockService) DefaultProvider() string { return "openai" }

func do(t *testing.T, h http.Handler, method, path, owner, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if owner != "" {
		req.Header.Set("X-User-ID", owner)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestChat(t *testing.T) {
	var got orchestrator.TurnRequest
	svc := &mockService{SendFunc: func(_ context.Context, req orchestrator.TurnRequest) (orchestrator.Reply, error) {
		got = req
		return orchestrator.Reply{ConversationID: "c1", MessageID: "m2", Text: "hi there", Provider: "openai"}, nil
	}}
	h := New(svc, Config{}).Handler()

	rec := do(t, h, http.MethodPost, "/chat", "u1", `{"conversation_id":"c1","message":"hi","provider":"openai"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "hi there", body["reply"])
	require.Equal(t, "c1", body["conversation_id"])
	require.Equal(t, "u1", got.Owner)
	require.Equal(t, "hi", got.Text)
	require.NotEmpty(t, got.ClientIP)
}

func TestChat_RequiresIdentity(t *testing.T) {
	h := New(&mockService{}, Config{}).Handler()
	rec := do(t, h, http.MethodPost, "/chat", "", `{"message":"hi"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChat_BadJSON(t *testing.T) {
	h := New(&mockService{}, Config{}).Handler()
	rec := do(t, h, http.MethodPost, "/chat", "u1", `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "validation", decode(t, rec)["error"])
}

func TestErrorRendering(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{&apperr.Error{Kind: apperr.KindAdmissionDenied, Message: "request limit exceeded", RetryAfter: 49500 * time.Millisecond}, 429, "admission_denied"},
		{apperr.New(apperr.KindMissingCredential, "no api key configured for provider \"gemini\""), 400, "missing_credential"},
		{apperr.New(apperr.KindProviderAuth, "bad key"), 401, "provider_auth"},
		{apperr.New(apperr.KindProviderUnavailable, "down"), 503, "provider_unavailable"},
		{context.DeadlineExceeded, 500, "internal"},
	}
	for _, tc := range cases {
		svc := &mockService{SendFunc: func(context.Context, orchestrator.TurnRequest) (orchestrator.Reply, error) {
			return orchestrator.Reply{}, tc.err
		}}
		rec := do(t, New(svc, Config{}).Handler(), http.MethodPost, "/chat", "u1", `{"message":"hi"}`)
		require.Equal(t, tc.status, rec.Code)
		body := decode(t, rec)
		require.Equal(t, tc.kind, body["error"])
		if tc.status == 429 {
			require.Equal(t, "50", rec.Header().Get("Retry-After"))
			require.EqualValues(t, 50, body["retry_after_seconds"])
		}
		if tc.kind == "internal" {
			require.NotContains(t, body["message"], "deadline", "unclassified errors never leak")
		}
	}
}

func TestConversationRoutes(t *testing.T) {
	svc := &mockService{
		HistoryFunc: func(_ context.Context, owner, id string) ([]history.Message, error) {
			require.Equal(t, "u1", owner)
			return []history.Message{{ID: "m1", ConversationID: id, Role: history.RoleUser, Content: "hello"}}, nil
		},
		DeleteFunc: func(_ context.Context, _, id string) (int, error) {
			if id == "c1" {
				return 2, nil
			}
			return 0, nil
		},
	}
	h := New(svc, Config{}).Handler()

	rec := do(t, h, http.MethodGet, "/conversations", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode(t, rec)["conversations"], 1)

	rec = do(t, h, http.MethodGet, "/conversations/c1", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "c1", body["conversation_id"])
	msg := body["messages"].([]any)[0].(map[string]any)
	require.Equal(t, "hello", msg["content"])
	require.NotContains(t, msg, "Owner")

	rec = do(t, h, http.MethodDelete, "/conversations/c1", "u1", "")
	require.EqualValues(t, 2, decode(t, rec)["deleted_count"])
	rec = do(t, h, http.MethodDelete, "/conversations/c2", "u1", "")
	require.EqualValues(t, 0, decode(t, rec)["deleted_count"])

	rec = do(t, h, http.MethodDelete, "/conversations", "u1", "")
	require.EqualValues(t, 7, decode(t, rec)["deleted_count"])
}

func TestFeedbackAndCredentials(t *testing.T) {
	var savedKey string
	svc := &mockService{
		FeedbackFunc: func(_ context.Context, _, id, rating string) error {
			if id == "missing" {
				return apperr.New(apperr.KindNotFound, "message not found")
			}
			return nil
		},
		SaveFunc: func(_ context.Context, _, provider, key string) error {
			require.Equal(t, "openai", provider)
			savedKey = key
			return nil
		},
	}
	h := New(svc, Config{}).Handler()

	rec := do(t, h, http.MethodPost, "/messages/m1/feedback", "u1", `{"rating":"good"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodPost, "/messages/missing/feedback", "u1", `{"rating":"good"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPut, "/credentials/openai", "u1", `{"api_key":"sk-abc"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "sk-abc", savedKey)

	rec = do(t, h, http.MethodGet, "/credentials", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, map[string]any{"openai": true, "gemini": false}, decode(t, rec)["credentials"])
	require.NotContains(t, rec.Body.String(), "sk-abc")
}

func TestProvidersAndHealth(t *testing.T) {
	h := New(&mockService{}, Config{}).Handler()
	rec := do(t, h, http.MethodGet, "/providers", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "openai", decode(t, rec)["default"])

	rec = do(t, h, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCORS(t *testing.T) {
	h := New(&mockService{}, Config{AllowedOrigins: []string{"https://mira.example"}}).Handler()

	req := httptest.NewRequest(http.MethodOptions, "/chat", nil)
	req.Header.Set("Origin", "https://mira.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://mira.example", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-User-ID")

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestClientIP_UntrustedPeer(t *testing.T) {
	s := New(&mockService{}, Config{})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.7:5555"
	require.Equal(t, "198.51.100.7", s.clientIP(req))

	req.Header.Set("X-Forwarded-For", "10.9.9.1")
	require.Equal(t, "198.51.100.7", s.clientIP(req), "a direct client cannot pick its own key")
}

func TestClientIP_TrustedProxy(t *testing.T) {
	s := New(&mockService{}, Config{TrustedProxies: []string{"10.0.0.0/8", "192.0.2.1", "not-a-cidr"}})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	require.Equal(t, "10.0.0.1", s.clientIP(req), "no header: the proxy itself")

	req.Header.Set("X-Forwarded-For", "1.2.3.4, 203.0.113.9, 192.0.2.1")
	require.Equal(t, "203.0.113.9", s.clientIP(req), "right-most untrusted hop wins over a spoofed left entry")

	req.Header.Set("X-Forwarded-For", "garbage, 203.0.113.10")
	require.Equal(t, "203.0.113.10", s.clientIP(req))

	req.Header.Set("X-Forwarded-For", "10.1.1.1, 10.2.2.2")
	require.Equal(t, "10.1.1.1", s.clientIP(req), "every hop trusted: the left-most")
}

func TestChat_SpoofedForwardedForSharesOneKey(t *testing.T) {
	var keys []string
	svc := &mockService{SendFunc: func(_ context.Context, req orchestrator.TurnRequest) (orchestrator.Reply, error) {
		keys = append(keys, req.ClientIP)
		return orchestrator.Reply{Text: "ok"}, nil
	}}
	h := New(svc, Config{}).Handler()
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"hi"}`))
		req.RemoteAddr = "198.51.100.7:4000"
		req.Header.Set("X-User-ID", "u1")
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.9.9.%d", i))
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	require.Equal(t, []string{"198.51.100.7", "198.51.100.7", "198.51.100.7"}, keys)
}

func TestChat_RateLimitHeaders(t *testing.T) {
	reset := time.Date(2024, 5, 1, 12, 1, 0, 0, time.UTC)
	svc := &mockService{SendFunc: func(context.Context, orchestrator.TurnRequest) (orchestrator.Reply, error) {
		return orchestrator.Reply{Text: "ok", RateLimit: &orchestrator.RateLimit{Remaining: 4, ResetAt: reset}}, nil
	}}
	rec := do(t, New(svc, Config{}).Handler(), http.MethodPost, "/chat", "u1", `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "4", rec.Header().Get("X-RateLimit-Remaining"))
	require.Equal(t, strconv.FormatInt(reset.Unix(), 10), rec.Header().Get("X-RateLimit-Reset"))
	require.NotContains(t, rec.Body.String(), "RateLimit")

	svc.SendFunc = func(context.Context, orchestrator.TurnRequest) (orchestrator.Reply, error) {
		return orchestrator.Reply{Text: "ok"}, nil
	}
	rec = do(t, New(svc, Config{}).Handler(), http.MethodPost, "/chat", "u1", `{"message":"hi"}`)
	require.Empty(t, rec.Header().Get("X-RateLimit-Remaining"))
}
