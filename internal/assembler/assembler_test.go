package assembler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/mira-go/internal/apperr"
	"github.com/comigor/mira-go/internal/history"
	"github.com/comigor/mira-go/internal/llm"
	"github.com/comigor/mira-go/internal/storage"
)

func newStore(t *testing.T) *history.SQLStore {
	t.Helper()
	db, err := storage.Open(storage.DriverPure, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := history.NewSQLStore(db)
	require.NoError(t, s.Init(context.Background()))
	return s
}

func seed(t *testing.T, s history.Store, n int) {
	t.Helper()
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < n; i++ {
		role := history.RoleUser
		if i%2 == 1 {
			role = history.RoleAssistant
		}
		_, err := s.Append(context.Background(), history.Message{
			Owner: "u1", ConversationID: "c1", Role: role, Content: fmt.Sprintf("m%d", i), CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
}

func TestBuild_NewConversation(t *testing.T) {
	a := New(newStore(t), Config{MaxHistory: 8, SystemPrompt: "You are Mira."})
	got, err := a.Build(context.Background(), history.Message{Owner: "u1", ConversationID: "fresh", Content: "hi"})
	require.NoError(t, err)
	require.Equal(t, []llm.Message{
		{Role: llm.RoleSystem, Content: "You are Mira."},
		{Role: llm.RoleUser, Content: "hi"},
	}, got)

	a = New(newStore(t), Config{MaxHistory: 8})
	got, err = a.Build(context.Background(), history.Message{Owner: "u1", ConversationID: "fresh", Content: "hi"})
	require.NoError(t, err)
	require.Equal(t, []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, got)
}

func TestBuild_BoundsHistory(t *testing.T) {
	s := newStore(t)
	seed(t, s, 30)
	a := New(s, Config{MaxHistory: 6, SystemPrompt: "sys"})

	got, err := a.Build(context.Background(), history.Message{Owner: "u1", ConversationID: "c1", Content: "new"})
	require.NoError(t, err)
	require.Len(t, got, 8)
	require.Equal(t, llm.RoleSystem, got[0].Role)
	require.Equal(t, "m24", got[1].Content)
	require.Equal(t, llm.RoleUser, got[1].Role)
	require.Equal(t, "m29", got[6].Content)
	require.Equal(t, llm.RoleAssistant, got[6].Role)
	require.Equal(t, llm.Message{Role: llm.RoleUser, Content: "new"}, got[7])
}

func TestBuild_ExcludesPersistedTurn(t *testing.T) {
	s := newStore(t)
	seed(t, s, 10)
	turn := history.Message{Owner: "u1", ConversationID: "c1", Role: history.RoleUser, Content: "latest", CreatedAt: time.Unix(1_700_001_000, 0)}
	id, err := s.Append(context.Background(), turn)
	require.NoError(t, err)
	turn.ID = id

	got, err := New(s, Config{MaxHistory: 4}).Build(context.Background(), turn)
	require.NoError(t, err)
	require.Len(t, got, 5)
	require.Equal(t, "m6", got[0].Content)
	require.Equal(t, "m9", got[3].Content)
	require.Equal(t, "latest", got[4].Content)
	for _, m := range got[:4] {
		require.NotEqual(t, "latest", m.Content, "the new turn appears exactly once")
	}
}

type failingStore struct{ history.Store }

func (failingStore) ReadOrdered(context.Context, string, string, int) ([]history.Message, error) {
	return nil, errors.New("disk I/O error")
}

func TestBuild_StoreFailure(t *testing.T) {
	_, err := New(failingStore{}, Config{MaxHistory: 4}).Build(context.Background(), history.Message{Owner: "u1", ConversationID: "c1", Content: "x"})
	require.True(t, apperr.Is(err, apperr.KindPersistence))
}
