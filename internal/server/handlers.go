package server

import (
	"net/http"
	"strconv"

	"github.com/comigor/mira-go/internal/orchestrator"
)

type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	Provider       string `json:"provider"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, owner string) {
	var req chatRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	reply, err := s.svc.SendChatTurn(r.Context(), orchestrator.TurnRequest{
		Owner:          owner,
		ConversationID: req.ConversationID,
		Text:           req.Message,
		Provider:       req.Provider,
		ClientIP:       s.clientIP(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if rl := reply.RateLimit; rl != nil {
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(rl.Remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rl.ResetAt.Unix(), 10))
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request, owner string) {
	convs, err := s.svc.ListConversations(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request, owner string) {
	id := r.PathValue("id")
	msgs, err := s.svc.GetHistory(r.Context(), owner, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation_id": id, "messages": msgs})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request, owner string) {
	n, err := s.svc.DeleteConversation(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted_count": n})
}

func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request, owner string) {
	n, err := s.svc.DeleteAllConversations(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted_count": n})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request, owner string) {
	var req struct {
		Rating string `json:"rating"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.SetFeedback(r.Context(), owner, r.PathValue("id"), req.Rating); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSaveCredential(w http.ResponseWriter, r *http.Request, owner string) {
	var req struct {
		APIKey string `json:"api_key"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.SaveCredential(r.Context(), owner, r.PathValue("provider"), req.APIKey); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCredentialStatus(w http.ResponseWriter, r *http.Request, owner string) {
	status, err := s.svc.CredentialStatus(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": status})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": s.svc.Providers(),
		"default":   s.svc.DefaultProvider(),
	})
}
