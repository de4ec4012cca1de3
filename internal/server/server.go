// Package server exposes the chat operations over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/comigor/mira-go/internal/apperr"
	"github.com/comigor/mira-go/internal/history"
	"github.com/comigor/mira-go/internal/logger"
	"github.com/comigor/mira-go/internal/orchestrator"
)

// Service is the set of chat operations the HTTP surface routes to.
type Service interface {
	SendChatTurn(ctx context.Context, req orchestrator.TurnRequest) (orchestrator.Reply, error)
	ListConversations(ctx context.Context, owner string) ([]history.Conversation, error)
	GetHistory(ctx context.Context, owner, conversationID string) ([]history.Message, error)
	DeleteConversation(ctx context.Context, owner, conversationID string) (int, error)
	DeleteAllConversations(ctx context.Context, owner string) (int, error)
	SetFeedback(ctx context.Context, owner, messageID, rating string) error
	SaveCredential(ctx context.Context, owner, provider, key string) error
	CredentialStatus(ctx context.Context, owner string) (map[string]bool, error)
	Providers() []string
	DefaultProvider() string
}

type Config struct {
	// IdentityHeader carries the caller identity set by the upstream identity provider.
	IdentityHeader string
	AllowedOrigins []string
	// TrustedProxies lists the CIDRs (or single addresses) of reverse proxies whose
	// X-Forwarded-For is believed. Empty means the peer address is always used.
	TrustedProxies []string
}

const maxBodyBytes = 64 << 10

type Server struct {
	svc     Service
	cfg     Config
	mux     *http.ServeMux
	proxies []netip.Prefix
}

func New(svc Service, cfg Config) *Server {
	if cfg.IdentityHeader == "" {
		cfg.IdentityHeader = "X-User-ID"
	}
	s := &Server{svc: svc, cfg: cfg, mux: http.NewServeMux(), proxies: ParseProxies(cfg.TrustedProxies)}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.mux.HandleFunc("GET /providers", s.handleProviders)

	s.mux.HandleFunc("POST /chat", s.authed(s.handleChat))
	s.mux.HandleFunc("GET /conversations", s.authed(s.handleListConversations))
	s.mux.HandleFunc("DELETE /conversations", s.authed(s.handleDeleteAll))
	s.mux.HandleFunc("GET /conversations/{id}", s.authed(s.handleGetHistory))
	s.mux.HandleFunc("DELETE /conversations/{id}", s.authed(s.handleDeleteConversation))
	s.mux.HandleFunc("POST /messages/{id}/feedback", s.authed(s.handleFeedback))
	s.mux.HandleFunc("PUT /credentials/{provider}", s.authed(s.handleSaveCredential))
	s.mux.HandleFunc("GET /credentials", s.authed(s.handleCredentialStatus))
}

// Handler returns the routed handler wrapped with CORS and request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.cors(s.mux))
}

type ownerHandler func(w http.ResponseWriter, r *http.Request, owner string)

func (s *Server) authed(h ownerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get(s.cfg.IdentityHeader))
		if owner == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated", Message: "caller identity is required"})
			return
		}
		h(w, r, owner)
	}
}

func (s *Server) cors(next http.Handler) http.Handler {
	allowAll := slices.Contains(s.cfg.AllowedOrigins, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAll || slices.Contains(s.cfg.AllowedOrigins, origin)) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, "+s.cfg.IdentityHeader)
			h.Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.L.Info("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

type errorBody struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Warn("failed to encode response", "error", err)
	}
}

// writeError renders err with its kind's status. Only the safe message leaves the process.
func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	body := errorBody{Error: string(kind), Message: apperr.Public(err)}
	if kind == apperr.KindInternal || kind == apperr.KindPersistence {
		logger.L.Error("request failed", "kind", kind, "error", err)
	}
	if e, ok := apperr.As(err); ok && e.RetryAfter > 0 {
		secs := int(math.Ceil(e.RetryAfter.Seconds()))
		body.RetryAfterSeconds = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, kind.HTTPStatus(), body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.New(apperr.KindValidation, "request body is too large")
		}
		return apperr.New(apperr.KindValidation, "request body must be valid JSON")
	}
	return nil
}

// ParseProxies turns CIDRs and bare addresses into prefixes, skipping invalid entries.
func ParseProxies(entries []string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if p, err := netip.ParsePrefix(e); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil {
			out = append(out, netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()))
			continue
		}
		logger.L.Warn("ignoring invalid trusted proxy", "entry", e)
	}
	return out
}

func (s *Server) trusted(a netip.Addr) bool {
	for _, p := range s.proxies {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// clientIP is the peer address, unless the peer is a trusted proxy. Then
// X-Forwarded-For is walked from the right and the first hop that is not a trusted
// proxy wins; anything left of it is client-supplied and ignored.
func (s *Server) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil || !s.trusted(peer.Unmap()) {
		return host
	}

	var hops []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		hops = append(hops, strings.Split(v, ",")...)
	}
	client := peer.Unmap().String()
	for i := len(hops) - 1; i >= 0; i-- {
		a, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		client = a.Unmap().String()
		if !s.trusted(a.Unmap()) {
			break
		}
	}
	return client
}
