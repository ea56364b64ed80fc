// Copyright 2024-2026 Aiku AI

// Package api serves the HTTP surface over the session registry: status
// queries, settings commands and a websocket feed of status changes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aiku/statuswatch/pkg/watcher"
)

// LegacySessionID is the session served by the single-account routes.
const LegacySessionID = "default"

// maxCommandBodySize bounds command request bodies (64 KB).
const maxCommandBodySize = 64 << 10

// Server exposes a registry over HTTP.
type Server struct {
	registry *watcher.Registry
	token    string
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a server for registry. A non-empty token is required as
// a bearer token on every route except the ping.
func NewServer(registry *watcher.Registry, token string, log zerolog.Logger) *Server {
	return &Server{
		registry: registry,
		token:    token,
		log:      log.With().Str("component", "api").Logger(),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/ping", s.HandlePing)
	mux.HandleFunc("GET /api/sessions", s.authorized(s.HandleListSessions))
	mux.HandleFunc("GET /api/sessions/{id}", s.authorized(s.HandleGetSession))
	mux.HandleFunc("DELETE /api/sessions/{id}", s.authorized(s.HandleRemoveSession))
	mux.HandleFunc("POST /api/sessions/{id}/toggle", s.authorized(s.HandleToggle))
	mux.HandleFunc("POST /api/sessions/{id}/reaction", s.authorized(s.HandleSetReaction))
	mux.HandleFunc("GET /api/ws", s.authorized(s.HandleWebsocket))

	mux.HandleFunc("GET /status", s.authorized(s.HandleLegacyStatus))
	mux.HandleFunc("/toggle", s.authorized(s.HandleLegacyToggle))
	mux.HandleFunc("/set-emoji", s.authorized(s.HandleLegacySetEmoji))
	return mux
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("Starting HTTP API")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.token {
		return true
	}
	// Browsers cannot set headers on websocket handshakes.
	return r.URL.Query().Get("token") == s.token
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) HandlePing(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "reply": s.registry.HeartbeatPing()})
}

func (s *Server) HandleListSessions(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.Sessions())
}

func (s *Server) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.GetStatus(r.Context(), r.PathValue("id")))
}

func (s *Server) HandleRemoveSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.log.Info().Str("session_id", id).Str("remote_addr", r.RemoteAddr).Msg("Session removal requested")
	s.registry.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleToggle(w http.ResponseWriter, r *http.Request) {
	active := s.registry.ToggleActive(r.Context(), r.PathValue("id"))
	s.writeJSON(w, http.StatusOK, map[string]bool{"active": active})
}

func (s *Server) HandleSetReaction(w http.ResponseWriter, r *http.Request) {
	reaction, err := readReaction(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.setReaction(w, r, r.PathValue("id"), reaction)
}

func (s *Server) setReaction(w http.ResponseWriter, r *http.Request, id, reaction string) {
	if err := s.registry.SetReaction(r.Context(), id, reaction); err != nil {
		if errors.Is(err, watcher.ErrInvalidReaction) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.log.Error().Err(err).Str("session_id", id).Msg("Failed to set reaction")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type reactionRequest struct {
	Reaction string `json:"reaction"`
}

// readReaction takes the reaction from a JSON body, falling back to the
// reaction query parameter.
func readReaction(w http.ResponseWriter, r *http.Request) (string, error) {
	if r.Body != nil && r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxCommandBodySize)
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return "", errors.New("request body too large")
		}
		if len(body) > 0 {
			var req reactionRequest
			if err := json.Unmarshal(body, &req); err != nil {
				return "", errors.New("invalid JSON")
			}
			return req.Reaction, nil
		}
	}
	return r.URL.Query().Get("reaction"), nil
}

// legacyStatus is the response shape of the single-account status route.
type legacyStatus struct {
	Connected    bool    `json:"connected"`
	QR           *string `json:"qr"`
	Active       bool    `json:"active"`
	Views        uint64  `json:"views"`
	CurrentEmoji string  `json:"currentEmoji"`
}

func (s *Server) HandleLegacyStatus(w http.ResponseWriter, r *http.Request) {
	st := s.registry.GetStatus(r.Context(), LegacySessionID)
	s.writeJSON(w, http.StatusOK, legacyStatus{
		Connected:    st.Connected,
		QR:           st.AuthorizationPayload,
		Active:       st.Active,
		Views:        st.ViewCount,
		CurrentEmoji: st.ReactionChoice,
	})
}

func (s *Server) HandleLegacyToggle(w http.ResponseWriter, r *http.Request) {
	s.registry.ToggleActive(r.Context(), LegacySessionID)
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) HandleLegacySetEmoji(w http.ResponseWriter, r *http.Request) {
	s.setReaction(w, r, LegacySessionID, r.URL.Query().Get("emoji"))
}
