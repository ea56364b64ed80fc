// Copyright 2024-2026 Aiku AI

package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aiku/statuswatch/pkg/watcher"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsBuffer     = 32
)

// StatusMessage is one frame of the websocket feed.
type StatusMessage struct {
	Type    string         `json:"type"`
	Session watcher.Status `json:"session"`
}

const (
	MessageSnapshot = "snapshot"
	MessageUpdate   = "update"
)

// HandleWebsocket streams every session's status, then each change as it
// happens. Frames may be skipped for slow clients; each frame carries the
// full session status.
func (s *Server) HandleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	log := s.log.With().Str("remote_addr", r.RemoteAddr).Logger()
	log.Debug().Msg("Websocket client connected")

	updates, cancel := s.registry.Subscribe(wsBuffer)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = s.writePump(conn, updates)
	cancel()
	_ = conn.Close()
	if err != nil {
		log.Debug().Err(err).Msg("Websocket client disconnected")
	}
}

func (s *Server) writePump(conn *websocket.Conn, updates <-chan watcher.Status) error {
	write := func(v any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(v)
	}
	for _, st := range s.registry.Sessions() {
		if err := write(StatusMessage{Type: MessageSnapshot, Session: st}); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case st, ok := <-updates:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsWriteWait))
				return nil
			}
			if err := write(StatusMessage{Type: MessageUpdate, Session: st}); err != nil {
				return err
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return err
			}
		}
	}
}
