// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package watcher

import (
	"fmt"
	"sync"
	"time"

	"go.mau.fi/util/jsontime"
	"go.mau.fi/util/ptr"

	"github.com/aiku/statuswatch/pkg/settings"
)

// ConnectionStatus is the state of a session's connection state machine.
type ConnectionStatus int

const (
	StatusUninitialized ConnectionStatus = iota
	StatusConnecting
	StatusAwaitingAuthorization
	StatusConnected
	StatusDisconnected
	StatusTerminated
)

var statusNames = [...]string{
	StatusUninitialized:         "uninitialized",
	StatusConnecting:            "connecting",
	StatusAwaitingAuthorization: "awaiting_authorization",
	StatusConnected:             "connected",
	StatusDisconnected:          "disconnected",
	StatusTerminated:            "terminated",
}

func (s ConnectionStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// MarshalText encodes the status as its lowercase name.
func (s ConnectionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name written by MarshalText.
func (s *ConnectionStatus) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if name == string(text) {
			*s = ConnectionStatus(i)
			return nil
		}
	}
	return fmt.Errorf("unknown connection status %q", text)
}

// Session is the live state of one automated account. All fields are
// guarded by mu; the controller, dispatcher and command API share it.
type Session struct {
	ID string

	mu            sync.Mutex
	status        ConnectionStatus
	authPayload   string
	accountID     string
	viewCount     uint64
	active        bool
	reaction      string
	lastHeartbeat time.Time
}

func newSession(id string, s settings.Settings) *Session {
	return &Session{
		ID:       id,
		status:   StatusUninitialized,
		active:   s.Active,
		reaction: s.ReactionChoice,
	}
}

// Status is a point-in-time copy of a session, shaped for the presentation
// layer.
type Status struct {
	ID                   string             `json:"id"`
	Connected            bool               `json:"connected"`
	ConnectionStatus     ConnectionStatus   `json:"connectionStatus"`
	AuthorizationPayload *string            `json:"authorizationPayload"`
	ViewCount            uint64             `json:"viewCount"`
	ReactionChoice       string             `json:"reactionChoice"`
	Active               bool               `json:"active"`
	AccountIdentifier    *string            `json:"accountIdentifier"`
	LastHeartbeat        jsontime.UnixMilli `json:"lastHeartbeat"`
}

// Snapshot returns a copy of the session's observable fields.
func (s *Session) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Status {
	st := Status{
		ID:               s.ID,
		Connected:        s.status == StatusConnected,
		ConnectionStatus: s.status,
		ViewCount:        s.viewCount,
		ReactionChoice:   s.reaction,
		Active:           s.active,
		LastHeartbeat:    jsontime.UM(s.lastHeartbeat),
	}
	if s.status == StatusAwaitingAuthorization && s.authPayload != "" {
		st.AuthorizationPayload = ptr.Ptr(s.authPayload)
	}
	if s.accountID != "" {
		st.AccountIdentifier = ptr.Ptr(s.accountID)
	}
	return st
}

// Settings returns the user-controlled part of the session.
func (s *Session) Settings() settings.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return settings.Settings{Active: s.active, ReactionChoice: s.reaction}
}

// setStatusLocked moves the session to next. The authorization payload is
// dropped on every status other than AwaitingAuthorization.
func (s *Session) setStatusLocked(next ConnectionStatus, now time.Time) {
	s.status = next
	if next != StatusAwaitingAuthorization {
		s.authPayload = ""
	}
	s.lastHeartbeat = now
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastHeartbeat = now
	s.mu.Unlock()
}
