// Copyright 2024-2026 Aiku AI

package watcher

import (
	"context"
	"errors"
	"strings"

	"github.com/aiku/statuswatch/pkg/settings"
)

// ErrInvalidReaction rejects a blank reaction choice.
var ErrInvalidReaction = errors.New("reaction must not be empty")

// HeartbeatReply is the constant answer to HeartbeatPing.
const HeartbeatReply = "pong"

// GetStatus returns the status of id, creating the session when unknown.
func (r *Registry) GetStatus(ctx context.Context, id string) Status {
	return r.GetOrCreate(ctx, id).session.Snapshot()
}

// ToggleActive flips whether id observes broadcasts and returns the new
// value.
func (r *Registry) ToggleActive(ctx context.Context, id string) bool {
	c := r.GetOrCreate(ctx, id)
	snap := r.updateSettings(ctx, c, func(s *Session) {
		s.active = !s.active
	})
	return snap.Active
}

// SetReaction sets the reaction sent for observed broadcasts of id. Use
// settings.NoReaction to only mark broadcasts as seen.
func (r *Registry) SetReaction(ctx context.Context, id, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return ErrInvalidReaction
	}
	c := r.GetOrCreate(ctx, id)
	r.updateSettings(ctx, c, func(s *Session) {
		s.reaction = value
	})
	return nil
}

// HeartbeatPing answers keep-alive pings. It touches no session.
func (r *Registry) HeartbeatPing() string {
	return HeartbeatReply
}

// updateSettings mutates the session under its lock and mirrors the result
// to the settings store. Save failures are logged; memory stays
// authoritative.
func (r *Registry) updateSettings(ctx context.Context, c *Controller, fn func(s *Session)) Status {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	s := c.session
	s.mu.Lock()
	fn(s)
	snap := s.snapshotLocked()
	persisted := settings.Settings{Active: s.active, ReactionChoice: s.reaction}
	s.mu.Unlock()

	if err := r.store.Save(ctx, s.ID, persisted); err != nil {
		r.log.Error().Err(err).Str("session_id", s.ID).Msg("Failed to persist session settings")
	}
	r.publish(snap)
	return snap
}
