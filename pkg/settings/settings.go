// Copyright 2024-2026 Aiku AI

// Package settings persists the user-controlled part of each session: whether
// it is active and which reaction it sends.
package settings

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// NoReaction is the reaction choice meaning "mark as seen, never react".
const NoReaction = "none"

var (
	// ErrCorrupt is returned together with default settings when the
	// persisted form cannot be decoded.
	ErrCorrupt = errors.New("settings store is corrupt")
	// ErrEmptyReaction rejects settings whose reaction choice is blank.
	ErrEmptyReaction = errors.New("reaction choice must not be empty")
)

// Settings is the persisted configuration of one session. It is always
// written as a complete replacement.
type Settings struct {
	ReactionChoice string `json:"reactionChoice"`
	Active         bool   `json:"active"`
}

// Default returns the settings of a session that has never been configured.
func Default() Settings {
	return Settings{ReactionChoice: NoReaction, Active: true}
}

// Reacts reports whether a reaction should be sent for observed broadcasts.
func (s Settings) Reacts() bool {
	return s.ReactionChoice != NoReaction
}

// Validate checks that the settings can be applied to a session.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.ReactionChoice) == "" {
		return ErrEmptyReaction
	}
	return nil
}

// normalize fills in a missing reaction choice, which older files may omit.
func (s Settings) normalize() Settings {
	if strings.TrimSpace(s.ReactionChoice) == "" {
		s.ReactionChoice = NoReaction
	}
	return s
}

// Store loads and saves per-session settings. Persistence mirrors the
// in-memory session; it never gates it.
type Store interface {
	// Load returns the persisted settings for id, or Default when none
	// exist. When the stored form is unreadable it returns Default and an
	// error wrapping ErrCorrupt.
	Load(ctx context.Context, id string) (Settings, error)
	// Save replaces the persisted settings for id.
	Save(ctx context.Context, id string, s Settings) error
}

// MemoryStore is a Store that keeps settings in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]Settings
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Settings)}
}

func (m *MemoryStore) Load(_ context.Context, id string) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.data[id]
	if !ok {
		return Default(), nil
	}
	return s, nil
}

func (m *MemoryStore) Save(_ context.Context, id string, s Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[id] = s
	return nil
}
