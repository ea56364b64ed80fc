// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package watcher

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aiku/statuswatch/pkg/settings"
)

// Registry maps session ids to their controllers. Its mutex guards the map
// only; per-session processing never runs under it.
type Registry struct {
	ctx     context.Context
	factory TransportFactory
	store   settings.Store
	policy  Policy
	log     zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Controller
	// carry holds view counts of logged-out sessions when counters survive
	// re-authorization.
	carry map[string]uint64
	// retiring holds the Done channels of removed controllers that have not
	// released their transport yet. A successor for the same id waits on it.
	retiring map[string]<-chan struct{}

	subMu sync.Mutex
	subs  map[chan Status]struct{}
}

// NewRegistry creates an empty registry. Controllers inherit ctx and stop
// when it is cancelled.
func NewRegistry(ctx context.Context, factory TransportFactory, store settings.Store, policy Policy, log zerolog.Logger) *Registry {
	if store == nil {
		store = settings.NewMemoryStore()
	}
	return &Registry{
		ctx:      ctx,
		factory:  factory,
		store:    store,
		policy:   policy.withDefaults(),
		log:      log.With().Str("component", "registry").Logger(),
		sessions: make(map[string]*Controller),
		carry:    make(map[string]uint64),
		retiring: make(map[string]<-chan struct{}),
		subs:     make(map[chan Status]struct{}),
	}
}

// Lookup returns the controller for id without creating one.
func (r *Registry) Lookup(id string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sessions[id]
	return c, ok
}

// GetOrCreate returns the controller for id, creating and starting it with
// the persisted settings on first reference. Concurrent callers for the
// same id all observe the same controller. A new controller is not started
// until a removed predecessor for id has released its transport.
func (r *Registry) GetOrCreate(ctx context.Context, id string) *Controller {
	if c, ok := r.Lookup(id); ok {
		return c
	}
	r.awaitRetired(id)

	// Settings are read outside the map lock; a losing racer discards its copy.
	s, err := r.store.Load(ctx, id)
	if err != nil {
		r.log.Warn().Err(err).Str("session_id", id).Msg("Failed to load session settings, using defaults")
		if !errors.Is(err, settings.ErrCorrupt) {
			s = settings.Default()
		}
	}

	r.mu.Lock()
	if c, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return c
	}
	if done, ok := r.retiring[id]; ok {
		select {
		case <-done:
			delete(r.retiring, id)
		default:
			// Created and removed again while settings were loading.
			r.mu.Unlock()
			return r.GetOrCreate(ctx, id)
		}
	}
	session := newSession(id, s)
	if views, ok := r.carry[id]; ok {
		session.viewCount = views
		delete(r.carry, id)
	}
	c := newController(r.ctx, session, r.factory, r.policy, r.log)
	c.onChange = r.publish
	c.onTerminated = r.detachTerminated
	r.sessions[id] = c
	r.mu.Unlock()

	r.log.Info().Str("session_id", id).Bool("active", s.Active).Str("reaction", s.ReactionChoice).Msg("Created session")
	c.start()
	return c
}

func (r *Registry) awaitRetired(id string) {
	r.mu.Lock()
	done, ok := r.retiring[id]
	r.mu.Unlock()
	if ok {
		<-done
	}
}

// retireLocked moves c from the live map to the retiring set. The caller
// holds r.mu and must call finishRetire after c has stopped.
func (r *Registry) retireLocked(id string, c *Controller) {
	delete(r.sessions, id)
	r.retiring[id] = c.Done()
}

func (r *Registry) finishRetire(id string, c *Controller) {
	c.Stop()
	<-c.Done()
	r.mu.Lock()
	if r.retiring[id] == c.Done() {
		delete(r.retiring, id)
	}
	r.mu.Unlock()
}

// Remove stops and forgets the session for id and returns once its
// transport has been disconnected. Unknown ids are ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	c, ok := r.sessions[id]
	if ok {
		r.retireLocked(id, c)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.finishRetire(id, c)
	r.log.Info().Str("session_id", id).Msg("Removed session")
}

// detachTerminated removes c after its logout grace period, unless the id
// has been taken over by a newer controller in the meantime.
func (r *Registry) detachTerminated(c *Controller) {
	id := c.session.ID
	r.mu.Lock()
	current, ok := r.sessions[id]
	owned := ok && current == c
	if owned {
		r.retireLocked(id, c)
		if !r.policy.ResetOnRelogin {
			r.carry[id] = c.session.Snapshot().ViewCount
		}
	}
	r.mu.Unlock()
	if !owned {
		c.Stop()
		return
	}
	r.finishRetire(id, c)
	r.log.Info().Str("session_id", id).Msg("Dropped terminated session")
}

// List yields the ids of the registered sessions. Each iteration works on a
// fresh snapshot taken when it starts.
func (r *Registry) List() iter.Seq[string] {
	return func(yield func(string) bool) {
		r.mu.Lock()
		ids := make([]string, 0, len(r.sessions))
		for id := range r.sessions {
			ids = append(ids, id)
		}
		r.mu.Unlock()
		slices.Sort(ids)
		for _, id := range ids {
			if !yield(id) {
				return
			}
		}
	}
}

// Sessions returns a snapshot of every registered session's status.
func (r *Registry) Sessions() []Status {
	out := make([]Status, 0)
	for id := range r.List() {
		if c, ok := r.Lookup(id); ok {
			out = append(out, c.session.Snapshot())
		}
	}
	return out
}

// ApplySettings pushes externally edited settings onto live sessions.
// Sessions that do not exist yet pick the values up when created.
func (r *Registry) ApplySettings(all map[string]settings.Settings) {
	for id, s := range all {
		if err := s.Validate(); err != nil {
			r.log.Warn().Err(err).Str("session_id", id).Msg("Ignoring invalid settings")
			continue
		}
		c, ok := r.Lookup(id)
		if !ok {
			continue
		}
		c.persistMu.Lock()
		c.session.mu.Lock()
		c.session.active = s.Active
		c.session.reaction = s.ReactionChoice
		snap := c.session.snapshotLocked()
		c.session.mu.Unlock()
		c.persistMu.Unlock()
		r.publish(snap)
	}
}

// Subscribe returns a feed of status changes. Slow subscribers miss updates
// rather than block sessions. The returned func cancels the subscription.
func (r *Registry) Subscribe(buffer int) (<-chan Status, func()) {
	ch := make(chan Status, buffer)
	r.subMu.Lock()
	r.subs[ch] = struct{}{}
	r.subMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, ch)
			r.subMu.Unlock()
			close(ch)
		})
	}
}

func (r *Registry) publish(st Status) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for ch := range r.subs {
		select {
		case ch <- st:
		default:
		}
	}
}

// Close stops every controller and waits for them to exit.
func (r *Registry) Close() {
	r.mu.Lock()
	controllers := make([]*Controller, 0, len(r.sessions))
	for id, c := range r.sessions {
		controllers = append(controllers, c)
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	for _, c := range controllers {
		c.Stop()
	}
	for _, c := range controllers {
		<-c.Done()
	}
}
