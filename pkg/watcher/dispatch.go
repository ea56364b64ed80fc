// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package watcher

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/aiku/statuswatch/pkg/settings"
)

// Dispatcher turns inbound status broadcasts into read receipts, view counts
// and reactions.
type Dispatcher struct {
	log zerolog.Logger
}

// NewDispatcher creates a dispatcher logging through log.
func NewDispatcher(log zerolog.Logger) *Dispatcher {
	return &Dispatcher{log: log.With().Str("component", "dispatcher").Logger()}
}

// Dispatch processes one batch for session s using transport t and returns
// how many messages were counted. Messages are handled in order. Transport
// failures are logged and dropped; they never roll back the counter.
// Processing stops once ctx is done.
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, t Transport, batch MessageBatch) int {
	if t == nil {
		return 0
	}
	observed := 0
	for _, msg := range batch.Messages {
		if ctx.Err() != nil {
			break
		}
		if !msg.IsObservableBroadcast() {
			continue
		}

		s.mu.Lock()
		if !s.active || s.status != StatusConnected {
			s.mu.Unlock()
			continue
		}
		reaction := s.reaction
		s.mu.Unlock()

		if err := t.Acknowledge(ctx, msg); err != nil {
			d.log.Debug().Err(err).
				Str("message_id", msg.ID).
				Str("sender", msg.Sender).
				Msg("Failed to send read receipt")
		}

		s.mu.Lock()
		s.viewCount++
		s.mu.Unlock()
		observed++

		if reaction == settings.NoReaction {
			continue
		}
		if err := t.React(ctx, msg, reaction); err != nil {
			d.log.Debug().Err(err).
				Str("message_id", msg.ID).
				Str("sender", msg.Sender).
				Str("reaction", reaction).
				Msg("Failed to send reaction")
		}
	}
	if observed > 0 {
		d.log.Debug().Int("count", observed).Msg("Observed status broadcasts")
	}
	return observed
}
