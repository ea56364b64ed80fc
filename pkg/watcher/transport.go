// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package watcher

import "context"

// EventSink receives events from a transport. It may block while the owning
// session's queue is full, but never on another session.
type EventSink func(Event)

// Transport is one connection to the messaging network for one session.
type Transport interface {
	// Connect starts the connection. Lifecycle progress is reported via the
	// sink the transport was created with; an error is a connect failure.
	Connect(ctx context.Context) error
	// Acknowledge sends a read receipt for msg to its sender.
	Acknowledge(ctx context.Context, msg Message) error
	// React sends reaction for msg, keyed to the message and its sender.
	// Which other recipients receive the reaction is up to the transport.
	React(ctx context.Context, msg Message, reaction string) error
	// Disconnect closes the connection and releases the credential store
	// handle. It must be safe to call more than once.
	Disconnect()
}

// TransportFactory builds transports and owns their credential storage.
type TransportFactory interface {
	// NewTransport creates a transport bound to the credential storage of
	// sessionID. Events must be delivered to sink in order.
	NewTransport(ctx context.Context, sessionID string, sink EventSink) (Transport, error)
	// WipeCredentials irrecoverably deletes the credential storage of
	// sessionID.
	WipeCredentials(ctx context.Context, sessionID string) error
}
