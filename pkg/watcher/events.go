// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package watcher

import (
	"fmt"
	"time"
)

// BroadcastTarget is the conversation id of ephemeral status updates.
const BroadcastTarget = "status@broadcast"

// Event is a lifecycle or message event delivered by a Transport. The set of
// implementations is closed: AuthChallenge, Opened, Closed and MessageBatch.
type Event interface {
	isEvent()
}

// AuthChallenge carries a pairing payload the user must scan or enter.
type AuthChallenge struct {
	Payload string
}

// Opened signals that the transport is authenticated and connected.
type Opened struct {
	// AccountID identifies the connected account, e.g. its phone number.
	AccountID string
}

// Closed signals that the transport connection ended.
type Closed struct {
	Reason CloseReason
	Err    error
}

// MessageBatch is an ordered group of inbound messages.
type MessageBatch struct {
	Messages []Message
}

func (AuthChallenge) isEvent() {}
func (Opened) isEvent()        {}
func (Closed) isEvent()        {}
func (MessageBatch) isEvent()  {}

// Message is one inbound message record.
type Message struct {
	ID string
	// Target is the conversation the message belongs to.
	Target string
	// Sender is the participant that posted the message.
	Sender string
	// FromMe is set when the automated account sent the message itself.
	FromMe    bool
	Timestamp time.Time
}

// IsObservableBroadcast reports whether the message is a status broadcast
// posted by someone other than the owning account.
func (m Message) IsObservableBroadcast() bool {
	return m.Target == BroadcastTarget && !m.FromMe
}

// CloseReason classifies why a transport connection ended.
type CloseReason int

const (
	// CloseConnectionLost covers network drops and server-side resets.
	CloseConnectionLost CloseReason = iota
	// CloseConnectFailed means the transport could not be built or connected.
	CloseConnectFailed
	// CloseReplaced means another client took over the connection.
	CloseReplaced
	// CloseAuthTimeout means the pairing challenge expired unanswered.
	CloseAuthTimeout
	// CloseLoggedOut means the account logged this device out.
	CloseLoggedOut
	// CloseUnauthorized means the stored credentials were rejected.
	CloseUnauthorized
)

var closeReasonNames = [...]string{
	CloseConnectionLost: "connection_lost",
	CloseConnectFailed:  "connect_failed",
	CloseReplaced:       "replaced",
	CloseAuthTimeout:    "auth_timeout",
	CloseLoggedOut:      "logged_out",
	CloseUnauthorized:   "unauthorized",
}

func (r CloseReason) String() string {
	if r < 0 || int(r) >= len(closeReasonNames) {
		return fmt.Sprintf("close_reason(%d)", int(r))
	}
	return closeReasonNames[r]
}

// Retryable reports whether the session should reconnect after a close with
// this reason. Only an explicit logout or credential rejection is terminal.
func (r CloseReason) Retryable() bool {
	return r != CloseLoggedOut && r != CloseUnauthorized
}
