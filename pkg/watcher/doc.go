// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package watcher implements the session lifecycle and dispatch engine of
// the status auto-viewer.
//
// Each account is a [Session] identified by an opaque id. The [Registry]
// owns every session and its [Controller], creating them on first
// reference. A controller drives one [Transport] at a time through the
// connection state machine:
//
//	Uninitialized -> Connecting -> AwaitingAuthorization -> Connected
//	Connected -> Disconnected -> Connecting   (retryable close)
//	Connected|Disconnected -> Terminated      (logged out)
//
// Transport callbacks never touch session state directly. They enqueue
// events on the controller's FIFO queue, and a single goroutine per
// session applies them in delivery order.
//
// # Dispatch
//
// Inbound message batches are filtered for status broadcasts sent by other
// accounts. While the session is active and connected, every such message
// is acknowledged, counted, and optionally reacted to. Transport failures in
// this path are logged and dropped.
//
// # Commands
//
// [Registry.GetStatus], [Registry.ToggleActive] and [Registry.SetReaction]
// form the query/command surface used by the HTTP API. They only touch
// registry entries, never a transport.
package watcher
