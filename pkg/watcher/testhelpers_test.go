// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/statuswatch/pkg/settings"
)

// reactCall records one React invocation.
type reactCall struct {
	MessageID string
	Sender    string
	Reaction  string
}

// fakeTransport records acknowledge and react calls for assertions.
type fakeTransport struct {
	sessionID string
	sink      EventSink
	factory   *fakeFactory

	connectErr error
	ackErr     error
	reactErr   error

	mu           sync.Mutex
	acks         []Message
	reacts       []reactCall
	disconnected int
}

func (f *fakeTransport) Connect(context.Context) error {
	return f.connectErr
}

func (f *fakeTransport) Acknowledge(_ context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, msg)
	return f.ackErr
}

func (f *fakeTransport) React(_ context.Context, msg Message, reaction string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reacts = append(f.reacts, reactCall{MessageID: msg.ID, Sender: msg.Sender, Reaction: reaction})
	return f.reactErr
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	f.disconnected++
	first := f.disconnected == 1
	f.mu.Unlock()
	if first && f.factory != nil {
		f.factory.release(f.sessionID)
	}
}

func (f *fakeTransport) Acks() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]Message, len(f.acks))
	copy(cp, f.acks)
	return cp
}

func (f *fakeTransport) Reacts() []reactCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]reactCall, len(f.reacts))
	copy(cp, f.reacts)
	return cp
}

func (f *fakeTransport) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

// emit delivers evt the way a real transport callback would.
func (f *fakeTransport) emit(evt Event) {
	f.sink(evt)
}

// fakeFactory hands out fakeTransports and records credential wipes.
type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
	wiped      []string
	// failNew makes the next N NewTransport calls fail.
	failNew    int
	failWipe   int
	connectErr error
	ackErr     error
	reactErr   error

	// disconnectDelay slows down releasing a transport.
	disconnectDelay time.Duration

	live    map[string]int
	maxLive map[string]int
}

var errFakeTransport = errors.New("fake transport failure")

func (f *fakeFactory) NewTransport(_ context.Context, sessionID string, sink EventSink) (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNew > 0 {
		f.failNew--
		return nil, errFakeTransport
	}
	t := &fakeTransport{
		sessionID:  sessionID,
		sink:       sink,
		factory:    f,
		connectErr: f.connectErr,
		ackErr:     f.ackErr,
		reactErr:   f.reactErr,
	}
	f.connectErr = nil
	f.transports = append(f.transports, t)
	if f.live == nil {
		f.live = make(map[string]int)
		f.maxLive = make(map[string]int)
	}
	f.live[sessionID]++
	f.maxLive[sessionID] = max(f.maxLive[sessionID], f.live[sessionID])
	return t, nil
}

func (f *fakeFactory) release(sessionID string) {
	f.mu.Lock()
	delay := f.disconnectDelay
	f.mu.Unlock()
	time.Sleep(delay)
	f.mu.Lock()
	f.live[sessionID]--
	f.mu.Unlock()
}

// MaxLive reports the most transports that were open at once for sessionID.
func (f *fakeFactory) MaxLive(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxLive[sessionID]
}

func (f *fakeFactory) WipeCredentials(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWipe > 0 {
		f.failWipe--
		return errFakeTransport
	}
	f.wiped = append(f.wiped, sessionID)
	return nil
}

func (f *fakeFactory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

func (f *fakeFactory) Transport(i int) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.transports) {
		return nil
	}
	return f.transports[i]
}

func (f *fakeFactory) Wiped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]string, len(f.wiped))
	copy(cp, f.wiped)
	return cp
}

// failingStore is a settings.Store whose saves always fail.
type failingStore struct {
	settings.MemoryStore
}

func (*failingStore) Save(context.Context, string, settings.Settings) error {
	return errors.New("disk full")
}

// testPolicy uses short delays so reconnect paths finish quickly.
func testPolicy() Policy {
	return Policy{
		Backoff:        FixedBackoff(10 * time.Millisecond),
		RemovalDelay:   10 * time.Millisecond,
		ResetOnRelogin: true,
		QueueSize:      16,
	}
}

func newTestRegistry(t *testing.T, factory *fakeFactory, store settings.Store, policy Policy) *Registry {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRegistry(ctx, factory, store, policy, zerolog.Nop())
	t.Cleanup(func() {
		r.Close()
		cancel()
	})
	return r
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForStatus(t *testing.T, c *Controller, want ConnectionStatus) {
	t.Helper()
	waitFor(t, "status "+want.String(), func() bool {
		return c.Session().Snapshot().ConnectionStatus == want
	})
}

func waitForTransport(t *testing.T, f *fakeFactory, i int) *fakeTransport {
	t.Helper()
	waitFor(t, "transport creation", func() bool {
		return f.Created() > i
	})
	return f.Transport(i)
}

// connectSession creates id and drives it to Connected as accountID.
func connectSession(t *testing.T, r *Registry, f *fakeFactory, id, accountID string) (*Controller, *fakeTransport) {
	t.Helper()
	before := f.Created()
	c := r.GetOrCreate(context.Background(), id)
	tr := waitForTransport(t, f, before)
	tr.emit(Opened{AccountID: accountID})
	waitForStatus(t, c, StatusConnected)
	return c, tr
}

func broadcastFrom(id, sender string) Message {
	return Message{
		ID:        id,
		Target:    BroadcastTarget,
		Sender:    sender,
		Timestamp: time.Unix(1700000000, 0),
	}
}
