// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// envelope tags a queued event with the transport generation that produced
// it. Events from a replaced transport or a superseded timer are dropped.
type envelope struct {
	gen uint64
	evt any
}

// Internal events, produced by the controller itself.
type (
	connectFailed struct{ err error }
	reconnectDue  struct{}
	wipeDue       struct{ cause Closed }
)

// Controller owns the transport of one session and drives its connection
// state machine. All transitions happen on the controller's run goroutine.
type Controller struct {
	session    *Session
	factory    TransportFactory
	dispatcher *Dispatcher
	policy     Policy
	log        zerolog.Logger

	onChange     func(Status)
	onTerminated func(*Controller)

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan envelope
	done   chan struct{}

	// persistMu orders settings commands and their saves.
	persistMu sync.Mutex

	timerMu   sync.Mutex
	stopped   bool
	reconnect *time.Timer
	removal   *time.Timer

	// Owned by the run goroutine.
	transport  Transport
	generation uint64
	attempts   int
}

func newController(parent context.Context, session *Session, factory TransportFactory, policy Policy, log zerolog.Logger) *Controller {
	ctx, cancel := context.WithCancel(parent)
	log = log.With().Str("session_id", session.ID).Logger()
	return &Controller{
		session:    session,
		factory:    factory,
		dispatcher: NewDispatcher(log),
		policy:     policy,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		queue:      make(chan envelope, policy.QueueSize),
		done:       make(chan struct{}),
	}
}

// Session returns the session this controller manages.
func (c *Controller) Session() *Session {
	return c.session
}

// Done is closed once the controller's run goroutine has exited.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) start() {
	go c.run()
}

// Stop cancels any pending reconnect or removal and shuts the controller
// down. The transport is disconnected by the run goroutine on exit.
func (c *Controller) Stop() {
	c.timerMu.Lock()
	if c.stopped {
		c.timerMu.Unlock()
		return
	}
	c.stopped = true
	if c.reconnect != nil {
		c.reconnect.Stop()
	}
	if c.removal != nil {
		c.removal.Stop()
	}
	c.timerMu.Unlock()
	c.cancel()
}

func (c *Controller) run() {
	defer close(c.done)
	c.connect()
	for {
		select {
		case <-c.ctx.Done():
			if c.transport != nil {
				c.transport.Disconnect()
				c.transport = nil
			}
			c.log.Debug().Msg("Session controller stopped")
			return
		case env := <-c.queue:
			if env.gen != c.generation {
				c.log.Trace().Uint64("gen", env.gen).Msg("Dropping stale event")
				continue
			}
			c.handle(env.evt)
		}
	}
}

func (c *Controller) enqueue(gen uint64, evt any) {
	select {
	case c.queue <- envelope{gen: gen, evt: evt}:
	case <-c.ctx.Done():
	}
}

func (c *Controller) sink(gen uint64) EventSink {
	return func(evt Event) {
		c.enqueue(gen, evt)
	}
}

func (c *Controller) handle(evt any) {
	switch evt := evt.(type) {
	case AuthChallenge:
		c.handleAuthChallenge(evt)
	case Opened:
		c.handleOpened(evt)
	case Closed:
		c.handleClosed(evt)
	case MessageBatch:
		c.session.touch(time.Now())
		if c.dispatcher.Dispatch(c.ctx, c.session, c.transport, evt) > 0 && c.onChange != nil {
			c.onChange(c.session.Snapshot())
		}
	case connectFailed:
		c.handleClosed(Closed{Reason: CloseConnectFailed, Err: evt.err})
	case reconnectDue:
		if c.status() == StatusDisconnected {
			c.connect()
		}
	case wipeDue:
		c.terminate(evt.cause)
	default:
		c.log.Warn().Type("event_type", evt).Msg("Unhandled session event")
	}
}

func (c *Controller) status() ConnectionStatus {
	c.session.mu.Lock()
	defer c.session.mu.Unlock()
	return c.session.status
}

// transition applies fn and the status change under the session lock, then
// publishes the new snapshot.
func (c *Controller) transition(next ConnectionStatus, fn func(s *Session)) {
	s := c.session
	s.mu.Lock()
	s.setStatusLocked(next, time.Now())
	if fn != nil {
		fn(s)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	if c.onChange != nil {
		c.onChange(snap)
	}
}

func (c *Controller) connect() {
	if c.ctx.Err() != nil {
		return
	}
	c.generation++
	gen := c.generation
	c.transition(StatusConnecting, nil)
	c.log.Info().Int("attempt", c.attempts).Msg("Connecting session")

	t, err := c.factory.NewTransport(c.ctx, c.session.ID, c.sink(gen))
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to create transport")
		c.handleClosed(Closed{Reason: CloseConnectFailed, Err: err})
		return
	}
	c.transport = t
	go func() {
		if err := t.Connect(c.ctx); err != nil {
			c.enqueue(gen, connectFailed{err: err})
		}
	}()
}

func (c *Controller) handleAuthChallenge(evt AuthChallenge) {
	switch c.status() {
	case StatusConnecting, StatusAwaitingAuthorization:
	default:
		c.log.Debug().Msg("Ignoring authorization challenge outside of connect")
		return
	}
	c.transition(StatusAwaitingAuthorization, func(s *Session) {
		s.authPayload = evt.Payload
	})
	c.log.Info().Msg("Waiting for authorization")
}

func (c *Controller) handleOpened(evt Opened) {
	switch c.status() {
	case StatusConnecting, StatusAwaitingAuthorization:
	default:
		c.session.touch(time.Now())
		return
	}
	c.attempts = 0
	c.transition(StatusConnected, func(s *Session) {
		if s.accountID == "" {
			s.accountID = evt.AccountID
		} else if evt.AccountID != "" && evt.AccountID != s.accountID {
			c.log.Warn().
				Str("account_id", s.accountID).
				Str("reported_account_id", evt.AccountID).
				Msg("Transport reported a different account, keeping the recorded one")
		}
	})
	c.log.Info().Str("account_id", evt.AccountID).Msg("Session connected")
}

func (c *Controller) handleClosed(evt Closed) {
	if c.status() == StatusTerminated {
		return
	}
	if c.transport != nil {
		c.transport.Disconnect()
		c.transport = nil
	}
	// Anything the old transport still delivers is stale from here on.
	c.generation++

	if !evt.Reason.Retryable() {
		c.terminate(evt)
		return
	}
	c.attempts++
	c.transition(StatusDisconnected, nil)
	if c.policy.MaxAttempts > 0 && c.attempts > c.policy.MaxAttempts {
		c.log.Error().Err(evt.Err).
			Stringer("reason", evt.Reason).
			Int("attempts", c.attempts-1).
			Msg("Giving up reconnecting session")
		return
	}
	delay := c.policy.Backoff(c.attempts)
	c.log.Warn().Err(evt.Err).
		Stringer("reason", evt.Reason).
		Dur("delay", delay).
		Msg("Session disconnected, scheduling reconnect")
	c.schedule(delay, reconnectDue{})
}

func (c *Controller) schedule(delay time.Duration, evt any) {
	gen := c.generation
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.stopped {
		return
	}
	if c.reconnect != nil {
		c.reconnect.Stop()
	}
	c.reconnect = time.AfterFunc(delay, func() {
		c.enqueue(gen, evt)
	})
}

// terminate wipes the credential storage and only then marks the session
// terminated. A failed wipe is retried with the reconnect backoff.
func (c *Controller) terminate(cause Closed) {
	c.log.Warn().Err(cause.Err).Stringer("reason", cause.Reason).Msg("Session logged out, wiping credentials")
	if err := c.factory.WipeCredentials(c.ctx, c.session.ID); err != nil {
		c.attempts++
		delay := c.policy.Backoff(c.attempts)
		c.log.Error().Err(err).Dur("delay", delay).Msg("Failed to wipe credentials, retrying")
		c.transition(StatusDisconnected, nil)
		c.schedule(delay, wipeDue{cause: cause})
		return
	}
	c.transition(StatusTerminated, func(s *Session) {
		s.accountID = ""
	})

	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.stopped || c.onTerminated == nil {
		return
	}
	c.removal = time.AfterFunc(c.policy.RemovalDelay, func() {
		c.onTerminated(c)
	})
}
