// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package whatsapp provides a watcher.Transport backed by whatsmeow. Each
// session gets its own SQLite device store under the factory's data
// directory.
package whatsapp

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/aiku/statuswatch/pkg/watcher"
)

// Factory creates whatsmeow transports and owns their device stores.
type Factory struct {
	dataDir string
	log     zerolog.Logger
}

var _ watcher.TransportFactory = (*Factory)(nil)

// NewFactory returns a factory storing credentials under dataDir. A
// non-empty deviceName is announced to the phone when pairing.
func NewFactory(dataDir, deviceName string, log zerolog.Logger) *Factory {
	if deviceName != "" {
		store.SetOSInfo(deviceName, [3]uint32{1, 0, 0})
	}
	return &Factory{
		dataDir: dataDir,
		log:     log.With().Str("component", "whatsapp").Logger(),
	}
}

var safeStoreName = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// storeName maps a session id to a file name. Ids that are not plain file
// name characters are hashed.
func storeName(sessionID string) string {
	if safeStoreName.MatchString(sessionID) {
		return sessionID + ".db"
	}
	sum := sha256.Sum256([]byte(sessionID))
	return "session-" + hex.EncodeToString(sum[:12]) + ".db"
}

func (f *Factory) storePath(sessionID string) string {
	return filepath.Join(f.dataDir, storeName(sessionID))
}

func (f *Factory) NewTransport(ctx context.Context, sessionID string, sink watcher.EventSink) (watcher.Transport, error) {
	if err := os.MkdirAll(f.dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	log := f.log.With().Str("session_id", sessionID).Logger()
	waLog := NewLogger(log)

	path := f.storePath(sessionID)
	db, err := sql.Open("sqlite3", "file:"+path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open device store: %w", err)
	}
	container := sqlstore.NewWithDB(db, "sqlite3", waLog.Sub("Database"))
	if err := container.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to upgrade device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to load device: %w", err)
	}

	client := whatsmeow.NewClient(device, waLog.Sub("Client"))
	// Reconnects are scheduled by the session controller.
	client.EnableAutoReconnect = false

	t := &Transport{
		client: client,
		db:     db,
		sink:   sink,
		log:    log,
	}
	t.accountID = t.storedAccountID
	client.AddEventHandler(t.handleEvent)
	return t, nil
}

// WipeCredentials deletes the session's device store and its SQLite
// companion files.
func (f *Factory) WipeCredentials(_ context.Context, sessionID string) error {
	path := f.storePath(sessionID)
	var errs []error
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to wipe credentials: %w", err)
	}
	f.log.Info().Str("session_id", sessionID).Msg("Wiped device store")
	return nil
}

// Transport is one whatsmeow client connection.
type Transport struct {
	client    *whatsmeow.Client
	db        *sql.DB
	sink      watcher.EventSink
	log       zerolog.Logger
	accountID func() string

	closeOnce sync.Once
}

var _ watcher.Transport = (*Transport)(nil)

// Connect starts the websocket. Unpaired devices first open a QR channel
// whose codes are reported as authorization challenges.
func (t *Transport) Connect(ctx context.Context) error {
	if t.client.Store.ID == nil {
		qrChan, err := t.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("failed to open QR channel: %w", err)
		}
		go t.forwardQR(qrChan)
	}
	if err := t.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

func (t *Transport) forwardQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			t.sink(watcher.AuthChallenge{Payload: item.Code})
		case "success":
			t.log.Info().Msg("Pairing succeeded")
		case "timeout":
			t.sink(watcher.Closed{Reason: watcher.CloseAuthTimeout})
		default:
			err := item.Error
			if err == nil {
				err = fmt.Errorf("pairing failed: %s", item.Event)
			}
			t.sink(watcher.Closed{Reason: watcher.CloseConnectFailed, Err: err})
		}
	}
}

func (t *Transport) storedAccountID() string {
	if t.client == nil || t.client.Store == nil || t.client.Store.ID == nil {
		return ""
	}
	return t.client.Store.ID.User
}

// handleEvent translates whatsmeow events into watcher events.
func (t *Transport) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		t.sink(watcher.Opened{AccountID: t.accountID()})
	case *events.LoggedOut:
		t.sink(watcher.Closed{
			Reason: watcher.CloseLoggedOut,
			Err:    fmt.Errorf("logged out (on connect: %t): %v", evt.OnConnect, evt.Reason),
		})
	case *events.Disconnected:
		t.sink(watcher.Closed{Reason: watcher.CloseConnectionLost})
	case *events.StreamReplaced:
		t.sink(watcher.Closed{Reason: watcher.CloseReplaced})
	case *events.ConnectFailure:
		t.sink(watcher.Closed{
			Reason: watcher.CloseConnectFailed,
			Err:    fmt.Errorf("connect failure: %v", evt.Reason),
		})
	case *events.TemporaryBan:
		t.sink(watcher.Closed{
			Reason: watcher.CloseConnectFailed,
			Err:    fmt.Errorf("temporary ban: %v", evt),
		})
	case *events.Message:
		t.sink(watcher.MessageBatch{Messages: []watcher.Message{toMessage(evt.Info)}})
	default:
		t.log.Trace().Type("event_type", rawEvt).Msg("Unhandled whatsmeow event")
	}
}

func toMessage(info types.MessageInfo) watcher.Message {
	return watcher.Message{
		ID:        info.ID,
		Target:    info.Chat.String(),
		Sender:    info.Sender.String(),
		FromMe:    info.IsFromMe,
		Timestamp: info.Timestamp,
	}
}

func parseAddresses(msg watcher.Message) (chat, sender types.JID, err error) {
	chat, err = types.ParseJID(msg.Target)
	if err != nil {
		return chat, sender, fmt.Errorf("invalid target %q: %w", msg.Target, err)
	}
	sender, err = types.ParseJID(msg.Sender)
	if err != nil {
		return chat, sender, fmt.Errorf("invalid sender %q: %w", msg.Sender, err)
	}
	return chat, sender, nil
}

// Acknowledge sends a read receipt for msg to its sender.
func (t *Transport) Acknowledge(ctx context.Context, msg watcher.Message) error {
	chat, sender, err := parseAddresses(msg)
	if err != nil {
		return err
	}
	return t.client.MarkRead(ctx, []types.MessageID{msg.ID}, msg.Timestamp, chat, sender)
}

// React sends reaction to msg, keyed to its original poster. The reaction
// goes out on the status broadcast chat, so whatsmeow delivers it to the
// account's status audience rather than to the poster alone.
func (t *Transport) React(ctx context.Context, msg watcher.Message, reaction string) error {
	chat, sender, err := parseAddresses(msg)
	if err != nil {
		return err
	}
	_, err = t.client.SendMessage(ctx, chat, t.client.BuildReaction(chat, sender, msg.ID, reaction))
	if err != nil {
		return fmt.Errorf("failed to send reaction: %w", err)
	}
	return nil
}

// Disconnect closes the websocket and the device store.
func (t *Transport) Disconnect() {
	t.closeOnce.Do(func() {
		if t.client != nil {
			t.client.RemoveEventHandlers()
			t.client.Disconnect()
		}
		if t.db != nil {
			if err := t.db.Close(); err != nil {
				t.log.Warn().Err(err).Msg("Failed to close device store")
			}
		}
	})
}
