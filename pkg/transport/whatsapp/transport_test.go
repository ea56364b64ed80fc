// Copyright 2024-2026 Aiku AI

package whatsapp

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/aiku/statuswatch/pkg/watcher"
)

type recordingSink struct {
	mu     sync.Mutex
	events []watcher.Event
}

func (r *recordingSink) sink(evt watcher.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingSink) last(t *testing.T) watcher.Event {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		t.Fatal("no events recorded")
	}
	return r.events[len(r.events)-1]
}

func newTestTransport(rec *recordingSink) *Transport {
	return &Transport{
		sink:      rec.sink,
		log:       zerolog.Nop(),
		accountID: func() string { return "15550001" },
	}
}

func TestHandleEvent_Lifecycle(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   any
		want watcher.CloseReason
	}{
		{"disconnected", &events.Disconnected{}, watcher.CloseConnectionLost},
		{"stream replaced", &events.StreamReplaced{}, watcher.CloseReplaced},
		{"logged out", &events.LoggedOut{}, watcher.CloseLoggedOut},
		{"connect failure", &events.ConnectFailure{}, watcher.CloseConnectFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := &recordingSink{}
			newTestTransport(rec).handleEvent(tt.in)
			closed, ok := rec.last(t).(watcher.Closed)
			if !ok {
				t.Fatalf("got %T, want watcher.Closed", rec.last(t))
			}
			if closed.Reason != tt.want {
				t.Errorf("reason: got %v, want %v", closed.Reason, tt.want)
			}
		})
	}
}

func TestHandleEvent_LoggedOutIsTerminal(t *testing.T) {
	t.Parallel()
	rec := &recordingSink{}
	newTestTransport(rec).handleEvent(&events.LoggedOut{})
	closed := rec.last(t).(watcher.Closed)
	if closed.Reason.Retryable() {
		t.Error("logout must not be retryable")
	}
	if closed.Err == nil {
		t.Error("expected a descriptive error")
	}
}

func TestHandleEvent_Connected(t *testing.T) {
	t.Parallel()
	rec := &recordingSink{}
	newTestTransport(rec).handleEvent(&events.Connected{})
	opened, ok := rec.last(t).(watcher.Opened)
	if !ok {
		t.Fatalf("got %T, want watcher.Opened", rec.last(t))
	}
	if opened.AccountID != "15550001" {
		t.Errorf("account: got %q", opened.AccountID)
	}
}

func TestHandleEvent_Message(t *testing.T) {
	t.Parallel()
	rec := &recordingSink{}
	ts := time.Unix(1700000000, 0)
	newTestTransport(rec).handleEvent(&events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:   types.StatusBroadcastJID,
				Sender: types.NewJID("22260002", types.DefaultUserServer),
			},
			ID:        "m1",
			Timestamp: ts,
		},
	})
	batch, ok := rec.last(t).(watcher.MessageBatch)
	if !ok || len(batch.Messages) != 1 {
		t.Fatalf("got %#v, want one-message batch", rec.last(t))
	}
	msg := batch.Messages[0]
	if !msg.IsObservableBroadcast() {
		t.Errorf("status post should be observable: %+v", msg)
	}
	if msg.Sender != "22260002@s.whatsapp.net" || msg.ID != "m1" || !msg.Timestamp.Equal(ts) {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestHandleEvent_IgnoresUnknown(t *testing.T) {
	t.Parallel()
	rec := &recordingSink{}
	newTestTransport(rec).handleEvent(struct{ Name string }{"unrelated"})
	if len(rec.events) != 0 {
		t.Errorf("unexpected events: %v", rec.events)
	}
}

func TestParseAddresses(t *testing.T) {
	t.Parallel()
	chat, sender, err := parseAddresses(watcher.Message{
		Target: watcher.BroadcastTarget,
		Sender: "22260002@s.whatsapp.net",
	})
	if err != nil {
		t.Fatalf("parseAddresses: %v", err)
	}
	if chat != types.StatusBroadcastJID {
		t.Errorf("chat: got %v", chat)
	}
	if sender.User != "22260002" {
		t.Errorf("sender: got %v", sender)
	}
}

func TestStoreName(t *testing.T) {
	t.Parallel()
	if got := storeName("default"); got != "default.db" {
		t.Errorf("got %q", got)
	}
	for _, id := range []string{"../escape", "a/b", "", strings.Repeat("x", 65)} {
		got := storeName(id)
		if strings.ContainsAny(got, `/\`) || !strings.HasPrefix(got, "session-") {
			t.Errorf("storeName(%q) = %q", id, got)
		}
	}
	if storeName("a/b") == storeName("a/c") {
		t.Error("distinct ids must map to distinct files")
	}
}

func TestWipeCredentials(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	f := NewFactory(dir, "", zerolog.Nop())
	base := filepath.Join(dir, "s1.db")
	for _, p := range []string{base, base + "-wal", base + "-shm"} {
		if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	other := filepath.Join(dir, "s2.db")
	if err := os.WriteFile(other, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := f.WipeCredentials(context.Background(), "s1"); err != nil {
		t.Fatalf("WipeCredentials: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != "s2.db" {
		t.Errorf("remaining files: %v", entries)
	}
	// Wiping again is a no-op.
	if err := f.WipeCredentials(context.Background(), "s1"); err != nil {
		t.Errorf("second wipe: %v", err)
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	t.Parallel()
	tr := newTestTransport(&recordingSink{})
	tr.Disconnect()
	tr.Disconnect()
}

func TestLoggerAdapter(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewLogger(zerolog.New(&buf)).Sub("Client")
	log.Warnf("socket %s closed", "ws1")
	out := buf.String()
	if !strings.Contains(out, `"module":"Client"`) || !strings.Contains(out, "socket ws1 closed") {
		t.Errorf("unexpected output: %s", out)
	}
	if !strings.Contains(out, `"level":"warn"`) {
		t.Errorf("level not mapped: %s", out)
	}
}
