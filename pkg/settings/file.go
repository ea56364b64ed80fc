// Copyright 2024-2026 Aiku AI

package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// LegacySessionID is the session that inherits a single-account settings
// file of the form {"emoji": "...", "active": true}.
const LegacySessionID = "default"

// FileStore keeps the settings of every session in one JSON object keyed by
// session id. Writes go through a temporary file and a rename so readers
// never observe a torn file; concurrent in-process writers are serialized
// and the last write wins.
type FileStore struct {
	path     string
	log      zerolog.Logger
	// readFile is os.ReadFile outside of tests.
	readFile func(string) ([]byte, error)

	mu          sync.Mutex
	lastWritten []byte
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store backed by the file at path. The file does not
// need to exist yet.
func NewFileStore(path string, log zerolog.Logger) *FileStore {
	return &FileStore{
		path:     path,
		log:      log.With().Str("component", "settings").Str("path", path).Logger(),
		readFile: os.ReadFile,
	}
}

// Path returns the backing file path.
func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) Load(_ context.Context, id string) (Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.readLocked()
	if err != nil {
		return Default(), err
	}
	s, ok := all[id]
	if !ok {
		return Default(), nil
	}
	return s, nil
}

// LoadAll returns every persisted session's settings.
func (f *FileStore) LoadAll() (map[string]Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readLocked()
}

func (f *FileStore) Save(_ context.Context, id string, s Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	all, err := f.readLocked()
	if errors.Is(err, ErrCorrupt) {
		// Overwriting repairs a corrupt file. Any other read failure could
		// hide sessions we would otherwise discard.
		f.log.Warn().Err(err).Msg("Replacing corrupt settings file")
		all = make(map[string]Settings)
	} else if err != nil {
		return err
	}
	all[id] = s

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := writeFileAtomic(f.path, data); err != nil {
		return err
	}
	f.lastWritten = data
	return nil
}

func (f *FileStore) readLocked() (map[string]Settings, error) {
	data, err := f.readFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]Settings), nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	return decode(data)
}

// decode parses either the keyed form or the legacy single-account form.
func decode(data []byte) (map[string]Settings, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return make(map[string]Settings), nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if isLegacy(raw) {
		var legacy struct {
			Emoji  string `json:"emoji"`
			Active *bool  `json:"active"`
		}
		if err := json.Unmarshal(data, &legacy); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		s := Default()
		if legacy.Emoji != "" {
			s.ReactionChoice = legacy.Emoji
		}
		if legacy.Active != nil {
			s.Active = *legacy.Active
		}
		return map[string]Settings{LegacySessionID: s}, nil
	}

	out := make(map[string]Settings, len(raw))
	for id, msg := range raw {
		s := Default()
		if err := json.Unmarshal(msg, &s); err != nil {
			return nil, fmt.Errorf("%w: session %q: %v", ErrCorrupt, id, err)
		}
		out[id] = s.normalize()
	}
	return out, nil
}

func isLegacy(raw map[string]json.RawMessage) bool {
	for _, key := range []string{"emoji", "active"} {
		msg, ok := raw[key]
		if !ok {
			continue
		}
		trimmed := bytes.TrimSpace(msg)
		if len(trimmed) > 0 && trimmed[0] != '{' {
			return true
		}
	}
	return false
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp settings file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace settings file: %w", err)
	}
	return nil
}

// Watch reports edits made to the settings file by other writers until ctx
// is done. Rewrites that match this store's own last write are skipped. The
// parent directory is watched because editors and atomic writers replace
// the file instead of writing it in place.
func (f *FileStore) Watch(ctx context.Context, onChange func(map[string]Settings)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create settings watcher: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to create settings dir: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch settings dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		baseName := filepath.Base(f.path)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(evt.Name) != baseName {
					continue
				}
				if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
					continue
				}
				f.reloadExternal(onChange)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.log.Warn().Err(err).Msg("Settings watcher error")
			}
		}
	}()
	return nil
}

func (f *FileStore) reloadExternal(onChange func(map[string]Settings)) {
	f.mu.Lock()
	data, err := f.readFile(f.path)
	if err != nil {
		f.mu.Unlock()
		f.log.Debug().Err(err).Msg("Settings file not readable after change")
		return
	}
	if f.lastWritten != nil && bytes.Equal(data, f.lastWritten) {
		f.mu.Unlock()
		return
	}
	all, err := decode(data)
	f.mu.Unlock()
	if err != nil {
		f.log.Warn().Err(err).Msg("Ignoring unreadable external settings edit")
		return
	}
	f.log.Info().Int("sessions", len(all)).Msg("Settings file changed externally")
	onChange(all)
}
