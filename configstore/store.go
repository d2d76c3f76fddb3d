// Package configstore persists a small amount of cross-invocation tracker
// state in a human-editable INI file: connection settings under [tracker]
// and the cached triggered-limit blob under [triggered_limits].
//
// The file may be shared by several trackers in one process and by several
// processes. Writers coordinate through an advisory lock on a sidecar .lock
// file; every write lands atomically via a temp file and rename.
package configstore

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/ini.v1"

	"github.com/aicostmanager/aicm-go/core"
)

const (
	renameRetries    = 3
	renameRetryBase  = 10 * time.Millisecond
	lockAcquireEvery = 10 * time.Millisecond
	lockAcquireMax   = 5 * time.Second
)

// Store reads and writes one INI configuration file
type Store struct {
	path   string
	logger core.Logger
}

// New creates a store for the file at path. The file does not have to exist
// yet; the parent directory is created on first write.
func New(path string, logger core.Logger) *Store {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Store{path: path, logger: logger}
}

// Path returns the file location backing this store
func (s *Store) Path() string { return s.path }

// load parses the file tolerantly: unrecognizable lines are skipped,
// duplicate sections merge with later values winning, a missing file yields
// an empty document. Read errors also yield an empty document with a warning
// so a corrupt config can never break the host application.
func (s *Store) load() *ini.File {
	f, err := ini.LoadSources(ini.LoadOptions{
		Loose:                    true,
		SkipUnrecognizableLines:  true,
		SpaceBeforeInlineComment: true,
	}, s.path)
	if err != nil {
		s.logger.Warn("config read failed, treating as empty", map[string]interface{}{
			"path":  s.path,
			"error": err.Error(),
		})
		return ini.Empty()
	}
	return f
}

// Get returns the value for key in section, if present
func (s *Store) Get(section, key string) (string, bool) {
	f := s.load()
	sec := f.Section(section)
	if !sec.HasKey(key) {
		return "", false
	}
	return sec.Key(key).String(), true
}

// Option is Get under the name the settings resolver consumes
// (core.SettingsSource).
func (s *Store) Option(section, key string) (string, bool) {
	return s.Get(section, key)
}

// GetSection returns all key/value pairs of a section. An absent section
// yields an empty map.
func (s *Store) GetSection(section string) map[string]string {
	f := s.load()
	out := make(map[string]string)
	for _, k := range f.Section(section).Keys() {
		out[k.Name()] = k.Value()
	}
	return out
}

// Keys returns a section's key names in file order, preserving the layout a
// human gave the file.
func (s *Store) Keys(section string) []string {
	return s.load().Section(section).KeyStrings()
}

// Set writes one key in a locked read-modify-write cycle
func (s *Store) Set(section, key, value string) error {
	return s.WithLock(func() error {
		f := s.load()
		f.Section(section).Key(key).SetValue(value)
		return s.write(f)
	})
}

// ReplaceSection atomically swaps the entire contents of a section
func (s *Store) ReplaceSection(section string, values map[string]string) error {
	return s.WithLock(func() error {
		f := s.load()
		f.DeleteSection(section)
		sec := f.Section(section)
		for k, v := range values {
			sec.Key(k).SetValue(v)
		}
		return s.write(f)
	})
}

// WithLock runs fn while holding the inter-process advisory lock. Hold the
// lock only across read-modify-write critical sections, never during network
// I/O.
func (s *Store) WithLock(fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return &core.ConfigPersistError{Path: s.path, Err: err}
	}
	lk := flock.New(s.path + ".lock")
	deadline := time.Now().Add(lockAcquireMax)
	for {
		ok, err := lk.TryLock()
		if err != nil {
			return &core.ConfigPersistError{Path: s.path, Err: fmt.Errorf("lock: %w", err)}
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return &core.ConfigPersistError{Path: s.path, Err: fmt.Errorf("lock: %w", core.ErrTimeout)}
		}
		time.Sleep(lockAcquireEvery)
	}
	defer func() {
		_ = lk.Unlock()
	}()
	return fn()
}

// write persists the document atomically: temp sibling, fsync, rename.
// Rename failures retry up to 3 times with small jitter to ride out
// transient filesystem contention (shared home directories, AV scanners).
func (s *Store) write(f *ini.File) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp*")
	if err != nil {
		return &core.ConfigPersistError{Path: s.path, Err: err}
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpName)
	}
	if _, err := f.WriteTo(tmp); err != nil {
		tmp.Close()
		cleanup()
		return &core.ConfigPersistError{Path: s.path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return &core.ConfigPersistError{Path: s.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return &core.ConfigPersistError{Path: s.path, Err: err}
	}

	var renameErr error
	for attempt := 0; attempt < renameRetries; attempt++ {
		if renameErr = os.Rename(tmpName, s.path); renameErr == nil {
			return nil
		}
		time.Sleep(renameRetryBase + time.Duration(rand.Int63n(int64(renameRetryBase))))
	}
	cleanup()
	return &core.ConfigPersistError{Path: s.path, Err: renameErr}
}
