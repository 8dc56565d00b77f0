// Package state is the single sanctioned way to read and mutate the shared
// JSON documents under the data directory. Listeners, the dispatcher, the
// scheduler and the dashboard run as separate OS processes and coordinate
// only through these files, so every mutation must go through Modify: an
// advisory file lock around a load → mutate → atomic-save cycle. Plain
// Load+Save pairs from application code race across processes and are a bug.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/heysquid/heysquid/pkg/logger"
)

// TimeLayout is the one timestamp format used in every persisted document.
// Local time, no zone suffix.
const TimeLayout = "2006-01-02 15:04:05"

// Now returns the current local time in TimeLayout.
func Now() string {
	return time.Now().Format(TimeLayout)
}

// Parse parses a TimeLayout timestamp in local time.
func Parse(ts string) (time.Time, error) {
	return time.ParseInLocation(TimeLayout, ts, time.Local)
}

// ErrNoChange can be returned from a Modify callback to skip the save while
// still releasing the lock cleanly.
var ErrNoChange = errors.New("state: no change")

// Store is opened once per process and injected into whatever needs it.
type Store struct {
	dir string
}

// Open creates the data directory if needed and returns a store over it.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the data directory path.
func (s *Store) Dir() string { return s.dir }

// Path returns the on-disk path for a section, e.g. "messages" →
// <dir>/messages.json.
func (s *Store) Path(section string) string {
	return filepath.Join(s.dir, section+".json")
}

// Exists reports whether the section file is present.
func (s *Store) Exists(section string) bool {
	_, err := os.Stat(s.Path(section))
	return err == nil
}

// Load reads a section into out. Missing files and malformed JSON are
// expected conditions: out is left as the caller's zero/default document and
// a warning is logged for the malformed case. Load never fails the caller.
func (s *Store) Load(section string, out interface{}) {
	data, err := os.ReadFile(s.Path(section))
	if err != nil {
		if !os.IsNotExist(err) {
			logger.WarnCF("state", "read failed, using defaults", map[string]interface{}{
				"section": section, "error": err.Error(),
			})
		}
		return
	}
	if err := json.Unmarshal(data, out); err != nil {
		logger.WarnCF("state", "malformed JSON, using defaults", map[string]interface{}{
			"section": section, "error": err.Error(),
		})
	}
}

// Save writes a section atomically: temp file in the same directory, fsync,
// rename over the destination. A reader never observes a partial document; a
// crash mid-write leaves the previous good file in place.
func (s *Store) Save(section string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", section, err)
	}

	tmp, err := os.CreateTemp(s.dir, section+"-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", section, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write temp for %s: %w", section, err)
	}

	if err := os.Rename(tmpPath, s.Path(section)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename %s: %w", section, err)
	}
	return nil
}

// Modify runs a locked read-modify-write cycle on a section. doc is loaded
// under the lock, fn mutates it in place, and the result is saved before the
// lock is released. fn may return ErrNoChange to skip the save. The lock is
// a sidecar <section>.json.lock file held with an exclusive flock, so the
// cycle is linearizable across processes, not just goroutines. Acquisition
// blocks; callers needing a deadline must enforce it themselves.
//
// fn must do in-memory mutation only — no sends, no subprocess waits — to
// keep the critical section minimal.
func (s *Store) Modify(section string, doc interface{}, fn func() error) error {
	unlock, err := s.lock(section)
	if err != nil {
		return err
	}
	defer unlock()

	s.Load(section, doc)

	if err := fn(); err != nil {
		if errors.Is(err, ErrNoChange) {
			return nil
		}
		return err
	}
	return s.Save(section, doc)
}

// Remove deletes the section file. Missing is not an error.
func (s *Store) Remove(section string) error {
	err := os.Remove(s.Path(section))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) lock(section string) (func(), error) {
	lockPath := s.Path(section) + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", lockPath, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock %s: %w", lockPath, err)
	}
	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}
