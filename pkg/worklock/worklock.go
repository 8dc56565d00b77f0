// Package worklock implements the single-slot mutual exclusion marker for
// "one job is currently running". The lock is working.json in the data
// directory: its existence is the busy signal, and creation uses exclusive
// O_EXCL semantics so two dispatchers can never both start a job. Liveness is
// inferred from the last_activity heartbeat, not a wall-clock timer.
package worklock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/heysquid/heysquid/pkg/logger"
	"github.com/heysquid/heysquid/pkg/state"
)

// FileName is the lock file inside the data directory.
const FileName = "working.json"

// ErrBusy means another job currently holds the lock. Not an error to
// surface to the user — the caller simply declines to start a second job.
var ErrBusy = errors.New("worklock: another task is in progress")

const summaryLen = 50

// IDList marshals as a bare value when it holds one id and as an array
// otherwise, and accepts numbers or strings on the way in. Older state files
// stored raw telegram ints.
type IDList []string

func (l IDList) MarshalJSON() ([]byte, error) {
	if len(l) == 1 {
		return json.Marshal(l[0])
	}
	return json.Marshal([]string(l))
}

func (l *IDList) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*l = (*l)[:0]
	switch v := raw.(type) {
	case []interface{}:
		for _, item := range v {
			*l = append(*l, scalarID(item))
		}
	default:
		*l = append(*l, scalarID(v))
	}
	return nil
}

func scalarID(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Info is the lock file content.
type Info struct {
	MessageIDs         IDList `json:"message_id"`
	InstructionSummary string `json:"instruction_summary"`
	StartedAt          string `json:"started_at"`
	LastActivity       string `json:"last_activity"`
	Count              int    `json:"count"`
	ChatID             string `json:"chat_id"`
}

// Status is what Check returns: the lock content plus the derived stale
// classification.
type Status struct {
	Info
	Stale bool
}

// Lock manages the working.json file. Construct once per process.
type Lock struct {
	path    string
	timeout time.Duration
}

func New(dataDir string, staleAfter time.Duration) *Lock {
	if staleAfter <= 0 {
		staleAfter = 1800 * time.Second
	}
	return &Lock{path: filepath.Join(dataDir, FileName), timeout: staleAfter}
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// Create acquires the lock for a job. Fails with ErrBusy if a lock already
// exists — it never overwrites. This exclusive create is the core guarantee
// that two jobs cannot run concurrently.
func (l *Lock) Create(messageIDs []string, instruction, chatID string) error {
	if len(messageIDs) == 0 {
		return fmt.Errorf("worklock: no message ids")
	}

	summary := strings.ReplaceAll(instruction, "\n", " ")
	if len([]rune(summary)) > summaryLen {
		summary = string([]rune(summary)[:summaryLen])
	}
	now := state.Now()
	info := Info{
		MessageIDs:         IDList(messageIDs),
		InstructionSummary: summary,
		StartedAt:          now,
		LastActivity:       now,
		Count:              len(messageIDs),
		ChatID:             chatID,
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("worklock: create data dir: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			logger.WarnC("worklock", "lock file already exists, another task is in progress")
			return ErrBusy
		}
		return fmt.Errorf("worklock: create: %w", err)
	}

	data, merr := json.MarshalIndent(info, "", "  ")
	if merr == nil {
		_, merr = f.Write(data)
	}
	if cerr := f.Close(); merr == nil {
		merr = cerr
	}
	if merr != nil {
		os.Remove(l.path)
		return fmt.Errorf("worklock: write: %w", merr)
	}

	logger.InfoCF("worklock", "working lock created", map[string]interface{}{
		"message_ids": strings.Join(messageIDs, ","), "summary": summary,
	})
	return nil
}

// Check classifies the lock at read time: nil means idle, Stale=true means
// the previous worker probably died (no heartbeat past the timeout).
// Unreadable content is treated as absent (never as active — that would be a
// permanent deadlock); unparsable timestamps fall back to file mtime, and a
// stale mtime removes the lock outright. Availability over a stuck lock.
func (l *Lock) Check() *Status {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		logger.WarnCF("worklock", "unreadable lock content, treating as idle", map[string]interface{}{
			"error": err.Error(),
		})
		return nil
	}

	lastActivity := info.LastActivity
	if lastActivity == "" {
		lastActivity = info.StartedAt
	}

	ts, err := state.Parse(lastActivity)
	if err != nil {
		fi, serr := os.Stat(l.path)
		if serr != nil {
			return nil
		}
		if time.Since(fi.ModTime()) > l.timeout {
			os.Remove(l.path)
			logger.WarnC("worklock", "lock timestamp unparsable and mtime stale, removed")
			return nil
		}
		return &Status{Info: info}
	}

	idle := time.Since(ts)
	if idle > l.timeout {
		logger.WarnCF("worklock", "stale task detected", map[string]interface{}{
			"idle_minutes": int(idle.Minutes()),
			"summary":      info.InstructionSummary,
			"started_at":   info.StartedAt,
		})
		return &Status{Info: info, Stale: true}
	}
	return &Status{Info: info}
}

// Touch updates last_activity. Called on every observable unit of work so
// liveness reflects real progress. Missing lock is a no-op.
func (l *Lock) Touch() {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		logger.WarnCF("worklock", "touch: unreadable lock", map[string]interface{}{"error": err.Error()})
		return
	}
	info.LastActivity = state.Now()
	out, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(l.path, out, 0o644); err != nil {
		logger.WarnCF("worklock", "touch: write failed", map[string]interface{}{"error": err.Error()})
	}
}

// Release removes the lock file. With toWaiting the mutex is still freed (so
// other TODO work can run) but the caller transitions the task card to
// waiting instead of done; the distinction only changes what we log here.
func (l *Lock) Release(toWaiting bool) {
	if err := os.Remove(l.path); err != nil {
		if !os.IsNotExist(err) {
			logger.WarnCF("worklock", "release failed", map[string]interface{}{"error": err.Error()})
		}
		return
	}
	if toWaiting {
		logger.InfoC("worklock", "working lock released (waiting for reply)")
	} else {
		logger.InfoC("worklock", "working lock released")
	}
}

// Read returns the raw lock content without classification, or nil.
func (l *Lock) Read() *Info {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil
	}
	return &info
}
