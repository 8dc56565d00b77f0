// Package recovery handles the two one-shot startup markers: a leftover
// working lock from a crashed job, and the interrupt marker written by an
// explicit stop. Both are consumed exactly once — reading removes them.
package recovery

import (
	"fmt"

	"github.com/heysquid/heysquid/pkg/ledger"
	"github.com/heysquid/heysquid/pkg/logger"
	"github.com/heysquid/heysquid/pkg/state"
	"github.com/heysquid/heysquid/pkg/worklock"
)

// InterruptSection is the one-shot stop marker file (interrupted.json).
const InterruptSection = "interrupted"

// Interrupt is written when the user stops a running job so the next job can
// explain what was cut short.
type Interrupt struct {
	Reason     string   `json:"reason"`
	MessageIDs []string `json:"message_ids"`
	Summary    string   `json:"summary"`
	ChatID     string   `json:"chat_id"`
	Timestamp  string   `json:"timestamp"`
}

// Crash describes a job that died without releasing the working lock.
type Crash struct {
	MessageIDs []string
	// Originals holds the recovered instruction text per message id, with a
	// placeholder when the ledger no longer has the message.
	Originals []string
	Summary   string
	ChatID    string
	StartedAt string
}

type Recovery struct {
	store *state.Store
	lock  *worklock.Lock
	led   *ledger.Ledger
}

func New(store *state.Store, lock *worklock.Lock, led *ledger.Ledger) *Recovery {
	return &Recovery{store: store, lock: lock, led: led}
}

// CheckCrash inspects the working lock at startup. A present lock means the
// previous run died mid-job (a clean finish always releases). The lock is
// removed so the slot is free again; the interrupted messages stay
// unprocessed in the ledger and will be picked up normally.
func (r *Recovery) CheckCrash() *Crash {
	info := r.lock.Read()
	if info == nil {
		return nil
	}

	crash := &Crash{
		MessageIDs: []string(info.MessageIDs),
		Summary:    info.InstructionSummary,
		ChatID:     info.ChatID,
		StartedAt:  info.StartedAt,
	}
	byID := map[string]ledger.Message{}
	for _, m := range r.led.Snapshot().Messages {
		byID[m.MessageID] = m
	}
	for _, id := range crash.MessageIDs {
		if m, ok := byID[id]; ok {
			crash.Originals = append(crash.Originals, m.Text)
			if crash.ChatID == "" {
				crash.ChatID = m.ChatID
			}
		} else {
			crash.Originals = append(crash.Originals, fmt.Sprintf("(message %s not found)", id))
		}
	}

	r.lock.Release(false)
	// The dead job stamped its messages seen; clear that so the picker
	// offers them again.
	if err := r.led.ClearSeen(crash.MessageIDs); err != nil {
		logger.WarnCF("recovery", "clear seen failed", map[string]interface{}{"error": err.Error()})
	}
	logger.WarnCF("recovery", "crashed job detected, lock cleared", map[string]interface{}{
		"message_ids": fmt.Sprintf("%v", crash.MessageIDs),
		"summary":     crash.Summary,
	})
	return crash
}

// WriteInterrupt records the stop marker for the next startup.
func (r *Recovery) WriteInterrupt(in Interrupt) error {
	if in.Timestamp == "" {
		in.Timestamp = state.Now()
	}
	if err := r.store.Save(InterruptSection, in); err != nil {
		return fmt.Errorf("recovery: write interrupt marker: %w", err)
	}
	logger.InfoCF("recovery", "interrupt marker written", map[string]interface{}{"reason": in.Reason})
	return nil
}

// CheckInterrupted consumes the interrupt marker if present. The marker file
// is deleted before returning, so the report fires exactly once.
func (r *Recovery) CheckInterrupted() *Interrupt {
	if !r.store.Exists(InterruptSection) {
		return nil
	}
	var in Interrupt
	r.store.Load(InterruptSection, &in)
	if err := r.store.Remove(InterruptSection); err != nil {
		logger.WarnCF("recovery", "remove interrupt marker failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if in.Reason == "" && in.Summary == "" && len(in.MessageIDs) == 0 {
		return nil
	}
	return &in
}
