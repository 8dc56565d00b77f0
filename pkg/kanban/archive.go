package kanban

import (
	"time"

	"github.com/heysquid/heysquid/pkg/logger"
	"github.com/heysquid/heysquid/pkg/state"
)

// ArchiveDone moves done cards older than the window from the live file to
// the append-only archive. Three phases: identify candidates, append them to
// the archive, then remove them from the live file. A crash between the
// last two phases re-runs safely — archive appends are deduplicated by card
// id and removal-by-id is idempotent.
func (b *Board) ArchiveDone(olderThan time.Duration) ([]Card, error) {
	cutoff := time.Now().Add(-olderThan)

	// Phase 1: candidates (read-only).
	var doc Document
	b.store.Load(Section, &doc)

	var candidates []Card
	now := state.Now()
	for _, t := range doc.Tasks {
		if t.Column != ColDone {
			continue
		}
		ts, err := state.Parse(t.UpdatedAt)
		if err != nil {
			// Unparsable update time: treat as very old, archive it out.
			ts = time.Time{}
		}
		if ts.Before(cutoff) {
			t.ArchivedAt = now
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// Phase 2: append to the archive, capped at the most recent entries.
	var archive []Card
	err := b.store.Modify(ArchiveSection, &archive, func() error {
		present := map[string]bool{}
		for _, t := range archive {
			present[t.ID] = true
		}
		for _, t := range candidates {
			if !present[t.ID] {
				archive = append(archive, t)
			}
		}
		if len(archive) > b.archiveCap {
			archive = archive[len(archive)-b.archiveCap:]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Phase 3: remove from the live file.
	remove := map[string]bool{}
	for _, t := range candidates {
		remove[t.ID] = true
	}
	var live Document
	err = b.store.Modify(Section, &live, func() error {
		kept := live.Tasks[:0]
		removed := false
		for _, t := range live.Tasks {
			if remove[t.ID] {
				removed = true
				continue
			}
			kept = append(kept, t)
		}
		if !removed {
			return state.ErrNoChange
		}
		live.Tasks = kept
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.InfoCF("kanban", "archived done cards", map[string]interface{}{"count": len(candidates)})
	return candidates, nil
}

// Archive returns archived cards, newest first, up to limit.
func (b *Board) Archive(limit int) []Card {
	var archive []Card
	b.store.Load(ArchiveSection, &archive)

	out := make([]Card, 0, len(archive))
	for i := len(archive) - 1; i >= 0; i-- {
		out = append(out, archive[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
