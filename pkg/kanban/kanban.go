// Package kanban is the durable multi-job view of work: task cards across
// five columns in kanban.json, independent of the single-slot working lock.
// Cards are joined to the message ledger through source_message_ids.
package kanban

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/heysquid/heysquid/pkg/logger"
	"github.com/heysquid/heysquid/pkg/state"
)

const (
	Section        = "kanban"
	ArchiveSection = "kanban_archive"
)

// Columns.
const (
	ColAutomation = "automation"
	ColTodo       = "todo"
	ColInProgress = "in_progress"
	ColWaiting    = "waiting"
	ColDone       = "done"
)

var validColumns = map[string]bool{
	ColAutomation: true,
	ColTodo:       true,
	ColInProgress: true,
	ColWaiting:    true,
	ColDone:       true,
}

// ErrNotFound means no card matched the given id.
var ErrNotFound = errors.New("kanban: card not found")

const titleLen = 100

// LogEntry is one activity line on a card.
type LogEntry struct {
	Time    string `json:"time"`
	Agent   string `json:"agent"`
	Message string `json:"message"`
}

// Card is one unit of tracked work.
type Card struct {
	ID               string     `json:"id"`
	ShortID          string     `json:"short_id"`
	Title            string     `json:"title"`
	Column           string     `json:"column"`
	Tags             []string   `json:"tags,omitempty"`
	SourceMessageIDs []string   `json:"source_message_ids"`
	ChatID           string     `json:"chat_id,omitempty"`
	CreatedAt        string     `json:"created_at"`
	UpdatedAt        string     `json:"updated_at"`
	ActivityLog      []LogEntry `json:"activity_log"`
	Result           string     `json:"result,omitempty"`
	// Waiting state: the bot message id(s) sent while asking, for reply
	// matching, and when the pause began.
	WaitingSentIDs []string `json:"waiting_sent_ids,omitempty"`
	WaitingSince   string   `json:"waiting_since,omitempty"`
	ArchivedAt     string   `json:"archived_at,omitempty"`
}

// Document is the kanban.json layout.
type Document struct {
	Tasks       []Card `json:"tasks"`
	NextShortID int    `json:"next_short_id"`
}

// Board wraps the state store with task-board semantics.
type Board struct {
	store      *state.Store
	doneCap    int
	archiveCap int
}

func New(store *state.Store, doneCap, archiveCap int) *Board {
	if doneCap <= 0 {
		doneCap = 50
	}
	if archiveCap <= 0 {
		archiveCap = 200
	}
	return &Board{store: store, doneCap: doneCap, archiveCap: archiveCap}
}

func newLogEntry(agent, message string) LogEntry {
	return LogEntry{Time: time.Now().Format("15:04:05"), Agent: agent, Message: message}
}

// AddTask creates a card. If any source message id already appears on a
// non-done card the add is skipped and nil is returned — one card per piece
// of tracked work, even when listeners race.
func (b *Board) AddTask(title, column string, sourceMessageIDs []string, chatID string, tags []string) (*Card, error) {
	if !validColumns[column] {
		column = ColTodo
	}
	if len([]rune(title)) > titleLen {
		title = string([]rune(title)[:titleLen])
	}

	var created *Card
	var doc Document
	err := b.store.Modify(Section, &doc, func() error {
		if len(sourceMessageIDs) > 0 {
			tracked := map[string]bool{}
			for _, t := range doc.Tasks {
				if t.Column == ColDone {
					continue
				}
				for _, id := range t.SourceMessageIDs {
					tracked[id] = true
				}
			}
			for _, id := range sourceMessageIDs {
				if tracked[id] {
					return state.ErrNoChange
				}
			}
		}

		if doc.NextShortID == 0 {
			doc.NextShortID = 1
		}
		now := state.Now()
		card := Card{
			ID:               uuid.NewString(),
			ShortID:          fmt.Sprintf("HQ-%d", doc.NextShortID),
			Title:            title,
			Column:           column,
			Tags:             tags,
			SourceMessageIDs: sourceMessageIDs,
			ChatID:           chatID,
			CreatedAt:        now,
			UpdatedAt:        now,
			ActivityLog:      []LogEntry{newLogEntry("pm", "Task created")},
		}
		doc.NextShortID++
		doc.Tasks = append(doc.Tasks, card)
		created = &card
		return nil
	})
	return created, err
}

// UpdateByMessageIDs moves every card whose source ids intersect ids to
// newColumn. fromColumn, when non-empty, restricts eligibility to cards
// currently in that column — this guards against completing a card that a
// concurrent path already moved elsewhere. Returns the affected card ids; an
// empty result signals "no matching card" and callers typically create one.
func (b *Board) UpdateByMessageIDs(ids []string, newColumn, result, fromColumn string) ([]string, error) {
	if len(ids) == 0 || !validColumns[newColumn] {
		return nil, nil
	}
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}

	var updated []string
	var doc Document
	err := b.store.Modify(Section, &doc, func() error {
		now := state.Now()
		for i := range doc.Tasks {
			t := &doc.Tasks[i]
			if fromColumn != "" && t.Column != fromColumn {
				continue
			}
			hit := false
			for _, id := range t.SourceMessageIDs {
				if want[id] {
					hit = true
					break
				}
			}
			if !hit {
				continue
			}
			t.Column = newColumn
			t.UpdatedAt = now
			if result != "" {
				t.Result = result
			}
			if newColumn != ColWaiting {
				t.WaitingSentIDs = nil
				t.WaitingSince = ""
			}
			t.ActivityLog = append(t.ActivityLog, newLogEntry("pm", "Moved to "+newColumn))
			updated = append(updated, t.ID)
		}
		if len(updated) == 0 {
			return state.ErrNoChange
		}
		if newColumn == ColDone {
			b.pruneDone(&doc)
		}
		return nil
	})
	return updated, err
}

// SetWaiting moves a card to waiting and records the outbound question's
// sent message id(s) so a later reply can be correlated.
func (b *Board) SetWaiting(taskID string, sentMessageIDs []string, reason string) error {
	var doc Document
	return b.store.Modify(Section, &doc, func() error {
		for i := range doc.Tasks {
			t := &doc.Tasks[i]
			if t.ID != taskID {
				continue
			}
			now := state.Now()
			t.Column = ColWaiting
			t.WaitingSentIDs = sentMessageIDs
			t.WaitingSince = now
			t.UpdatedAt = now
			t.ActivityLog = append(t.ActivityLog, newLogEntry("pm", reason))
			return nil
		}
		return ErrNotFound
	})
}

// AddActivity appends an activity line to a card.
func (b *Board) AddActivity(taskID, agent, message string) error {
	var doc Document
	return b.store.Modify(Section, &doc, func() error {
		for i := range doc.Tasks {
			t := &doc.Tasks[i]
			if t.ID != taskID {
				continue
			}
			t.ActivityLog = append(t.ActivityLog, newLogEntry(agent, message))
			t.UpdatedAt = state.Now()
			return nil
		}
		return ErrNotFound
	})
}

// AppendMessage grows an open (todo/in_progress) card for chatID with
// another source message instead of creating a sibling card. Returns whether
// a card absorbed the message.
func (b *Board) AppendMessage(chatID, messageID, note string) (bool, error) {
	merged := false
	var doc Document
	err := b.store.Modify(Section, &doc, func() error {
		for i := range doc.Tasks {
			t := &doc.Tasks[i]
			if t.ChatID != chatID {
				continue
			}
			if t.Column != ColTodo && t.Column != ColInProgress {
				continue
			}
			for _, id := range t.SourceMessageIDs {
				if id == messageID {
					merged = true
					return state.ErrNoChange
				}
			}
			t.SourceMessageIDs = append(t.SourceMessageIDs, messageID)
			t.UpdatedAt = state.Now()
			t.ActivityLog = append(t.ActivityLog, newLogEntry("pm", "Folded in: "+note))
			merged = true
			return nil
		}
		return state.ErrNoChange
	})
	return merged, err
}

// Merge folds the source card into the target: unions source_message_ids and
// tags, concatenates activity logs with a synthetic marker entry, and
// deletes the source. Used when near-simultaneous messages from one sender
// should be one job instead of racing for separate working locks.
func (b *Board) Merge(sourceID, targetID string) error {
	if sourceID == targetID {
		return fmt.Errorf("kanban: cannot merge a card into itself")
	}
	var doc Document
	return b.store.Modify(Section, &doc, func() error {
		var src, dst *Card
		srcIdx := -1
		for i := range doc.Tasks {
			switch doc.Tasks[i].ID {
			case sourceID:
				src = &doc.Tasks[i]
				srcIdx = i
			case targetID:
				dst = &doc.Tasks[i]
			}
		}
		if src == nil || dst == nil {
			return ErrNotFound
		}

		dst.SourceMessageIDs = unionStrings(dst.SourceMessageIDs, src.SourceMessageIDs)
		dst.Tags = unionStrings(dst.Tags, src.Tags)
		dst.ActivityLog = append(dst.ActivityLog, src.ActivityLog...)
		dst.ActivityLog = append(dst.ActivityLog,
			newLogEntry("pm", fmt.Sprintf("Merged from %s (%s)", src.ShortID, src.Title)))
		dst.UpdatedAt = state.Now()

		doc.Tasks = append(doc.Tasks[:srcIdx], doc.Tasks[srcIdx+1:]...)
		return nil
	})
}

// MergeableCards returns all non-done, non-automation cards for a sender,
// oldest first. Two or more means the sender has parallel open work and a
// merge can be offered.
func (b *Board) MergeableCards(chatID string) []Card {
	var doc Document
	b.store.Load(Section, &doc)

	var out []Card
	for _, t := range doc.Tasks {
		if t.ChatID != chatID || t.Column == ColDone || t.Column == ColAutomation {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// WaitingCards returns all cards currently in the waiting column.
func (b *Board) WaitingCards() []Card {
	return b.byColumn(ColWaiting)
}

// ActiveCards groups open cards by column for the pre-standby check.
func (b *Board) ActiveCards() map[string][]Card {
	return map[string][]Card{
		ColTodo:       b.byColumn(ColTodo),
		ColInProgress: b.byColumn(ColInProgress),
		ColWaiting:    b.byColumn(ColWaiting),
	}
}

// ActiveTaskID returns the id of the in_progress card, empty if none.
func (b *Board) ActiveTaskID() string {
	cards := b.byColumn(ColInProgress)
	if len(cards) == 0 {
		return ""
	}
	return cards[0].ID
}

// Get returns a card by id.
func (b *Board) Get(taskID string) (*Card, error) {
	var doc Document
	b.store.Load(Section, &doc)
	for _, t := range doc.Tasks {
		if t.ID == taskID {
			c := t
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// Snapshot returns the whole live document for read-only consumers.
func (b *Board) Snapshot() Document {
	var doc Document
	b.store.Load(Section, &doc)
	return doc
}

func (b *Board) byColumn(col string) []Card {
	var doc Document
	b.store.Load(Section, &doc)
	var out []Card
	for _, t := range doc.Tasks {
		if t.Column == col {
			out = append(out, t)
		}
	}
	return out
}

// pruneDone caps live done cards, dropping oldest-by-updated_at over the
// limit. Bounds the live file size even when the archival sweep never runs.
func (b *Board) pruneDone(doc *Document) {
	var done []Card
	for _, t := range doc.Tasks {
		if t.Column == ColDone {
			done = append(done, t)
		}
	}
	excess := len(done) - b.doneCap
	if excess <= 0 {
		return
	}
	sort.SliceStable(done, func(i, j int) bool { return done[i].UpdatedAt < done[j].UpdatedAt })
	drop := map[string]bool{}
	for _, t := range done[:excess] {
		drop[t.ID] = true
	}
	kept := doc.Tasks[:0]
	for _, t := range doc.Tasks {
		if !drop[t.ID] {
			kept = append(kept, t)
		}
	}
	doc.Tasks = kept
	logger.InfoCF("kanban", "pruned done cards over cap", map[string]interface{}{"pruned": excess})
}

func unionStrings(a, b []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
