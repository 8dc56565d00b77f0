package kanban

import (
	"fmt"
	"testing"
	"time"

	"github.com/heysquid/heysquid/pkg/state"
)

func newTestBoard(t *testing.T) *Board {
	t.Helper()
	s, err := state.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return New(s, 50, 200)
}

func TestAddTaskDedup(t *testing.T) {
	b := newTestBoard(t)

	first, err := b.AddTask("fix the bug", ColTodo, []string{"10"}, "100", nil)
	if err != nil || first == nil {
		t.Fatalf("first add: card=%v err=%v", first, err)
	}
	if first.ShortID != "HQ-1" {
		t.Errorf("short id = %q, want HQ-1", first.ShortID)
	}

	dup, err := b.AddTask("fix the bug again", ColTodo, []string{"10"}, "100", nil)
	if err != nil {
		t.Fatal(err)
	}
	if dup != nil {
		t.Error("add with already-tracked message id must be skipped")
	}

	// A done card does not block re-tracking the same id.
	b.UpdateByMessageIDs([]string{"10"}, ColDone, "ok", "")
	again, err := b.AddTask("follow-up", ColTodo, []string{"10"}, "100", nil)
	if err != nil || again == nil {
		t.Errorf("done cards must not block new tracking: card=%v err=%v", again, err)
	}
}

func TestUpdateByMessageIDsFromColumnGuard(t *testing.T) {
	b := newTestBoard(t)
	b.AddTask("task", ColInProgress, []string{"5"}, "100", nil)

	// Guarded move requiring todo: card is in_progress, so nothing moves.
	moved, err := b.UpdateByMessageIDs([]string{"5"}, ColDone, "", ColTodo)
	if err != nil {
		t.Fatal(err)
	}
	if len(moved) != 0 {
		t.Error("from-column guard must skip cards in other columns")
	}

	moved, err = b.UpdateByMessageIDs([]string{"5"}, ColDone, "all good", ColInProgress)
	if err != nil {
		t.Fatal(err)
	}
	if len(moved) != 1 {
		t.Fatalf("expected 1 card moved, got %d", len(moved))
	}

	card, _ := b.Get(moved[0])
	if card.Column != ColDone || card.Result != "all good" {
		t.Errorf("card = %+v", card)
	}
}

func TestSetWaitingRecordsSentIDs(t *testing.T) {
	b := newTestBoard(t)
	card, _ := b.AddTask("task", ColInProgress, []string{"7"}, "100", nil)

	if err := b.SetWaiting(card.ID, []string{"555"}, "Waiting: which env?"); err != nil {
		t.Fatal(err)
	}

	got, _ := b.Get(card.ID)
	if got.Column != ColWaiting {
		t.Errorf("column = %q, want waiting", got.Column)
	}
	if len(got.WaitingSentIDs) != 1 || got.WaitingSentIDs[0] != "555" {
		t.Errorf("waiting_sent_ids = %v", got.WaitingSentIDs)
	}
	if got.WaitingSince == "" {
		t.Error("waiting_since must be stamped")
	}

	// Moving out of waiting clears the waiting markers.
	b.UpdateByMessageIDs([]string{"7"}, ColInProgress, "", "")
	got, _ = b.Get(card.ID)
	if len(got.WaitingSentIDs) != 0 || got.WaitingSince != "" {
		t.Error("waiting markers must clear on leaving the column")
	}
}

func TestMerge(t *testing.T) {
	b := newTestBoard(t)
	target, _ := b.AddTask("first", ColTodo, []string{"10"}, "100", []string{"a"})
	source, _ := b.AddTask("second", ColTodo, []string{"11"}, "100", []string{"b"})

	targetLogLen := len(target.ActivityLog)
	sourceLogLen := len(source.ActivityLog)

	if err := b.Merge(source.ID, target.ID); err != nil {
		t.Fatal(err)
	}

	doc := b.Snapshot()
	if len(doc.Tasks) != 1 {
		t.Fatalf("expected exactly one card after merge, got %d", len(doc.Tasks))
	}
	card := doc.Tasks[0]

	ids := map[string]bool{}
	for _, id := range card.SourceMessageIDs {
		ids[id] = true
	}
	if !ids["10"] || !ids["11"] {
		t.Errorf("source ids = %v, want both 10 and 11", card.SourceMessageIDs)
	}
	if want := targetLogLen + sourceLogLen + 1; len(card.ActivityLog) != want {
		t.Errorf("activity log length = %d, want %d (sum + merge marker)", len(card.ActivityLog), want)
	}
	if len(card.Tags) != 2 {
		t.Errorf("tags = %v, want union of a and b", card.Tags)
	}

	if err := b.Merge("missing", card.ID); err != ErrNotFound {
		t.Errorf("merge with missing source = %v, want ErrNotFound", err)
	}
}

func TestMergeableCardsOldestFirst(t *testing.T) {
	b := newTestBoard(t)
	b.AddTask("auto", ColAutomation, []string{"1"}, "100", nil)
	b.AddTask("open one", ColTodo, []string{"2"}, "100", nil)
	b.AddTask("open two", ColWaiting, []string{"3"}, "100", nil)
	b.AddTask("other sender", ColTodo, []string{"4"}, "200", nil)
	b.UpdateByMessageIDs([]string{"2"}, ColDone, "", "")

	cards := b.MergeableCards("100")
	if len(cards) != 1 {
		t.Fatalf("expected 1 mergeable card, got %d", len(cards))
	}
	if cards[0].Title != "open two" {
		t.Errorf("got %q", cards[0].Title)
	}
}

func TestDoneCap(t *testing.T) {
	s, _ := state.Open(t.TempDir())
	b := New(s, 3, 200)

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("%d", i)
		b.AddTask("t"+id, ColTodo, []string{id}, "100", nil)
		b.UpdateByMessageIDs([]string{id}, ColDone, "", "")
	}

	done := b.byColumn(ColDone)
	if len(done) != 3 {
		t.Errorf("done cards = %d, want capped at 3", len(done))
	}
}

func TestArchiveDoneThreePhase(t *testing.T) {
	b := newTestBoard(t)
	card, _ := b.AddTask("old work", ColTodo, []string{"1"}, "100", nil)
	b.UpdateByMessageIDs([]string{"1"}, ColDone, "done", "")

	// Backdate the card so it is past the archival window.
	var doc Document
	err := b.store.Modify(Section, &doc, func() error {
		doc.Tasks[0].UpdatedAt = time.Now().Add(-48 * time.Hour).Format(state.TimeLayout)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	archived, err := b.ArchiveDone(24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(archived) != 1 || archived[0].ID != card.ID {
		t.Fatalf("archived = %+v", archived)
	}
	if archived[0].ArchivedAt == "" {
		t.Error("archived_at must be stamped")
	}

	if len(b.Snapshot().Tasks) != 0 {
		t.Error("archived card must leave the live file")
	}
	if got := b.Archive(0); len(got) != 1 {
		t.Errorf("archive entries = %d, want 1", len(got))
	}

	// Re-running phase 3 conditions (nothing matching) is a clean no-op.
	again, err := b.ArchiveDone(24 * time.Hour)
	if err != nil || len(again) != 0 {
		t.Errorf("re-run: archived=%v err=%v", again, err)
	}
	if got := b.Archive(0); len(got) != 1 {
		t.Error("re-run must not duplicate archive entries")
	}
}

func TestAppendMessageToOpenCard(t *testing.T) {
	b := newTestBoard(t)
	card, _ := b.AddTask("task", ColTodo, []string{"1"}, "100", nil)

	merged, err := b.AppendMessage("100", "2", "more detail")
	if err != nil || !merged {
		t.Fatalf("merged=%v err=%v", merged, err)
	}
	got, _ := b.Get(card.ID)
	if len(got.SourceMessageIDs) != 2 {
		t.Errorf("source ids = %v", got.SourceMessageIDs)
	}

	// Unknown sender: no open card, nothing absorbed.
	merged, _ = b.AppendMessage("999", "3", "stray")
	if merged {
		t.Error("no open card for sender, must not merge")
	}
}
