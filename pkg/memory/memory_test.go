package memory

import (
	"strings"
	"testing"

	"github.com/heysquid/heysquid/pkg/kanban"
)

func openIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestRecordAndSearch(t *testing.T) {
	idx := openIndex(t)

	idx.Record(kanban.Card{
		ID: "c1", ShortID: "HQ-1", ChatID: "100",
		Title: "fix the login bug", Result: "patched session handling",
		SourceMessageIDs: []string{"1", "2"},
	})
	idx.Record(kanban.Card{
		ID: "c2", ShortID: "HQ-2", ChatID: "100",
		Title: "write release notes", Result: "posted to the wiki",
	})

	got, err := idx.Search("login", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ShortID != "HQ-1" {
		t.Fatalf("search = %+v", got)
	}
	if len(got[0].MessageIDs) != 2 {
		t.Errorf("message ids = %v", got[0].MessageIDs)
	}

	// Result text is searchable too.
	got, _ = idx.Search("wiki", 10)
	if len(got) != 1 || got[0].ShortID != "HQ-2" {
		t.Errorf("result search = %+v", got)
	}
}

func TestRecordUpsertsByCard(t *testing.T) {
	idx := openIndex(t)

	card := kanban.Card{ID: "c1", ChatID: "100", Title: "task", Result: "first"}
	idx.Record(card)
	card.Result = "second"
	if err := idx.Record(card); err != nil {
		t.Fatal(err)
	}

	got, _ := idx.Recent("100", 10)
	if len(got) != 1 {
		t.Fatalf("entries = %d, want upsert not duplicate", len(got))
	}
	if got[0].Result != "second" {
		t.Errorf("result = %q", got[0].Result)
	}
}

func TestRecentScopedToConversation(t *testing.T) {
	idx := openIndex(t)
	idx.Record(kanban.Card{ID: "a", ChatID: "100", Title: "mine"})
	idx.Record(kanban.Card{ID: "b", ChatID: "200", Title: "theirs"})

	got, _ := idx.Recent("100", 10)
	if len(got) != 1 || got[0].Title != "mine" {
		t.Errorf("recent = %+v", got)
	}
	all, _ := idx.Recent("", 10)
	if len(all) != 2 {
		t.Errorf("unscoped = %d", len(all))
	}
}

func TestContextFor(t *testing.T) {
	idx := openIndex(t)

	if idx.ContextFor("100") != "" {
		t.Error("no history means no context block")
	}

	idx.Record(kanban.Card{ID: "a", ChatID: "100", Title: "deploy v2", Result: "shipped"})
	ctx := idx.ContextFor("100")
	if !strings.Contains(ctx, "deploy v2") || !strings.Contains(ctx, "shipped") {
		t.Errorf("context = %q", ctx)
	}
}
