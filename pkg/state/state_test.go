package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

type listDoc struct {
	Items []int `json:"items"`
}

func TestLoadMissingLeavesDefaults(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	doc := listDoc{Items: []int{1, 2}}
	s.Load("nothing", &doc)
	if len(doc.Items) != 2 {
		t.Errorf("expected defaults preserved, got %v", doc.Items)
	}
}

func TestLoadMalformedLeavesDefaults(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(dir)
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	doc := listDoc{Items: []int{7}}
	s.Load("broken", &doc)
	if len(doc.Items) != 1 || doc.Items[0] != 7 {
		t.Errorf("expected defaults preserved on malformed JSON, got %v", doc.Items)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	s, _ := Open(t.TempDir())

	if err := s.Save("doc", listDoc{Items: []int{1, 2, 3}}); err != nil {
		t.Fatal(err)
	}

	var got listDoc
	s.Load("doc", &got)
	if len(got.Items) != 3 {
		t.Errorf("expected 3 items, got %v", got.Items)
	}

	// No temp droppings left behind.
	entries, _ := os.ReadDir(s.Dir())
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("leftover temp file: %s", e.Name())
		}
	}
}

func TestSaveIsAtomicDocument(t *testing.T) {
	s, _ := Open(t.TempDir())
	s.Save("doc", listDoc{Items: []int{1}})
	s.Save("doc", listDoc{Items: []int{1, 2}})

	// Destination is always a complete JSON document.
	data, err := os.ReadFile(s.Path("doc"))
	if err != nil {
		t.Fatal(err)
	}
	var got listDoc
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("destination not valid JSON: %v", err)
	}
}

func TestModifyNoLostUpdates(t *testing.T) {
	s, _ := Open(t.TempDir())

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var doc listDoc
			err := s.Modify("counter", &doc, func() error {
				doc.Items = append(doc.Items, i)
				return nil
			})
			if err != nil {
				t.Errorf("modify %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	var got listDoc
	s.Load("counter", &got)
	if len(got.Items) != n {
		t.Fatalf("lost updates: expected %d items, got %d", n, len(got.Items))
	}
	seen := map[int]bool{}
	for _, v := range got.Items {
		if seen[v] {
			t.Errorf("duplicated item %d", v)
		}
		seen[v] = true
	}
}

func TestModifyNoChangeSkipsSave(t *testing.T) {
	s, _ := Open(t.TempDir())

	var doc listDoc
	if err := s.Modify("doc", &doc, func() error { return ErrNoChange }); err != nil {
		t.Fatalf("ErrNoChange should not surface: %v", err)
	}
	if s.Exists("doc") {
		t.Error("no-change modify should not create the file")
	}
}

func TestModifyErrorReleasesLock(t *testing.T) {
	s, _ := Open(t.TempDir())

	var doc listDoc
	wantErr := os.ErrPermission
	if err := s.Modify("doc", &doc, func() error { return wantErr }); err == nil {
		t.Fatal("expected error to propagate")
	}

	// A second modify must not deadlock on a stuck lock.
	done := make(chan struct{})
	go func() {
		var d listDoc
		s.Modify("doc", &d, func() error {
			d.Items = append(d.Items, 1)
			return nil
		})
		close(done)
	}()
	<-done
}

func TestTimestampRoundTrip(t *testing.T) {
	ts := Now()
	if _, err := Parse(ts); err != nil {
		t.Errorf("Now() output must parse: %v", err)
	}
	if _, err := Parse("garbage"); err == nil {
		t.Error("expected parse error for garbage timestamp")
	}
}
