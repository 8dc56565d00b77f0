package workspace

import (
	"strings"
	"testing"
)

func TestPutSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenRegistry(dir)
	if err != nil {
		t.Fatal(err)
	}
	err = r.Put(Project{
		Name: "billing", Path: "/srv/billing",
		Aliases: []string{"invoices"}, Notes: "Go service, deploy via make release",
	})
	if err != nil {
		t.Fatal(err)
	}

	r2, err := OpenRegistry(dir)
	if err != nil {
		t.Fatal(err)
	}
	p, ok := r2.Get("billing")
	if !ok || p.Path != "/srv/billing" || p.CreatedAt == "" {
		t.Errorf("reloaded = %+v ok=%v", p, ok)
	}
}

func TestDetect(t *testing.T) {
	r, _ := OpenRegistry(t.TempDir())
	r.Put(Project{Name: "billing", Aliases: []string{"invoices"}, Path: "/srv/billing"})
	r.Put(Project{Name: "website", Path: "/srv/web"})

	if p := r.Detect("fix the bug in billing, please"); p == nil || p.Name != "billing" {
		t.Errorf("detect by name = %+v", p)
	}
	if p := r.Detect("the Invoices page is broken"); p == nil || p.Name != "billing" {
		t.Errorf("detect by alias = %+v", p)
	}
	if p := r.Detect("something unrelated"); p != nil {
		t.Errorf("no mention must not match, got %+v", p)
	}
	// Substring inside another word is not a mention.
	if p := r.Detect("the billingest of tasks"); p != nil {
		t.Errorf("whole-word match only, got %+v", p)
	}
}

func TestContextFor(t *testing.T) {
	r, _ := OpenRegistry(t.TempDir())
	r.Put(Project{Name: "billing", Path: "/srv/billing", ChatIDs: []string{"100"}, Notes: "uses postgres"})
	r.Put(Project{Name: "website", Path: "/srv/web", ChatIDs: []string{"200"}})

	ctx := r.ContextFor("100")
	if !strings.Contains(ctx, "billing") || !strings.Contains(ctx, "uses postgres") {
		t.Errorf("context = %q", ctx)
	}
	if strings.Contains(ctx, "website") {
		t.Error("unbound project must not leak into the context")
	}
	if r.ContextFor("999") != "" {
		t.Error("no bound project means empty context")
	}
}

func TestContextForText(t *testing.T) {
	r, _ := OpenRegistry(t.TempDir())
	r.Put(Project{Name: "billing", Path: "/srv/billing", Notes: "uses postgres"})

	ctx := r.ContextForText("fix the billing crash")
	if !strings.Contains(ctx, "billing") || !strings.Contains(ctx, "uses postgres") {
		t.Errorf("context = %q", ctx)
	}
	if r.ContextForText("nothing relevant") != "" {
		t.Error("no mention means empty context")
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	r, _ := OpenRegistry(dir)
	r.Put(Project{Name: "tmp", Path: "/x"})
	if !r.Remove("tmp") {
		t.Fatal("remove existing")
	}
	if r.Remove("tmp") {
		t.Error("second remove must report missing")
	}
	r2, _ := OpenRegistry(dir)
	if _, ok := r2.Get("tmp"); ok {
		t.Error("removed project must not reload")
	}
}
