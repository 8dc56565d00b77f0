// Package workspace is the project registry: each project the assistant
// works on gets a JSON file under <data>/projects with its repo path,
// aliases and freeform notes. Projects bound to a conversation contribute
// context to the instructions built for it.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/heysquid/heysquid/pkg/logger"
	"github.com/heysquid/heysquid/pkg/state"
)

// Project is one registered workspace.
type Project struct {
	Name      string   `json:"name"`
	Aliases   []string `json:"aliases,omitempty"`
	Path      string   `json:"path"`
	ChatIDs   []string `json:"chat_ids,omitempty"`
	Notes     string   `json:"notes,omitempty"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
}

// Registry keeps projects in memory and mirrors every change to disk, one
// file per project.
type Registry struct {
	dir string

	mu       sync.RWMutex
	projects map[string]*Project
}

func OpenRegistry(dataDir string) (*Registry, error) {
	dir := filepath.Join(dataDir, "projects")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: create dir: %w", err)
	}
	r := &Registry{dir: dir, projects: map[string]*Project{}}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("workspace: read dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			continue
		}
		var p Project
		if err := json.Unmarshal(data, &p); err != nil {
			logger.WarnCF("workspace", "skipping malformed project file", map[string]interface{}{
				"file": entry.Name(), "error": err.Error(),
			})
			continue
		}
		if p.Name == "" {
			p.Name = strings.TrimSuffix(entry.Name(), ".json")
		}
		r.projects[p.Name] = &p
	}
	return nil
}

// Put registers or updates a project.
func (r *Registry) Put(p Project) error {
	if p.Name == "" {
		return fmt.Errorf("workspace: project name required")
	}
	now := state.Now()
	if p.CreatedAt == "" {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects[p.Name] = &p

	data, err := json.MarshalIndent(&p, "", "  ")
	if err != nil {
		return fmt.Errorf("workspace: marshal %s: %w", p.Name, err)
	}
	return os.WriteFile(filepath.Join(r.dir, p.Name+".json"), data, 0o644)
}

// Get returns a project by exact name.
func (r *Registry) Get(name string) (*Project, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[name]
	if !ok {
		return nil, false
	}
	c := *p
	return &c, true
}

// Remove deletes a project from memory and disk.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.projects[name]; !ok {
		return false
	}
	delete(r.projects, name)
	os.Remove(filepath.Join(r.dir, name+".json"))
	return true
}

// All returns every project, sorted by name.
func (r *Registry) All() []Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Project, 0, len(r.projects))
	for _, p := range r.projects {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Detect finds the project a message refers to by scanning for its name or
// an alias as a whole word, case-insensitive. First match by name order wins.
func (r *Registry) Detect(text string) *Project {
	words := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(text)) {
		words[strings.Trim(w, ".,!?:;\"'()[]")] = true
	}

	for _, p := range r.All() {
		candidates := append([]string{p.Name}, p.Aliases...)
		for _, c := range candidates {
			if words[strings.ToLower(c)] {
				proj := p
				return &proj
			}
		}
	}
	return nil
}

// ContextForText renders the project a message mentions by name or alias.
// Empty when no project is mentioned.
func (r *Registry) ContextForText(text string) string {
	p := r.Detect(text)
	if p == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "--- Mentioned project: %s (%s) ---", p.Name, p.Path)
	if p.Notes != "" {
		fmt.Fprintf(&b, "\n%s", p.Notes)
	}
	return b.String()
}

// ContextFor renders the projects bound to a conversation as an instruction
// context block. Empty when no project is bound.
func (r *Registry) ContextFor(chatID string) string {
	var b strings.Builder
	for _, p := range r.All() {
		bound := false
		for _, id := range p.ChatIDs {
			if id == chatID {
				bound = true
				break
			}
		}
		if !bound {
			continue
		}
		if b.Len() == 0 {
			b.WriteString("--- Project context ---")
		}
		fmt.Fprintf(&b, "\n%s (%s)", p.Name, p.Path)
		if p.Notes != "" {
			fmt.Fprintf(&b, "\n%s", p.Notes)
		}
	}
	return b.String()
}
