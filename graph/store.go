package graph

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/xraph/loom"
)

// Store is the read-only workflow registry consumed by the engine and
// the worker runtime.
type Store interface {
	// Load returns the workflow with the given ID, or
	// loom.ErrWorkflowNotFound.
	Load(ctx context.Context, workflowID string) (*Workflow, error)

	// List returns all known workflows sorted by ID.
	List(ctx context.Context) ([]*Workflow, error)

	// Search returns workflows whose ID, name, or description contains
	// the keyword (case-insensitive).
	Search(ctx context.Context, keyword string) ([]*Workflow, error)
}

// ──────────────────────────────────────────────────
// StaticStore
// ──────────────────────────────────────────────────

// StaticStore is an in-memory Store seeded with pre-built workflows.
// Intended for tests and embedded definitions.
type StaticStore struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewStaticStore creates a StaticStore. Every workflow must already be
// validated; Add returns validation errors for unvalidated input.
func NewStaticStore(workflows ...*Workflow) (*StaticStore, error) {
	s := &StaticStore{workflows: make(map[string]*Workflow, len(workflows))}
	for _, w := range workflows {
		if err := s.Add(w); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add validates and registers a workflow.
func (s *StaticStore) Add(w *Workflow) error {
	if err := w.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[w.ID] = w
	return nil
}

// Load implements Store.
func (s *StaticStore) Load(_ context.Context, workflowID string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[workflowID]
	if !ok {
		return nil, loom.ErrWorkflowNotFound
	}
	return w, nil
}

// List implements Store.
func (s *StaticStore) List(_ context.Context) ([]*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedWorkflows(s.workflows), nil
}

// Search implements Store.
func (s *StaticStore) Search(_ context.Context, keyword string) ([]*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return searchWorkflows(s.workflows, keyword), nil
}

// ──────────────────────────────────────────────────
// DirStore
// ──────────────────────────────────────────────────

// DirStore loads workflow documents from a directory. Files with a
// .yaml, .yml, or .json extension are parsed at construction time;
// Reload picks up changes on demand. Workflows are keyed by the ID
// declared inside the document, not by filename.
type DirStore struct {
	dir string

	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewDirStore creates a DirStore rooted at dir and loads every workflow
// document found there. A document that fails to parse or validate
// fails construction; a registry with a malformed workflow is worse
// than no registry.
func NewDirStore(dir string) (*DirStore, error) {
	s := &DirStore{dir: dir}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads every workflow document under the store's directory.
func (s *DirStore) Reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}

	loaded := make(map[string]*Workflow)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return err
		}
		w, err := Parse(data)
		if err != nil {
			return err
		}
		loaded[w.ID] = w
	}

	s.mu.Lock()
	s.workflows = loaded
	s.mu.Unlock()
	return nil
}

// Load implements Store.
func (s *DirStore) Load(_ context.Context, workflowID string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[workflowID]
	if !ok {
		return nil, loom.ErrWorkflowNotFound
	}
	return w, nil
}

// List implements Store.
func (s *DirStore) List(_ context.Context) ([]*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedWorkflows(s.workflows), nil
}

// Search implements Store.
func (s *DirStore) Search(_ context.Context, keyword string) ([]*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return searchWorkflows(s.workflows, keyword), nil
}

func sortedWorkflows(m map[string]*Workflow) []*Workflow {
	out := make([]*Workflow, 0, len(m))
	for _, w := range m {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func searchWorkflows(m map[string]*Workflow, keyword string) []*Workflow {
	kw := strings.ToLower(keyword)
	var out []*Workflow
	for _, w := range m {
		if strings.Contains(strings.ToLower(w.ID), kw) ||
			strings.Contains(strings.ToLower(w.Name), kw) ||
			strings.Contains(strings.ToLower(w.Description), kw) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
