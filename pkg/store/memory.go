package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process RunStore used when no database is configured.
type Memory struct {
	mu   sync.RWMutex
	runs map[string]Run
}

var _ RunStore = (*Memory)(nil)

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{runs: make(map[string]Run)}
}

func (m *Memory) Create(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	m.runs[run.ID] = clone(run)
	return nil
}

func (m *Memory) Update(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.runs[run.ID]
	if !ok {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	existing.Status = run.Status
	existing.URL = run.URL
	existing.ExitCode = run.ExitCode
	existing.Error = run.Error
	existing.FinishedAt = run.FinishedAt
	m.runs[run.ID] = existing
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	out := clone(&run)
	return &out, nil
}

func (m *Memory) List(ctx context.Context, limit int) ([]Run, error) {
	m.mu.RLock()
	runs := make([]Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, clone(&r))
	}
	m.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func clone(r *Run) Run {
	out := *r
	out.Args = append([]string(nil), r.Args...)
	if r.ExitCode != nil {
		code := *r.ExitCode
		out.ExitCode = &code
	}
	return out
}
