package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// RunKind classifies what a run was started for.
type RunKind string

const (
	RunKindInstall RunKind = "install"
	RunKindDev     RunKind = "dev"
	RunKindExec    RunKind = "exec"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusReady    RunStatus = "ready"
	RunStatusExited   RunStatus = "exited"
	RunStatusFailed   RunStatus = "failed"
	RunStatusCanceled RunStatus = "canceled"
)

// Run records one process started in the sandbox.
type Run struct {
	ID         string    `json:"id"`
	Kind       RunKind   `json:"kind"`
	Command    string    `json:"command"`
	Args       []string  `json:"args"`
	Status     RunStatus `json:"status"`
	URL        string    `json:"url,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// Finished reports whether the run reached a terminal status.
func (r *Run) Finished() bool {
	switch r.Status {
	case RunStatusExited, RunStatusFailed, RunStatusCanceled:
		return true
	}
	return false
}

// RunStore persists run history.
type RunStore interface {
	// Create persists a new run. The ID field must be set by the caller.
	Create(ctx context.Context, run *Run) error

	// Update persists the mutable fields (status, URL, exit code, error,
	// finish time) of an existing run.
	Update(ctx context.Context, run *Run) error

	// Get retrieves a run by ID. Returns ErrNotFound if it does not exist.
	Get(ctx context.Context, id string) (*Run, error)

	// List returns runs, most recent first. If limit > 0, returns at most that many.
	List(ctx context.Context, limit int) ([]Run, error)
}
