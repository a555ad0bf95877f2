package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	run := &Run{ID: "a", Kind: RunKindInstall, Command: "npm", Args: []string{"install"}, Status: RunStatusRunning, StartedAt: time.Now()}
	require.NoError(t, m.Create(ctx, run))
	assert.Error(t, m.Create(ctx, run), "duplicate ID")

	// Mutating the caller's copy must not leak into the store.
	run.Args[0] = "ci"
	got, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"install"}, got.Args)

	code := 0
	got.Status = RunStatusExited
	got.ExitCode = &code
	got.Command = "ignored"
	require.NoError(t, m.Update(ctx, got))

	got, err = m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, RunStatusExited, got.Status)
	assert.Equal(t, "npm", got.Command, "Update only touches mutable fields")
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
}

func TestMemoryNotFound(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, err := m.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.Update(ctx, &Run{ID: "nope"}), ErrNotFound)
}

func TestMemoryList(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Now()
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, m.Create(ctx, &Run{ID: id, StartedAt: base.Add(time.Duration(i) * time.Second)}))
	}

	runs, err := m.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "new", runs[0].ID)
	assert.Equal(t, "old", runs[2].ID)

	runs, err = m.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "new", runs[0].ID)
}
