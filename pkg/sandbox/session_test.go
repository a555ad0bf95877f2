package sandbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/devbox/pkg/filetree"
	"github.com/nstogner/devbox/pkg/sandbox"
	"github.com/nstogner/devbox/pkg/sandbox/sandboxtest"
)

func TestSession_ConcurrentFirstCallersShareOneBoot(t *testing.T) {
	rt := sandboxtest.NewRuntime(nil)
	rt.Gate = make(chan struct{})
	sess := sandbox.NewSession(rt)

	const callers = 8
	results := make([]sandbox.Sandbox, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = sess.Get(context.Background())
		}(i)
	}

	// Let every caller reach the in-flight boot before it completes.
	require.Eventually(t, func() bool { return rt.Attempts() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(rt.Gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i], "caller %d got a different sandbox", i)
	}
	assert.Equal(t, 1, rt.Attempts())
	assert.Equal(t, 1, sess.Boots())

	// Later callers reuse the booted sandbox.
	again, err := sess.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, results[0], again)
	assert.Equal(t, 1, rt.Attempts())
}

func TestSession_BootFailureIsNotCached(t *testing.T) {
	rt := sandboxtest.NewRuntime(nil)
	rt.BootErr = errors.New("daemon unavailable")
	sess := sandbox.NewSession(rt)

	_, err := sess.Get(context.Background())
	var bootErr *sandbox.BootError
	require.True(t, errors.As(err, &bootErr), "expected BootError, got %v", err)
	assert.ErrorContains(t, err, "daemon unavailable")

	rt.SetBootErr(nil)
	sb, err := sess.Get(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, sb)
	assert.Equal(t, 2, rt.Attempts())
}

func TestSession_CallerCancelDoesNotAbortSharedBoot(t *testing.T) {
	rt := sandboxtest.NewRuntime(nil)
	rt.Gate = make(chan struct{})
	sess := sandbox.NewSession(rt)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := sess.Get(ctx)
		errc <- err
	}()
	require.Eventually(t, func() bool { return rt.Attempts() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	close(rt.Gate)
	require.Eventually(t, func() bool { return sess.Boots() == 1 }, time.Second, 5*time.Millisecond)
	_, err := sess.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rt.Attempts())
}

func TestSession_MountIsAdditive(t *testing.T) {
	rt := sandboxtest.NewRuntime(nil)
	sess := sandbox.NewSession(rt)
	ctx := context.Background()

	first := filetree.NewDirectory()
	require.NoError(t, filetree.Insert(first, "a.txt", "one"))
	require.NoError(t, filetree.Insert(first, "src/b.txt", "bee"))
	require.NoError(t, sess.Mount(ctx, first))

	second := filetree.NewDirectory()
	require.NoError(t, filetree.Insert(second, "a.txt", "two"))
	require.NoError(t, sess.Mount(ctx, second))

	sb := rt.Sandboxes()[0]
	assert.Equal(t, map[string]string{"a.txt": "two", "src/b.txt": "bee"}, sb.Files())
}

func TestSession_MountFailureKeepsSession(t *testing.T) {
	rt := sandboxtest.NewRuntime(nil)
	sess := sandbox.NewSession(rt)
	ctx := context.Background()

	sb, err := sess.Get(ctx)
	require.NoError(t, err)
	sb.(*sandboxtest.Sandbox).MountErr = errors.New("disk full")

	err = sess.Mount(ctx, filetree.NewDirectory())
	var mountErr *sandbox.MountError
	require.True(t, errors.As(err, &mountErr), "expected MountError, got %v", err)

	again, err := sess.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, sb, again)

	err = sess.Mount(ctx, filetree.NewFile("not a dir"))
	assert.True(t, errors.As(err, &mountErr))
}

func TestSession_SpawnFailure(t *testing.T) {
	rt := sandboxtest.NewRuntime(nil)
	sess := sandbox.NewSession(rt)
	ctx := context.Background()

	sb, err := sess.Get(ctx)
	require.NoError(t, err)
	sb.(*sandboxtest.Sandbox).Missing = map[string]bool{"nope": true}

	_, err = sess.Spawn(ctx, "nope", []string{"--flag"})
	var spawnErr *sandbox.SpawnError
	require.True(t, errors.As(err, &spawnErr), "expected SpawnError, got %v", err)
	assert.ErrorIs(t, err, sandbox.ErrCommandNotFound)
	assert.Equal(t, "nope", spawnErr.Command)

	sb.(*sandboxtest.Sandbox).SpawnErr = errors.New("exec create failed")
	_, err = sess.Spawn(ctx, "npm", nil)
	require.True(t, errors.As(err, &spawnErr))
	assert.Equal(t, "npm", spawnErr.Command)
}

func TestSession_CloseThenReboot(t *testing.T) {
	rt := sandboxtest.NewRuntime(nil)
	sess := sandbox.NewSession(rt)
	ctx := context.Background()

	first, err := sess.Get(ctx)
	require.NoError(t, err)
	require.NoError(t, sess.Close(ctx))
	assert.True(t, first.(*sandboxtest.Sandbox).Closed())

	_, ok := sess.Sandbox()
	assert.False(t, ok)

	second, err := sess.Get(ctx)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, sess.Boots())
}
