package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nstogner/devbox/pkg/filetree"
)

// DefaultBootTimeout bounds a single boot attempt.
const DefaultBootTimeout = 2 * time.Minute

// Session owns the single sandbox shared by every caller in the process.
//
// The sandbox is booted lazily by the first Get. Concurrent callers that arrive
// before the boot completes wait for that same boot and receive the same
// sandbox. A failed boot is not cached; the next Get tries again.
//
// Mounts from unrelated callers land in the same working directory.
type Session struct {
	runtime     Runtime
	bootTimeout time.Duration

	group singleflight.Group

	mu      sync.Mutex
	current Sandbox
	boots   int
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithBootTimeout overrides DefaultBootTimeout.
func WithBootTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.bootTimeout = d }
}

// NewSession returns a Session that boots sandboxes with rt.
func NewSession(rt Runtime, opts ...SessionOption) *Session {
	s := &Session{runtime: rt, bootTimeout: DefaultBootTimeout}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the booted sandbox, booting it first if needed.
func (s *Session) Get(ctx context.Context) (Sandbox, error) {
	if sb := s.loaded(); sb != nil {
		return sb, nil
	}

	ch := s.group.DoChan("boot", func() (any, error) {
		// A boot may have finished between loaded() and DoChan.
		if sb := s.loaded(); sb != nil {
			return sb, nil
		}
		return s.boot(ctx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Sandbox), nil
	}
}

// boot runs detached from the caller's cancellation: other callers may be
// waiting on the same boot.
func (s *Session) boot(ctx context.Context) (Sandbox, error) {
	bootCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.bootTimeout)
	defer cancel()

	start := time.Now()
	slog.Info("Booting sandbox")
	sb, err := s.runtime.Boot(bootCtx)
	if err != nil {
		slog.Error("Sandbox boot failed", "error", err)
		var bootErr *BootError
		if errors.As(err, &bootErr) {
			return nil, err
		}
		return nil, &BootError{Cause: err}
	}

	s.mu.Lock()
	s.current = sb
	s.boots++
	s.mu.Unlock()

	slog.Info("Sandbox booted", "id", sb.ID(), "duration", time.Since(start).Round(time.Millisecond))
	return sb, nil
}

func (s *Session) loaded() Sandbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Boots returns how many sandboxes this session has booted successfully.
func (s *Session) Boots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boots
}

// Mount overlays tree onto the session's sandbox. The tree must not be
// modified by the caller afterwards.
func (s *Session) Mount(ctx context.Context, tree *filetree.Node) error {
	if tree == nil || !tree.IsDir() {
		return &MountError{Cause: fmt.Errorf("mount root must be a directory")}
	}
	sb, err := s.Get(ctx)
	if err != nil {
		return err
	}
	if err := sb.Mount(ctx, tree); err != nil {
		var mountErr *MountError
		if errors.As(err, &mountErr) {
			return err
		}
		return &MountError{Cause: err}
	}
	return nil
}

// Spawn starts a command in the session's sandbox.
func (s *Session) Spawn(ctx context.Context, command string, args []string) (Process, error) {
	sb, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}
	proc, err := sb.Spawn(ctx, command, args)
	if err != nil {
		var spawnErr *SpawnError
		if errors.As(err, &spawnErr) {
			return nil, err
		}
		return nil, &SpawnError{Command: command, Args: args, Cause: err}
	}
	slog.Debug("Process spawned", "id", proc.ID(), "command", command, "args", args)
	return proc, nil
}

// Sandbox returns the current sandbox without booting one.
func (s *Session) Sandbox() (Sandbox, bool) {
	sb := s.loaded()
	return sb, sb != nil
}

// Close tears down the current sandbox, if any. A later Get boots a new one.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	sb := s.current
	s.current = nil
	s.mu.Unlock()

	if sb == nil {
		return nil
	}
	slog.Info("Closing sandbox", "id", sb.ID())
	if err := sb.Close(ctx); err != nil {
		return fmt.Errorf("closing sandbox %s: %w", sb.ID(), err)
	}
	return nil
}
