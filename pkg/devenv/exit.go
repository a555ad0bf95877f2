package devenv

import (
	"context"
	"sync/atomic"

	"github.com/nstogner/devbox/pkg/sandbox"
)

// Exit is the pending outcome of a command started by InstallDependencies or
// ExecuteCommand.
type Exit struct {
	proc *trackedProcess
	done chan struct{}
	code int
	err  error
}

// Process returns the running command. Killing it ends the output relay.
func (e *Exit) Process() sandbox.Process { return e.proc }

// Done is closed once the exit code is known and all output has been relayed
// to the sink.
func (e *Exit) Done() <-chan struct{} { return e.done }

// Wait blocks until the command exits and its output has been relayed, then
// returns the exit code. A non-zero code is not an error.
func (e *Exit) Wait(ctx context.Context) (int, error) {
	select {
	case <-e.done:
		return e.code, e.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// trackedProcess remembers whether the caller killed the process so the run
// can be recorded as canceled.
type trackedProcess struct {
	sandbox.Process
	killed atomic.Bool
}

func (p *trackedProcess) Kill(ctx context.Context) error {
	p.killed.Store(true)
	return p.Process.Kill(ctx)
}
