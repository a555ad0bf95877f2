package sandbox

import (
	"context"
	"io"

	"github.com/nstogner/devbox/pkg/filetree"
)

// Runtime boots sandboxes.
type Runtime interface {
	// Boot starts a new sandbox and blocks until it can accept mounts and spawns.
	Boot(ctx context.Context) (Sandbox, error)
}

// Sandbox is one booted, isolated execution environment.
type Sandbox interface {
	// ID identifies the sandbox (e.g. a container ID).
	ID() string

	// Mount overlays the tree onto the sandbox working directory. Files at the
	// same paths are replaced; files outside the tree are left in place.
	Mount(ctx context.Context, tree *filetree.Node) error

	// Spawn starts command with args in the working directory. It returns once
	// the sandbox has accepted the process.
	Spawn(ctx context.Context, command string, args []string) (Process, error)

	// Close tears the sandbox down.
	Close(ctx context.Context) error
}

// Process is a command running inside a sandbox.
type Process interface {
	ID() string
	Command() string
	Args() []string

	// Output is the combined stdout/stderr stream. It reaches io.EOF when the
	// process exits or is killed. It has a single reader; use stream.Tee to
	// share it.
	Output() io.Reader

	// Exited is closed once the exit code is known.
	Exited() <-chan struct{}

	// Wait blocks until the process exits and returns its exit code.
	Wait(ctx context.Context) (int, error)

	// Kill terminates the process and closes its output stream.
	Kill(ctx context.Context) error
}

// PortResolver is implemented by sandboxes whose network is reached through
// forwarded ports. ResolveURL maps a URL announced inside the sandbox to one
// reachable from the host. Unknown URLs are returned unchanged.
type PortResolver interface {
	ResolveURL(raw string) string
}
