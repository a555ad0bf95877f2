// Package sandboxtest provides scripted in-memory sandboxes for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/nstogner/devbox/pkg/filetree"
	"github.com/nstogner/devbox/pkg/sandbox"
)

// Runtime is a fake sandbox.Runtime.
type Runtime struct {
	mu sync.Mutex

	// BootErr, when set, is returned by Boot.
	BootErr error
	// Gate, when set, makes Boot block until it is closed.
	Gate chan struct{}
	// Script is run in its own goroutine for every spawned process.
	Script func(p *Process)
	// Forward, when set, makes booted sandboxes implement sandbox.PortResolver.
	Forward func(raw string) string

	attempts  int
	sandboxes []*Sandbox
}

var _ sandbox.Runtime = (*Runtime)(nil)

// NewRuntime returns a Runtime whose processes run script.
func NewRuntime(script func(p *Process)) *Runtime {
	return &Runtime{Script: script}
}

// Boot implements sandbox.Runtime.
func (r *Runtime) Boot(ctx context.Context) (sandbox.Sandbox, error) {
	r.mu.Lock()
	r.attempts++
	gate := r.Gate
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.BootErr != nil {
		return nil, r.BootErr
	}
	sb := &Sandbox{
		id:      uuid.NewString(),
		root:    filetree.NewDirectory(),
		script:  r.Script,
		spawned: make(chan *Process, 64),
	}
	r.sandboxes = append(r.sandboxes, sb)
	if r.Forward != nil {
		return &ForwardingSandbox{Sandbox: sb, forward: r.Forward}, nil
	}
	return sb, nil
}

// SetBootErr changes the error returned by later boots.
func (r *Runtime) SetBootErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.BootErr = err
}

// Attempts returns the number of Boot calls.
func (r *Runtime) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Sandboxes returns every successfully booted sandbox.
func (r *Runtime) Sandboxes() []*Sandbox {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Sandbox(nil), r.sandboxes...)
}

// Sandbox is a fake sandbox.Sandbox with an in-memory working directory.
type Sandbox struct {
	id     string
	script func(p *Process)

	mu       sync.Mutex
	root     *filetree.Node
	mounts   int
	closed   bool
	procs    []*Process
	spawned  chan *Process
	MountErr error
	SpawnErr error
	// Missing lists commands that do not exist in the sandbox.
	Missing map[string]bool
}

var _ sandbox.Sandbox = (*Sandbox)(nil)

func (s *Sandbox) ID() string { return s.id }

// Mount merges tree into the working directory.
func (s *Sandbox) Mount(ctx context.Context, tree *filetree.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.MountErr != nil {
		return s.MountErr
	}
	err := tree.Walk(func(path string, n *filetree.Node) error {
		if n.IsDir() {
			return nil
		}
		return filetree.Insert(s.root, path, n.Contents)
	})
	if err != nil {
		return err
	}
	s.mounts++
	return nil
}

// Files returns the working directory contents.
func (s *Sandbox) Files() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root.Files()
}

// Mounts returns the number of successful mounts.
func (s *Sandbox) Mounts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mounts
}

// Closed reports whether Close was called.
func (s *Sandbox) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Spawn starts a fake process and runs the script against it.
func (s *Sandbox) Spawn(ctx context.Context, command string, args []string) (sandbox.Process, error) {
	s.mu.Lock()
	if s.SpawnErr != nil {
		err := s.SpawnErr
		s.mu.Unlock()
		return nil, err
	}
	if s.Missing[command] {
		s.mu.Unlock()
		return nil, &sandbox.SpawnError{Command: command, Args: args, Cause: sandbox.ErrCommandNotFound}
	}
	p := NewProcess(command, args...)
	s.procs = append(s.procs, p)
	script := s.script
	s.mu.Unlock()

	select {
	case s.spawned <- p:
	default:
	}
	if script != nil {
		go script(p)
	}
	return p, nil
}

// Processes returns every spawned process in spawn order.
func (s *Sandbox) Processes() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Process(nil), s.procs...)
}

// Spawned delivers processes as they are spawned.
func (s *Sandbox) Spawned() <-chan *Process { return s.spawned }

func (s *Sandbox) Close(ctx context.Context) error {
	s.mu.Lock()
	procs := append([]*Process(nil), s.procs...)
	s.closed = true
	s.mu.Unlock()
	for _, p := range procs {
		p.Kill(ctx)
	}
	return nil
}

// ForwardingSandbox is a Sandbox that also implements sandbox.PortResolver.
type ForwardingSandbox struct {
	*Sandbox
	forward func(string) string
}

var _ sandbox.PortResolver = (*ForwardingSandbox)(nil)

func (s *ForwardingSandbox) ResolveURL(raw string) string { return s.forward(raw) }

// KilledExitCode is the exit code reported for killed processes.
const KilledExitCode = 143

// Process is a fake sandbox.Process driven by the test.
type Process struct {
	id      string
	command string
	args    []string

	pr *io.PipeReader
	pw *io.PipeWriter

	once   sync.Once
	exited chan struct{}
	mu     sync.Mutex
	code    int
	killed  bool
	killErr error
}

var _ sandbox.Process = (*Process)(nil)

// NewProcess returns a running fake process.
func NewProcess(command string, args ...string) *Process {
	pr, pw := io.Pipe()
	return &Process{
		id:      uuid.NewString(),
		command: command,
		args:    args,
		pr:      pr,
		pw:      pw,
		exited:  make(chan struct{}),
	}
}

func (p *Process) ID() string              { return p.id }
func (p *Process) Command() string         { return p.command }
func (p *Process) Args() []string          { return p.args }
func (p *Process) Output() io.Reader       { return p.pr }
func (p *Process) Exited() <-chan struct{} { return p.exited }

// Emit writes a chunk to the output stream. It blocks until the chunk is read.
func (p *Process) Emit(chunk string) error {
	_, err := io.WriteString(p.pw, chunk)
	return err
}

// Emitf is Emit with formatting.
func (p *Process) Emitf(format string, args ...any) error {
	return p.Emit(fmt.Sprintf(format, args...))
}

// Exit closes the output stream and resolves the exit code. Only the first
// call has an effect.
func (p *Process) Exit(code int) {
	p.once.Do(func() {
		p.pw.Close()
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		close(p.exited)
	})
}

// ExitAfterOutput resolves the exit code without closing the output stream,
// simulating a process whose exit is observed before its stream drains.
func (p *Process) ExitAfterOutput(code int) {
	p.once.Do(func() {
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		close(p.exited)
	})
}

// Wait implements sandbox.Process.
func (p *Process) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.exited:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Kill implements sandbox.Process.
func (p *Process) Kill(ctx context.Context) error {
	p.mu.Lock()
	p.killed = true
	err := p.killErr
	p.mu.Unlock()
	p.pw.CloseWithError(io.EOF)
	p.Exit(KilledExitCode)
	return err
}

// FailKill makes later Kill calls report err. The process is still killed.
func (p *Process) FailKill(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killErr = err
}

// Killed reports whether Kill was called.
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}
