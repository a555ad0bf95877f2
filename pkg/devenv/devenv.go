// Package devenv drives a generated web app through the shared sandbox:
// writing its files, installing dependencies, running commands and starting
// the dev server.
package devenv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nstogner/devbox/pkg/filetree"
	"github.com/nstogner/devbox/pkg/readiness"
	"github.com/nstogner/devbox/pkg/sandbox"
	"github.com/nstogner/devbox/pkg/store"
	"github.com/nstogner/devbox/pkg/stream"
)

// Command is a program plus its arguments.
type Command struct {
	Name string
	Args []string
}

// Config configures an Env. Zero fields take the defaults below.
type Config struct {
	Install Command
	Dev     Command
	// Depth is the per-consumer queue depth of output streams.
	Depth int
	// ReadyTimeout bounds how long StartDevServer waits for the URL. Zero
	// waits until the process exits or is stopped.
	ReadyTimeout time.Duration
	// DrainGrace is passed through to readiness.Options.
	DrainGrace time.Duration
}

var (
	DefaultInstall = Command{Name: "npm", Args: []string{"install"}}
	DefaultDev     = Command{Name: "npm", Args: []string{"run", "dev"}}
)

func (c *Config) setDefaults() {
	if c.Install.Name == "" {
		c.Install = DefaultInstall
	}
	if c.Dev.Name == "" {
		c.Dev = DefaultDev
	}
	if c.Depth <= 0 {
		c.Depth = stream.DefaultDepth
	}
}

// Env is the orchestrator. It is safe for concurrent use; every caller works
// against the same sandbox.
type Env struct {
	session *sandbox.Session
	runs    store.RunStore
	cfg     Config

	mu      sync.Mutex
	servers map[string]*Server
}

// New returns an Env over session that records runs in runs.
func New(session *sandbox.Session, runs store.RunStore, cfg Config) *Env {
	cfg.setDefaults()
	return &Env{
		session: session,
		runs:    runs,
		cfg:     cfg,
		servers: make(map[string]*Server),
	}
}

// Session returns the sandbox session the Env runs in.
func (e *Env) Session() *sandbox.Session { return e.session }

// Runs returns the run history store.
func (e *Env) Runs() store.RunStore { return e.runs }

// WriteFiles builds the file tree for g, scaffold included, and mounts it into
// the sandbox, booting the sandbox if needed.
func (e *Env) WriteFiles(ctx context.Context, g filetree.Generated) error {
	tree, err := filetree.Build(g)
	if err != nil {
		return fmt.Errorf("building file tree: %w", err)
	}
	if err := e.session.Mount(ctx, tree); err != nil {
		return err
	}
	slog.Info("Files written", "title", g.Title, "files", len(g.Files))
	return nil
}

// InstallDependencies runs the configured install command, relaying its output
// to sink. A non-zero exit code is reported through the returned Exit.
func (e *Env) InstallDependencies(ctx context.Context, sink io.Writer) (*Exit, error) {
	return e.start(ctx, store.RunKindInstall, e.cfg.Install.Name, e.cfg.Install.Args, sink)
}

// ExecuteCommand runs command with args, relaying its output to sink.
func (e *Env) ExecuteCommand(ctx context.Context, command string, args []string, sink io.Writer) (*Exit, error) {
	return e.start(ctx, store.RunKindExec, command, args, sink)
}

// start spawns a command whose output goes only to sink. ctx bounds the spawn;
// the process then runs until it exits or is killed through Exit.Process.
func (e *Env) start(ctx context.Context, kind store.RunKind, command string, args []string, sink io.Writer) (*Exit, error) {
	run := e.newRun(kind, command, args)
	proc, err := e.session.Spawn(ctx, command, args)
	if err != nil {
		e.spawnFailed(ctx, run, err)
		return nil, err
	}
	e.record(ctx, run)

	tee := stream.NewTee(proc.Output(), 1, e.cfg.Depth)
	x := &Exit{
		proc: &trackedProcess{Process: proc},
		done: make(chan struct{}),
	}

	bg := context.WithoutCancel(ctx)
	go func() {
		defer close(x.done)

		var g errgroup.Group
		g.Go(func() error { return tee.Run(bg) })
		g.Go(func() error {
			_, err := stream.Relay(bg, tee.Branch(0), sink)
			return err
		})
		if err := g.Wait(); err != nil {
			slog.Warn("Output stream ended with error", "run", run.ID, "error", err)
		}

		x.code, x.err = proc.Wait(bg)
		status := store.RunStatusExited
		switch {
		case x.err != nil:
			status = store.RunStatusFailed
		case x.proc.killed.Load():
			status = store.RunStatusCanceled
		case x.code != 0:
			status = store.RunStatusFailed
		}
		code := x.code
		e.finish(bg, run, status, &code, x.err)
		slog.Info("Command finished", "run", run.ID, "command", command, "exitCode", x.code)
	}()
	return x, nil
}

// Up writes g, installs dependencies and starts the dev server, relaying all
// output to sink. It stops with InstallFailedError if the install exits
// non-zero.
func (e *Env) Up(ctx context.Context, g filetree.Generated, sink io.Writer) (*readiness.Launch, error) {
	srv, err := e.UpServer(ctx, g, sink)
	if err != nil {
		return nil, err
	}
	return srv.launch, nil
}

// UpServer is Up returning the dev server's registry entry.
func (e *Env) UpServer(ctx context.Context, g filetree.Generated, sink io.Writer) (*Server, error) {
	if err := e.WriteFiles(ctx, g); err != nil {
		return nil, err
	}
	install, err := e.InstallDependencies(ctx, sink)
	if err != nil {
		return nil, err
	}
	code, err := install.Wait(ctx)
	if err != nil {
		if kerr := install.Process().Kill(context.WithoutCancel(ctx)); kerr != nil {
			slog.Warn("Failed to kill install", "id", install.Process().ID(), "error", kerr)
		}
		return nil, err
	}
	if code != 0 {
		return nil, &InstallFailedError{ExitCode: code}
	}
	return e.StartServer(ctx, sink)
}

// Close stops every dev server and tears down the sandbox.
func (e *Env) Close(ctx context.Context) error {
	var errs []error
	for _, s := range e.Servers() {
		if err := s.stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping dev server %s: %w", s.ID, err))
		}
	}
	if err := e.session.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Env) newRun(kind store.RunKind, command string, args []string) *store.Run {
	return &store.Run{
		ID:        uuid.NewString(),
		Kind:      kind,
		Command:   command,
		Args:      append([]string(nil), args...),
		Status:    store.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
}

// record persists a new run. History is best-effort: failures are logged.
func (e *Env) record(ctx context.Context, run *store.Run) {
	if err := e.runs.Create(context.WithoutCancel(ctx), run); err != nil {
		slog.Warn("Failed to record run", "run", run.ID, "error", err)
	}
}

func (e *Env) update(ctx context.Context, run *store.Run) {
	if err := e.runs.Update(context.WithoutCancel(ctx), run); err != nil {
		slog.Warn("Failed to update run", "run", run.ID, "error", err)
	}
}

func (e *Env) finish(ctx context.Context, run *store.Run, status store.RunStatus, code *int, err error) {
	run.Status = status
	run.ExitCode = code
	run.FinishedAt = time.Now().UTC()
	if err != nil {
		run.Error = err.Error()
	}
	e.update(ctx, run)
}

// spawnFailed records a run that never started.
func (e *Env) spawnFailed(ctx context.Context, run *store.Run, err error) {
	run.Status = store.RunStatusFailed
	run.Error = err.Error()
	run.FinishedAt = time.Now().UTC()
	e.record(ctx, run)
}
