package devenv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/nstogner/devbox/pkg/readiness"
	"github.com/nstogner/devbox/pkg/sandbox"
	"github.com/nstogner/devbox/pkg/store"
	"github.com/nstogner/devbox/pkg/stream"
)

// Server is a registered dev server. It stays registered until its process
// exits.
type Server struct {
	ID        string
	StartedAt time.Time

	launch  *readiness.Launch
	stopped atomic.Bool
	done    chan struct{}
}

// Done is closed once the server process has exited, all of its output has
// been written to the sink and its run has been recorded.
func (s *Server) Done() <-chan struct{} { return s.done }

// stop kills the server and marks its run canceled.
func (s *Server) stop(ctx context.Context) error {
	s.stopped.Store(true)
	return s.launch.Stop(ctx)
}

// Launch returns the server's readiness future.
func (s *Server) Launch() *readiness.Launch { return s.launch }

// URL returns the announced URL, or "" while the server is not ready.
func (s *Server) URL() string {
	if !s.launch.Ready() {
		return ""
	}
	res, _ := s.launch.Wait(context.Background())
	return res.URL
}

// StartDevServer runs the configured dev command. Its output is relayed to
// sink and scanned for the URL announcement. The returned Launch resolves
// once the URL is known (rewritten to a host-reachable port when the sandbox
// forwards ports), or with an error if the process exits or is stopped first.
//
// Cancelling ctx before the launch resolves stops the server.
func (e *Env) StartDevServer(ctx context.Context, sink io.Writer) (*readiness.Launch, error) {
	srv, err := e.StartServer(ctx, sink)
	if err != nil {
		return nil, err
	}
	return srv.launch, nil
}

// StartServer is StartDevServer returning the registry entry, whose ID
// addresses the server in Servers and StopServer.
func (e *Env) StartServer(ctx context.Context, sink io.Writer) (*Server, error) {
	cmd := e.cfg.Dev
	run := e.newRun(store.RunKindDev, cmd.Name, cmd.Args)
	proc, err := e.session.Spawn(ctx, cmd.Name, cmd.Args)
	if err != nil {
		e.spawnFailed(ctx, run, err)
		return nil, err
	}
	e.record(ctx, run)

	bg := context.WithoutCancel(ctx)
	tee := stream.NewTee(proc.Output(), 2, e.cfg.Depth)
	tee.Start(bg)

	relayed := make(chan struct{})
	go func() {
		defer close(relayed)
		if _, err := stream.Relay(bg, tee.Branch(0), sink); err != nil {
			slog.Warn("Dev server relay stopped", "run", run.ID, "error", err)
		}
	}()

	watchCtx, cancel := ctx, context.CancelFunc(func() {})
	if e.cfg.ReadyTimeout > 0 {
		watchCtx, cancel = context.WithTimeout(ctx, e.cfg.ReadyTimeout)
	}
	launch := readiness.Watch(watchCtx, proc, tee.Branch(1), readiness.Options{
		DrainGrace: e.cfg.DrainGrace,
		Resolve:    e.resolver(),
	})

	srv := &Server{ID: run.ID, StartedAt: run.StartedAt, launch: launch, done: make(chan struct{})}
	e.mu.Lock()
	e.servers[srv.ID] = srv
	e.mu.Unlock()
	slog.Info("Dev server starting", "id", srv.ID, "command", cmd.Name, "args", cmd.Args)

	go func() {
		defer close(srv.done)
		<-launch.Done()
		cancel()
		res, lerr := launch.Wait(bg)
		if lerr == nil {
			run.Status = store.RunStatusReady
			run.URL = res.URL
			e.update(bg, run)
		}

		<-proc.Exited()
		<-relayed
		e.mu.Lock()
		delete(e.servers, srv.ID)
		e.mu.Unlock()

		code, werr := proc.Wait(bg)
		status := store.RunStatusExited
		var exitErr *readiness.ExitedBeforeReadyError
		switch {
		case werr != nil:
			status = store.RunStatusFailed
		case srv.stopped.Load(), errors.Is(lerr, readiness.ErrCanceled):
			status = store.RunStatusCanceled
		case errors.As(lerr, &exitErr), code != 0:
			status = store.RunStatusFailed
		}
		if werr == nil {
			werr = lerr
		}
		e.finish(bg, run, status, &code, werr)
		slog.Info("Dev server exited", "id", srv.ID, "exitCode", code, "status", status)
	}()

	return srv, nil
}

// resolver returns the URL rewrite of the current sandbox, if it has one.
func (e *Env) resolver() func(string) string {
	sb, ok := e.session.Sandbox()
	if !ok {
		return nil
	}
	if pr, ok := sb.(sandbox.PortResolver); ok {
		return pr.ResolveURL
	}
	return nil
}

// Servers returns the registered dev servers, oldest first.
func (e *Env) Servers() []*Server {
	e.mu.Lock()
	out := make([]*Server, 0, len(e.servers))
	for _, s := range e.servers {
		out = append(out, s)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Server returns the registered dev server with the given ID.
func (e *Env) Server(id string) (*Server, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.servers[id]
	return s, ok
}

// StopServer kills the dev server with the given ID.
func (e *Env) StopServer(ctx context.Context, id string) error {
	s, ok := e.Server(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrServerNotFound)
	}
	slog.Info("Stopping dev server", "id", id)
	return s.stop(ctx)
}
