package readiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nstogner/devbox/pkg/sandbox"
	"github.com/nstogner/devbox/pkg/stream"
)

// DefaultDrainGrace is how long the scanner keeps reading after the process
// exit is observed, to pick up output still in flight.
const DefaultDrainGrace = 500 * time.Millisecond

// ErrCanceled is the readiness outcome when the process is killed, or the
// watch context is cancelled, before the URL is announced.
var ErrCanceled = errors.New("dev server start canceled")

// ExitedBeforeReadyError is the readiness outcome when the process exits
// before announcing its URL.
type ExitedBeforeReadyError struct {
	ExitCode int
}

func (e *ExitedBeforeReadyError) Error() string {
	return fmt.Sprintf("dev server exited with code %d before it was ready", e.ExitCode)
}

// Result is a resolved readiness: the announced URL and the process serving it.
type Result struct {
	URL     string
	Process sandbox.Process
}

// Options configures Watch.
type Options struct {
	// DrainGrace overrides DefaultDrainGrace.
	DrainGrace time.Duration
	// Resolve, when set, rewrites the normalized URL (e.g. to a forwarded port).
	Resolve func(url string) string
}

// Launch is a pending dev server start. It resolves exactly once.
type Launch struct {
	proc *watchedProcess

	once sync.Once
	done chan struct{}
	res  *Result
	err  error

	canceled atomic.Bool
}

// Watch scans b, a branch of proc's output, for the URL announcement. Cancelling
// ctx before the launch resolves kills the process.
func Watch(ctx context.Context, proc sandbox.Process, b *stream.Branch, opts Options) *Launch {
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = DefaultDrainGrace
	}
	l := newLaunch(proc)
	go l.scan(ctx, b, opts)
	return l
}

func newLaunch(proc sandbox.Process) *Launch {
	l := &Launch{done: make(chan struct{})}
	l.proc = &watchedProcess{Process: proc, launch: l}
	return l
}

// Process returns the dev server process. Killing it while the launch is
// pending resolves the launch with ErrCanceled.
func (l *Launch) Process() sandbox.Process { return l.proc }

// Done is closed once the launch has resolved.
func (l *Launch) Done() <-chan struct{} { return l.done }

// Wait blocks until the launch resolves or ctx is done. Cancelling ctx here
// only abandons the wait.
func (l *Launch) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-l.done:
		return l.res, l.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ready reports whether the launch resolved with a URL.
func (l *Launch) Ready() bool {
	select {
	case <-l.done:
		return l.err == nil
	default:
		return false
	}
}

// Stop kills the process. A pending launch resolves with ErrCanceled.
func (l *Launch) Stop(ctx context.Context) error {
	return l.proc.Kill(ctx)
}

func (l *Launch) resolve(res *Result, err error) {
	l.once.Do(func() {
		l.res, l.err = res, err
		close(l.done)
	})
}

func (l *Launch) scan(ctx context.Context, b *stream.Branch, opts Options) {
	// The relay keeps receiving output after this consumer is gone.
	defer b.Detach()

	var det Detector
	exited := l.proc.Exited()
	var grace <-chan time.Time
	chunks := b.Chunks()

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				if url, ok := det.Flush(); ok {
					l.ready(url, opts)
					return
				}
				l.fail(ctx)
				return
			}
			if url, ok := det.Feed(chunk); ok {
				l.ready(url, opts)
				return
			}
		case <-exited:
			exited = nil
			grace = time.After(opts.DrainGrace)
		case <-grace:
			l.fail(ctx)
			return
		case <-ctx.Done():
			l.canceled.Store(true)
			if err := l.proc.Process.Kill(context.WithoutCancel(ctx)); err != nil {
				slog.Warn("Failed to kill dev server after cancel", "id", l.proc.ID(), "error", err)
			}
			l.resolve(nil, ErrCanceled)
			return
		}
	}
}

func (l *Launch) ready(url string, opts Options) {
	// A kill may land while the announcement is still queued on the branch.
	if l.canceled.Load() {
		l.resolve(nil, ErrCanceled)
		return
	}
	if opts.Resolve != nil {
		url = opts.Resolve(url)
	}
	slog.Info("Dev server ready", "id", l.proc.ID(), "url", url)
	l.resolve(&Result{URL: url, Process: l.proc}, nil)
}

// fail resolves a launch whose output ended without a URL.
func (l *Launch) fail(ctx context.Context) {
	if l.canceled.Load() {
		l.resolve(nil, ErrCanceled)
		return
	}
	code, err := l.proc.Wait(ctx)
	if err != nil {
		l.canceled.Store(true)
		if kerr := l.proc.Process.Kill(context.WithoutCancel(ctx)); kerr != nil {
			slog.Warn("Failed to kill dev server after cancel", "id", l.proc.ID(), "error", kerr)
		}
		l.resolve(nil, ErrCanceled)
		return
	}
	if l.canceled.Load() {
		l.resolve(nil, ErrCanceled)
		return
	}
	slog.Warn("Dev server exited before ready", "id", l.proc.ID(), "exitCode", code)
	l.resolve(nil, &ExitedBeforeReadyError{ExitCode: code})
}

// watchedProcess marks the launch canceled before killing the process.
type watchedProcess struct {
	sandbox.Process
	launch *Launch
}

func (p *watchedProcess) Kill(ctx context.Context) error {
	select {
	case <-p.launch.done:
	default:
		p.launch.canceled.Store(true)
	}
	return p.Process.Kill(ctx)
}
