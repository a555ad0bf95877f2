package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"github.com/nstogner/devbox/pkg/filetree"
	"github.com/nstogner/devbox/pkg/sandbox"
)

// Sandbox is a running sandbox container.
type Sandbox struct {
	id          string
	containerID string
	client      *client.Client
	cfg         Config
	devPort     nat.Port
	hostPort    string
}

var (
	_ sandbox.Sandbox      = (*Sandbox)(nil)
	_ sandbox.PortResolver = (*Sandbox)(nil)
)

func (s *Sandbox) ID() string { return s.id }

// ContainerID returns the Docker container ID.
func (s *Sandbox) ContainerID() string { return s.containerID }

// HostPort returns the host port the dev port is published on.
func (s *Sandbox) HostPort() string { return s.hostPort }

// ResolveURL maps the dev server's loopback URL to the published host port.
func (s *Sandbox) ResolveURL(raw string) string {
	return resolveURL(raw, s.cfg.DevPort, s.hostPort)
}

// Mount extracts the tree into the working directory. Docker extracts the
// archive over the directory, so files outside the tree are kept.
func (s *Sandbox) Mount(ctx context.Context, tree *filetree.Node) error {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(filetree.WriteArchive(pw, tree, filetree.ArchiveOptions{}))
	}()
	defer pr.Close()

	err := s.client.CopyToContainer(ctx, s.containerID, s.cfg.Workdir, pr, types.CopyToContainerOptions{
		AllowOverwriteDirWithFile: false,
	})
	if err != nil {
		return &sandbox.MountError{Cause: fmt.Errorf("copying to container: %w", err)}
	}
	slog.Debug("Mounted project", "sandbox", s.id, "workdir", s.cfg.Workdir)
	return nil
}

// Spawn starts command in its own process group so Kill can signal the
// whole tree (npm starts the dev server as a child).
func (s *Sandbox) Spawn(ctx context.Context, command string, args []string) (sandbox.Process, error) {
	code, out, err := s.run(ctx, lookupCommand(command))
	if err != nil {
		return nil, &sandbox.SpawnError{Command: command, Args: args, Cause: err}
	}
	if code != 0 {
		slog.Debug("Command lookup failed", "command", command, "output", out)
		return nil, &sandbox.SpawnError{Command: command, Args: args, Cause: sandbox.ErrCommandNotFound}
	}

	id := uuid.NewString()
	pidFile := pidDir + "/" + id + ".pid"
	exec, err := s.client.ContainerExecCreate(ctx, s.containerID, types.ExecConfig{
		Cmd:          wrapCommand(pidFile, command, args),
		WorkingDir:   s.cfg.Workdir,
		Env:          s.cfg.Env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, &sandbox.SpawnError{Command: command, Args: args, Cause: fmt.Errorf("creating exec: %w", err)}
	}

	hijack, err := s.client.ContainerExecAttach(ctx, exec.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, &sandbox.SpawnError{Command: command, Args: args, Cause: fmt.Errorf("attaching exec: %w", err)}
	}

	pr, pw := io.Pipe()
	p := &process{
		id:      id,
		execID:  exec.ID,
		command: command,
		args:    args,
		pidFile: pidFile,
		sb:      s,
		hijack:  hijack,
		pr:      pr,
		pw:      pw,
		exited:  make(chan struct{}),
	}
	go p.pump()
	return p, nil
}

// Close removes the container.
func (s *Sandbox) Close(ctx context.Context) error {
	return s.remove(ctx)
}

func (s *Sandbox) remove(ctx context.Context) error {
	if err := s.client.ContainerRemove(ctx, s.containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("removing container: %w", err)
	}
	return nil
}

// run executes a short command to completion and returns its exit code and
// combined output.
func (s *Sandbox) run(ctx context.Context, cmd []string) (int, string, error) {
	exec, err := s.client.ContainerExecCreate(ctx, s.containerID, types.ExecConfig{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, "", fmt.Errorf("creating exec: %w", err)
	}
	hijack, err := s.client.ContainerExecAttach(ctx, exec.ID, types.ExecStartCheck{})
	if err != nil {
		return -1, "", fmt.Errorf("attaching exec: %w", err)
	}
	defer hijack.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, hijack.Reader); err != nil {
		return -1, out.String(), fmt.Errorf("reading exec output: %w", err)
	}
	code, err := s.waitExec(ctx, exec.ID)
	return code, strings.TrimSpace(out.String()), err
}

// waitExec polls until the exec is no longer running.
func (s *Sandbox) waitExec(ctx context.Context, execID string) (int, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		info, err := s.client.ContainerExecInspect(ctx, execID)
		if err != nil {
			return -1, fmt.Errorf("inspecting exec: %w", err)
		}
		if !info.Running {
			return info.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		}
	}
}

func lookupCommand(command string) []string {
	return []string{"sh", "-c", `command -v "$1"`, "sh", command}
}

// wrapCommand starts command as a session leader, recording its PID so the
// process group can be signalled later.
func wrapCommand(pidFile, command string, args []string) []string {
	cmd := []string{"setsid", "-w", "sh", "-c", `echo $$ > "$0" && exec "$@"`, pidFile, command}
	return append(cmd, args...)
}

// exitNoPID is the exit code of signalCommand when the pid file has not been
// written yet.
const exitNoPID = 3

// pidWait bounds how long a signal waits for a just-spawned command to record
// its PID.
const pidWait = 2 * time.Second

func signalCommand(pidFile, signal string) []string {
	script := `[ -s "$0" ] || exit 3; pid=$(cat "$0"); kill -` + signal + ` -- "-$pid" 2>/dev/null || kill -` + signal + ` "$pid"`
	return []string{"sh", "-c", script, pidFile}
}

// signalUntilDelivered runs signal until it succeeds, retrying every interval
// while the pid file is missing, up to wait.
func signalUntilDelivered(ctx context.Context, signal func(context.Context) (int, string, error), wait, interval time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		code, out, err := signal(ctx)
		if err != nil {
			return err
		}
		switch {
		case code == 0:
			return nil
		case code != exitNoPID:
			return fmt.Errorf("exit code %d: %s", code, out)
		case time.Now().After(deadline):
			return fmt.Errorf("pid file not written after %s", wait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// process is a command running through docker exec.
type process struct {
	id      string
	execID  string
	command string
	args    []string
	pidFile string
	sb      *Sandbox
	hijack  types.HijackedResponse

	pr *io.PipeReader
	pw *io.PipeWriter

	exited chan struct{}
	code   int
	err    error

	killed    atomic.Bool
	closeOnce sync.Once
}

var _ sandbox.Process = (*process)(nil)

func (p *process) ID() string              { return p.id }
func (p *process) Command() string         { return p.command }
func (p *process) Args() []string          { return p.args }
func (p *process) Output() io.Reader       { return p.pr }
func (p *process) Exited() <-chan struct{} { return p.exited }

// pump demultiplexes the exec stream into the output pipe. Writes to the pipe
// block until the output is read.
func (p *process) pump() {
	_, err := stdcopy.StdCopy(p.pw, p.pw, p.hijack.Reader)
	p.closeConn()
	if err != nil && !p.killed.Load() {
		slog.Debug("Exec stream ended with error", "id", p.id, "error", err)
		p.pw.CloseWithError(err)
	} else {
		p.pw.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	p.code, p.err = p.sb.waitExec(ctx, p.execID)
	if p.err != nil {
		slog.Warn("Failed to read exit code", "id", p.id, "command", p.command, "error", p.err)
	}
	slog.Debug("Process exited", "id", p.id, "command", p.command, "exitCode", p.code)
	close(p.exited)
}

func (p *process) closeConn() {
	p.closeOnce.Do(p.hijack.Close)
}

func (p *process) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.exited:
		return p.code, p.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Kill sends SIGTERM to the process group, then SIGKILL after the grace
// period, and finally drops the exec connection so the output stream ends.
func (p *process) Kill(ctx context.Context) error {
	p.killed.Store(true)
	select {
	case <-p.exited:
		return nil
	default:
	}

	defer p.closeConn()
	if err := p.signal(ctx, "TERM"); err != nil {
		return fmt.Errorf("signalling %s: %w", p.command, err)
	}

	select {
	case <-p.exited:
		return nil
	case <-time.After(p.sb.cfg.KillGrace):
	case <-ctx.Done():
		return ctx.Err()
	}

	slog.Warn("Process ignored SIGTERM, sending SIGKILL", "id", p.id, "command", p.command)
	if err := p.signal(ctx, "KILL"); err != nil {
		return fmt.Errorf("killing %s: %w", p.command, err)
	}
	return nil
}

// signal delivers sig to the process group. A process that exits while the
// signal is being sent counts as delivered.
func (p *process) signal(ctx context.Context, sig string) error {
	err := signalUntilDelivered(ctx, func(ctx context.Context) (int, string, error) {
		return p.sb.run(ctx, signalCommand(p.pidFile, sig))
	}, pidWait, pollInterval)
	if err == nil {
		return nil
	}
	select {
	case <-p.exited:
		return nil
	case <-time.After(pollInterval):
		return err
	}
}
