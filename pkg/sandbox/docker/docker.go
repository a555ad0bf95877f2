package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"github.com/nstogner/devbox/pkg/filetree"
	"github.com/nstogner/devbox/pkg/sandbox"
)

const (
	// LabelManager is the label used to identify containers managed by devbox.
	LabelManager = "manager"
	// LabelManagerValue is the value of the manager label.
	LabelManagerValue = "devbox"
	// LabelSandboxID is the label holding the sandbox ID.
	LabelSandboxID = "devbox-sandbox-id"
	// DefaultImage is the default sandbox container image.
	DefaultImage = "node:20-slim"
	// DefaultWorkdir is where projects are mounted inside the container.
	DefaultWorkdir = "/app"

	pidDir       = "/tmp/devbox"
	pollInterval = 100 * time.Millisecond
)

// Config configures the Docker runtime.
type Config struct {
	Image   string
	Workdir string
	// DevPort is the container port published on 127.0.0.1.
	DevPort int
	Env     []string
	// Pull pulls the image when it is missing locally.
	Pull bool
	// KillGrace is how long Kill waits after SIGTERM before sending SIGKILL.
	KillGrace time.Duration
}

func (c *Config) setDefaults() {
	if c.Image == "" {
		c.Image = DefaultImage
	}
	if c.Workdir == "" {
		c.Workdir = DefaultWorkdir
	}
	if c.DevPort == 0 {
		c.DevPort = filetree.DevPort
	}
	if c.KillGrace == 0 {
		c.KillGrace = 5 * time.Second
	}
}

// Runtime implements sandbox.Runtime with one Docker container per sandbox.
type Runtime struct {
	client *client.Client
	cfg    Config
}

// Verify interface compliance.
var _ sandbox.Runtime = (*Runtime)(nil)

// New creates a Docker runtime from the environment (DOCKER_HOST etc).
func New(cfg Config) (*Runtime, error) {
	cfg.setDefaults()
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Runtime{client: cli, cfg: cfg}, nil
}

// Close releases the Docker client resources.
func (r *Runtime) Close() error {
	return r.client.Close()
}

// Ping checks that the Docker daemon is reachable.
func (r *Runtime) Ping(ctx context.Context) error {
	if _, err := r.client.Ping(ctx); err != nil {
		return fmt.Errorf("pinging docker daemon: %w", err)
	}
	return nil
}

// Boot creates and starts a sandbox container and waits until it is running
// with its dev port published.
func (r *Runtime) Boot(ctx context.Context) (sandbox.Sandbox, error) {
	if err := r.ensureImage(ctx); err != nil {
		return nil, &sandbox.BootError{Cause: err}
	}

	id := uuid.NewString()
	devPort := nat.Port(strconv.Itoa(r.cfg.DevPort) + "/tcp")

	cfg := &container.Config{
		Image:      r.cfg.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: r.cfg.Workdir,
		Env:        r.cfg.Env,
		Labels: map[string]string{
			LabelManager:   LabelManagerValue,
			LabelSandboxID: id,
		},
		ExposedPorts: nat.PortSet{
			devPort: {},
		},
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			devPort: []nat.PortBinding{
				{
					HostIP:   "127.0.0.1",
					HostPort: "0", // Dynamically assigned port.
				},
			},
		},
		Init: boolPtr(true),
	}

	resp, err := r.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerName(id))
	if err != nil {
		return nil, &sandbox.BootError{Cause: fmt.Errorf("creating container: %w", err)}
	}

	sb := &Sandbox{
		id:          id,
		containerID: resp.ID,
		client:      r.client,
		cfg:         r.cfg,
		devPort:     devPort,
	}

	if err := r.client.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		sb.remove(context.WithoutCancel(ctx))
		return nil, &sandbox.BootError{Cause: fmt.Errorf("starting container: %w", err)}
	}

	hostPort, err := r.waitRunning(ctx, resp.ID, devPort)
	if err != nil {
		sb.remove(context.WithoutCancel(ctx))
		return nil, &sandbox.BootError{Cause: err}
	}
	sb.hostPort = hostPort

	if code, out, err := sb.run(ctx, []string{"mkdir", "-p", r.cfg.Workdir, pidDir}); err != nil || code != 0 {
		sb.remove(context.WithoutCancel(ctx))
		return nil, &sandbox.BootError{Cause: fmt.Errorf("preparing workdir (exit %d: %s): %v", code, out, err)}
	}

	slog.Info("Sandbox started", "id", id, "container", shortID(resp.ID), "hostPort", hostPort)
	return sb, nil
}

// Reap removes managed containers left behind by earlier processes.
func (r *Runtime) Reap(ctx context.Context) error {
	containers, err := r.client.ContainerList(ctx, types.ContainerListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManager+"="+LabelManagerValue),
		),
	})
	if err != nil {
		return fmt.Errorf("listing managed containers: %w", err)
	}
	for _, c := range containers {
		slog.Info("Removing stale sandbox", "id", c.Labels[LabelSandboxID], "container", shortID(c.ID))
		if err := r.client.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			slog.Warn("Failed to remove container", "id", c.ID, "error", err)
		}
	}
	return nil
}

func (r *Runtime) ensureImage(ctx context.Context) error {
	_, _, err := r.client.ImageInspectWithRaw(ctx, r.cfg.Image)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspecting image %s: %w", r.cfg.Image, err)
	}
	if !r.cfg.Pull {
		return fmt.Errorf("sandbox image '%s' not found locally and pulling is disabled: %w", r.cfg.Image, err)
	}

	slog.Info("Pulling sandbox image", "image", r.cfg.Image)
	rc, err := r.client.ImagePull(ctx, r.cfg.Image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", r.cfg.Image, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pulling image %s: %w", r.cfg.Image, err)
	}
	return nil
}

// waitRunning polls until the container runs and its dev port is mapped.
func (r *Runtime) waitRunning(ctx context.Context, containerID string, port nat.Port) (string, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		c, err := r.client.ContainerInspect(ctx, containerID)
		if err != nil {
			return "", fmt.Errorf("inspecting container: %w", err)
		}
		if c.State != nil && !c.State.Running && c.State.Status == "exited" {
			return "", fmt.Errorf("container exited during boot (code %d)", c.State.ExitCode)
		}
		if c.State != nil && c.State.Running {
			if hostPort, ok := mappedPort(c, port); ok {
				return hostPort, nil
			}
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("timeout waiting for sandbox container: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func mappedPort(c types.ContainerJSON, port nat.Port) (string, bool) {
	if c.NetworkSettings == nil {
		return "", false
	}
	bindings := c.NetworkSettings.Ports[port]
	if len(bindings) == 0 || bindings[0].HostPort == "" {
		return "", false
	}
	return bindings[0].HostPort, true
}

func containerName(id string) string {
	return "devbox-sandbox-" + id
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func boolPtr(b bool) *bool { return &b }

// resolveURL rewrites a loopback URL on the dev port to the published host port.
func resolveURL(raw string, devPort int, hostPort string) string {
	u, err := url.Parse(raw)
	if err != nil || hostPort == "" {
		return raw
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "0.0.0.0":
	default:
		return raw
	}
	if u.Port() != strconv.Itoa(devPort) {
		return raw
	}
	u.Host = "localhost:" + hostPort
	return u.String()
}
