package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nstogner/devbox/pkg/config"
	"github.com/nstogner/devbox/pkg/devenv"
	"github.com/nstogner/devbox/pkg/sandbox"
	"github.com/nstogner/devbox/pkg/sandbox/docker"
	"github.com/nstogner/devbox/pkg/store"
	"github.com/nstogner/devbox/pkg/store/sqlite"
)

var (
	projectDir string
	logLevel   string
	imageFlag  string
	dbFlag     string
	pullFlag   bool
)

var rootCmd = &cobra.Command{
	Use:   "devbox",
	Short: "Run generated web apps in an isolated sandbox",
	Long: `devbox writes a generated React app into a Docker sandbox, installs its
dependencies and starts the Vite dev server, streaming terminal output as it goes.

Settings are read from .devbox/config.yaml in the project directory; flags
override them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(logLevel, os.Stderr)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectDir, "dir", "C", ".", "Project directory holding .devbox/")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&imageFlag, "image", "", "Sandbox container image")
	rootCmd.PersistentFlags().StringVar(&dbFlag, "db", "", `Run history database path ("" keeps the configured path, "-" keeps history in memory)`)
	rootCmd.PersistentFlags().BoolVar(&pullFlag, "pull", false, "Pull the sandbox image when missing")
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(serveCmd, upCmd, execCmd, runsCmd)
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

func setupLogging(level string, w io.Writer) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
	return nil
}

// loadConfig reads the project config and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(projectDir)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("image") {
		cfg.Sandbox.Image = imageFlag
	}
	if flags.Changed("pull") {
		cfg.Sandbox.Pull = pullFlag
	}
	if flags.Changed("db") {
		cfg.Store.Path = dbFlag
	}
	return cfg, cfg.Validate()
}

// openStore returns the run history store named by cfg.
func openStore(cfg *config.Config) (store.RunStore, func() error, error) {
	path := cfg.Store.Path
	if path == "" || path == "-" {
		return store.NewMemory(), func() error { return nil }, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(projectDir, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating store dir: %w", err)
	}
	s, err := sqlite.New(path)
	if err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}

// environment is everything a command needs to drive the sandbox.
type environment struct {
	env     *devenv.Env
	runtime *docker.Runtime
	closers []func() error
}

func newEnvironment(cfg *config.Config) (*environment, error) {
	runs, closeStore, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	var env []string
	for _, k := range slices.Sorted(maps.Keys(cfg.Sandbox.Env)) {
		env = append(env, k+"="+cfg.Sandbox.Env[k])
	}
	rt, err := docker.New(docker.Config{
		Image:     cfg.Sandbox.Image,
		Workdir:   cfg.Sandbox.Workdir,
		DevPort:   cfg.Sandbox.DevPort,
		Env:       env,
		Pull:      cfg.Sandbox.Pull,
		KillGrace: cfg.Sandbox.KillGrace,
	})
	if err != nil {
		closeStore()
		return nil, err
	}

	session := sandbox.NewSession(rt, sandbox.WithBootTimeout(cfg.Timeouts.Boot))
	return &environment{
		env: devenv.New(session, runs, devenv.Config{
			Install:      devenv.Command{Name: cfg.Commands.Install.Name, Args: cfg.Commands.Install.Args},
			Dev:          devenv.Command{Name: cfg.Commands.Dev.Name, Args: cfg.Commands.Dev.Args},
			Depth:        cfg.Stream.Depth,
			ReadyTimeout: cfg.Timeouts.Ready,
		}),
		runtime: rt,
		closers: []func() error{rt.Close, closeStore},
	}, nil
}

// Close stops dev servers, removes the sandbox and releases clients.
func (e *environment) Close(ctx context.Context) {
	if err := e.env.Close(ctx); err != nil {
		slog.Warn("Failed to close environment", "error", err)
	}
	for _, c := range e.closers {
		if err := c(); err != nil {
			slog.Warn("Failed to release resource", "error", err)
		}
	}
}
