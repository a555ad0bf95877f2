package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/nstogner/devbox/pkg/config"
	"github.com/nstogner/devbox/pkg/devenv"
	"github.com/nstogner/devbox/pkg/filetree"
	"github.com/nstogner/devbox/pkg/stream"
)

var plainFlag bool

var upCmd = &cobra.Command{
	Use:   "up <app.json>",
	Short: "Write a generated app, install its dependencies and start the dev server",
	Long: `up reads a generated app ({"title", "code", "files"}), writes it into the
sandbox with the Vite scaffold, runs the install command and starts the dev
server. Output is shown live; the dev server runs until you quit.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		g, err := readPayload(args[0])
		if err != nil {
			return err
		}

		if !plainFlag {
			closeLog, err := logToFile()
			if err != nil {
				return err
			}
			defer closeLog()
		}

		e, err := newEnvironment(cfg)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			e.Close(ctx)
		}()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if plainFlag {
			return upPlain(ctx, e.env, g)
		}
		return upTUI(ctx, e.env, g)
	},
}

func init() {
	upCmd.Flags().BoolVar(&plainFlag, "plain", false, "Write output to stdout instead of the terminal UI")
}

// logToFile moves logging off the terminal while the TUI owns it.
func logToFile() (func() error, error) {
	dir := filepath.Join(projectDir, config.Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "devbox.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	if err := setupLogging(logLevel, f); err != nil {
		f.Close()
		return nil, err
	}
	return f.Close, nil
}

func upPlain(ctx context.Context, env *devenv.Env, g filetree.Generated) error {
	srv, err := env.UpServer(ctx, g, os.Stdout)
	if err != nil {
		var installErr *devenv.InstallFailedError
		if errors.As(err, &installErr) {
			fmt.Fprintln(os.Stderr, installErr.Error())
			return &exitCodeError{code: installErr.ExitCode}
		}
		return err
	}
	res, err := srv.Launch().Wait(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "\nDev server ready at %s (Ctrl+C to stop)\n", res.URL)

	select {
	case <-ctx.Done():
		return nil
	case <-srv.Done():
		code, err := res.Process.Wait(context.Background())
		if err != nil {
			return err
		}
		return &exitCodeError{code: code}
	}
}

func upTUI(ctx context.Context, env *devenv.Env, g filetree.Generated) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newUpModel(g.Title), tea.WithAltScreen(), tea.WithContext(ctx))
	go runPhases(ctx, env, g, p.Send)

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}

// runPhases drives the app through write, install and start, reporting each
// step to the TUI.
func runPhases(ctx context.Context, env *devenv.Env, g filetree.Generated, send func(tea.Msg)) {
	sink := stream.SinkFunc(func(chunk []byte) error {
		// Chunks are shared between consumers; the TUI holds on to its copy.
		send(outputMsg(append([]byte(nil), chunk...)))
		return nil
	})
	fail := func(err error) {
		slog.Error("Up failed", "error", err)
		send(failedMsg{err: err})
	}

	send(phaseMsg(phaseWriting))
	if err := env.WriteFiles(ctx, g); err != nil {
		fail(err)
		return
	}

	send(phaseMsg(phaseInstalling))
	install, err := env.InstallDependencies(ctx, sink)
	if err != nil {
		fail(err)
		return
	}
	code, err := install.Wait(ctx)
	if err != nil {
		if kerr := install.Process().Kill(context.Background()); kerr != nil {
			slog.Warn("Failed to kill install", "id", install.Process().ID(), "error", kerr)
		}
		return
	}
	if code != 0 {
		fail(&devenv.InstallFailedError{ExitCode: code})
		return
	}

	send(phaseMsg(phaseStarting))
	srv, err := env.StartServer(ctx, sink)
	if err != nil {
		fail(err)
		return
	}
	res, err := srv.Launch().Wait(ctx)
	if err != nil {
		if ctx.Err() == nil {
			fail(err)
		}
		return
	}
	send(readyMsg{url: res.URL})

	select {
	case <-ctx.Done():
	case <-srv.Done():
		code, _ := res.Process.Wait(context.Background())
		send(exitedMsg{code: code})
	}
}
