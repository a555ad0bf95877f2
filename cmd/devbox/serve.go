package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nstogner/devbox/pkg/server"
)

var (
	addrFlag string
	reapFlag bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP/websocket API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("addr") {
			cfg.Server.Addr = addrFlag
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := newEnvironment(cfg)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			e.Close(ctx)
		}()

		if err := e.runtime.Ping(ctx); err != nil {
			return err
		}
		if reapFlag {
			if err := e.runtime.Reap(ctx); err != nil {
				slog.Warn("Failed to reap stale sandboxes", "error", err)
			}
		}

		srv := server.New(e.env)
		errc := make(chan error, 1)
		go func() { errc <- srv.Start(cfg.Server.Addr) }()

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&addrFlag, "addr", "", "Listen address (default from config)")
	serveCmd.Flags().BoolVar(&reapFlag, "reap", false, "Remove sandbox containers left by earlier runs")
}
