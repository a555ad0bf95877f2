package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var execFilesFlag string

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- command [args...]",
	Short: "Run a command in a fresh sandbox",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
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

		if execFilesFlag != "" {
			g, err := readPayload(execFilesFlag)
			if err != nil {
				return err
			}
			if err := e.env.WriteFiles(ctx, g); err != nil {
				return err
			}
		}

		x, err := e.env.ExecuteCommand(ctx, args[0], args[1:], os.Stdout)
		if err != nil {
			return err
		}
		select {
		case <-x.Done():
		case <-ctx.Done():
			x.Process().Kill(context.Background())
		}
		code, err := x.Wait(context.Background())
		if err != nil {
			return err
		}
		if code != 0 {
			return &exitCodeError{code: code}
		}
		return nil
	},
}

func init() {
	execCmd.Flags().StringVar(&execFilesFlag, "files", "", "Generated app JSON to write before running")
}
