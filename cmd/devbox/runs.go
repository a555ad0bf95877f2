package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nstogner/devbox/pkg/store"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		runs, closeStore, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		list, err := runs.List(cmd.Context(), runsLimit)
		if err != nil {
			return err
		}

		renderer, err := glamour.NewTermRenderer(
			glamour.WithStandardStyle("dark"),
			glamour.WithWordWrap(120),
		)
		if err != nil {
			return err
		}
		out, err := renderer.Render(runsMarkdown(list))
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	},
}

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Maximum number of runs to show (0 for all)")
}

// runsMarkdown formats runs as a markdown table.
func runsMarkdown(runs []store.Run) string {
	if len(runs) == 0 {
		return "_No runs recorded._\n"
	}
	var b strings.Builder
	b.WriteString("| ID | Kind | Command | Status | Exit | URL | Started | Duration |\n")
	b.WriteString("|---|---|---|---|---|---|---|---|\n")
	for _, r := range runs {
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprint(*r.ExitCode)
		}
		duration := "-"
		if !r.FinishedAt.IsZero() {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(100 * time.Millisecond).String()
		}
		url := r.URL
		if url == "" {
			url = "-"
		}
		command := strings.TrimSpace(r.Command + " " + strings.Join(r.Args, " "))
		fmt.Fprintf(&b, "| %s | %s | `%s` | %s | %s | %s | %s | %s |\n",
			shortRunID(r.ID), r.Kind, escapeCell(command), r.Status, exit, url,
			humanize.Time(r.StartedAt), duration)
	}
	return b.String()
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
