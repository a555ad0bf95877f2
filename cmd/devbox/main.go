// Command devbox runs generated web apps in a Docker sandbox.
//
// Usage:
//
//	devbox up app.json          # write, install and start with a live terminal
//	devbox up --plain app.json  # same, output to stdout
//	devbox exec -- ls -la       # run a command in a fresh sandbox
//	devbox serve                # HTTP/websocket API
//	devbox runs                 # run history
package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// exitCodeError makes the process exit with the code of a sandboxed command.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}
