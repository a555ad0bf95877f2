package sandbox

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCommandNotFound is wrapped by SpawnError when the command does not exist
// in the sandbox.
var ErrCommandNotFound = errors.New("command not found")

// BootError reports that the sandbox failed to initialize.
type BootError struct {
	Cause error
}

func (e *BootError) Error() string {
	return fmt.Sprintf("sandbox boot failed: %v", e.Cause)
}

func (e *BootError) Unwrap() error { return e.Cause }

// MountError reports that a tree could not be overlaid onto the sandbox.
type MountError struct {
	Cause error
}

func (e *MountError) Error() string {
	return fmt.Sprintf("mount failed: %v", e.Cause)
}

func (e *MountError) Unwrap() error { return e.Cause }

// SpawnError reports that a command could not be started.
type SpawnError struct {
	Command string
	Args    []string
	Cause   error
}

func (e *SpawnError) Error() string {
	cmd := strings.TrimSpace(e.Command + " " + strings.Join(e.Args, " "))
	return fmt.Sprintf("spawn %q failed: %v", cmd, e.Cause)
}

func (e *SpawnError) Unwrap() error { return e.Cause }
