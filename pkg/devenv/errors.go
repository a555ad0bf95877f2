package devenv

import (
	"errors"
	"fmt"
)

// ErrServerNotFound is returned by StopServer for an unknown dev server ID.
var ErrServerNotFound = errors.New("dev server not found")

// InstallFailedError is returned by Up when the install command exits
// non-zero.
type InstallFailedError struct {
	ExitCode int
}

func (e *InstallFailedError) Error() string {
	return fmt.Sprintf("dependency install failed with exit code %d", e.ExitCode)
}
