// Package exitcodes defines standard exit codes for the service control CLI.
// The codes are stable so that configuration management tooling (Ansible,
// Intune scripts, cron wrappers) can branch on them.
package exitcodes

import (
	"errors"
	"os"
	"strings"
)

const (
	// Success - operation completed without errors
	Success = 0

	// ConfigError - configuration/YAML parsing errors (non-recoverable, don't retry)
	ConfigError = 1

	// ChannelError - channel endpoint could not be created or reached (recoverable)
	ChannelError = 2

	// StateError - state database errors, failed schema migrations (non-recoverable)
	StateError = 3

	// ServiceError - service management (install/start/stop) failed
	ServiceError = 4

	// Cancelled - user cancelled via SIGINT/SIGTERM (recoverable)
	Cancelled = 5

	// PermissionError - administrative privilege required (non-recoverable)
	PermissionError = 6

	// IOError - file I/O errors (recoverable)
	IOError = 7
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// FromError determines the appropriate exit code for an error.
// It examines error messages and types to classify the error.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	if errors.Is(err, os.ErrPermission) {
		return PermissionError
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return IOError
	}

	errStr := strings.ToLower(err.Error())

	if containsAny(errStr, []string{
		"permission denied",
		"operation not permitted",
		"must be run as root",
		"administrative privilege",
	}) {
		return PermissionError
	}

	if containsAny(errStr, []string{
		"no such file",
		"file not found",
		"is a directory",
		"not a directory",
	}) {
		return IOError
	}

	if containsAny(errStr, []string{
		"yaml:",
		"unmarshal",
		"invalid configuration",
		"missing required",
		"invalid value",
		"parsing config",
	}) {
		return ConfigError
	}

	if containsAny(errStr, []string{
		"endpoint",
		"socket",
		"listen",
		"dial",
		"connection",
		"refused",
		"websocket",
	}) {
		return ChannelError
	}

	if containsAny(errStr, []string{
		"cancel",
		"interrupt",
		"context canceled",
		"context deadline",
	}) {
		return Cancelled
	}

	if containsAny(errStr, []string{
		"schema migration",
		"database",
		"sqlite",
		"transaction",
		"state",
	}) {
		return StateError
	}

	return ServiceError
}

// IsRecoverable returns true if the error is recoverable (safe to retry).
func IsRecoverable(code int) bool {
	switch code {
	case ChannelError, Cancelled, IOError:
		return true
	default:
		return false
	}
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case ConfigError:
		return "configuration error"
	case ChannelError:
		return "channel error (recoverable)"
	case StateError:
		return "state database error"
	case ServiceError:
		return "service management error"
	case Cancelled:
		return "cancelled (recoverable)"
	case PermissionError:
		return "permission error"
	case IOError:
		return "I/O error (recoverable)"
	default:
		return "unknown error"
	}
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
