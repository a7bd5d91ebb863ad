package exitcodes

import (
	"errors"
	"fmt"
	"os"
	"testing"
)

func TestFromError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, Success},
		{"explicit exit error", NewExitError(errors.New("boom"), StateError), StateError},
		{"wrapped exit error", fmt.Errorf("outer: %w", NewExitError(errors.New("boom"), PermissionError)), PermissionError},
		{"os permission", os.ErrPermission, PermissionError},
		{"permission text", errors.New("install requires administrative privilege (run as root)"), PermissionError},
		{"config parse", errors.New("parsing config: yaml: line 3: mapping values"), ConfigError},
		{"invalid config", errors.New("invalid configuration: endpoint_template must contain the {hostname} placeholder"), ConfigError},
		{"socket listen", errors.New("listening on endpoint /run/migrationd.sock: address already in use"), ChannelError},
		{"dial refused", errors.New("dial unix /run/x.sock: connection refused"), ChannelError},
		{"cancelled", errors.New("context canceled"), Cancelled},
		{"schema migration", errors.New("applying schema migrations: sqlite: constraint failed"), StateError},
		{"unclassified", errors.New("something odd"), ServiceError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FromError(tt.err); got != tt.want {
				t.Errorf("FromError(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestExitError_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	wrapped := NewExitError(fmt.Errorf("outer: %w", inner), IOError)
	if !errors.Is(wrapped, inner) {
		t.Error("ExitError does not unwrap to the cause")
	}
	if wrapped.Error() != "outer: inner" {
		t.Errorf("Error() = %q", wrapped.Error())
	}
}

func TestIsRecoverable(t *testing.T) {
	recoverable := []int{ChannelError, Cancelled, IOError}
	for _, code := range recoverable {
		if !IsRecoverable(code) {
			t.Errorf("code %d should be recoverable", code)
		}
	}
	fatal := []int{Success, ConfigError, StateError, ServiceError, PermissionError}
	for _, code := range fatal {
		if IsRecoverable(code) {
			t.Errorf("code %d should not be recoverable", code)
		}
	}
}

func TestDescription(t *testing.T) {
	for code := Success; code <= IOError; code++ {
		if Description(code) == "unknown error" {
			t.Errorf("code %d has no description", code)
		}
	}
	if Description(99) != "unknown error" {
		t.Errorf("Description(99) = %q", Description(99))
	}
}
