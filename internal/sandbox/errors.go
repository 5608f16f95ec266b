package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrSetup          = errors.New("sandbox setup failed")
	ErrSymlinkEscape  = errors.New("symlink points outside the source tree")
	ErrTimeout        = errors.New("execution deadline exceeded")
	ErrStart          = errors.New("command failed to start")
	ErrInvalidRequest = errors.New("invalid run request")
)

// RunError wraps errors with run context.
type RunError struct {
	RunID string
	Op    string // The operation that failed
	Err   error
}

func (e *RunError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("run %s: %s: %s", e.RunID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error is a deadline expiry.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsSetup returns true if the sandbox could not even be materialized,
// as opposed to the command failing once started. Symlink escapes are a
// setup failure too.
func IsSetup(err error) bool {
	return errors.Is(err, ErrSetup) || errors.Is(err, ErrSymlinkEscape)
}
