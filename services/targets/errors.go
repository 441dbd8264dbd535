package targets

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no snapshot exists for a target id.
	ErrNotFound = errors.New("target not found")
	// ErrAlreadyRegistered is wrapped by the TargetError Register returns for
	// a hostname that already has a snapshot.
	ErrAlreadyRegistered = errors.New("target already registered")
	// ErrInvalidRegistration rejects a registration without a hostname.
	ErrInvalidRegistration = errors.New("invalid registration")
)

// TargetError reports a failed mutation precondition on one target, such as
// an unknown interface or a duplicate user.
type TargetError struct {
	Hostname string
	Message  string
	Err      error
}

func (e *TargetError) Error() string {
	return fmt.Sprintf("target %s: %s", e.Hostname, e.Message)
}

func (e *TargetError) Unwrap() error { return e.Err }

func failf(hostname string, format string, args ...any) *TargetError {
	return &TargetError{Hostname: hostname, Message: fmt.Sprintf(format, args...)}
}
