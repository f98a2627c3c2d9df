package backend

import (
	"fmt"

	"github.com/pkg/errors"
)

// AuthenticationError means the credentials were refused. The user can retry.
type AuthenticationError struct {
	Status  int
	Message string // As sent by the backend
}

func (e *AuthenticationError) Error() string {
	return e.Message
}

// SessionExpiredError means the refresh token (or the session behind it) is no longer
// accepted. It is terminal: the session must end.
type SessionExpiredError struct {
	Status  int
	Message string
}

func (e *SessionExpiredError) Error() string {
	return e.Message
}

// NetworkError is a transient failure: unreachable backend, timeout or 5xx. The same
// operation may be retried.
type NetworkError struct {
	Op     string
	Status int // Zero when no response was received
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: backend returned %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// PermissionError is a 403. The session is fine; only this action was denied.
type PermissionError struct {
	Message string
}

func (e *PermissionError) Error() string {
	return e.Message
}

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// IsSessionExpired reports whether err ends the session.
func IsSessionExpired(err error) bool {
	var expired *SessionExpiredError
	return errors.As(err, &expired)
}
