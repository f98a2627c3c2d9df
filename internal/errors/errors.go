package errors

import (
	"github.com/pkg/errors"
)

// Common error values shared by the session components
var (
	// Session record errors
	ErrNoSession      = errors.New("no session")
	ErrCorruptRecord  = errors.New("corrupt session record")
	ErrIncompleteData = errors.New("incomplete session data")

	// Store errors
	ErrStoreUnavailable = errors.New("store unavailable")

	// Broadcast errors
	ErrInvalidEvent = errors.New("invalid event")

	// Transform errors
	ErrInvalidKey = errors.New("invalid key")
)
