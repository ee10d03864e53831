package service

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized covers every credential failure. Callers must not be
	// able to tell which check failed.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrReuseDetected is returned after a replayed refresh token caused
	// every session of the user to be revoked.
	ErrReuseDetected = errors.New("refresh token reuse detected")
	ErrUserNotFound  = errors.New("user not found")
	ErrInternal      = errors.New("internal error")
)

// ValidationError carries a message that is safe to show to the client.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func internalErr(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrInternal, err))
}
