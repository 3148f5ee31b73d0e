package service

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/noah-isme/threadline/pkg/keyring"
)

var (
	// ErrNotFound covers missing threads and messages as well as threads the caller cannot see.
	ErrNotFound = errors.New("not found")
	// ErrForbidden signals a known caller lacking the role or relationship for an action.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidState signals an operation that does not apply to the current state.
	ErrInvalidState = errors.New("invalid state")
	// ErrValidation signals malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrEncryptionUnavailable signals ciphertext sealed with a key the ring no longer holds.
	ErrEncryptionUnavailable = errors.New("encryption key unavailable")
	// ErrTransientIO signals a storage or broker failure worth retrying.
	ErrTransientIO = errors.New("transient storage failure")
)

// Denial explains why an operation was refused. It unwraps to one of the sentinel errors above.
type Denial struct {
	Reason string
	Kind   error
}

func (d *Denial) Error() string {
	return d.Reason
}

func (d *Denial) Unwrap() error {
	return d.Kind
}

func deny(kind error, format string, args ...interface{}) error {
	return &Denial{Reason: fmt.Sprintf(format, args...), Kind: kind}
}

func notFound(format string, args ...interface{}) error {
	return deny(ErrNotFound, format, args...)
}

func forbidden(format string, args ...interface{}) error {
	return deny(ErrForbidden, format, args...)
}

func invalidState(format string, args ...interface{}) error {
	return deny(ErrInvalidState, format, args...)
}

func invalid(format string, args ...interface{}) error {
	return deny(ErrValidation, format, args...)
}

// classify maps storage and crypto errors onto the service taxonomy.
func classify(err error, what string) error {
	if err == nil {
		return nil
	}
	var denial *Denial
	switch {
	case errors.As(err, &denial):
		return err
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrForbidden), errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrValidation), errors.Is(err, ErrEncryptionUnavailable), errors.Is(err, ErrTransientIO):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return notFound("%s not found", what)
	case errors.Is(err, keyring.ErrKeyUnavailable), errors.Is(err, keyring.ErrNoKeys):
		return fmt.Errorf("%w: %v", ErrEncryptionUnavailable, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrTransientIO, err)
	}
}

// retryRead runs a read once more when the first attempt failed transiently.
func retryRead[T any](ctx context.Context, what string, fn func() (T, error)) (T, error) {
	result, err := fn()
	if err == nil {
		return result, nil
	}
	err = classify(err, what)
	if !errors.Is(err, ErrTransientIO) || ctx.Err() != nil {
		return result, err
	}
	result, err = fn()
	return result, classify(err, what)
}

// ErrorCode names the category of a service error for clients.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrEncryptionUnavailable):
		return "encryption_unavailable"
	case errors.Is(err, ErrTransientIO):
		return "unavailable"
	default:
		return "internal"
	}
}

// ErrorReason is the message safe to show a client.
func ErrorReason(err error) string {
	var denial *Denial
	if errors.As(err, &denial) {
		return denial.Reason
	}
	switch ErrorCode(err) {
	case "encryption_unavailable":
		return "message encryption is unavailable"
	case "unavailable":
		return "service temporarily unavailable"
	case "internal":
		return "internal error"
	}
	return err.Error()
}
