package services

import (
	"errors"
	"fmt"

	"github.com/Tamnud-ghule/KUINBEE/internal/store"
)

// Error kinds returned by the service layer. Handlers map each kind to a
// status code; the wrapped cause is only ever logged.
var (
	ErrNotFound          = errors.New("not found")
	ErrNotAuthorized     = errors.New("not authorized")
	ErrConflict          = errors.New("conflict")
	ErrEncryption        = errors.New("encryption failed")
	ErrStorage           = errors.New("storage unavailable")
	ErrInvalidAmount     = errors.New("amount does not match dataset price")
	ErrInvalidTransition = errors.New("invalid purchase status transition")
	ErrInvalidInput      = errors.New("invalid input")
)

// translate maps repository errors onto the service taxonomy. Anything the
// store does not classify is treated as a storage failure.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrConflict):
		return ErrConflict
	case errors.Is(err, store.ErrInvalidTransition):
		return ErrInvalidTransition
	case isKind(err):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
}

func isKind(err error) bool {
	for _, kind := range []error{
		ErrNotFound, ErrNotAuthorized, ErrConflict, ErrEncryption,
		ErrStorage, ErrInvalidAmount, ErrInvalidTransition, ErrInvalidInput,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

func invalidInput(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, msg)
}
