package app

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the transfer lifecycle. Callers match with errors.Is.
var (
	ErrValidation     = errors.New("validation error")
	ErrNotFound       = errors.New("transfer not found")
	ErrUnauthorized   = errors.New("caller does not own this transfer")
	ErrAlreadySettled = errors.New("transfer already settled")
	ErrExpired        = errors.New("transfer has expired")
	ErrNotYetExpired  = errors.New("transfer has not expired yet")
	ErrLedger         = errors.New("ledger operation failed")
)

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func ledgerError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrLedger, op, err)
}

// explicitRejecter is implemented by ledger errors that know whether the
// ledger refused the operation outright.
type explicitRejecter interface {
	IsExplicitRejection() bool
}

// isExplicitRejection reports whether err proves no funds moved. Anything
// else (timeouts, transport failures, unknown errors) is treated as ambiguous.
func isExplicitRejection(err error) bool {
	var rejecter explicitRejecter
	return errors.As(err, &rejecter) && rejecter.IsExplicitRejection()
}
