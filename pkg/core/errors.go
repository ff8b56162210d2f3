package core

import "github.com/go-faster/errors"

// Every failure of the engine belongs to exactly one of these kinds.
// Callers are expected to match with errors.Is.
var (
	ErrValidation    = errors.New("validation error")
	ErrAuthorization = errors.New("authorization error")
	ErrStateConflict = errors.New("state conflict")
	ErrTransfer      = errors.New("transfer error")
)

func Validationf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrValidation, format, args...)
}

func Authorizationf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrAuthorization, format, args...)
}

func StateConflictf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrStateConflict, format, args...)
}

func Transferf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrTransfer, format, args...)
}
