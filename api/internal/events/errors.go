package events

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrMalformedRecord  = errors.New("malformed event record")
	ErrProfileMissing   = errors.New("profile missing during apply")
)

const (
	CodeAlreadyRegistered  = "ALREADY_REGISTERED"
	CodeNotRegistered      = "NOT_REGISTERED"
	CodeSelfTarget         = "SELF_TARGET"
	CodeInvalidAmount      = "INVALID_AMOUNT"
	CodeAlreadyJailed      = "ALREADY_JAILED"
	CodeNotJailed          = "NOT_JAILED"
	CodeInvalidLevel       = "INVALID_LEVEL"
	CodeInsufficientCredit = "INSUFFICIENT_CREDIT"
	CodeNotAuthorized      = "NOT_AUTHORIZED"
)

// ValidationError is a domain rejection. Its message is shown to the caller
// verbatim.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func reject(code string, format string, args ...any) error {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// AsValidation returns the rejection carried by err, if any.
func AsValidation(err error) (*ValidationError, bool) {
	var v *ValidationError
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}
