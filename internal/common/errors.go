package common

import "errors"

// Error kinds surfaced to callers. Each maps to a distinct HTTP outcome;
// flows react differently to each (resend vs reject vs conflict), so they
// are never coalesced.
var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicateIdentifier = errors.New("identifier already claimed")
	ErrInvalidChannel      = errors.New("unknown login channel")
	ErrInvalidFilter       = errors.New("invalid filter expression")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrSuperExists         = errors.New("super user already registered")

	ErrOTPNotFound = errors.New("no passcode issued")
	ErrOTPMismatch = errors.New("passcode mismatch")
	ErrOTPExpired  = errors.New("passcode expired")
	ErrOTPConsumed = errors.New("passcode already used")
)

// ValidationError reports a caller-correctable request problem. Code is a
// short machine-readable token suitable for the wire.
type ValidationError struct {
	Code string
}

func (e *ValidationError) Error() string { return e.Code }

func NewValidation(code string) error { return &ValidationError{Code: code} }

// AsValidation unwraps err into a *ValidationError if it is one.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
