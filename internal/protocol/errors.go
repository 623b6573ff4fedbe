package protocol

import "fmt"

// Code is a short stable error code surfaced to clients. No stack traces
// or internal detail ever cross the wire; clients key retry behavior off
// these codes.
type Code string

const (
	CodeAuthInvalid        Code = "AUTH_INVALID"
	CodeBanned             Code = "BANNED"
	CodeValidation         Code = "VALIDATION"
	CodeAlreadyQueued      Code = "ALREADY_QUEUED"
	CodeNotInQueue         Code = "NOT_IN_QUEUE"
	CodeAlreadyInSession   Code = "ALREADY_IN_SESSION"
	CodeNotInSession       Code = "NOT_IN_SESSION"
	CodePartnerUnavailable Code = "PARTNER_UNAVAILABLE"
	CodeStoreUnavailable   Code = "STORE_UNAVAILABLE"
	CodeOverloaded         Code = "OVERLOADED"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeInternal           Code = "INTERNAL"
)

// Error is the typed failure returned by core operations and rendered to
// the offending client as an `error` (or subsystem-specific) event.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errf builds a typed error with a formatted human message.
func Errf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the protocol code from err, defaulting to INTERNAL for
// untyped failures.
func CodeOf(err error) Code {
	if pe, ok := err.(*Error); ok {
		return pe.Code
	}
	return CodeInternal
}

// Transient reports whether the client should simply retry.
func Transient(err error) bool {
	switch CodeOf(err) {
	case CodeStoreUnavailable, CodeOverloaded, CodeRateLimited:
		return true
	}
	return false
}
