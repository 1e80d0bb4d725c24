package auth

import (
	"errors"
	"fmt"
)

// ErrUnauthorized indicates authentication failed or no valid credentials
// were supplied. Every *Error unwraps to it, so transports can treat all
// validation failures uniformly with errors.Is.
var ErrUnauthorized = errors.New("unauthorized")

// ErrorCode identifies which validation step rejected a token. Codes are for
// logging and tests only; they must never reach an HTTP response body or
// challenge header.
type ErrorCode string

const (
	// CodeMalformedToken means the token could not be parsed as a compact JWS.
	CodeMalformedToken ErrorCode = "malformed_token"
	// CodeUnknownKey means the token's kid is not present in the cached key set.
	CodeUnknownKey ErrorCode = "unknown_key"
	// CodeAlgorithmMismatch means the token's alg header does not match the
	// resolved key's algorithm.
	CodeAlgorithmMismatch ErrorCode = "algorithm_mismatch"
	// CodeBadSignature means signature verification failed.
	CodeBadSignature ErrorCode = "bad_signature"
	// CodeExpired means the token is past its expiry (with leeway applied).
	CodeExpired ErrorCode = "expired"
	// CodeAudienceMismatch means the token's aud claim does not include the
	// expected audience.
	CodeAudienceMismatch ErrorCode = "audience_mismatch"
)

// Error is a typed validation failure. It records the failing step and the
// underlying cause for diagnostics while collapsing to ErrUnauthorized for
// response mapping.
type Error struct {
	Code  ErrorCode
	cause error
}

func newError(code ErrorCode, cause error) *Error {
	return &Error{Code: code, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("auth: %s: %v", e.Code, e.cause)
	}
	return fmt.Sprintf("auth: %s", e.Code)
}

// Unwrap exposes both ErrUnauthorized and the underlying cause, so
// errors.Is(err, ErrUnauthorized) and cause inspection both work.
func (e *Error) Unwrap() []error {
	if e.cause != nil {
		return []error{ErrUnauthorized, e.cause}
	}
	return []error{ErrUnauthorized}
}
