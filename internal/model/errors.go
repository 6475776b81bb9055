package model

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of failure classifications used across the
// pipeline. Retry decisions and HTTP status mapping key off these, never off
// error strings.
type ErrorKind string

const (
	KindInvalidJSON       ErrorKind = "invalid_json"
	KindSchemaValidation  ErrorKind = "schema_validation"
	KindModelError        ErrorKind = "model_error"
	KindRateLimited       ErrorKind = "rate_limited"
	KindTimeout           ErrorKind = "timeout"
	KindMissingContext    ErrorKind = "missing_context"
	KindNotFound          ErrorKind = "not_found"
	KindWrongType         ErrorKind = "wrong_type"
	KindOverwriteBlocked  ErrorKind = "overwrite_blocked"
	KindInvalidTransition ErrorKind = "invalid_transition"
	KindConfiguration     ErrorKind = "configuration_error"
	KindUnknown           ErrorKind = "unknown"
)

// KindError pairs an ErrorKind with a message. Use E to construct and
// KindOf to classify.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error { return e.Err }

// E wraps err with a kind. A nil err yields a bare kind error.
func E(kind ErrorKind, format string, args ...any) error {
	return &KindError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to an existing error, preserving the chain.
func Wrap(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// KindOf extracts the ErrorKind from an error chain, or KindUnknown.
func KindOf(err error) ErrorKind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
