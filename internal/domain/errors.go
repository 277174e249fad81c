package domain

import (
	"errors"
	"fmt"
)

// TransportError is a network or server-side failure. It is the only class
// the completion client retries.
type TransportError struct {
	StatusCode int // 0 when the request never got a response
	Attempts   int // attempts made before giving up, set by the retry loop
	Err        error
}

func (e *TransportError) Error() string {
	msg := "transport error"
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("transport error: HTTP %d", e.StatusCode)
	}
	if e.Attempts > 1 {
		msg = fmt.Sprintf("%s after %d attempts", msg, e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError means the credential is missing or was rejected.
type AuthError struct {
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("auth error: HTTP %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("auth error: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// MalformedResponseError means the reply could not be read as a completion.
type MalformedResponseError struct {
	StatusCode int
	Err        error
}

func (e *MalformedResponseError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("malformed response: HTTP %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("malformed response: %v", e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// FetchError is a page retrieval failure.
type FetchError struct {
	URI string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URI, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ErrMissingCredential is wrapped in an AuthError when no API key is configured.
var ErrMissingCredential = errors.New("no API credential configured")

// IsRetryable reports whether err is a TransportError.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ErrorClass names the taxonomy bucket of err, for logs and metrics labels.
func ErrorClass(err error) string {
	var (
		te *TransportError
		ae *AuthError
		me *MalformedResponseError
		fe *FetchError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &te):
		return "transport"
	case errors.As(err, &ae):
		return "auth"
	case errors.As(err, &me):
		return "malformed"
	case errors.As(err, &fe):
		return "fetch"
	default:
		return "other"
	}
}
