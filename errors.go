package relay

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies every error the SDK returns.
type ErrorKind string

const (
	KindAuth          ErrorKind = "auth"
	KindNetwork       ErrorKind = "network"
	KindValidation    ErrorKind = "validation"
	KindPermission    ErrorKind = "permission"
	KindNotFound      ErrorKind = "not_found"
	KindStateConflict ErrorKind = "state_conflict"
	KindNotConnected  ErrorKind = "not_connected"
	KindClosed        ErrorKind = "closed"
)

// Error is the structured error type. errors.Is matches on Kind, so callers
// test with the sentinels below:
//
//	if errors.Is(err, relay.ErrPermission) { ... }
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrAuth          = &Error{Kind: KindAuth, Message: "credentials rejected"}
	ErrNetwork       = &Error{Kind: KindNetwork, Message: "transport unavailable"}
	ErrValidation    = &Error{Kind: KindValidation, Message: "invalid event"}
	ErrPermission    = &Error{Kind: KindPermission, Message: "permission denied"}
	ErrNotFound      = &Error{Kind: KindNotFound, Message: "not found"}
	ErrStateConflict = &Error{Kind: KindStateConflict, Message: "no local record"}
	ErrNotConnected  = &Error{Kind: KindNotConnected, Message: "not connected"}
	ErrClosed        = &Error{Kind: KindClosed, Message: "client closed"}
)

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// APIError is the error body returned by the REST API and by the realtime
// handshake.
type APIError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"StatusCode"`
	MoreInfo   string `json:"more_info,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d (status %d): %s", e.Code, e.StatusCode, e.Message)
}

// Kind maps the HTTP status to an ErrorKind.
func (e *APIError) Kind() ErrorKind {
	// Token errors carry these codes whatever the status.
	if e.Code == 40 || e.Code == 41 || e.Code == 43 {
		return KindAuth
	}
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return KindAuth
	case http.StatusForbidden:
		return KindPermission
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusBadRequest:
		return KindValidation
	}
	return KindNetwork
}

// AsAPIError extracts the server error body from err, if any.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
