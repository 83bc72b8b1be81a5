package api

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTransport covers timeouts, DNS failures, refused or reset connections.
	ErrTransport = errors.New("transport error")
	// ErrUnauthorized is returned when a request is still rejected after re-authentication.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means the account has been deactivated.
	ErrForbidden = errors.New("forbidden")
	// ErrServer is any 5xx response.
	ErrServer = errors.New("server error")
	// ErrClient is any other 4xx response.
	ErrClient = errors.New("client error")
)

// StatusError carries the HTTP status of a rejected request. It unwraps to
// the matching sentinel above.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: collector responded %d %s", e.Endpoint, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s: collector responded %d %s: %s", e.Endpoint, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case e.StatusCode == http.StatusForbidden:
		return ErrForbidden
	case e.StatusCode >= 500:
		return ErrServer
	default:
		return ErrClient
	}
}
