// Package pan provides an HTTP client for the 123pan web API: upload
// negotiation, presigned part credentials, raw part PUTs and upload
// completion, plus passport login.
package pan

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for response classification.
// Use errors.Is(err, pan.ErrUnauthorized) to check.
var (
	ErrBadRequest   = errors.New("pan: bad request")
	ErrUnauthorized = errors.New("pan: unauthorized")
	ErrForbidden    = errors.New("pan: forbidden")
	ErrNotFound     = errors.New("pan: not found")
	ErrConflict     = errors.New("pan: conflict")
	ErrThrottled    = errors.New("pan: throttled")
	ErrServerError  = errors.New("pan: server error")
	ErrRejected     = errors.New("pan: request rejected")
)

// ErrNotLoggedIn is returned by token sources that have neither a stored
// token nor credentials to obtain one.
var ErrNotLoggedIn = errors.New("pan: not logged in")

// Envelope codes the service uses for success. Some endpoints answer 0,
// others echo the HTTP status.
const (
	codeOK     = 0
	codeHTTPOK = 200
)

// codeUnauthorized is the envelope code for an expired or invalid token.
const codeUnauthorized = 401

// codeFileExists is returned by upload_request when duplicate=ask and the
// destination already holds a file of that name.
const codeFileExists = 5060

// APIError wraps a sentinel error with the HTTP status, the envelope code and
// the service's message.
type APIError struct {
	HTTPStatus int
	Code       int
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.HTTPStatus != 0 && e.HTTPStatus != http.StatusOK {
		return fmt.Sprintf("pan: HTTP %d (code %d): %s", e.HTTPStatus, e.Code, e.Message)
	}

	return fmt.Sprintf("pan: code %d: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// isSuccessCode reports whether an envelope code is in the accepted set.
func isSuccessCode(code int) bool {
	return code == codeOK || code == codeHTTPOK
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		if code >= http.StatusMultipleChoices {
			return ErrRejected
		}

		return nil
	}
}

// classifyCode maps a non-success envelope code to a sentinel error.
func classifyCode(code int) error {
	switch code {
	case codeUnauthorized:
		return ErrUnauthorized
	case codeFileExists:
		return ErrConflict
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		return ErrRejected
	}
}
