// Package respond provides the structured error taxonomy used across the
// fragment composition server and the pure HTTP-status/body projection from
// that taxonomy for the request handler's head-write path.
package respond

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is one of the error kinds enumerated in the fragment server's
// error-handling design: where it originates and what effect it has on the
// response is fixed by which Code an Error carries.
type Code string

const (
	// CodeTemplateNotFound means fetchTemplate could not locate the page
	// template. Effect: 404, optional presentable body.
	CodeTemplateNotFound Code = "TEMPLATE_NOT_FOUND"
	// CodeTemplateFetchError means fetchTemplate failed for any other
	// reason. Effect: 500, optional presentable body.
	CodeTemplateFetchError Code = "TEMPLATE_FETCH_ERROR"
	// CodeContextError means fetchContext failed. Effect: logged, request
	// proceeds with an empty context.
	CodeContextError Code = "CONTEXT_ERROR"
	// CodeFragmentTimeout means a fragment exceeded its timeout. Effect:
	// fallback attempted if configured, else the fragment errors.
	CodeFragmentTimeout Code = "FRAGMENT_TIMEOUT"
	// CodeFragmentUpstreamError means a fragment's upstream call failed or
	// returned non-2xx. Effect: fallback
	// attempted if configured, else the fragment errors.
	CodeFragmentUpstreamError Code = "FRAGMENT_UPSTREAM_ERROR"
	// CodePrimaryFragmentError means the primary fragment itself errored.
	// Effect: 500 head, response ended.
	CodePrimaryFragmentError Code = "PRIMARY_FRAGMENT_ERROR"
	// CodeDownstreamWriteError means writing to the response socket failed.
	// Effect: in-flight fragment fetches are cancelled.
	CodeDownstreamWriteError Code = "DOWNSTREAM_WRITE_ERROR"
)

// Error is the structured error carried through the composition pipeline:
// a taxonomy code, a human message, the HTTP status it maps to, whether a
// caller may retry, an optional body to present verbatim to the client, and
// an optional wrapped cause.
type Error struct {
	Code        Code   `json:"code"`
	Message     string `json:"message"`
	HTTPStatus  int    `json:"http_status,omitempty"`
	Retryable   bool   `json:"retryable"`
	Presentable string `json:"-"`
	Cause       error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, supporting errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same Code, so that
// errors.Is(err, respond.New(respond.CodeTemplateNotFound, "")) can be used
// as a taxonomy check without comparing messages.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: StatusFor(code)}
}

// WithCause attaches a wrapped cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus overrides the status derived from the error's Code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error retryable or not.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithPresentable attaches a body to show the client verbatim in place of
// the usual empty error body.
func (e *Error) WithPresentable(body string) *Error {
	e.Presentable = body
	return e
}

// StatusFor is the pure projection from a taxonomy Code to an HTTP status,
// used by the request handler when no Error carries an explicit override.
func StatusFor(code Code) int {
	switch code {
	case CodeTemplateNotFound:
		return http.StatusNotFound
	case CodeTemplateFetchError:
		return http.StatusInternalServerError
	case CodeContextError:
		// Context errors never reach the handler's response path; they are
		// swallowed at the fetch site. Listed for completeness only.
		return http.StatusOK
	case CodeFragmentTimeout, CodeFragmentUpstreamError:
		return http.StatusInternalServerError
	case CodePrimaryFragmentError:
		return http.StatusInternalServerError
	case CodeDownstreamWriteError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// CodeOf extracts the taxonomy Code from err, or "" if err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether err is an *Error marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
