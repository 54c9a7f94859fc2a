// Package apierr defines the gateway's error taxonomy: a small set of named
// codes, each mapped to exactly one HTTP status, carried through the call
// stack as a typed error and matched with errors.As rather than string
// comparison.
package apierr

import (
	"fmt"
	"net/http"
)

type Code string

const (
	CodeBadRequest          Code = "BAD_REQUEST"
	CodeTokenInvalid        Code = "TOKEN_INVALID"
	CodeTokenExpired        Code = "TOKEN_EXPIRED"
	CodeAuthRequired        Code = "AUTH_REQUIRED"
	CodeAccountBanned       Code = "ACCOUNT_BANNED"
	CodeForbidden           Code = "FORBIDDEN"
	CodeFeatureNotAvailable Code = "FEATURE_NOT_AVAILABLE"
	CodeNotFound            Code = "NOT_FOUND"
	CodeTokenLimitExceeded  Code = "TOKEN_LIMIT_EXCEEDED"
	CodeRateLimitExceeded   Code = "RATE_LIMIT_EXCEEDED"
	CodeUpstreamRejected    Code = "UPSTREAM_REJECTED"
	CodeUpstreamError       Code = "UPSTREAM_ERROR"
	CodeInternal            Code = "INTERNAL"
	CodeModelUnavailable    Code = "MODEL_UNAVAILABLE"
	CodeAttachmentInvalid   Code = "ATTACHMENT_INVALID"
	CodeAttachmentLimit     Code = "ATTACHMENT_LIMIT"
)

var statusByCode = map[Code]int{
	CodeBadRequest:          http.StatusBadRequest,
	CodeTokenInvalid:        http.StatusUnauthorized,
	CodeTokenExpired:        http.StatusUnauthorized,
	CodeAuthRequired:        http.StatusUnauthorized,
	CodeAccountBanned:       http.StatusForbidden,
	CodeForbidden:           http.StatusForbidden,
	CodeFeatureNotAvailable: http.StatusForbidden,
	CodeNotFound:            http.StatusNotFound,
	CodeTokenLimitExceeded:  http.StatusRequestEntityTooLarge,
	CodeRateLimitExceeded:   http.StatusTooManyRequests,
	CodeUpstreamRejected:    http.StatusBadGateway,
	CodeUpstreamError:       http.StatusInternalServerError,
	CodeInternal:            http.StatusInternalServerError,
	CodeModelUnavailable:    http.StatusBadGateway,
	CodeAttachmentInvalid:   http.StatusBadRequest,
	CodeAttachmentLimit:     http.StatusBadRequest,
}

// retryableCodes are codes where a client retry (possibly after backoff)
// can reasonably succeed without any change in the request.
var retryableCodes = map[Code]bool{
	CodeRateLimitExceeded: true,
	CodeUpstreamError:     true,
	CodeModelUnavailable:  true,
}

// Error is the typed error carried through the call stack for every
// request-rejecting condition. Construct with one of the New* helpers
// rather than the struct literal, so the code/message pairing stays
// consistent.
type Error struct {
	Code        Code
	Message     string
	Suggestions []string
	Wrapped     error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Status returns the HTTP status this error's code maps to, defaulting to
// 500 for an unrecognized code (should not happen for errors built via the
// New* constructors).
func (e *Error) Status() int {
	if status, ok := statusByCode[e.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Retryable reports whether a client may reasonably retry the same request.
func (e *Error) Retryable() bool {
	return retryableCodes[e.Code]
}

func newErr(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func NewBadRequest(format string, args ...any) *Error {
	return newErr(CodeBadRequest, format, args...)
}

func NewTokenInvalid(format string, args ...any) *Error {
	return newErr(CodeTokenInvalid, format, args...)
}

func NewTokenExpired(format string, args ...any) *Error {
	return newErr(CodeTokenExpired, format, args...)
}

func NewAuthRequired(format string, args ...any) *Error {
	return newErr(CodeAuthRequired, format, args...)
}

func NewAccountBanned(format string, args ...any) *Error {
	return newErr(CodeAccountBanned, format, args...)
}

func NewForbidden(format string, args ...any) *Error {
	return newErr(CodeForbidden, format, args...)
}

func NewFeatureNotAvailable(format string, args ...any) *Error {
	return newErr(CodeFeatureNotAvailable, format, args...)
}

func NewNotFound(format string, args ...any) *Error {
	return newErr(CodeNotFound, format, args...)
}

func NewTokenLimitExceeded(format string, args ...any) *Error {
	return newErr(CodeTokenLimitExceeded, format, args...)
}

func NewRateLimitExceeded(format string, args ...any) *Error {
	return newErr(CodeRateLimitExceeded, format, args...)
}

func NewUpstreamRejected(format string, args ...any) *Error {
	return newErr(CodeUpstreamRejected, format, args...)
}

func NewUpstreamError(wrapped error, format string, args ...any) *Error {
	e := newErr(CodeUpstreamError, format, args...)
	e.Wrapped = wrapped
	return e
}

func NewInternal(wrapped error, format string, args ...any) *Error {
	e := newErr(CodeInternal, format, args...)
	e.Wrapped = wrapped
	return e
}

func NewModelUnavailable(format string, args ...any) *Error {
	return newErr(CodeModelUnavailable, format, args...)
}

func NewAttachmentInvalid(format string, args ...any) *Error {
	return newErr(CodeAttachmentInvalid, format, args...)
}

func NewAttachmentLimit(format string, args ...any) *Error {
	return newErr(CodeAttachmentLimit, format, args...)
}

// Envelope is the wire shape of an error response body (§6.3).
type Envelope struct {
	Error       string   `json:"error"`
	Code        Code     `json:"code"`
	Retryable   bool     `json:"retryable"`
	Suggestions []string `json:"suggestions,omitempty"`
	Timestamp   string   `json:"timestamp"`
}
