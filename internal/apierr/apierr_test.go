package apierr

import (
	"errors"
	"net/http"
	"testing"
)

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		err    *Error
		status int
	}{
		{NewBadRequest("bad"), http.StatusBadRequest},
		{NewTokenInvalid("bad token"), http.StatusUnauthorized},
		{NewTokenExpired("expired"), http.StatusUnauthorized},
		{NewAuthRequired("need auth"), http.StatusUnauthorized},
		{NewAccountBanned("banned"), http.StatusForbidden},
		{NewForbidden("nope"), http.StatusForbidden},
		{NewFeatureNotAvailable("no feature"), http.StatusForbidden},
		{NewNotFound("missing"), http.StatusNotFound},
		{NewTokenLimitExceeded("too many tokens"), http.StatusRequestEntityTooLarge},
		{NewRateLimitExceeded("slow down"), http.StatusTooManyRequests},
		{NewUpstreamRejected("rejected"), http.StatusBadGateway},
		{NewUpstreamError(nil, "broke"), http.StatusInternalServerError},
		{NewInternal(nil, "oops"), http.StatusInternalServerError},
		{NewModelUnavailable("gone"), http.StatusBadGateway},
		{NewAttachmentInvalid("bad attachment"), http.StatusBadRequest},
		{NewAttachmentLimit("too many"), http.StatusBadRequest},
	}

	for _, tt := range tests {
		if got := tt.err.Status(); got != tt.status {
			t.Errorf("%s: Status() = %d, want %d", tt.err.Code, got, tt.status)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !NewRateLimitExceeded("x").Retryable() {
		t.Error("rate limit should be retryable")
	}
	if NewBadRequest("x").Retryable() {
		t.Error("bad request should not be retryable")
	}
}

func TestErrorsAs(t *testing.T) {
	wrapped := NewUpstreamError(errors.New("dial tcp: timeout"), "router call failed")

	var apiErr *Error
	if !errors.As(error(wrapped), &apiErr) {
		t.Fatal("errors.As should match *Error")
	}
	if apiErr.Code != CodeUpstreamError {
		t.Errorf("code = %s, want %s", apiErr.Code, CodeUpstreamError)
	}
	if !errors.Is(wrapped, wrapped.Wrapped) {
		t.Error("Unwrap should expose the wrapped error")
	}
}

func TestErrorMessage(t *testing.T) {
	err := NewBadRequest("field %q is required", "model")
	want := "BAD_REQUEST: field \"model\" is required"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
