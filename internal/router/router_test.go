package router

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rakunlabs/gatekeep/internal/apierr"
)

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	if got := truncate("123456789012", 5); got != "12345..." {
		t.Errorf("truncate(long) = %q", got)
	}
}

func buildResponse(status int, body string, header map[string]string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	for k, v := range header {
		rec.Header().Set(k, v)
	}
	rec.WriteHeader(status)
	rec.Body.WriteString(body)
	return rec
}

func TestEnrichUpstreamErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		want   apierr.Code
	}{
		{429, apierr.CodeUpstreamRejected},
		{503, apierr.CodeModelUnavailable},
		{404, apierr.CodeModelUnavailable},
		{500, apierr.CodeUpstreamError},
		{400, apierr.CodeUpstreamRejected},
	}

	for _, c := range cases {
		rec := buildResponse(c.status, `{"error":"boom"}`, map[string]string{"X-Request-Id": "req-1"})
		resp := rec.Result()

		err := enrichUpstreamError(resp)

		var apiErr *apierr.Error
		if !errors.As(err, &apiErr) {
			t.Fatalf("status %d: not an apierr.Error: %v", c.status, err)
		}
		if apiErr.Code != c.want {
			t.Errorf("status %d: code = %s, want %s", c.status, apiErr.Code, c.want)
		}
		if !strings.Contains(apiErr.Message, "req-1") {
			t.Errorf("status %d: message missing requestId: %s", c.status, apiErr.Message)
		}
	}
}

func TestIsStatusRetryable(t *testing.T) {
	if !isStatusRetryable(apierr.NewUpstreamError(nil, "boom")) {
		t.Error("upstream error should be retryable")
	}
	if !isStatusRetryable(apierr.NewModelUnavailable("boom")) {
		t.Error("model unavailable should be retryable")
	}
	if isStatusRetryable(apierr.NewUpstreamRejected("boom")) {
		t.Error("upstream rejected (4xx) should not be retryable")
	}
	if isStatusRetryable(nil) {
		t.Error("nil error should not be retryable")
	}
}

func TestIsTransportRetryable(t *testing.T) {
	if isTransportRetryable(nil) {
		t.Error("nil should not be retryable")
	}
	if !isTransportRetryable(errors.New("connection refused")) {
		t.Error("non-nil transport error should be retryable")
	}
}
