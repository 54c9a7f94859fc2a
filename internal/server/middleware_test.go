package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/rakunlabs/gatekeep/internal/apierr"
)

func TestWriteAPIErrorUnwrapsWrappedAPIErr(t *testing.T) {
	wrapped := fmt.Errorf("resolve failed: %w", apierr.NewTokenExpired("session expired"))

	rec := httptest.NewRecorder()
	writeAPIError(rec, wrapped)

	if rec.Code != 401 {
		t.Fatalf("status = %d, want 401 for a wrapped TOKEN_EXPIRED error", rec.Code)
	}

	var env apierr.Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Code != apierr.CodeTokenExpired {
		t.Errorf("envelope code = %q, want %q", env.Code, apierr.CodeTokenExpired)
	}
}

func TestWriteAPIErrorFallsBackToInternalForPlainErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	writeAPIError(rec, errors.New("some unexpected failure"))

	if rec.Code != 500 {
		t.Fatalf("status = %d, want 500 for a non-apierr error", rec.Code)
	}

	var env apierr.Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Code != apierr.CodeInternal {
		t.Errorf("envelope code = %q, want %q", env.Code, apierr.CodeInternal)
	}
}

func TestSuggestionsForKnownCodes(t *testing.T) {
	cases := map[apierr.Code]bool{
		apierr.CodeTokenInvalid:      true,
		apierr.CodeAccountBanned:     true,
		apierr.CodeRateLimitExceeded: true,
		apierr.CodeAttachmentInvalid: true,
		apierr.CodeInternal:          false,
	}
	for code, wantNonEmpty := range cases {
		got := suggestionsFor(code)
		if wantNonEmpty && len(got) == 0 {
			t.Errorf("suggestionsFor(%s) = empty, want non-empty", code)
		}
		if !wantNonEmpty && len(got) != 0 {
			t.Errorf("suggestionsFor(%s) = %v, want empty", code, got)
		}
	}
}

func TestAnonymousSubjectPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.2")

	got := anonymousSubject(r)
	if len(got) == 0 || got[:3] != "ip:" {
		t.Fatalf("anonymousSubject = %q, want ip: prefix", got)
	}

	// Same forwarded IP must hash to the same subject every time.
	got2 := anonymousSubject(r)
	if got != got2 {
		t.Errorf("anonymousSubject is not deterministic: %q != %q", got, got2)
	}

	// The forwarded IP, not RemoteAddr, decides the subject: a direct
	// request from 203.0.113.9 lands in the same bucket.
	direct := httptest.NewRequest("GET", "/", nil)
	direct.RemoteAddr = "203.0.113.9:5555"
	if got3 := anonymousSubject(direct); got3 != got {
		t.Errorf("forwarded subject %q != subject of the forwarded IP %q", got, got3)
	}
}

func TestAnonymousSubjectDiffersByIP(t *testing.T) {
	r1 := httptest.NewRequest("GET", "/", nil)
	r1.RemoteAddr = "10.0.0.1:1234"

	r2 := httptest.NewRequest("GET", "/", nil)
	r2.RemoteAddr = "10.0.0.2:1234"

	if anonymousSubject(r1) == anonymousSubject(r2) {
		t.Error("distinct client IPs should not collide")
	}
}
