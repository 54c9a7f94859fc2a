package authctx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rakunlabs/gatekeep/internal/apierr"
	"github.com/rakunlabs/gatekeep/internal/snapshot"
)

type fakeVerifier struct {
	userID string
	err    error
	got    string
}

func (f *fakeVerifier) Verify(_ context.Context, credential string) (string, error) {
	f.got = credential
	return f.userID, f.err
}

type fakeSnapStore struct {
	snap *snapshot.Snapshot
}

func (f *fakeSnapStore) LoadSnapshot(_ context.Context, userID string) (*snapshot.Snapshot, error) {
	s := *f.snap
	s.UserID = userID
	return &s, nil
}

func newTestResolver(verifier IdentityVerifier, tier snapshot.Tier) *Resolver {
	store := &fakeSnapStore{snap: &snapshot.Snapshot{Tier: tier, UpdatedAt: time.Now()}}
	cache := snapshot.New(nil, store, 0)
	return NewResolver(verifier, cache, "session",
		func() bool { return false },
		func(t snapshot.Tier) bool { return t == snapshot.TierEnterprise },
		func() bool { return false },
	)
}

func TestResolvePublicNoCredentials(t *testing.T) {
	res := newTestResolver(&fakeVerifier{}, snapshot.TierFree)
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	authCtx, err := res.Resolve(context.Background(), r, Public)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if authCtx.IsAuthenticated {
		t.Error("expected unauthenticated context")
	}
	if authCtx.Tier != snapshot.TierAnonymous {
		t.Errorf("tier = %s, want anonymous", authCtx.Tier)
	}
}

func TestResolveProtectedNoCredentials(t *testing.T) {
	res := newTestResolver(&fakeVerifier{}, snapshot.TierFree)
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	_, err := res.Resolve(context.Background(), r, Protected)
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Code != apierr.CodeAuthRequired {
		t.Fatalf("expected AUTH_REQUIRED, got %v", err)
	}
}

func TestResolveProtectedValidBearer(t *testing.T) {
	res := newTestResolver(&fakeVerifier{userID: "user-1"}, snapshot.TierPro)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer good-token")

	authCtx, err := res.Resolve(context.Background(), r, Protected)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !authCtx.IsAuthenticated || authCtx.User.ID != "user-1" {
		t.Errorf("unexpected auth context: %+v", authCtx)
	}
	if authCtx.Tier != snapshot.TierPro {
		t.Errorf("tier = %s, want pro", authCtx.Tier)
	}
	if !authCtx.Features.CanUseAttachments {
		t.Error("pro tier should allow attachments")
	}
}

func TestResolveProtectedInvalidToken(t *testing.T) {
	res := newTestResolver(&fakeVerifier{err: errors.New("expired")}, snapshot.TierFree)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer bad-token")

	_, err := res.Resolve(context.Background(), r, Protected)
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Code != apierr.CodeTokenInvalid {
		t.Fatalf("expected TOKEN_INVALID, got %v", err)
	}
}

func TestResolveEnhancedDegradesOnInvalidToken(t *testing.T) {
	res := newTestResolver(&fakeVerifier{err: errors.New("expired")}, snapshot.TierFree)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer bad-token")

	authCtx, err := res.Resolve(context.Background(), r, Enhanced)
	if err != nil {
		t.Fatalf("enhanced should never fail on invalid token, got: %v", err)
	}
	if authCtx.IsAuthenticated {
		t.Error("expected degraded anonymous context")
	}
}

func TestResolveCookiePrecedesBearer(t *testing.T) {
	v := &fakeVerifier{userID: "user-1"}
	res := newTestResolver(v, snapshot.TierFree)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: "session", Value: "cookie-cred"})
	r.Header.Set("Authorization", "Bearer bearer-cred")

	authCtx, err := res.Resolve(context.Background(), r, Protected)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !authCtx.IsAuthenticated {
		t.Fatal("expected authenticated context")
	}
	if v.got != "cookie-cred" {
		t.Errorf("verified credential = %q, want the cookie value", v.got)
	}
}

func TestResolveEnterpriseReasoningDefaultOn(t *testing.T) {
	res := newTestResolver(&fakeVerifier{userID: "user-1"}, snapshot.TierEnterprise)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer good-token")

	authCtx, err := res.Resolve(context.Background(), r, Protected)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !authCtx.ReasoningEnabled {
		t.Error("expected reasoning enabled by default for enterprise")
	}
}

func TestBuildFlagsAllTiers(t *testing.T) {
	tiers := []snapshot.Tier{snapshot.TierAnonymous, snapshot.TierFree, snapshot.TierPro, snapshot.TierEnterprise}
	for _, tier := range tiers {
		flags := BuildFlags(tier)
		if flags.MaxRequestsPerHour <= 0 {
			t.Errorf("tier %s: MaxRequestsPerHour should be positive", tier)
		}
	}

	if BuildFlags(snapshot.TierAnonymous).MaxAttachmentsPerMsg != 0 {
		t.Error("anonymous should not be allowed attachments")
	}
	if BuildFlags(snapshot.TierEnterprise).MaxRequestsPerHour != 2000 {
		t.Error("enterprise should allow 2000 req/hour")
	}
}
