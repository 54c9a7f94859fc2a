// Package authctx implements the auth resolver (C2) and feature-flag
// builder (C3): extracting credentials from an inbound request, validating
// them against the identity provider, and assembling the AuthContext every
// downstream component reads from.
package authctx

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/rakunlabs/gatekeep/internal/snapshot"
)

// AccessLevel is the auth requirement an endpoint declares.
type AccessLevel int

const (
	// Public endpoints never require credentials.
	Public AccessLevel = iota
	// Enhanced endpoints use credentials when present but degrade to an
	// anonymous context on validation failure rather than rejecting.
	Enhanced
	// Protected endpoints require valid credentials; validation failure is
	// a hard 401.
	Protected
)

// User identifies the authenticated caller. Zero value means unauthenticated.
type User struct {
	ID string
}

// AuthContext is the fully-resolved identity and entitlement view attached
// to a request's context for the rest of the pipeline to consult.
type AuthContext struct {
	User            User
	IsAuthenticated bool
	Tier            snapshot.Tier
	AccountType     string
	IsAdmin         bool
	Banned          bool
	Features        FeatureFlags

	// Runtime flags (centralized, deliberately unnamed as a "mechanism" at
	// call sites — see SPEC_FULL.md §4.9).
	MarkersEnabled   bool
	ReasoningEnabled bool
	DebugEnabled     bool
}

// IdentityVerifier validates a bearer token or session cookie against the
// external identity provider and returns the userID it belongs to.
type IdentityVerifier interface {
	Verify(ctx context.Context, credential string) (userID string, err error)
}

// Resolver implements the C2 contract.
type Resolver struct {
	verifier   IdentityVerifier
	snapshots  *snapshot.Cache
	cookieName string

	// runtime flags, read fresh on every resolve so a cluster-propagated
	// flag flip takes effect without restarting in-flight requests.
	markersEnabled   func() bool
	reasoningDefault func(tier snapshot.Tier) bool
	debugEnabled     func() bool
}

func NewResolver(
	verifier IdentityVerifier,
	snapshots *snapshot.Cache,
	cookieName string,
	markersEnabled func() bool,
	reasoningDefault func(tier snapshot.Tier) bool,
	debugEnabled func() bool,
) *Resolver {
	return &Resolver{
		verifier:         verifier,
		snapshots:        snapshots,
		cookieName:       cookieName,
		markersEnabled:   markersEnabled,
		reasoningDefault: reasoningDefault,
		debugEnabled:     debugEnabled,
	}
}

func anonymousContext() *AuthContext {
	return &AuthContext{
		IsAuthenticated: false,
		Tier:            snapshot.TierAnonymous,
		Features:        BuildFlags(snapshot.TierAnonymous),
	}
}

// credential extracts the session cookie or bearer token from r, in that
// precedence order. Returns "" if neither is present.
func (res *Resolver) credential(r *http.Request) string {
	if res.cookieName != "" {
		if c, err := r.Cookie(res.cookieName); err == nil && c.Value != "" {
			return c.Value
		}
	}

	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok && token != "" {
			return token
		}
	}

	return ""
}

// Resolve implements the full C2 contract: extract, validate, and populate.
func (res *Resolver) Resolve(ctx context.Context, r *http.Request, requirement AccessLevel) (*AuthContext, error) {
	cred := res.credential(r)

	if cred == "" {
		if requirement == Protected {
			return nil, errTokenRequired
		}
		return res.finalizeAnonymous(), nil
	}

	userID, err := res.verifier.Verify(ctx, cred)
	if err != nil {
		if requirement == Protected {
			return nil, fmt.Errorf("%w: %w", errTokenInvalid, err)
		}

		slog.Warn("auth: token validation failed on enhanced endpoint, degrading to anonymous", "error", err)
		return res.finalizeAnonymous(), nil
	}

	snap, err := res.snapshots.GetSnapshot(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve auth snapshot: %w", err)
	}

	authCtx := &AuthContext{
		User:            User{ID: userID},
		IsAuthenticated: true,
		Tier:            snap.Tier,
		AccountType:     snap.AccountType,
		IsAdmin:         snap.AccountType == "admin",
		Banned:          snap.Banned,
		Features:        BuildFlags(snap.Tier),
	}
	res.applyRuntimeFlags(authCtx)

	return authCtx, nil
}

func (res *Resolver) finalizeAnonymous() *AuthContext {
	authCtx := anonymousContext()
	res.applyRuntimeFlags(authCtx)
	return authCtx
}

func (res *Resolver) applyRuntimeFlags(authCtx *AuthContext) {
	if res.markersEnabled != nil {
		authCtx.MarkersEnabled = res.markersEnabled()
	}
	if res.reasoningDefault != nil {
		authCtx.ReasoningEnabled = res.reasoningDefault(authCtx.Tier)
	}
	if res.debugEnabled != nil {
		authCtx.DebugEnabled = res.debugEnabled()
	}
}
