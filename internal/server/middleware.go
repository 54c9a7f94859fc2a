package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rakunlabs/gatekeep/internal/apierr"
	"github.com/rakunlabs/gatekeep/internal/authctx"
	"github.com/rakunlabs/gatekeep/internal/ratelimit"
)

// authPreset names one of the three middleware presets C5 composes
// (SPEC_FULL.md §4.5): publicAuth, enhancedAuth, protectedAuth.
type authPreset int

const (
	publicAuth authPreset = iota
	enhancedAuth
	protectedAuth
)

const (
	classA = ratelimit.ClassA
	classB = ratelimit.ClassB
	classC = ratelimit.ClassC
	classD = ratelimit.ClassD
)

type ctxKey int

const authCtxKey ctxKey = iota

// authFromContext retrieves the AuthContext compose attached to the
// request. Handlers call this instead of re-resolving auth themselves.
func authFromContext(r *http.Request) *authctx.AuthContext {
	v, _ := r.Context().Value(authCtxKey).(*authctx.AuthContext)
	return v
}

// compose implements the Middleware Composer (C5): a single layer applying
// rate-limit ∘ ban-check ∘ auth-resolve: auth resolves first, the ban check
// runs next and the rate limit last; each failure short-circuits the rest.
// enforceBan opts a preset/endpoint into chat-only ban enforcement; see
// SPEC_FULL.md §9's "chat-only ban" design note.
func (s *Server) compose(preset authPreset, class ratelimit.Class, enforceBan bool) func(http.Handler) http.Handler {
	requirement := authctx.Public
	switch preset {
	case enhancedAuth:
		requirement = authctx.Enhanced
	case protectedAuth:
		requirement = authctx.Protected
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			authCtx, err := s.auth.Resolve(ctx, r, requirement)
			if err != nil {
				writeAPIError(w, err)
				return
			}

			if enforceBan && authCtx.IsAuthenticated && authCtx.Banned {
				writeAPIError(w, apierr.NewAccountBanned("account is banned from chat execution"))
				return
			}

			subject := authCtx.User.ID
			if subject == "" {
				subject = anonymousSubject(r)
			}

			// Bypass never applies to admin-class endpoints: an enterprise
			// caller's chat bypass must not also waive admin-action limits.
			bypass := authCtx.Features.CanBypassRateLimit && class != classD
			if !bypass {
				result, rlErr := s.limiter.Check(ctx, class, authCtx.Tier, subject)
				writeRateLimitHeaders(w, result)
				if rlErr != nil {
					if result.RetryAfter > 0 {
						w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
					}
					writeAPIError(w, rlErr)
					return
				}
			}

			r = r.WithContext(context.WithValue(ctx, authCtxKey, authCtx))
			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimitHeaders(w http.ResponseWriter, result ratelimit.Result) {
	if result.Limit == 0 && result.ResetAt.IsZero() {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

// anonymousSubject buckets an unauthenticated caller by a salted, truncated
// hash of its source IP, so rate-limit keys never carry a raw client IP.
func anonymousSubject(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		host = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}

	mac := hmac.New(sha256.New, []byte("gatekeep-anon-rate-limit-salt"))
	mac.Write([]byte(host))
	sum := mac.Sum(nil)
	return "ip:" + hex.EncodeToString(sum)[:16]
}

// requireAdmin rejects non-admin accounts after auth has already resolved;
// mirrors the teacher's adminAuthMiddleware shape but checks the resolved
// AuthContext's account type rather than a static bearer token, since admin
// status here comes from the auth snapshot, not server configuration.
func (s *Server) requireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := authFromContext(r)
			if authCtx == nil || !authCtx.IsAuthenticated || !authCtx.IsAdmin {
				writeAPIError(w, apierr.NewForbidden("admin access required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// sharedSecretMiddleware protects the /internal/* maintenance endpoints
// with the configured shared secret instead of user authentication,
// following the teacher's adminAuthMiddleware shape (compare header,
// reject on mismatch or missing configuration).
func (s *Server) sharedSecretMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.config.InternalSharedSecret == "" {
				httpResponse(w, "internal endpoints not configured", http.StatusForbidden)
				return
			}

			got := r.Header.Get("X-Internal-Secret")
			if got == "" || !hmac.Equal([]byte(got), []byte(s.config.InternalSharedSecret)) {
				httpResponse(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeAPIError writes err as the §6.3 error envelope, mapping apierr.Error
// to its declared HTTP status and falling back to 500 for anything else.
func writeAPIError(w http.ResponseWriter, err error) {
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) {
		apiErr = apierr.NewInternal(err, "internal error")
	}

	env := apierr.Envelope{
		Error:       apiErr.Message,
		Code:        apiErr.Code,
		Retryable:   apiErr.Retryable(),
		Suggestions: suggestionsFor(apiErr.Code),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}

	httpResponseJSON(w, env, apiErr.Status())
}

// suggestionsFor returns stable, non-upstream-derived suggestion strings so
// the error surface never leaks internal details (SPEC_FULL.md §7).
func suggestionsFor(code apierr.Code) []string {
	switch code {
	case apierr.CodeTokenInvalid, apierr.CodeTokenExpired, apierr.CodeAuthRequired:
		return []string{"sign in again and retry the request"}
	case apierr.CodeAccountBanned:
		return []string{"contact support if you believe this is an error"}
	case apierr.CodeRateLimitExceeded:
		return []string{"wait for the retry-after period before retrying"}
	case apierr.CodeTokenLimitExceeded:
		return []string{"shorten the request or remove attachments and retry"}
	case apierr.CodeFeatureNotAvailable:
		return []string{"upgrade your plan to use this feature"}
	case apierr.CodeUpstreamRejected, apierr.CodeUpstreamError, apierr.CodeModelUnavailable:
		return []string{"try again shortly or choose a different model"}
	case apierr.CodeAttachmentInvalid, apierr.CodeAttachmentLimit:
		return []string{"check attachment ownership and count and retry"}
	default:
		return nil
	}
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apierr.NewBadRequest("invalid request body: %v", err)
	}
	return nil
}
