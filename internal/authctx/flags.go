package authctx

import "github.com/rakunlabs/gatekeep/internal/snapshot"

// WildcardModel, when the sole entry of FeatureFlags.AllowedModels, means
// every non-deprecated catalog model is permitted.
const WildcardModel = "*"

// defaultFreeModels is the fixed allowlist unauthenticated and free-tier
// callers are downgraded into; it intentionally names only low-cost models
// so an unpaid request can never reach a premium price tier by typing a
// different model name.
var defaultFreeModels = []string{"openai/gpt-4o-mini", "anthropic/claude-3-haiku"}

// FeatureFlags is the per-tier entitlement matrix (SPEC_FULL.md §3/§4.3).
type FeatureFlags struct {
	// AllowedModels is either a concrete ordered allowlist or the single
	// wildcard entry "*", meaning every catalog model is permitted. The
	// validator (C7) expands the wildcard against the live catalog at
	// request time rather than here, so this builder never needs catalog
	// access.
	AllowedModels []string `json:"allowedModels"`

	CanUseCustomSystemPrompt bool `json:"canUseCustomSystemPrompt"`
	CanUseCustomTemperature  bool `json:"canUseCustomTemperature"`
	CanUseAttachments        bool `json:"canUseAttachments"`
	CanUseWebSearch          bool `json:"canUseWebSearch"`
	CanUseReasoning          bool `json:"canUseReasoning"`
	CanUseImageGeneration    bool `json:"canUseImageGeneration"`
	CanSyncConversations     bool `json:"canSyncConversations"`
	CanExportConversations   bool `json:"canExportConversations"`
	CanAccessAnalytics       bool `json:"canAccessAnalytics"`
	CanBypassRateLimit       bool `json:"canBypassRateLimit"`

	MaxRequestsPerHour    int `json:"maxRequestsPerHour"`
	MaxTokensPerRequest   int `json:"maxTokensPerRequest"`
	MaxAttachmentsPerMsg  int `json:"maxAttachmentsPerMessage"`
}

// BuildFlags derives the full feature matrix for tier. Pure function: same
// tier always yields the identical matrix, so it is safe to call on every
// request without caching.
func BuildFlags(tier snapshot.Tier) FeatureFlags {
	switch tier {
	case snapshot.TierFree:
		return FeatureFlags{
			AllowedModels:            defaultFreeModels,
			CanUseCustomSystemPrompt: true,
			CanUseCustomTemperature:  true,
			CanUseAttachments:        false,
			CanUseWebSearch:          false,
			CanUseReasoning:          false,
			CanUseImageGeneration:    false,
			CanSyncConversations:     true,
			CanExportConversations:   false,
			CanAccessAnalytics:       false,
			CanBypassRateLimit:       false,
			MaxRequestsPerHour:       100,
			MaxTokensPerRequest:      10_000,
			MaxAttachmentsPerMsg:     0,
		}
	case snapshot.TierPro:
		return FeatureFlags{
			AllowedModels:            []string{WildcardModel},
			CanUseCustomSystemPrompt: true,
			CanUseCustomTemperature:  true,
			CanUseAttachments:        true,
			CanUseWebSearch:          true,
			CanUseReasoning:          true,
			CanUseImageGeneration:    false,
			CanSyncConversations:     true,
			CanExportConversations:   true,
			CanAccessAnalytics:       false,
			CanBypassRateLimit:       false,
			MaxRequestsPerHour:       500,
			MaxTokensPerRequest:      20_000,
			MaxAttachmentsPerMsg:     3,
		}
	case snapshot.TierEnterprise:
		return FeatureFlags{
			AllowedModels:            []string{WildcardModel},
			CanUseCustomSystemPrompt: true,
			CanUseCustomTemperature:  true,
			CanUseAttachments:        true,
			CanUseWebSearch:          true,
			CanUseReasoning:          true,
			CanUseImageGeneration:    true,
			CanSyncConversations:     true,
			CanExportConversations:   true,
			CanAccessAnalytics:       true,
			CanBypassRateLimit:       true,
			MaxRequestsPerHour:       2000,
			MaxTokensPerRequest:      50_000,
			MaxAttachmentsPerMsg:     3,
		}
	default: // anonymous
		return FeatureFlags{
			AllowedModels:            defaultFreeModels,
			CanUseCustomSystemPrompt: false,
			CanUseCustomTemperature:  false,
			CanUseAttachments:        false,
			CanUseWebSearch:          false,
			CanUseReasoning:          false,
			CanUseImageGeneration:    false,
			CanSyncConversations:     false,
			CanExportConversations:   false,
			CanAccessAnalytics:       false,
			CanBypassRateLimit:       false,
			MaxRequestsPerHour:       10,
			MaxTokensPerRequest:      5_000,
			MaxAttachmentsPerMsg:     0,
		}
	}
}
