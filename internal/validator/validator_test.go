package validator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rakunlabs/gatekeep/internal/apierr"
	"github.com/rakunlabs/gatekeep/internal/authctx"
	"github.com/rakunlabs/gatekeep/internal/catalog"
)

type fakeFetcher struct {
	models []catalog.ModelDescriptor
}

func (f *fakeFetcher) FetchModels(_ context.Context) ([]catalog.ModelDescriptor, error) {
	return f.models, nil
}

func testCatalog() *catalog.Catalog {
	return catalog.New(&fakeFetcher{models: []catalog.ModelDescriptor{
		{ID: "openai/gpt-4o-mini", InputModalities: []string{"text"}, ContextWindow: 100_000, MaxOutputTokens: 4096},
		{ID: "anthropic/claude-3-haiku", InputModalities: []string{"text"}, ContextWindow: 100_000, MaxOutputTokens: 4096},
		{ID: "anthropic/claude-3-opus", InputModalities: []string{"text", "image"}, ContextWindow: 200_000, MaxOutputTokens: 8192},
	}}, time.Minute)
}

func proAuth() *authctx.AuthContext {
	return &authctx.AuthContext{IsAuthenticated: true, Features: authctx.BuildFlags("pro")}
}

func anonAuth() *authctx.AuthContext {
	return &authctx.AuthContext{IsAuthenticated: false, Features: authctx.BuildFlags("anonymous")}
}

func TestValidateModelDowngradeForAnonymous(t *testing.T) {
	enhanced, warnings, err := Validate(context.Background(), ChatRequest{
		Model:    "anthropic/claude-3-opus",
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, anonAuth(), testCatalog())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if enhanced.Model != "openai/gpt-4o-mini" {
		t.Errorf("model = %s, want first allowlisted model", enhanced.Model)
	}
	found := false
	for _, w := range warnings {
		if strings.Contains(w.Message, "downgraded") {
			found = true
		}
	}
	if !found {
		t.Error("expected a model-downgraded warning")
	}
}

func TestValidateWildcardAllowsAnyKnownModel(t *testing.T) {
	enhanced, _, err := Validate(context.Background(), ChatRequest{
		Model:    "anthropic/claude-3-opus",
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, proAuth(), testCatalog())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if enhanced.Model != "anthropic/claude-3-opus" {
		t.Errorf("model = %s, want unchanged", enhanced.Model)
	}
}

func TestValidateUnknownModelWildcardRejected(t *testing.T) {
	_, _, err := Validate(context.Background(), ChatRequest{
		Model:    "no/such-model",
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, proAuth(), testCatalog())
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Code != apierr.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestValidateSystemPromptDroppedSilentlyForFree(t *testing.T) {
	auth := &authctx.AuthContext{IsAuthenticated: true, Features: authctx.BuildFlags("free")}
	enhanced, warnings, err := Validate(context.Background(), ChatRequest{
		Model:        "openai/gpt-4o-mini",
		Messages:     []Message{{Role: "user", Content: "hi"}},
		SystemPrompt: "be nice",
	}, auth, testCatalog())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if enhanced.SystemPrompt != "" {
		t.Error("system prompt should have been dropped")
	}
	found := false
	for _, w := range warnings {
		if w.Code == "system_prompt_dropped" {
			found = true
		}
	}
	if !found {
		t.Error("expected system_prompt_dropped warning")
	}
}

func TestValidateWebSearchErrorsWhenNotPermitted(t *testing.T) {
	_, _, err := Validate(context.Background(), ChatRequest{
		Model:     "openai/gpt-4o-mini",
		Messages:  []Message{{Role: "user", Content: "hi"}},
		WebSearch: true,
	}, anonAuth(), testCatalog())
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Code != apierr.CodeFeatureNotAvailable {
		t.Fatalf("expected FEATURE_NOT_AVAILABLE, got %v", err)
	}
}

func TestValidateAttachmentsRequireFeatureAndModality(t *testing.T) {
	_, _, err := Validate(context.Background(), ChatRequest{
		Model:         "openai/gpt-4o-mini",
		Messages:      []Message{{Role: "user", Content: "hi"}},
		AttachmentIDs: []string{"att-1"},
	}, anonAuth(), testCatalog())
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Code != apierr.CodeFeatureNotAvailable {
		t.Fatalf("expected FEATURE_NOT_AVAILABLE, got %v", err)
	}
}

func TestValidateTokenBudgetExceeded(t *testing.T) {
	auth := &authctx.AuthContext{IsAuthenticated: false, Features: authctx.BuildFlags("anonymous")}
	auth.Features.MaxTokensPerRequest = 4 // tiny budget to force rejection

	_, _, err := Validate(context.Background(), ChatRequest{
		Model:    "openai/gpt-4o-mini",
		Messages: []Message{{Role: "user", Content: strings.Repeat("word ", 100)}},
	}, auth, testCatalog())

	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Code != apierr.CodeTokenLimitExceeded {
		t.Fatalf("expected TOKEN_LIMIT_EXCEEDED, got %v", err)
	}
}

func TestEstimateImageTokensCapped(t *testing.T) {
	if got := estimateImageTokens(); got > imageTokenCap {
		t.Errorf("estimateImageTokens = %d, exceeds cap %d", got, imageTokenCap)
	}
}
