// Package validator implements the Request Validator (C7): model gating,
// attachment/feature gating, and token-budget enforcement applied to an
// incoming chat request before it reaches the Router Client.
package validator

import (
	"context"
	"fmt"
	"math"

	"github.com/pkoukk/tiktoken-go"

	"github.com/rakunlabs/gatekeep/internal/apierr"
	"github.com/rakunlabs/gatekeep/internal/authctx"
	"github.com/rakunlabs/gatekeep/internal/catalog"
)

// ContentBlockType mirrors ChatRequest's content block discriminator.
type ContentBlockType string

const (
	BlockText     ContentBlockType = "text"
	BlockImageURL ContentBlockType = "image_url"
)

// ContentBlock is one element of a ChatRequest message's content, when the
// message is multimodal rather than a plain string.
type ContentBlock struct {
	Type ContentBlockType
	Text string
}

// Message is one entry of ChatRequest.Messages.
type Message struct {
	Role    string
	Content string
	Blocks  []ContentBlock
}

// ReasoningOptions mirrors ChatRequest.reasoning.
type ReasoningOptions struct {
	Effort string
}

// ChatRequest is the inbound, not-yet-validated request body.
type ChatRequest struct {
	Messages          []Message
	Model             string
	Temperature       *float64
	SystemPrompt      string
	AttachmentIDs     []string
	WebSearch         bool
	Reasoning         *ReasoningOptions
	Stream            bool
	CurrentMessageID  string
}

// EnhancedRequest is the validated, possibly rewritten request ready for the
// Router Client.
type EnhancedRequest struct {
	ChatRequest
	MaxOutputTokens  int
	EstimatedTokens  int
}

// Warning is a non-fatal adjustment the validator made to the request.
type Warning struct {
	Code    string
	Message string
}

// imageTokenBase and imageTokensPerTile implement the fixed image-token
// accounting policy: 85 base tokens plus 170 per 512px tile, capped at 1445
// tokens per image (roughly a 2048x2048 image at detail:high).
const (
	imageTokenBase    = 85
	imageTokensPerTile = 170
	imageTokenCap     = 1445
	// imageTokenFallbackTiles is the tile count charged for every image:
	// blocks and attachment ids carry no dimensions, so no per-image tile
	// count is derived (4 tiles, 765 tokens per image).
	imageTokenFallbackTiles = 4
)

var encoder *tiktoken.Tiktoken

func init() {
	// cl100k_base is the encoding shared by the model families the catalog
	// currently serves; falls back to the char/4 heuristic below if this
	// ever fails to load (e.g. offline without the bundled ranks file).
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err == nil {
		encoder = enc
	}
}

// estimateTextTokens counts tokens for a plain string, using tiktoken when
// available and falling back to ceil(chars/4) otherwise.
func estimateTextTokens(s string) int {
	if encoder != nil {
		return len(encoder.Encode(s, nil, nil))
	}
	return int(math.Ceil(float64(len(s)) / 4))
}

func estimateImageTokens() int {
	tokens := imageTokenBase + imageTokensPerTile*imageTokenFallbackTiles
	if tokens > imageTokenCap {
		tokens = imageTokenCap
	}
	return tokens
}

// Validate applies model gating, attachment/feature gating, and token-budget
// enforcement to req, returning the enhanced request plus any warnings, or a
// typed *apierr.Error on hard rejection.
func Validate(ctx context.Context, req ChatRequest, auth *authctx.AuthContext, cat *catalog.Catalog) (*EnhancedRequest, []Warning, error) {
	var warnings []Warning

	models, err := cat.Active(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load model catalog: %w", err)
	}
	byID := make(map[string]catalog.ModelDescriptor, len(models))
	for _, m := range models {
		byID[m.ID] = m
	}

	model, warning, err := gateModel(req.Model, auth.Features.AllowedModels, byID)
	if err != nil {
		return nil, nil, err
	}
	if warning != nil {
		warnings = append(warnings, *warning)
	}
	req.Model = model.ID

	if len(req.AttachmentIDs) > 0 {
		if !auth.Features.CanUseAttachments {
			return nil, nil, apierr.NewFeatureNotAvailable("attachments are not available on this tier")
		}
		if !model.AcceptsImageInput() {
			return nil, nil, apierr.NewFeatureNotAvailable("model %q does not accept image input", model.ID)
		}
		if len(req.AttachmentIDs) > auth.Features.MaxAttachmentsPerMsg {
			return nil, nil, apierr.NewAttachmentLimit("at most %d attachments per message", auth.Features.MaxAttachmentsPerMsg)
		}
	}

	if req.SystemPrompt != "" && !auth.Features.CanUseCustomSystemPrompt {
		req.SystemPrompt = ""
		warnings = append(warnings, Warning{Code: "system_prompt_dropped", Message: "custom system prompt not available on this tier"})
	}
	if req.Temperature != nil && !auth.Features.CanUseCustomTemperature {
		req.Temperature = nil
		warnings = append(warnings, Warning{Code: "temperature_dropped", Message: "custom temperature not available on this tier"})
	}
	if req.WebSearch && !auth.Features.CanUseWebSearch {
		return nil, nil, apierr.NewFeatureNotAvailable("web search is not available on this tier")
	}
	if req.Reasoning != nil && !auth.Features.CanUseReasoning {
		return nil, nil, apierr.NewFeatureNotAvailable("reasoning is not available on this tier")
	}

	limits, err := cat.TokenLimits(ctx, model.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("load token limits: %w", err)
	}

	estimated := estimateInputTokens(req)
	budget := auth.Features.MaxTokensPerRequest
	if limits.MaxInputTokens < budget {
		budget = limits.MaxInputTokens
	}
	if estimated > budget {
		return nil, nil, apierr.NewTokenLimitExceeded("estimated input tokens %d exceeds budget %d", estimated, budget)
	}

	return &EnhancedRequest{
		ChatRequest:     req,
		MaxOutputTokens: limits.MaxOutputTokens,
		EstimatedTokens: estimated,
	}, warnings, nil
}

func estimateInputTokens(req ChatRequest) int {
	total := estimateTextTokens(req.SystemPrompt)
	for _, msg := range req.Messages {
		total += estimateTextTokens(msg.Content)
		for _, block := range msg.Blocks {
			switch block.Type {
			case BlockImageURL:
				total += estimateImageTokens()
			default:
				total += estimateTextTokens(block.Text)
			}
		}
	}
	total += len(req.AttachmentIDs) * estimateImageTokens()
	return total
}

// gateModel enforces the allowlist, downgrading to the first allowlisted
// model that shares the requested model's modality rather than failing hard.
func gateModel(requested string, allowed []string, byID map[string]catalog.ModelDescriptor) (catalog.ModelDescriptor, *Warning, error) {
	if isWildcard(allowed) {
		m, ok := byID[requested]
		if !ok {
			return catalog.ModelDescriptor{}, nil, apierr.NewNotFound("unknown model %q", requested)
		}
		return m, nil, nil
	}

	for _, id := range allowed {
		if id == requested {
			if m, ok := byID[id]; ok {
				return m, nil, nil
			}
		}
	}

	requestedModel, knownRequested := byID[requested]

	for _, id := range allowed {
		m, ok := byID[id]
		if !ok {
			continue
		}
		if knownRequested && !sameInputModality(requestedModel, m) {
			continue
		}
		return m, &Warning{Code: "model_downgraded", Message: fmt.Sprintf("model downgraded from %q to %q", requested, m.ID)}, nil
	}

	// No modality-compatible allowlisted model: fall back to the first
	// allowlisted model outright rather than reject the request.
	for _, id := range allowed {
		if m, ok := byID[id]; ok {
			return m, &Warning{Code: "model_downgraded", Message: fmt.Sprintf("model downgraded from %q to %q", requested, m.ID)}, nil
		}
	}

	return catalog.ModelDescriptor{}, nil, apierr.NewFeatureNotAvailable("no permitted model available for this tier")
}

func isWildcard(allowed []string) bool {
	return len(allowed) == 1 && allowed[0] == authctx.WildcardModel
}

func sameInputModality(a, b catalog.ModelDescriptor) bool {
	return a.AcceptsImageInput() == b.AcceptsImageInput()
}
