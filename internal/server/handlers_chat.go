package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/gatekeep/internal/apierr"
	"github.com/rakunlabs/gatekeep/internal/attachment"
	"github.com/rakunlabs/gatekeep/internal/authctx"
	"github.com/rakunlabs/gatekeep/internal/router"
	"github.com/rakunlabs/gatekeep/internal/stream"
	"github.com/rakunlabs/gatekeep/internal/usage"
	"github.com/rakunlabs/gatekeep/internal/validator"
)

// prepareChat decodes, validates, and enriches an inbound chat request; the
// shared first half of both the buffered (handleChat) and streaming
// (handleChatStream) paths.
func (s *Server) prepareChat(r *http.Request) (*validator.EnhancedRequest, []validator.Warning, string, *authctx.AuthContext, error) {
	authCtx := authFromContext(r)

	var body wireChatRequest
	if err := decodeJSON(r, &body); err != nil {
		return nil, nil, "", authCtx, err
	}

	req, err := body.toValidatorRequest()
	if err != nil {
		return nil, nil, "", authCtx, err
	}

	requestID := req.CurrentMessageID
	if requestID == "" {
		requestID = ulid.Make().String()
	}

	enhanced, warnings, err := validator.Validate(r.Context(), req, authCtx, s.catalog)
	if err != nil {
		return nil, nil, requestID, authCtx, err
	}

	return enhanced, warnings, requestID, authCtx, nil
}

// buildRouterMessages assembles the Router wire-format message history from
// an enhanced request, inserting resolved attachment image_url blocks into
// the final user message.
func buildRouterMessages(enhanced *validator.EnhancedRequest, blocks []attachment.ContentBlock) []router.Message {
	var msgs []router.Message

	if enhanced.SystemPrompt != "" {
		msgs = append(msgs, router.Message{Role: "system", Content: enhanced.SystemPrompt})
	}

	lastUserIdx := -1
	for i, m := range enhanced.Messages {
		if m.Role == "user" {
			lastUserIdx = i
		}
	}

	for i, m := range enhanced.Messages {
		rm := router.Message{Role: m.Role}

		if len(m.Blocks) == 0 && (i != lastUserIdx || len(blocks) == 0) {
			rm.Content = m.Content
			msgs = append(msgs, rm)
			continue
		}

		var content []any
		if m.Content != "" {
			content = append(content, map[string]any{"type": "text", "text": m.Content})
		}
		for _, b := range m.Blocks {
			switch b.Type {
			case validator.BlockText:
				content = append(content, map[string]any{"type": "text", "text": b.Text})
			case validator.BlockImageURL:
				content = append(content, map[string]any{"type": "image_url", "image_url": map[string]string{"url": b.Text}})
			}
		}
		if i == lastUserIdx {
			for _, b := range blocks {
				content = append(content, map[string]any{"type": b.Type, "image_url": map[string]string{"url": b.ImageURL.URL}})
			}
		}
		rm.Content = content
		msgs = append(msgs, rm)
	}

	return msgs
}

func (s *Server) resolveAttachments(r *http.Request, enhanced *validator.EnhancedRequest, authCtx *authctx.AuthContext) ([]attachment.ContentBlock, error) {
	if len(enhanced.AttachmentIDs) == 0 {
		return nil, nil
	}
	return s.attach.Resolve(r.Context(), enhanced.AttachmentIDs, authCtx.User.ID, enhanced.Model)
}

// handleChat implements POST /chat: a single buffered Router round trip.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	enhanced, warnings, requestID, authCtx, err := s.prepareChat(r)
	if err != nil {
		s.recordChatOutcome(r.Context(), authCtx, "", start, usage.OutcomeRejected, 0, 0)
		writeAPIError(w, err)
		return
	}

	blocks, err := s.resolveAttachments(r, enhanced, authCtx)
	if err != nil {
		s.recordChatOutcome(r.Context(), authCtx, enhanced.Model, start, usage.OutcomeRejected, 0, 0)
		writeAPIError(w, err)
		return
	}

	routerReq := router.Request{
		Model:     enhanced.Model,
		Messages:  buildRouterMessages(enhanced, blocks),
		MaxTokens: &enhanced.MaxOutputTokens,
	}
	if enhanced.Temperature != nil {
		routerReq.Temperature = enhanced.Temperature
	}
	if enhanced.Reasoning != nil {
		routerReq.ReasoningLevel = enhanced.Reasoning.Effort
	}

	resp, err := s.routerCli.Complete(r.Context(), routerReq)
	if err != nil {
		s.recordChatOutcome(r.Context(), authCtx, enhanced.Model, start, usage.OutcomeUpstreamError, 0, 0)
		writeAPIError(w, err)
		return
	}

	var content, reasoning string
	var anns []wireAnnotation
	if len(resp.Choices) > 0 {
		content, reasoning, anns = extractChoice(resp.Choices[0].Message)
	}

	body := wireChatResponse{
		Response:             content,
		Usage:                wireUsage{PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens, TotalTokens: resp.Usage.TotalTokens},
		RequestID:            requestID,
		Timestamp:            time.Now().UTC().Format(time.RFC3339),
		ElapsedMs:            time.Since(start).Milliseconds(),
		ContentType:          "markdown",
		ID:                   resp.ID,
		Annotations:          anns,
		HasWebSearch:         len(anns) > 0,
		WebSearchResultCount: len(anns),
		Warnings:             warningMessages(warnings),
	}
	if authCtx.ReasoningEnabled && authCtx.Features.CanUseReasoning {
		body.Reasoning = reasoning
	}

	w.Header().Set("X-Request-ID", requestID)
	w.Header().Set("X-Model", enhanced.Model)

	s.recordChatOutcome(r.Context(), authCtx, enhanced.Model, start, usage.OutcomeOK, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	httpResponseJSON(w, body, http.StatusOK)
}

// handleChatStream implements POST /chat/stream: drives the Stream
// Transformer (C9) over a Router SSE stream and writes the gateway's own
// wire protocol directly to the response.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	enhanced, _, requestID, authCtx, err := s.prepareChat(r)
	if err != nil {
		s.recordChatOutcome(r.Context(), authCtx, "", start, usage.OutcomeRejected, 0, 0)
		writeAPIError(w, err)
		return
	}

	blocks, err := s.resolveAttachments(r, enhanced, authCtx)
	if err != nil {
		s.recordChatOutcome(r.Context(), authCtx, enhanced.Model, start, usage.OutcomeRejected, 0, 0)
		writeAPIError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, apierr.NewInternal(nil, "streaming not supported by this server"))
		return
	}

	routerReq := router.Request{
		Model:     enhanced.Model,
		Messages:  buildRouterMessages(enhanced, blocks),
		MaxTokens: &enhanced.MaxOutputTokens,
	}
	if enhanced.Temperature != nil {
		routerReq.Temperature = enhanced.Temperature
	}
	if enhanced.Reasoning != nil {
		routerReq.ReasoningLevel = enhanced.Reasoning.Effort
	}

	chunks, err := s.routerCli.Stream(r.Context(), routerReq)
	if err != nil {
		s.recordChatOutcome(r.Context(), authCtx, enhanced.Model, start, usage.OutcomeUpstreamError, 0, 0)
		writeAPIError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Streaming", "true")
	w.Header().Set("X-Model", enhanced.Model)
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	flags := stream.Flags{
		CanUseReasoning: authCtx.Features.CanUseReasoning,
		WantsReasoning:  enhanced.Reasoning != nil,
		MarkersEnabled:  authCtx.MarkersEnabled,
		DebugEnabled:    authCtx.DebugEnabled,
	}
	if !authCtx.ReasoningEnabled {
		flags.CanUseReasoning = false
	}

	transformer := stream.New(flushWriter{w: w, f: flusher}, requestID, enhanced.Model, flags)

	ctx := r.Context()
	done := make(chan stream.Result, 1)
	go func() { done <- transformer.Run(chunks) }()

	var result stream.Result
	select {
	case <-ctx.Done():
		result = transformer.Cancel()
	case result = <-done:
	}

	outcome := usage.OutcomeOK
	switch result.Outcome {
	case stream.OutcomeUpstreamError:
		outcome = usage.OutcomeUpstreamError
	case stream.OutcomeCancelled:
		outcome = usage.OutcomeCancelled
	}
	s.recordChatOutcome(context.WithoutCancel(ctx), authCtx, enhanced.Model, start, outcome, result.Metadata.Usage.PromptTokens, result.Metadata.Usage.CompletionTokens)

	if result.Err != nil {
		slog.ErrorContext(ctx, "stream transformer error", "error", result.Err, "request_id", requestID)
	}
}

// flushWriter flushes after every write so SSE-style streaming reaches the
// client promptly instead of waiting for Go's default buffering.
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	fw.f.Flush()
	return n, err
}

func extractChoice(m router.Message) (content, reasoning string, anns []wireAnnotation) {
	if s, ok := m.Content.(string); ok {
		content = s
	}
	reasoning = m.Reasoning
	for _, a := range m.Annotations {
		if a.URLCitation != nil {
			anns = append(anns, wireAnnotation{
				Type: "url_citation", URL: a.URLCitation.URL, Title: a.URLCitation.Title,
				Content: a.URLCitation.Content, StartIndex: a.URLCitation.StartIndex, EndIndex: a.URLCitation.EndIndex,
			})
			continue
		}
		anns = append(anns, wireAnnotation{Type: "url_citation", URL: a.URL, Title: a.Title, Content: a.Content, StartIndex: a.StartIndex, EndIndex: a.EndIndex})
	}
	return content, reasoning, anns
}

func (s *Server) recordChatOutcome(ctx context.Context, authCtx *authctx.AuthContext, modelID string, start time.Time, outcome usage.Outcome, inputTokens, outputTokens int) {
	ev := usage.Event{
		ModelID:      modelID,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		ElapsedMs:    time.Since(start).Milliseconds(),
		Outcome:      outcome,
	}
	if authCtx != nil {
		ev.Tier = string(authCtx.Tier)
		if authCtx.IsAuthenticated {
			ev.UserID = authCtx.User.ID
		}
	}

	if modelID != "" {
		if m, ok, err := s.catalog.Get(ctx, modelID); err == nil && ok {
			ev.CostMilliCents = usage.CostMilliCents(inputTokens, outputTokens, m.PricePerKInput, m.PricePerKOutput)
		}
	}

	s.usageRec.Record(ctx, ev)
}
