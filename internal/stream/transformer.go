// Package stream implements the Stream Transformer (C9): a per-request state
// machine that turns Router's SSE-like record stream into the gateway's own
// client wire protocol — content bytes in arrival order, optional marker
// lines, and exactly one terminal metadata envelope.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rakunlabs/gatekeep/internal/apierr"
	"github.com/rakunlabs/gatekeep/internal/router"
)

// State is the transformer's lifecycle stage.
type State int

const (
	StateOpen State = iota
	StateStreaming
	StateFlushing
	StateClosed
	StateError
)

// Annotation is one normalized url_citation entry (§6.2).
type Annotation struct {
	Type       string `json:"type"`
	URL        string `json:"url"`
	Title      string `json:"title,omitempty"`
	Content    string `json:"content,omitempty"`
	StartIndex *int   `json:"start_index,omitempty"`
	EndIndex   *int   `json:"end_index,omitempty"`
}

// Usage mirrors the terminal envelope's usage block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// FinalMetadata is the ChatResponse-shaped payload carried in the terminal
// envelope, and also the return value of a buffered (non-streaming) call.
type FinalMetadata struct {
	Response              string       `json:"response"`
	Usage                 Usage        `json:"usage"`
	RequestID              string       `json:"request_id"`
	Timestamp             string       `json:"timestamp"`
	ElapsedMs             int64        `json:"elapsed_ms"`
	ContentType           string       `json:"contentType"`
	ID                    string       `json:"id"`
	Reasoning             string       `json:"reasoning,omitempty"`
	Annotations           []Annotation `json:"annotations,omitempty"`
	HasWebSearch          bool         `json:"has_websearch"`
	WebSearchResultCount  int          `json:"websearch_result_count"`
}

// Flags gates reasoning/marker forwarding without the transformer knowing
// where they come from.
type Flags struct {
	CanUseReasoning  bool
	WantsReasoning   bool
	MarkersEnabled   bool
	DebugEnabled     bool
}

// Outcome classifies how the stream ended, for the usage recorder.
type Outcome string

const (
	OutcomeOK            Outcome = "ok"
	OutcomeUpstreamError Outcome = "upstream_error"
	OutcomeCancelled     Outcome = "cancelled"
)

// Result is returned once the stream reaches CLOSED or ERROR.
type Result struct {
	Metadata FinalMetadata
	Outcome  Outcome
	Err      error
}

const (
	markerReasoning   = "__REASONING_CHUNK__"
	markerAnnotations = "__ANNOTATIONS_CHUNK__"
	metadataStart     = "\n\n__STREAM_METADATA_START__\n"
	metadataEnd       = "\n__STREAM_METADATA_END__\n"
)

// Transformer drives one request's OPEN→STREAMING→FLUSHING→CLOSED(+ERROR)
// lifecycle, writing the client wire protocol to w as it consumes Router
// chunks.
type Transformer struct {
	w         io.Writer
	requestID string
	modelID   string
	flags     Flags
	now       func() time.Time

	state       State
	content     []byte
	reasoning   []byte
	annotations []Annotation
	seenURLs    map[string]bool
	usage       Usage
	upstreamID  string
	startedAt   time.Time
}

func New(w io.Writer, requestID, modelID string, flags Flags) *Transformer {
	return &Transformer{
		w:         w,
		requestID: requestID,
		modelID:   modelID,
		flags:     flags,
		now:       time.Now,
		state:     StateOpen,
		seenURLs:  make(map[string]bool),
		startedAt: time.Now(),
	}
}

// State returns the transformer's current lifecycle stage.
func (t *Transformer) State() State {
	return t.state
}

// Run consumes chunks until the channel closes or ctx's deadline is hit by
// the caller stopping iteration; callers are responsible for cancelling the
// upstream stream on disconnect and calling Run with a channel that will
// then close promptly.
func (t *Transformer) Run(chunks <-chan router.StreamChunk) Result {
	t.state = StateStreaming

	for chunk := range chunks {
		switch {
		case chunk.Err != nil:
			t.state = StateError
			if writeErr := t.writeErrorEnvelope(chunk.Err); writeErr != nil {
				return Result{Outcome: OutcomeUpstreamError, Err: errors.Join(chunk.Err, writeErr)}
			}
			return Result{Outcome: OutcomeUpstreamError, Err: chunk.Err}
		case chunk.Done:
			return t.flush()
		default:
			if err := t.consume(chunk.Chunk); err != nil {
				t.state = StateError
				if writeErr := t.writeErrorEnvelope(err); writeErr != nil {
					return Result{Outcome: OutcomeUpstreamError, Err: errors.Join(err, writeErr)}
				}
				return Result{Outcome: OutcomeUpstreamError, Err: err}
			}
		}
	}

	// Channel closed without an explicit Done sentinel: treat as a normal
	// end-of-stream, matching upstream connections that simply close.
	return t.flush()
}

// Cancel marks the stream as client-cancelled; no terminal envelope is
// emitted per SPEC_FULL.md §5.
func (t *Transformer) Cancel() Result {
	t.state = StateClosed
	return Result{Outcome: OutcomeCancelled}
}

func (t *Transformer) consume(chunk router.Chunk) error {
	if chunk.ID != "" {
		t.upstreamID = chunk.ID
	}
	if chunk.Usage != nil {
		t.usage = Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}

	for _, choice := range chunk.Choices {
		content, reasoningDelta, anns := splitDelta(choice.Delta)

		if content != "" {
			t.content = append(t.content, content...)
			if _, err := io.WriteString(t.w, content); err != nil {
				return fmt.Errorf("write content chunk: %w", err)
			}
		}

		if reasoningDelta != "" && t.flags.CanUseReasoning && t.flags.WantsReasoning {
			t.reasoning = append(t.reasoning, reasoningDelta...)
			if t.flags.MarkersEnabled {
				if err := t.writeMarker(markerReasoning, map[string]string{"t": reasoningDelta}); err != nil {
					return err
				}
			}
		}

		if len(anns) > 0 {
			changed := false
			for _, a := range anns {
				if a.URL == "" || t.seenURLs[a.URL] {
					continue
				}
				t.seenURLs[a.URL] = true
				t.annotations = append(t.annotations, a)
				changed = true
			}
			if changed && t.flags.MarkersEnabled {
				if err := t.writeAnnotationsMarker(); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func (t *Transformer) writeMarker(prefix string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal marker %s: %w", prefix, err)
	}
	if _, err := fmt.Fprintf(t.w, "%s%s\n", prefix, data); err != nil {
		return fmt.Errorf("write marker %s: %w", prefix, err)
	}
	return nil
}

func (t *Transformer) writeAnnotationsMarker() error {
	data, err := json.Marshal(t.annotations)
	if err != nil {
		return fmt.Errorf("marshal annotations marker: %w", err)
	}
	if _, err := fmt.Fprintf(t.w, "%s%s\n", markerAnnotations, data); err != nil {
		return fmt.Errorf("write annotations marker: %w", err)
	}
	return nil
}

// writeErrorEnvelope delivers an upstream failure inline, through the same
// metadataStart/metadataEnd delimiters as a successful flush, so a client
// mid-stream sees a diagnosable ERROR envelope instead of a truncated
// connection (§4.9, §7). The body mirrors the non-streaming apierr.Envelope
// shape under a distinct key so clients can tell it apart from
// __FINAL_METADATA__.
func (t *Transformer) writeErrorEnvelope(cause error) error {
	envelope := struct {
		Error apierr.Envelope `json:"__STREAM_ERROR__"`
	}{
		Error: apierr.Envelope{
			Error:     cause.Error(),
			Code:      apierr.CodeUpstreamError,
			Retryable: true,
			Timestamp: t.now().UTC().Format(time.RFC3339),
		},
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal error envelope: %w", err)
	}

	if _, err := io.WriteString(t.w, metadataStart); err != nil {
		return err
	}
	if _, err := t.w.Write(body); err != nil {
		return err
	}
	if _, err := io.WriteString(t.w, metadataEnd); err != nil {
		return err
	}

	return nil
}

func (t *Transformer) flush() Result {
	t.state = StateFlushing

	meta := FinalMetadata{
		Response:             string(t.content),
		Usage:                t.usage,
		RequestID:            t.requestID,
		Timestamp:            t.now().UTC().Format(time.RFC3339),
		ElapsedMs:            t.now().Sub(t.startedAt).Milliseconds(),
		ContentType:          "markdown",
		ID:                   t.upstreamID,
		Annotations:          t.annotations,
		HasWebSearch:         len(t.annotations) > 0,
		WebSearchResultCount: len(t.annotations),
	}
	if len(t.reasoning) > 0 {
		meta.Reasoning = string(t.reasoning)
	}

	envelope := struct {
		FinalMetadata FinalMetadata `json:"__FINAL_METADATA__"`
	}{FinalMetadata: meta}

	body, err := json.Marshal(envelope)
	if err != nil {
		t.state = StateError
		return Result{Outcome: OutcomeUpstreamError, Err: fmt.Errorf("marshal terminal envelope: %w", err)}
	}

	if _, err := io.WriteString(t.w, metadataStart); err != nil {
		t.state = StateError
		return Result{Outcome: OutcomeUpstreamError, Err: err}
	}
	if _, err := t.w.Write(body); err != nil {
		t.state = StateError
		return Result{Outcome: OutcomeUpstreamError, Err: err}
	}
	if _, err := io.WriteString(t.w, metadataEnd); err != nil {
		t.state = StateError
		return Result{Outcome: OutcomeUpstreamError, Err: err}
	}

	t.state = StateClosed
	return Result{Metadata: meta, Outcome: OutcomeOK}
}

// splitDelta extracts content/reasoning text and any annotations from a
// router.Message delta, flattening the url_citation wrapping some upstream
// shapes use.
func splitDelta(delta router.Message) (content, reasoning string, anns []Annotation) {
	if s, ok := delta.Content.(string); ok {
		content = s
	}
	reasoning = delta.Reasoning

	for _, a := range delta.Annotations {
		if a.URLCitation != nil {
			anns = append(anns, Annotation{
				Type:       "url_citation",
				URL:        a.URLCitation.URL,
				Title:      a.URLCitation.Title,
				Content:    a.URLCitation.Content,
				StartIndex: a.URLCitation.StartIndex,
				EndIndex:   a.URLCitation.EndIndex,
			})
			continue
		}
		anns = append(anns, Annotation{
			Type:       "url_citation",
			URL:        a.URL,
			Title:      a.Title,
			Content:    a.Content,
			StartIndex: a.StartIndex,
			EndIndex:   a.EndIndex,
		})
	}

	return content, reasoning, anns
}
