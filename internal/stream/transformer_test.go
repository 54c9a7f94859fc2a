package stream

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rakunlabs/gatekeep/internal/apierr"
	"github.com/rakunlabs/gatekeep/internal/router"
)

func chunkCh(chunks ...router.StreamChunk) <-chan router.StreamChunk {
	ch := make(chan router.StreamChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func TestRunContentOnlyNoMarkers(t *testing.T) {
	var buf bytes.Buffer
	tr := New(&buf, "req-1", "gpt-x", Flags{})

	chunks := chunkCh(
		router.StreamChunk{Chunk: router.Chunk{ID: "up-1", Choices: []router.Choice{{Delta: router.Message{Content: "Hello, "}}}}},
		router.StreamChunk{Chunk: router.Chunk{Choices: []router.Choice{{Delta: router.Message{Content: "world."}}}}},
		router.StreamChunk{Done: true},
	)

	result := tr.Run(chunks)
	if result.Outcome != OutcomeOK {
		t.Fatalf("outcome = %s, err = %v", result.Outcome, result.Err)
	}
	if result.Metadata.Response != "Hello, world." {
		t.Errorf("response = %q", result.Metadata.Response)
	}

	out := buf.String()
	if !strings.HasPrefix(out, "Hello, world.") {
		t.Errorf("wire output does not start with content: %q", out)
	}
	if strings.Contains(out, markerReasoning) {
		t.Error("unexpected reasoning marker with no flags set")
	}
	if !strings.Contains(out, metadataStart) || !strings.Contains(out, metadataEnd) {
		t.Error("missing terminal envelope delimiters")
	}
	if !strings.HasSuffix(out, metadataEnd) {
		t.Error("terminal envelope must be the last bytes on the stream")
	}
}

func TestRunReasoningSuppressedByMarkersDisabled(t *testing.T) {
	var buf bytes.Buffer
	tr := New(&buf, "req-1", "gpt-x", Flags{CanUseReasoning: true, WantsReasoning: true, MarkersEnabled: false})

	raw := `{"content":"","reasoning":"thinking..."}`
	var delta router.Message
	_ = json.Unmarshal([]byte(raw), &delta)

	chunks := chunkCh(
		router.StreamChunk{Chunk: router.Chunk{Choices: []router.Choice{{Delta: delta}}}},
		router.StreamChunk{Done: true},
	)

	result := tr.Run(chunks)
	if result.Outcome != OutcomeOK {
		t.Fatalf("outcome = %s, err = %v", result.Outcome, result.Err)
	}
	if result.Metadata.Reasoning != "thinking..." {
		t.Errorf("final envelope should still carry reasoning, got %q", result.Metadata.Reasoning)
	}
	if strings.Contains(buf.String(), markerReasoning) {
		t.Error("marker must not appear on the wire when markersEnabled=false")
	}
}

func TestRunReasoningForwardedWhenEnabled(t *testing.T) {
	var buf bytes.Buffer
	tr := New(&buf, "req-1", "gpt-x", Flags{CanUseReasoning: true, WantsReasoning: true, MarkersEnabled: true})

	raw := `{"content":"","reasoning":"step one"}`
	var delta router.Message
	_ = json.Unmarshal([]byte(raw), &delta)

	chunks := chunkCh(
		router.StreamChunk{Chunk: router.Chunk{Choices: []router.Choice{{Delta: delta}}}},
		router.StreamChunk{Done: true},
	)

	tr.Run(chunks)
	if !strings.Contains(buf.String(), markerReasoning+`{"t":"step one"}`+"\n") {
		t.Errorf("expected reasoning marker line, got %q", buf.String())
	}
}

func TestRunUpstreamErrorWritesErrorEnvelope(t *testing.T) {
	var buf bytes.Buffer
	tr := New(&buf, "req-1", "gpt-x", Flags{})

	chunks := chunkCh(router.StreamChunk{Err: strErr("boom")})

	result := tr.Run(chunks)
	if result.Outcome != OutcomeUpstreamError {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	if result.Err == nil || result.Err.Error() != "boom" {
		t.Errorf("result.Err = %v, want the upstream error", result.Err)
	}

	out := buf.String()
	if !strings.Contains(out, metadataStart) || !strings.Contains(out, metadataEnd) {
		t.Fatalf("expected a terminal envelope on the wire, got %q", out)
	}

	var envelope struct {
		Error apierr.Envelope `json:"__STREAM_ERROR__"`
	}
	body := out[strings.Index(out, metadataStart)+len(metadataStart) : strings.Index(out, metadataEnd)]
	if err := json.Unmarshal([]byte(body), &envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if envelope.Error.Code != apierr.CodeUpstreamError {
		t.Errorf("envelope code = %q, want %q", envelope.Error.Code, apierr.CodeUpstreamError)
	}
	if !envelope.Error.Retryable {
		t.Error("upstream error envelope should be marked retryable")
	}
}

func TestRunConsumeWriteErrorReturnsUpstreamError(t *testing.T) {
	var buf failingWriter
	tr := New(&buf, "req-1", "gpt-x", Flags{})

	chunks := chunkCh(
		router.StreamChunk{Chunk: router.Chunk{Choices: []router.Choice{{Delta: router.Message{Content: "partial"}}}}},
	)

	result := tr.Run(chunks)
	if result.Outcome != OutcomeUpstreamError {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	if result.Err == nil {
		t.Fatal("expected a non-nil error when the write itself fails")
	}
}

// failingWriter fails every write, so consume()'s error path can be
// exercised without depending on a specific router.Chunk shape.
type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, strErr("write failed")
}

func TestCancelNoEnvelope(t *testing.T) {
	var buf bytes.Buffer
	tr := New(&buf, "req-1", "gpt-x", Flags{})

	result := tr.Cancel()
	if result.Outcome != OutcomeCancelled {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	if buf.Len() != 0 {
		t.Error("cancel must not write any bytes")
	}
}

func TestAnnotationsDedupByURL(t *testing.T) {
	var buf bytes.Buffer
	tr := New(&buf, "req-1", "gpt-x", Flags{MarkersEnabled: true})

	raw := `{"content":"","annotations":[{"type":"url_citation","url":"https://a.example"}]}`
	var delta router.Message
	_ = json.Unmarshal([]byte(raw), &delta)

	chunks := chunkCh(
		router.StreamChunk{Chunk: router.Chunk{Choices: []router.Choice{{Delta: delta}}}},
		router.StreamChunk{Chunk: router.Chunk{Choices: []router.Choice{{Delta: delta}}}},
		router.StreamChunk{Done: true},
	)

	result := tr.Run(chunks)
	if len(result.Metadata.Annotations) != 1 {
		t.Errorf("expected 1 deduped annotation, got %d", len(result.Metadata.Annotations))
	}
	if !result.Metadata.HasWebSearch || result.Metadata.WebSearchResultCount != 1 {
		t.Errorf("websearch count = %d", result.Metadata.WebSearchResultCount)
	}
}

type strErr string

func (e strErr) Error() string { return string(e) }
