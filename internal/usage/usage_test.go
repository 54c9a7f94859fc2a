package usage

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestRecordEmitsStructuredEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	r := New(logger, nil)

	r.Record(context.Background(), Event{
		UserID:       "user-1",
		Tier:         "pro",
		ModelID:      "openai/gpt-4o-mini",
		InputTokens:  10,
		OutputTokens: 20,
		ElapsedMs:    42,
		Outcome:      OutcomeOK,
	})

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	group, ok := decoded["usage"].(map[string]any)
	if !ok {
		t.Fatalf("expected usage group, got %v", decoded)
	}
	if group["userId"] != "user-1" {
		t.Errorf("userId = %v", group["userId"])
	}
	if group["outcome"] != "ok" {
		t.Errorf("outcome = %v", group["outcome"])
	}
}

type failingSink struct{ called bool }

func (f *failingSink) Record(_ context.Context, _ Event) error {
	f.called = true
	return errBoom
}

var errBoom = errBoomType("boom")

type errBoomType string

func (e errBoomType) Error() string { return string(e) }

func TestRecordSinkFailureNeverPanics(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	sink := &failingSink{}
	r := New(logger, sink)

	r.Record(context.Background(), Event{Tier: "free", Outcome: OutcomeRejected})

	if !sink.called {
		t.Error("expected sink to be invoked")
	}
}

func TestCostMilliCents(t *testing.T) {
	got := CostMilliCents(1000, 1000, 0.01, 0.03)
	want := int64(4000) // (1*0.01 + 1*0.03) dollars * 100000 = 0.04 * 100000
	if got != want {
		t.Errorf("CostMilliCents = %d, want %d", got, want)
	}
}
