package catalog

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeFetcher struct {
	calls  atomic.Int64
	models []ModelDescriptor
	err    error
	delay  time.Duration
}

func (f *fakeFetcher) FetchModels(ctx context.Context) ([]ModelDescriptor, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.models, nil
}

func TestActiveFetchesOnceWhileFresh(t *testing.T) {
	fetcher := &fakeFetcher{models: []ModelDescriptor{{ID: "gpt-x", ContextWindow: 1000}}}
	c := New(fetcher, time.Minute)

	for i := 0; i < 3; i++ {
		models, err := c.Active(context.Background())
		if err != nil {
			t.Fatalf("Active: %v", err)
		}
		if len(models) != 1 || models[0].ID != "gpt-x" {
			t.Fatalf("unexpected models: %+v", models)
		}
	}

	if fetcher.calls.Load() != 1 {
		t.Errorf("fetch calls = %d, want 1 (TTL not expired)", fetcher.calls.Load())
	}
}

func TestActiveRefreshesAfterTTL(t *testing.T) {
	fetcher := &fakeFetcher{models: []ModelDescriptor{{ID: "gpt-x"}}}
	c := New(fetcher, time.Millisecond)

	if _, err := c.Active(context.Background()); err != nil {
		t.Fatalf("Active: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := c.Active(context.Background()); err != nil {
		t.Fatalf("Active: %v", err)
	}

	if fetcher.calls.Load() != 2 {
		t.Errorf("fetch calls = %d, want 2 after TTL expiry", fetcher.calls.Load())
	}
}

func TestActiveServesStaleSnapshotOnFetchError(t *testing.T) {
	fetcher := &fakeFetcher{models: []ModelDescriptor{{ID: "gpt-x"}}}
	c := New(fetcher, time.Millisecond)

	if _, err := c.Active(context.Background()); err != nil {
		t.Fatalf("initial Active: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	fetcher.err = errors.New("router unavailable")

	models, err := c.Active(context.Background())
	if err != nil {
		t.Fatalf("Active should serve stale snapshot, got error: %v", err)
	}
	if len(models) != 1 || models[0].ID != "gpt-x" {
		t.Fatalf("unexpected stale models: %+v", models)
	}
}

func TestActiveReturnsErrorWithNoSnapshotYet(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("router unavailable")}
	c := New(fetcher, time.Minute)

	if _, err := c.Active(context.Background()); err == nil {
		t.Error("expected error when no snapshot exists and fetch fails")
	}
}

func TestGetAndAcceptsImageInput(t *testing.T) {
	fetcher := &fakeFetcher{models: []ModelDescriptor{
		{ID: "vision-1", InputModalities: []string{"text", "image"}, OutputModalities: []string{"text"}},
		{ID: "text-1", InputModalities: []string{"text"}, OutputModalities: []string{"text"}},
	}}
	c := New(fetcher, time.Minute)

	if _, err := c.Active(context.Background()); err != nil {
		t.Fatalf("Active: %v", err)
	}

	if !c.AcceptsImageInput("vision-1") {
		t.Error("vision-1 should accept image input")
	}
	if c.AcceptsImageInput("text-1") {
		t.Error("text-1 should not accept image input")
	}
	if c.AcceptsImageInput("unknown") {
		t.Error("unknown model should not accept image input")
	}

	m, ok, err := c.Get(context.Background(), "vision-1")
	if err != nil || !ok || m.ID != "vision-1" {
		t.Fatalf("Get(vision-1) = %+v, %v, %v", m, ok, err)
	}

	_, ok, err = c.Get(context.Background(), "nope")
	if err != nil || ok {
		t.Fatalf("Get(nope) = ok=%v err=%v, want ok=false err=nil", ok, err)
	}
}

func TestTokenLimitsFallbackWhenMaxOutputUnset(t *testing.T) {
	fetcher := &fakeFetcher{models: []ModelDescriptor{
		{ID: "big-context", ContextWindow: 40000, MaxOutputTokens: 0},
		{ID: "small-context", ContextWindow: 1000, MaxOutputTokens: 0},
		{ID: "explicit", ContextWindow: 40000, MaxOutputTokens: 2048},
	}}
	c := New(fetcher, time.Minute)

	limits, err := c.TokenLimits(context.Background(), "big-context")
	if err != nil {
		t.Fatalf("TokenLimits: %v", err)
	}
	if limits.MaxOutputTokens != 8192 {
		t.Errorf("big-context MaxOutputTokens = %d, want capped at 8192", limits.MaxOutputTokens)
	}

	limits, err = c.TokenLimits(context.Background(), "small-context")
	if err != nil {
		t.Fatalf("TokenLimits: %v", err)
	}
	if limits.MaxOutputTokens != 250 {
		t.Errorf("small-context MaxOutputTokens = %d, want 250 (contextWindow/4)", limits.MaxOutputTokens)
	}

	limits, err = c.TokenLimits(context.Background(), "explicit")
	if err != nil {
		t.Fatalf("TokenLimits: %v", err)
	}
	if limits.MaxOutputTokens != 2048 {
		t.Errorf("explicit MaxOutputTokens = %d, want 2048 (Router-published value kept)", limits.MaxOutputTokens)
	}

	if _, err := c.TokenLimits(context.Background(), "unknown"); err == nil {
		t.Error("expected error for unknown model")
	}
}

func TestClassify(t *testing.T) {
	fetcher := &fakeFetcher{models: []ModelDescriptor{
		{
			ID:                "reasoning-vision",
			InputModalities:   []string{"text", "image"},
			OutputModalities:  []string{"text", "image"},
			SupportsReasoning: true,
			Free:              true,
		},
	}}
	c := New(fetcher, time.Minute)

	cls, err := c.Classify(context.Background(), "reasoning-vision")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !cls.MultimodalInput || !cls.MultimodalOutput || !cls.ReasoningCapable || !cls.Free {
		t.Errorf("unexpected classification: %+v", cls)
	}
}
