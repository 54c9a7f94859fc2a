// Package catalog implements the model catalog (C6): the single source of
// truth for which models exist, what they accept/produce, and their token
// limits, fetched from Router and cached in-process behind a TTL with a
// singleflight-guarded refresh and an immutable-snapshot read path.
package catalog

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// ModelDescriptor mirrors one entry of Router's published model list.
type ModelDescriptor struct {
	ID               string   `json:"id"`
	DisplayName      string   `json:"displayName"`
	InputModalities  []string `json:"inputModalities"`
	OutputModalities []string `json:"outputModalities"`
	ContextWindow    int      `json:"contextWindow"`
	MaxOutputTokens  int      `json:"maxOutputTokens"`
	PricePerKInput   float64  `json:"pricePerKInput"`
	PricePerKOutput  float64  `json:"pricePerKOutput"`

	SupportsReasoning bool `json:"supportsReasoning"`
	Free              bool `json:"free"`
	Deprecated        bool `json:"deprecated"`
}

func (m ModelDescriptor) acceptsModality(list []string, want string) bool {
	for _, m := range list {
		if m == want {
			return true
		}
	}
	return false
}

func (m ModelDescriptor) AcceptsImageInput() bool {
	return m.acceptsModality(m.InputModalities, "image")
}

// TokenLimits is the pair of limits Validate and Complete consult.
type TokenLimits struct {
	MaxInputTokens  int
	MaxOutputTokens int
}

// Classification summarizes a model's capability flags for callers that
// don't need the full descriptor.
type Classification struct {
	MultimodalInput  bool
	MultimodalOutput bool
	ReasoningCapable bool
	Free             bool
}

// Fetcher retrieves the current model list from Router.
type Fetcher interface {
	FetchModels(ctx context.Context) ([]ModelDescriptor, error)
}

// snapshot is the immutable published state, swapped atomically on refresh.
type snapshot struct {
	models    []ModelDescriptor
	byID      map[string]ModelDescriptor
	fetchedAt time.Time
}

// Catalog is the read-mostly model registry: readers take an atomic load,
// writers (refreshes) never mutate in place, only publish a new snapshot.
type Catalog struct {
	fetcher Fetcher
	ttl     time.Duration

	current atomic.Pointer[snapshot]
	group   singleflight.Group
}

func New(fetcher Fetcher, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Catalog{fetcher: fetcher, ttl: ttl}
}

// Active returns the current model list, refreshing first if the cached
// snapshot is stale or absent. Concurrent callers during a refresh share the
// single in-flight fetch.
func (c *Catalog) Active(ctx context.Context) ([]ModelDescriptor, error) {
	snap := c.current.Load()
	if snap != nil && time.Since(snap.fetchedAt) < c.ttl {
		return snap.models, nil
	}

	v, err, _ := c.group.Do("refresh", func() (any, error) {
		// Re-check: another goroutine may have refreshed while we waited
		// to enter the singleflight group.
		if s := c.current.Load(); s != nil && time.Since(s.fetchedAt) < c.ttl {
			return s, nil
		}

		models, err := c.fetcher.FetchModels(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch model catalog: %w", err)
		}

		s := &snapshot{
			models:    models,
			byID:      make(map[string]ModelDescriptor, len(models)),
			fetchedAt: time.Now(),
		}
		for _, m := range models {
			s.byID[m.ID] = m
		}

		c.current.Store(s)
		return s, nil
	})
	if err != nil {
		// Serve a stale snapshot rather than fail the request outright, if
		// one exists.
		if snap != nil {
			return snap.models, nil
		}
		return nil, err
	}

	return v.(*snapshot).models, nil
}

// Get returns the descriptor for modelID, refreshing the catalog first if
// necessary.
func (c *Catalog) Get(ctx context.Context, modelID string) (ModelDescriptor, bool, error) {
	if _, err := c.Active(ctx); err != nil {
		return ModelDescriptor{}, false, err
	}

	snap := c.current.Load()
	if snap == nil {
		return ModelDescriptor{}, false, nil
	}

	m, ok := snap.byID[modelID]
	return m, ok, nil
}

// AcceptsImageInput implements attachment.ModelModalities. Returns false
// (rather than erroring) for an unknown model, and for every model while no
// snapshot has been loaded; it reads the current snapshot only and never
// triggers a fetch.
func (c *Catalog) AcceptsImageInput(modelID string) bool {
	snap := c.current.Load()
	if snap == nil {
		return false
	}
	m, ok := snap.byID[modelID]
	return ok && m.AcceptsImageInput()
}

// TokenLimits derives {maxInputTokens, maxOutputTokens} for modelID. If
// Router does not publish an output limit, applies the fallback policy
// maxOutputTokens = min(contextWindow/4, 8192).
func (c *Catalog) TokenLimits(ctx context.Context, modelID string) (TokenLimits, error) {
	m, ok, err := c.Get(ctx, modelID)
	if err != nil {
		return TokenLimits{}, err
	}
	if !ok {
		return TokenLimits{}, fmt.Errorf("unknown model %q", modelID)
	}

	maxOutput := m.MaxOutputTokens
	if maxOutput <= 0 {
		maxOutput = m.ContextWindow / 4
		if maxOutput > 8192 {
			maxOutput = 8192
		}
	}

	return TokenLimits{MaxInputTokens: m.ContextWindow, MaxOutputTokens: maxOutput}, nil
}

// Classify summarizes modelID's capability flags.
func (c *Catalog) Classify(ctx context.Context, modelID string) (Classification, error) {
	m, ok, err := c.Get(ctx, modelID)
	if err != nil {
		return Classification{}, err
	}
	if !ok {
		return Classification{}, fmt.Errorf("unknown model %q", modelID)
	}

	return Classification{
		MultimodalInput:  m.AcceptsImageInput(),
		MultimodalOutput: m.acceptsModality(m.OutputModalities, "image"),
		ReasoningCapable: m.SupportsReasoning,
		Free:             m.Free,
	}, nil
}
