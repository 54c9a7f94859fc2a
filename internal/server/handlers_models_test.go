package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rakunlabs/gatekeep/internal/authctx"
	"github.com/rakunlabs/gatekeep/internal/catalog"
	"github.com/rakunlabs/gatekeep/internal/snapshot"
)

type fakeModelFetcher struct {
	models []catalog.ModelDescriptor
}

func (f *fakeModelFetcher) FetchModels(_ context.Context) ([]catalog.ModelDescriptor, error) {
	return f.models, nil
}

func withAuthCtx(r *http.Request, a *authctx.AuthContext) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), authCtxKey, a))
}

func TestHandleModelsFiltersDeprecatedAndDisallowed(t *testing.T) {
	fetcher := &fakeModelFetcher{models: []catalog.ModelDescriptor{
		{ID: "free-a", DisplayName: "Free A"},
		{ID: "pro-only", DisplayName: "Pro Only"},
		{ID: "old-one", DisplayName: "Old", Deprecated: true},
	}}
	s := &Server{catalog: catalog.New(fetcher, time.Minute)}

	authCtx := &authctx.AuthContext{
		Tier:     snapshot.TierFree,
		Features: authctx.FeatureFlags{AllowedModels: []string{"free-a"}},
	}

	req := withAuthCtx(httptest.NewRequest(http.MethodGet, "/models", nil), authCtx)
	rec := httptest.NewRecorder()

	s.handleModels(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Models []wireModel `json:"models"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if len(body.Models) != 1 || body.Models[0].ID != "free-a" {
		t.Fatalf("models = %+v, want only free-a", body.Models)
	}
}

func TestHandleModelsWildcardSeesEverythingNonDeprecated(t *testing.T) {
	fetcher := &fakeModelFetcher{models: []catalog.ModelDescriptor{
		{ID: "model-a"},
		{ID: "model-b"},
		{ID: "model-c", Deprecated: true},
	}}
	s := &Server{catalog: catalog.New(fetcher, time.Minute)}

	authCtx := &authctx.AuthContext{
		Tier:     snapshot.TierEnterprise,
		Features: authctx.FeatureFlags{AllowedModels: []string{authctx.WildcardModel}},
	}

	req := withAuthCtx(httptest.NewRequest(http.MethodGet, "/models", nil), authCtx)
	rec := httptest.NewRecorder()

	s.handleModels(rec, req)

	var body struct {
		Models []wireModel `json:"models"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if len(body.Models) != 2 {
		t.Fatalf("models = %+v, want model-a and model-b only (model-c deprecated)", body.Models)
	}
}
