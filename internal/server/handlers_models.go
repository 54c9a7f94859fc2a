package server

import (
	"net/http"

	"github.com/rakunlabs/gatekeep/internal/apierr"
	"github.com/rakunlabs/gatekeep/internal/authctx"
)

type wireModel struct {
	ID                string   `json:"id"`
	DisplayName       string   `json:"displayName"`
	InputModalities   []string `json:"inputModalities"`
	OutputModalities  []string `json:"outputModalities"`
	ContextWindow     int      `json:"contextWindow"`
	SupportsReasoning bool     `json:"supportsReasoning"`
	Free              bool     `json:"free"`
}

// handleModels implements GET /models: the non-deprecated catalog models
// the caller's tier allows (all of them for the wildcard allowlist), for
// anonymous and authenticated callers alike.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	authCtx := authFromContext(r)

	models, err := s.catalog.Active(r.Context())
	if err != nil {
		writeAPIError(w, apierr.NewInternal(err, "load model catalog"))
		return
	}

	allowed := map[string]bool{}
	wildcard := len(authCtx.Features.AllowedModels) == 1 && authCtx.Features.AllowedModels[0] == authctx.WildcardModel
	if !wildcard {
		for _, id := range authCtx.Features.AllowedModels {
			allowed[id] = true
		}
	}

	out := make([]wireModel, 0, len(models))
	for _, m := range models {
		if m.Deprecated {
			continue
		}
		if !wildcard && !allowed[m.ID] {
			continue
		}
		out = append(out, wireModel{
			ID:                m.ID,
			DisplayName:       m.DisplayName,
			InputModalities:   m.InputModalities,
			OutputModalities:  m.OutputModalities,
			ContextWindow:     m.ContextWindow,
			SupportsReasoning: m.SupportsReasoning,
			Free:              m.Free,
		})
	}

	httpResponseJSON(w, map[string]any{"models": out}, http.StatusOK)
}
