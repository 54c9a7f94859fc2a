package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/rakunlabs/gatekeep/internal/apierr"
)

type wireBanRequest struct {
	Reason string     `json:"reason"`
	Until  *time.Time `json:"until,omitempty"`
}

type wireUnbanRequest struct {
	Reason string `json:"reason"`
}

// handleBan implements POST /admin/users/{id}/ban.
func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if userID == "" {
		writeAPIError(w, apierr.NewBadRequest("missing user id"))
		return
	}

	var body wireBanRequest
	if err := decodeJSON(r, &body); err != nil {
		writeAPIError(w, err)
		return
	}
	if body.Reason == "" {
		writeAPIError(w, apierr.NewBadRequest("reason is required"))
		return
	}

	if err := s.banStore.SetBanned(r.Context(), userID, true, body.Reason, body.Until); err != nil {
		writeAPIError(w, apierr.NewInternal(err, "set ban"))
		return
	}

	if err := s.snapshots.Invalidate(r.Context(), userID); err != nil {
		slog.WarnContext(r.Context(), "ban: failed to invalidate auth snapshot cache", "user_id", userID, "error", err)
	}

	httpResponseJSON(w, map[string]any{"userId": userID, "banned": true}, http.StatusOK)
}

// handleUnban implements POST /admin/users/{id}/unban.
func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if userID == "" {
		writeAPIError(w, apierr.NewBadRequest("missing user id"))
		return
	}

	var body wireUnbanRequest
	if err := decodeJSON(r, &body); err != nil {
		writeAPIError(w, err)
		return
	}

	if err := s.banStore.SetBanned(r.Context(), userID, false, body.Reason, nil); err != nil {
		writeAPIError(w, apierr.NewInternal(err, "clear ban"))
		return
	}

	if err := s.snapshots.Invalidate(r.Context(), userID); err != nil {
		slog.WarnContext(r.Context(), "unban: failed to invalidate auth snapshot cache", "user_id", userID, "error", err)
	}

	httpResponseJSON(w, map[string]any{"userId": userID, "banned": false}, http.StatusOK)
}
