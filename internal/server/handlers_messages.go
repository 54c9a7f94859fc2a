package server

import (
	"net/http"
	"strconv"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/gatekeep/internal/apierr"
	"github.com/rakunlabs/gatekeep/internal/convo"
)

type wireAppendMessage struct {
	ID      string `json:"id,omitempty"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireAppendMessagesRequest struct {
	SessionID     string              `json:"sessionId"`
	Title         string              `json:"title,omitempty"`
	Messages      []wireAppendMessage `json:"messages"`
	AttachmentIDs []string            `json:"attachmentIds,omitempty"`
}

// handleAppendMessages implements POST /chat/messages: persists a batch of
// messages to a session, creating the session on first use.
func (s *Server) handleAppendMessages(w http.ResponseWriter, r *http.Request) {
	authCtx := authFromContext(r)

	var body wireAppendMessagesRequest
	if err := decodeJSON(r, &body); err != nil {
		writeAPIError(w, err)
		return
	}

	if body.SessionID == "" {
		writeAPIError(w, apierr.NewBadRequest("sessionId is required"))
		return
	}
	if len(body.Messages) == 0 {
		writeAPIError(w, apierr.NewBadRequest("messages must not be empty"))
		return
	}

	if err := s.convo.CreateSessionIfMissing(r.Context(), body.SessionID, authCtx.User.ID, body.Title); err != nil {
		writeAPIError(w, apierr.NewInternal(err, "create session"))
		return
	}

	msgs := make([]convo.Message, 0, len(body.Messages))
	for _, m := range body.Messages {
		id := m.ID
		if id == "" {
			id = ulid.Make().String()
		}
		role := convo.Role(m.Role)
		switch role {
		case convo.RoleUser, convo.RoleAssistant, convo.RoleSystem:
		default:
			writeAPIError(w, apierr.NewBadRequest("unsupported message role %q", m.Role))
			return
		}
		msgs = append(msgs, convo.Message{
			ID:        id,
			SessionID: body.SessionID,
			UserID:    authCtx.User.ID,
			Role:      role,
			Content:   m.Content,
		})
	}

	if err := s.convo.AppendMessages(r.Context(), body.SessionID, authCtx.User.ID, msgs, body.AttachmentIDs); err != nil {
		writeAPIError(w, apierr.NewInternal(err, "append messages"))
		return
	}

	httpResponseJSON(w, map[string]any{"sessionId": body.SessionID, "appended": len(msgs)}, http.StatusOK)
}

// handleReadMessages implements GET /chat/messages?session_id=....
func (s *Server) handleReadMessages(w http.ResponseWriter, r *http.Request) {
	authCtx := authFromContext(r)

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeAPIError(w, apierr.NewBadRequest("session_id query parameter is required"))
		return
	}

	msgs, err := s.convo.ReadMessages(r.Context(), sessionID, authCtx.User.ID)
	if err != nil {
		writeAPIError(w, apierr.NewInternal(err, "read messages"))
		return
	}

	httpResponseJSON(w, map[string]any{"sessionId": sessionID, "messages": msgs}, http.StatusOK)
}

const defaultSearchLimit = 20

// handleSearch implements GET /chat/search?q=...&limit=....
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	authCtx := authFromContext(r)

	q := r.URL.Query().Get("q")
	if q == "" {
		writeAPIError(w, apierr.NewBadRequest("q query parameter is required"))
		return
	}

	limit := defaultSearchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	results, err := s.convo.SearchConversations(r.Context(), authCtx.User.ID, q, limit)
	if err != nil {
		writeAPIError(w, apierr.NewInternal(err, "search conversations"))
		return
	}

	httpResponseJSON(w, map[string]any{"results": results}, http.StatusOK)
}
