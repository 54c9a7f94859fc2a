package server

import (
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/gatekeep/internal/apierr"
	"github.com/rakunlabs/gatekeep/internal/attachment"
	"github.com/rakunlabs/gatekeep/internal/blob"
)

const (
	maxUploadBytes   = 10 << 20 // 10MiB
	attachmentBucket = "attachments"
	attachmentTTL    = 72 * time.Hour
)

// handleAttachmentUpload implements POST /attachments/upload: accepts a
// single-file multipart upload, stores the blob, and creates the owning
// attachment row in StatusReady.
func (s *Server) handleAttachmentUpload(w http.ResponseWriter, r *http.Request) {
	authCtx := authFromContext(r)

	if s.blobs == nil {
		writeAPIError(w, apierr.NewInternal(nil, "attachment storage is not configured"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeAPIError(w, apierr.NewBadRequest("invalid multipart upload: %v", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeAPIError(w, apierr.NewBadRequest("missing \"file\" part: %v", err))
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if !blob.IsAllowedContentType(contentType) {
		writeAPIError(w, apierr.NewAttachmentInvalid("content type %q is not permitted", contentType))
		return
	}

	id := ulid.Make().String()
	storagePath := authCtx.User.ID + "/" + id

	if err := s.blobs.Put(r.Context(), attachmentBucket, storagePath, contentType, file); err != nil {
		writeAPIError(w, apierr.NewInternal(err, "store attachment"))
		return
	}

	row := attachment.Attachment{
		ID:            id,
		UserID:        authCtx.User.ID,
		MIME:          contentType,
		StorageBucket: attachmentBucket,
		StoragePath:   storagePath,
		Status:        attachment.StatusReady,
		CreatedAt:     time.Now().UTC(),
	}

	if err := s.convo.CreateAttachment(r.Context(), row); err != nil {
		_ = s.blobs.Delete(r.Context(), attachmentBucket, storagePath)
		writeAPIError(w, apierr.NewInternal(err, "record attachment"))
		return
	}

	httpResponseJSON(w, map[string]any{
		"id":     id,
		"mime":   contentType,
		"status": string(attachment.StatusReady),
	}, http.StatusCreated)
}

// handleAttachmentRetention implements POST /internal/attachments/retention:
// triggered by an external scheduler (the cron job itself is an external
// collaborator, not part of this gateway) to flag attachments that were
// never linked to a message within attachmentTTL.
func (s *Server) handleAttachmentRetention(w http.ResponseWriter, r *http.Request) {
	cutoff := time.Now().Add(-attachmentTTL)

	expired, err := s.convo.ListExpiredAttachments(r.Context(), cutoff)
	if err != nil {
		writeAPIError(w, apierr.NewInternal(err, "list expired attachments"))
		return
	}

	ids := make([]string, 0, len(expired))
	for _, a := range expired {
		ids = append(ids, a.ID)
	}

	httpResponseJSON(w, map[string]any{"expired": ids, "count": len(ids)}, http.StatusOK)
}

// handleAttachmentCleanup implements POST /internal/attachments/cleanup:
// deletes the blob and row for every attachment the retention pass flagged.
func (s *Server) handleAttachmentCleanup(w http.ResponseWriter, r *http.Request) {
	cutoff := time.Now().Add(-attachmentTTL)

	expired, err := s.convo.ListExpiredAttachments(r.Context(), cutoff)
	if err != nil {
		writeAPIError(w, apierr.NewInternal(err, "list expired attachments"))
		return
	}

	ids := make([]string, 0, len(expired))
	for _, a := range expired {
		if s.blobs != nil {
			if err := s.blobs.Delete(r.Context(), a.StorageBucket, a.StoragePath); err != nil {
				continue
			}
		}
		ids = append(ids, a.ID)
	}

	if err := s.convo.DeleteAttachments(r.Context(), ids); err != nil {
		writeAPIError(w, apierr.NewInternal(err, "delete attachment rows"))
		return
	}

	httpResponseJSON(w, map[string]any{"deleted": ids, "count": len(ids)}, http.StatusOK)
}
