package attachment

import (
	"context"
	"fmt"
	"time"

	"github.com/rakunlabs/gatekeep/internal/apierr"
)

const (
	maxSignedURLTTL = 300 * time.Second
	maxPerMessage   = 3
)

// ModelModalities reports whether a model accepts image input, the only
// fact the resolver needs from the catalog.
type ModelModalities interface {
	AcceptsImageInput(modelID string) bool
}

// Resolver implements the attachment resolver contract (C11): validating
// ownership, checking model modality support, and minting signed URLs.
type Resolver struct {
	store  Store
	blobs  BlobStore
	models ModelModalities
}

func NewResolver(store Store, blobs BlobStore, models ModelModalities) *Resolver {
	return &Resolver{store: store, blobs: blobs, models: models}
}

// Resolve fetches and validates the given attachment ids for userID,
// mints signed URLs, and returns image_url content blocks in the same
// order the ids were given.
func (r *Resolver) Resolve(ctx context.Context, ids []string, userID, modelID string) ([]ContentBlock, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	if len(ids) > maxPerMessage {
		return nil, apierr.NewAttachmentLimit("at most %d attachments per message, got %d", maxPerMessage, len(ids))
	}

	if !r.models.AcceptsImageInput(modelID) {
		return nil, apierr.NewAttachmentInvalid("model %q does not accept image attachments", modelID)
	}

	rows, err := r.store.GetAttachments(ctx, ids)
	if err != nil {
		return nil, apierr.NewInternal(err, "fetch attachments")
	}

	byID := make(map[string]Attachment, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}

	blocks := make([]ContentBlock, 0, len(ids))
	for _, id := range ids {
		row, ok := byID[id]
		if !ok {
			return nil, apierr.NewAttachmentInvalid("attachment %q not found", id)
		}

		if row.UserID != userID {
			return nil, apierr.NewAttachmentInvalid("attachment %q is not owned by the caller", id)
		}

		if row.Status != StatusReady {
			return nil, apierr.NewAttachmentInvalid("attachment %q is not ready (status=%s)", id, row.Status)
		}

		if row.MessageID != "" {
			return nil, apierr.NewAttachmentInvalid("attachment %q is already linked to a message", id)
		}

		url, err := r.blobs.SignGet(ctx, row.StorageBucket, row.StoragePath, maxSignedURLTTL)
		if err != nil {
			return nil, apierr.NewInternal(err, "sign attachment %q", id)
		}

		blocks = append(blocks, ContentBlock{
			Type:     "image_url",
			ImageURL: &ImageURL{URL: url},
		})
	}

	return blocks, nil
}

// Link binds the given attachment ids to messageID after a chat completes
// successfully, capping at maxPerMessage (the caller is expected to have
// already enforced this at Resolve time, but we guard again here since
// this runs on a separate, best-effort path).
func (r *Resolver) Link(ctx context.Context, messageID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) > maxPerMessage {
		ids = ids[:maxPerMessage]
	}

	if err := r.store.LinkAttachments(ctx, messageID, ids); err != nil {
		return fmt.Errorf("link attachments to message %q: %w", messageID, err)
	}

	return nil
}
