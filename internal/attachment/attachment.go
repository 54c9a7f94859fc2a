// Package attachment implements the attachment resolver (C11): validating
// ownership of uploaded image attachments, minting short-lived signed URLs,
// and producing the image_url content blocks inserted into outgoing chat
// requests.
package attachment

import (
	"context"
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
)

// Attachment mirrors an uploaded blob's ownership and linkage metadata.
type Attachment struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	MIME           string    `json:"mime"`
	StorageBucket  string    `json:"storageBucket"`
	StoragePath    string    `json:"storagePath"`
	Status         Status    `json:"status"`
	SessionID      string    `json:"sessionId,omitempty"`
	MessageID      string    `json:"messageId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Store is the persistence contract for attachment rows. Implemented
// alongside convo.Store by the same backend (postgres/sqlite3), the way the
// teacher's Postgres type implements multiple service storer interfaces.
type Store interface {
	// CreateAttachment inserts a new row in StatusReady, owned by userID.
	CreateAttachment(ctx context.Context, a Attachment) error

	// GetAttachments fetches rows by id, in no particular guaranteed order;
	// callers must re-order by the ids they passed.
	GetAttachments(ctx context.Context, ids []string) ([]Attachment, error)

	// LinkAttachments binds the given attachment ids to messageID, but only
	// for rows that are still unlinked (MessageID == ""), and only up to 3.
	// Already-linked rows are left untouched (idempotent).
	LinkAttachments(ctx context.Context, messageID string, ids []string) error

	// ListExpiredAttachments returns rows still unlinked (MessageID == "")
	// and created before cutoff: candidates for the retention sweep.
	ListExpiredAttachments(ctx context.Context, cutoff time.Time) ([]Attachment, error)

	// DeleteAttachments removes rows by id. Used by the cleanup sweep once
	// the backing blob has already been deleted.
	DeleteAttachments(ctx context.Context, ids []string) error
}

// BlobStore mints short-lived signed URLs for reading an attachment's bytes
// from whatever object store backs Blob.URL (S3-compatible, GCS, etc.).
type BlobStore interface {
	// SignGet returns a GET URL valid for at most ttl (the resolver caps
	// this at 300s regardless of what's requested).
	SignGet(ctx context.Context, bucket, path string, ttl time.Duration) (string, error)
}

// ContentBlock is one entry of a multimodal message's content list, the
// shape the Router's chat-completions wire protocol expects.
type ContentBlock struct {
	Type     string    `json:"type"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}
