package attachment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rakunlabs/gatekeep/internal/apierr"
)

type fakeStore struct {
	rows   map[string]Attachment
	linked map[string][]string
}

func (f *fakeStore) GetAttachments(_ context.Context, ids []string) ([]Attachment, error) {
	var out []Attachment
	for _, id := range ids {
		if row, ok := f.rows[id]; ok {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeStore) LinkAttachments(_ context.Context, messageID string, ids []string) error {
	if f.linked == nil {
		f.linked = map[string][]string{}
	}
	f.linked[messageID] = ids
	return nil
}

func (f *fakeStore) CreateAttachment(_ context.Context, a Attachment) error {
	if f.rows == nil {
		f.rows = map[string]Attachment{}
	}
	f.rows[a.ID] = a
	return nil
}

func (f *fakeStore) ListExpiredAttachments(_ context.Context, cutoff time.Time) ([]Attachment, error) {
	var out []Attachment
	for _, row := range f.rows {
		if row.MessageID == "" && row.CreatedAt.Before(cutoff) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteAttachments(_ context.Context, ids []string) error {
	for _, id := range ids {
		delete(f.rows, id)
	}
	return nil
}

type fakeBlobs struct{ fail bool }

func (f *fakeBlobs) SignGet(_ context.Context, bucket, path string, ttl time.Duration) (string, error) {
	if f.fail {
		return "", errors.New("blob store unavailable")
	}
	return "https://blobs.example.com/" + bucket + "/" + path + "?ttl=" + ttl.String(), nil
}

type fakeModels struct{ imageOK bool }

func (f *fakeModels) AcceptsImageInput(string) bool { return f.imageOK }

func apiCode(t *testing.T, err error) apierr.Code {
	t.Helper()
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *apierr.Error, got %T: %v", err, err)
	}
	return apiErr.Code
}

func TestResolveSuccess(t *testing.T) {
	store := &fakeStore{rows: map[string]Attachment{
		"a1": {ID: "a1", UserID: "u1", Status: StatusReady, StorageBucket: "b", StoragePath: "p1"},
		"a2": {ID: "a2", UserID: "u1", Status: StatusReady, StorageBucket: "b", StoragePath: "p2"},
	}}
	r := NewResolver(store, &fakeBlobs{}, &fakeModels{imageOK: true})

	blocks, err := r.Resolve(context.Background(), []string{"a1", "a2"}, "u1", "gpt-4o")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("len(blocks) = %d, want 2", len(blocks))
	}
	if blocks[0].Type != "image_url" || blocks[0].ImageURL == nil {
		t.Fatalf("unexpected block shape: %+v", blocks[0])
	}
}

func TestResolveWrongOwner(t *testing.T) {
	store := &fakeStore{rows: map[string]Attachment{
		"a1": {ID: "a1", UserID: "other-user", Status: StatusReady},
	}}
	r := NewResolver(store, &fakeBlobs{}, &fakeModels{imageOK: true})

	_, err := r.Resolve(context.Background(), []string{"a1"}, "u1", "gpt-4o")
	if apiCode(t, err) != apierr.CodeAttachmentInvalid {
		t.Fatalf("expected ATTACHMENT_INVALID, got %v", err)
	}
}

func TestResolveNotReady(t *testing.T) {
	store := &fakeStore{rows: map[string]Attachment{
		"a1": {ID: "a1", UserID: "u1", Status: StatusPending},
	}}
	r := NewResolver(store, &fakeBlobs{}, &fakeModels{imageOK: true})

	_, err := r.Resolve(context.Background(), []string{"a1"}, "u1", "gpt-4o")
	if apiCode(t, err) != apierr.CodeAttachmentInvalid {
		t.Fatalf("expected ATTACHMENT_INVALID, got %v", err)
	}
}

func TestResolveAlreadyLinked(t *testing.T) {
	store := &fakeStore{rows: map[string]Attachment{
		"a1": {ID: "a1", UserID: "u1", Status: StatusReady, MessageID: "m-existing"},
	}}
	r := NewResolver(store, &fakeBlobs{}, &fakeModels{imageOK: true})

	_, err := r.Resolve(context.Background(), []string{"a1"}, "u1", "gpt-4o")
	if apiCode(t, err) != apierr.CodeAttachmentInvalid {
		t.Fatalf("expected ATTACHMENT_INVALID, got %v", err)
	}
}

func TestResolveTooMany(t *testing.T) {
	store := &fakeStore{rows: map[string]Attachment{}}
	r := NewResolver(store, &fakeBlobs{}, &fakeModels{imageOK: true})

	_, err := r.Resolve(context.Background(), []string{"a1", "a2", "a3", "a4"}, "u1", "gpt-4o")
	if apiCode(t, err) != apierr.CodeAttachmentLimit {
		t.Fatalf("expected ATTACHMENT_LIMIT, got %v", err)
	}
}

func TestResolveModelNoImageSupport(t *testing.T) {
	store := &fakeStore{rows: map[string]Attachment{
		"a1": {ID: "a1", UserID: "u1", Status: StatusReady},
	}}
	r := NewResolver(store, &fakeBlobs{}, &fakeModels{imageOK: false})

	_, err := r.Resolve(context.Background(), []string{"a1"}, "u1", "text-only-model")
	if apiCode(t, err) != apierr.CodeAttachmentInvalid {
		t.Fatalf("expected ATTACHMENT_INVALID, got %v", err)
	}
}

func TestResolveEmptyIDsIsNoop(t *testing.T) {
	r := NewResolver(&fakeStore{}, &fakeBlobs{}, &fakeModels{imageOK: true})

	blocks, err := r.Resolve(context.Background(), nil, "u1", "gpt-4o")
	if err != nil || blocks != nil {
		t.Fatalf("expected nil, nil for empty ids, got %v, %v", blocks, err)
	}
}

func TestLinkCapsAtThree(t *testing.T) {
	store := &fakeStore{rows: map[string]Attachment{}}
	r := NewResolver(store, &fakeBlobs{}, &fakeModels{imageOK: true})

	if err := r.Link(context.Background(), "m1", []string{"a1", "a2", "a3", "a4"}); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if len(store.linked["m1"]) != 3 {
		t.Fatalf("linked %d ids, want 3", len(store.linked["m1"]))
	}
}
