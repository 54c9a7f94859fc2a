// Package blob implements the attachment (C11) object store: a local-disk
// StorageProvider in the teacher's media.LocalStorage shape, plus HMAC-signed
// GET URLs since no object-store SDK in the example pack ships pre-signed
// URLs out of the box for a plain filesystem backend.
package blob

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrUnsupportedContentType is returned by Put when the MIME type isn't
	// in AllowedContentTypes.
	ErrUnsupportedContentType = errors.New("content type is not allowed for attachments")
	// ErrKeyNotFound is returned by Get when no object exists at the key.
	ErrKeyNotFound = errors.New("storage key not found")
	// ErrSignatureInvalid is returned by Verify on a bad or expired token.
	ErrSignatureInvalid = errors.New("signed url is invalid or expired")
)

// AllowedContentTypes restricts attachment uploads to image MIME types,
// since the gateway only ever forwards attachments as image_url content
// blocks (SPEC_FULL.md §3).
var AllowedContentTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

// IsAllowedContentType reports whether ct (ignoring any "; charset=..."
// parameter) is accepted for attachment upload.
func IsAllowedContentType(ct string) bool {
	if i := strings.IndexByte(ct, ';'); i != -1 {
		ct = ct[:i]
	}
	return AllowedContentTypes[strings.TrimSpace(strings.ToLower(ct))]
}

// Store is a local-disk object store for attachment bytes, with HMAC-signed
// time-limited GET URLs minted against signingKey.
type Store struct {
	basePath   string
	publicURL  string
	signingKey []byte
}

// New creates a Store rooted at basePath, serving signed URLs under
// publicURL (e.g. "https://gateway.internal/blob"). signingKey seals every
// minted URL's expiry so tokens can't be forged or extended.
func New(basePath, publicURL, signingKey string) (*Store, error) {
	if signingKey == "" {
		return nil, errors.New("blob: signing key must not be empty")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create base directory: %w", err)
	}
	return &Store{
		basePath:   basePath,
		publicURL:  strings.TrimRight(publicURL, "/"),
		signingKey: []byte(signingKey),
	}, nil
}

// Put writes r's contents under bucket/path, rejecting content types outside
// AllowedContentTypes.
func (s *Store) Put(_ context.Context, bucket, path, contentType string, r io.Reader) error {
	if !IsAllowedContentType(contentType) {
		return ErrUnsupportedContentType
	}

	fullPath := filepath.Join(s.basePath, bucket, path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("blob: create directory: %w", err)
	}

	f, err := os.Create(fullPath)
	if err != nil {
		return fmt.Errorf("blob: create file: %w", err)
	}

	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(fullPath)
		return fmt.Errorf("blob: write file: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(fullPath)
		return fmt.Errorf("blob: close file: %w", err)
	}
	return nil
}

// Get opens bucket/path for reading. Returns ErrKeyNotFound if absent.
func (s *Store) Get(_ context.Context, bucket, path string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.basePath, bucket, path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("blob: open file: %w", err)
	}
	return f, nil
}

// Delete removes bucket/path. Missing keys are not an error.
func (s *Store) Delete(_ context.Context, bucket, path string) error {
	if err := os.Remove(filepath.Join(s.basePath, bucket, path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob: delete file: %w", err)
	}
	return nil
}

// SignGet implements attachment.BlobStore: mints a GET URL for bucket/path
// valid until ttl elapses, sealed with an HMAC-SHA256 tag over
// bucket/path/expiry so the token can't be tampered with or reused past
// expiry.
func (s *Store) SignGet(_ context.Context, bucket, path string, ttl time.Duration) (string, error) {
	expiry := time.Now().Add(ttl).Unix()
	sig := s.sign(bucket, path, expiry)

	q := url.Values{}
	q.Set("exp", strconv.FormatInt(expiry, 10))
	q.Set("sig", sig)

	return fmt.Sprintf("%s/%s/%s?%s", s.publicURL, bucket, url.PathEscape(path), q.Encode()), nil
}

// Verify checks a previously minted signature for bucket/path/expiry,
// rejecting it once expiry has passed or the signature doesn't match.
func (s *Store) Verify(bucket, path string, expiry int64, sig string) error {
	if time.Now().Unix() > expiry {
		return ErrSignatureInvalid
	}
	want := s.sign(bucket, path, expiry)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrSignatureInvalid
	}
	return nil
}

func (s *Store) sign(bucket, path string, expiry int64) string {
	mac := hmac.New(sha256.New, s.signingKey)
	mac.Write([]byte(bucket))
	mac.Write([]byte{0})
	mac.Write([]byte(path))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(expiry, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}
