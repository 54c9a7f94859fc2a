// Package identity is the HTTP-backed client for the external identity
// provider: it implements both authctx.IdentityVerifier (token → userID) and
// snapshot.Store (userID → authoritative profile), the two seams the
// teacher's LLMProvider/ProviderFactory pattern generalizes to an external
// account service instead of an LLM backend.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/gatekeep/internal/snapshot"
)

// Client talks to the identity provider over HTTP via klient, the same
// client wrapper the router package uses for the upstream Router.
type Client struct {
	client *klient.Client
}

func New(baseURL, apiKey string) (*Client, error) {
	headers := http.Header{}
	if apiKey != "" {
		headers.Set("Authorization", "Bearer "+apiKey)
	}

	c, err := klient.New(
		klient.WithBaseURL(baseURL),
		klient.WithHeaderSet(headers),
		klient.WithDisableEnvValues(true),
	)
	if err != nil {
		return nil, fmt.Errorf("build identity client: %w", err)
	}

	return &Client{client: c}, nil
}

type verifyResponse struct {
	UserID string `json:"userId"`
}

// Verify implements authctx.IdentityVerifier: exchanges a bearer/cookie
// credential for a stable user id.
func (c *Client) Verify(ctx context.Context, credential string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "/v1/verify", nil)
	if err != nil {
		return "", fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)

	var out verifyResponse
	var statusErr error
	if err := c.client.Do(req, func(r *http.Response) error {
		if r.StatusCode >= 400 {
			statusErr = fmt.Errorf("identity verify: status %d", r.StatusCode)
			return nil
		}
		return json.NewDecoder(r.Body).Decode(&out)
	}); err != nil {
		return "", fmt.Errorf("identity verify request: %w", err)
	}
	if statusErr != nil {
		return "", statusErr
	}

	return out.UserID, nil
}

type profileResponse struct {
	UserID      string     `json:"userId"`
	Tier        string     `json:"tier"`
	AccountType string     `json:"accountType"`
	Banned      bool       `json:"banned"`
	BannedUntil *time.Time `json:"bannedUntil,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// LoadSnapshot implements snapshot.Store: the authoritative fallback the
// cache (C1) calls through to on a cache miss.
func (c *Client) LoadSnapshot(ctx context.Context, userID string) (*snapshot.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "/v1/users/"+userID+"/profile", nil)
	if err != nil {
		return nil, fmt.Errorf("build profile request: %w", err)
	}

	var out profileResponse
	var statusErr error
	if err := c.client.Do(req, func(r *http.Response) error {
		if r.StatusCode >= 400 {
			statusErr = fmt.Errorf("identity profile: status %d", r.StatusCode)
			return nil
		}
		return json.NewDecoder(r.Body).Decode(&out)
	}); err != nil {
		return nil, fmt.Errorf("identity profile request: %w", err)
	}
	if statusErr != nil {
		return nil, statusErr
	}

	s := &snapshot.Snapshot{
		UserID:      out.UserID,
		Tier:        snapshot.Tier(out.Tier),
		AccountType: out.AccountType,
		Banned:      out.Banned,
		BannedUntil: out.BannedUntil,
		UpdatedAt:   out.UpdatedAt,
		V:           1,
	}
	if s.UserID == "" {
		s.UserID = userID
	}
	if s.Tier == "" {
		s.Tier = snapshot.TierFree
	}
	return s, nil
}

type banRequest struct {
	Reason string     `json:"reason"`
	Until  *time.Time `json:"until,omitempty"`
}

// SetBanned writes the ban decision to the identity provider. The caller is
// responsible for invalidating the auth snapshot cache afterwards so the
// next request observes the new state.
func (c *Client) SetBanned(ctx context.Context, userID string, banned bool, reason string, until *time.Time) error {
	path := "/v1/users/" + userID + "/unban"
	if banned {
		path = "/v1/users/" + userID + "/ban"
	}

	body, err := json.Marshal(banRequest{Reason: reason, Until: until})
	if err != nil {
		return fmt.Errorf("marshal ban request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ban request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var statusErr error
	if err := c.client.Do(req, func(r *http.Response) error {
		if r.StatusCode >= 400 {
			statusErr = fmt.Errorf("identity ban: status %d", r.StatusCode)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("identity ban request: %w", err)
	}

	return statusErr
}
