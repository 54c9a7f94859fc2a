// Package snapshot implements the auth snapshot cache (C1): a small, hot,
// authoritative view of the attributes needed on every authenticated
// request, cached through Valkey/Redis with graceful degradation to the
// persistence facade when the cache is unavailable.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix         = "auth:snapshot:user:"
	schemaVersion     = 1
	defaultTTLSeconds = 900
)

type Tier string

const (
	TierAnonymous  Tier = "anonymous"
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Snapshot is the cached view of a user's account standing.
type Snapshot struct {
	UserID      string     `json:"userId"`
	Tier        Tier       `json:"tier"`
	AccountType string     `json:"accountType"`
	Banned      bool       `json:"banned"`
	BannedUntil *time.Time `json:"bannedUntil,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	V           int        `json:"v"`
}

// Store is the authoritative persistence facade backing the cache: the
// system of record for account standing (out of this gateway's scope; the
// core only consumes this interface).
type Store interface {
	LoadSnapshot(ctx context.Context, userID string) (*Snapshot, error)
}

func cacheKey(userID string) string {
	return keyPrefix + userID
}

// Cache is the cache-through facade over Store. Callers always get a
// Snapshot on success, regardless of whether the shared cache is reachable.
type Cache struct {
	client *redis.Client
	store  Store
	ttl    time.Duration
}

func New(client *redis.Client, store Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultTTLSeconds * time.Second
	}
	return &Cache{client: client, store: store, ttl: ttl}
}

// GetSnapshot returns the cached snapshot for userID, falling back to the
// persistence facade (and writing the result behind the cache) on a miss.
// If the shared cache is unreachable, it calls the facade directly instead
// of failing the request — availability of the cache is never a condition
// for request success.
func (c *Cache) GetSnapshot(ctx context.Context, userID string) (*Snapshot, error) {
	if c.client != nil {
		val, err := c.client.Get(ctx, cacheKey(userID)).Result()
		switch {
		case err == nil:
			var snap Snapshot
			if jsonErr := json.Unmarshal([]byte(val), &snap); jsonErr == nil && snap.V == schemaVersion {
				return &snap, nil
			}
			slog.Warn("auth snapshot cache: discarding stale/invalid entry", "user_id", userID)
		case errors.Is(err, redis.Nil):
			// cache miss, fall through to facade
		default:
			slog.Warn("auth snapshot cache: read failed, degrading to facade", "user_id", userID, "error", err, "degraded", true)
		}
	}

	snap, err := c.store.LoadSnapshot(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load auth snapshot for %q: %w", userID, err)
	}
	snap.V = schemaVersion

	c.writeThrough(ctx, userID, snap)

	return snap, nil
}

func (c *Cache) writeThrough(ctx context.Context, userID string, snap *Snapshot) {
	if c.client == nil {
		return
	}

	data, err := json.Marshal(snap)
	if err != nil {
		slog.Warn("auth snapshot cache: marshal failed", "user_id", userID, "error", err)
		return
	}

	if err := c.client.Set(ctx, cacheKey(userID), data, c.ttl).Err(); err != nil {
		slog.Warn("auth snapshot cache: write-behind failed", "user_id", userID, "error", err, "degraded", true)
	}
}

// Invalidate deletes the cached snapshot for userID. Called on admin
// ban/unban, tier change, or account-type change so the next read refetches
// from the facade.
func (c *Cache) Invalidate(ctx context.Context, userID string) error {
	if c.client == nil {
		return nil
	}

	if err := c.client.Del(ctx, cacheKey(userID)).Err(); err != nil {
		return fmt.Errorf("invalidate auth snapshot for %q: %w", userID, err)
	}

	return nil
}
