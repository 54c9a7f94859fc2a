package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/alan"
	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

var Service = ""

type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	Server    Server      `cfg:"server"`
	Store     Store       `cfg:"store"`
	Cache     Cache       `cfg:"cache"`
	Router    Router      `cfg:"router"`
	Identity  Identity    `cfg:"identity"`
	Blob      Blob        `cfg:"blob"`
	RateLimit RateLimit   `cfg:"rate_limit"`
	Stream    Stream      `cfg:"stream"`
	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

type Server struct {
	BasePath string `cfg:"base_path"`

	Port string `cfg:"port" default:"8080"`
	Host string `cfg:"host"`

	// ForwardAuth, if set, sends every request through an external
	// forward-auth service before routing, in addition to the per-route
	// auth presets (admin routes included).
	ForwardAuth *mforwardauth.ForwardAuth `cfg:"forward_auth"`

	// AdminToken is not read by the server: access to /admin/* is decided
	// by the caller's account type in the auth snapshot.
	AdminToken string `cfg:"admin_token" log:"-"`

	// InternalSharedSecret protects the /internal/* maintenance endpoints
	// (attachment retention/cleanup) with a shared-secret header instead of
	// user authentication.
	InternalSharedSecret string `cfg:"internal_shared_secret" log:"-"`

	// Alan, if set, enables distributed clustering via UDP peer discovery,
	// used here to propagate runtime stream-flag changes across instances.
	Alan *alan.Config `cfg:"alan"`
}

// Store configures the conversation persistence facade (C12) backend.
// Exactly one of Postgres/SQLite should be set; Postgres takes precedence.
type Store struct {
	Postgres *StorePostgres `cfg:"postgres"`
	SQLite   *StoreSQLite   `cfg:"sqlite"`

	// EncryptionKey, if set, enables AES-256-GCM encryption of message
	// content at rest. Any non-empty string works; it is hashed to a
	// 32-byte key internally. Empty disables encryption.
	EncryptionKey string `cfg:"encryption_key" log:"-"`
}

type StorePostgres struct {
	TablePrefix     *string        `cfg:"table_prefix"`
	Datasource      string         `cfg:"datasource" log:"-"`
	Schema          string         `cfg:"schema"`
	ConnMaxLifetime *time.Duration `cfg:"conn_max_lifetime"`
	MaxIdleConns    *int           `cfg:"max_idle_conns"`
	MaxOpenConns    *int           `cfg:"max_open_conns"`

	Migrate Migrate `cfg:"migrate"`
}

type StoreSQLite struct {
	TablePrefix *string `cfg:"table_prefix"`
	Datasource  string  `cfg:"datasource"`

	Migrate Migrate `cfg:"migrate"`
}

type Migrate struct {
	Datasource string            `cfg:"datasource" log:"-"`
	Schema     string            `cfg:"schema"`
	Table      string            `cfg:"table"`
	Values     map[string]string `cfg:"values"`
}

// Cache configures the shared Valkey/Redis connection used by the auth
// snapshot cache (C1) and the rate limiter (C4).
type Cache struct {
	// URL is a redis:// or valkey:// DSN. Required.
	URL string `cfg:"url" log:"-"`

	// SnapshotTTL is the default TTL for cached auth snapshots.
	SnapshotTTL time.Duration `cfg:"snapshot_ttl" default:"900s"`
}

// Router configures the upstream LLM aggregator this gateway fronts.
type Router struct {
	// URL is the Router base URL, e.g. "https://router.example.com"; the
	// client appends /v1/chat/completions and /v1/models to it.
	URL string `cfg:"url"`

	// APIKey authenticates this gateway to Router as a static Bearer token.
	APIKey string `cfg:"api_key" log:"-"`

	// ModelCatalogTTL controls how long the cached model descriptor list
	// (C6) is considered fresh before a background refetch.
	ModelCatalogTTL time.Duration `cfg:"model_catalog_ttl" default:"300s"`

	// RequestTimeout is not read: the router client caps every call
	// (buffered, streaming and model listing) at a fixed 300s.
	RequestTimeout time.Duration `cfg:"request_timeout" default:"300s"`
}

// Identity configures the external identity provider used to validate
// bearer tokens / session cookies (C2).
type Identity struct {
	URL string `cfg:"url"`

	// APIKey authenticates this gateway to the identity provider as a
	// static Bearer token, separate from the end-user credential being
	// verified.
	APIKey string `cfg:"api_key" log:"-"`

	// PublicKey is accepted but not used: the identity client verifies
	// every token with a call to URL.
	PublicKey string `cfg:"public_key" log:"-"`

	// CookieName, if set, is checked for a session credential before the
	// Authorization header (C2's precedence order).
	CookieName string `cfg:"cookie_name" default:"gatekeep_session"`
}

// Blob configures the attachment blob store (C11).
type Blob struct {
	// URL is the public base URL signed attachment links are minted under.
	URL string `cfg:"url" log:"-"`

	// BasePath is the local filesystem root attachment blobs are stored
	// under. There is no object-store SDK in play; this gateway's own
	// signed-URL scheme fronts a plain disk-backed store.
	BasePath string `cfg:"base_path" default:"./data/attachments"`

	// SigningKey seals short-lived signed-URL tokens minted for attachments.
	SigningKey string `cfg:"signing_key" log:"-"`
}

// RateLimit overrides the default tier matrix (C4 §4.4). Leave Limits empty
// to use the built-in defaults.
type RateLimit struct {
	// Limits, if non-empty, overrides the whole tier matrix. Parsed from
	// RATE_LIMITS_JSON in the environment-loader convention, e.g.:
	//   {"A":{"anonymous":10,"free":20,"pro":200,"enterprise":500}, ...}
	Limits string `cfg:"limits_json"`
}

// Stream carries the three runtime booleans the stream transformer (C9)
// consults. Deliberately unexported mechanism name at the call site; these
// are plain config fields, not a named feature-flagging subsystem.
type Stream struct {
	MarkersEnabled   bool `cfg:"markers_enabled" default:"false"`
	ReasoningEnabled bool `cfg:"reasoning_enabled" default:"false"`
	Debug            bool `cfg:"debug" default:"false"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("GATEKEEP_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
