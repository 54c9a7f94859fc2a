// Package store selects and wires the concrete conversation persistence
// backend (postgres or sqlite3) behind the convo.Store / attachment.Store
// interfaces the gateway core depends on.
package store

import (
	"context"
	"errors"

	"github.com/rakunlabs/gatekeep/internal/attachment"
	"github.com/rakunlabs/gatekeep/internal/config"
	"github.com/rakunlabs/gatekeep/internal/convo"
	"github.com/rakunlabs/gatekeep/internal/crypto"
	"github.com/rakunlabs/gatekeep/internal/store/postgres"
	"github.com/rakunlabs/gatekeep/internal/store/sqlite3"
)

// ConversationStore combines the conversation and attachment persistence
// contracts with a Close method, the shape a single backend (postgres or
// sqlite3) implements in full.
type ConversationStore interface {
	convo.Store
	attachment.Store
	Close()
}

// New creates a ConversationStore based on the given store configuration.
// Postgres takes precedence when both are configured.
func New(ctx context.Context, cfg config.Store) (ConversationStore, error) {
	var encKey []byte
	if cfg.EncryptionKey != "" {
		var err error
		encKey, err = crypto.DeriveKey(cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
	}

	var backend ConversationStore
	var err error

	switch {
	case cfg.Postgres != nil:
		backend, err = postgres.New(ctx, cfg.Postgres, encKey)
	case cfg.SQLite != nil:
		backend, err = sqlite3.New(ctx, cfg.SQLite, encKey)
	default:
		return nil, errors.New("no store configured")
	}

	if err != nil {
		return nil, err
	}

	return backend, nil
}
