// Package cluster provides distributed coordination for multiple gateway
// instances using the alan UDP peer discovery library. It wraps alan to
// provide:
//   - Distributed locking for admin operations (catalog forced refresh)
//   - Broadcasting runtime stream-flag updates to all peers
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/rakunlabs/alan"
)

const (
	// lockCatalogRefresh is the distributed lock name for a forced model
	// catalog refresh, so a fleet-wide refresh isn't triggered redundantly
	// by every instance at once.
	lockCatalogRefresh = "catalog-refresh"

	// msgTypeFlags identifies a runtime stream-flag broadcast message.
	msgTypeFlags = "stream-flags"
)

// Flags mirrors the three runtime booleans the stream transformer consults
// (see internal/stream). Kept as plain bools so they round-trip through JSON
// without depending on the stream package (avoids an import cycle).
type Flags struct {
	MarkersEnabled   bool `json:"markers_enabled"`
	ReasoningEnabled bool `json:"reasoning_enabled"`
	DebugEnabled     bool `json:"debug_enabled"`
}

type clusterMessage struct {
	Type  string `json:"type"`
	Flags Flags  `json:"flags"`
}

// Cluster wraps an alan instance with gateway-specific distributed
// coordination.
type Cluster struct {
	alan *alan.Alan
}

// New creates a Cluster from the server's alan configuration.
// Returns nil, nil if cfg is nil (clustering disabled).
func New(cfg *alan.Config) (*Cluster, error) {
	if cfg == nil {
		return nil, nil
	}

	a, err := alan.New(*cfg)
	if err != nil {
		return nil, fmt.Errorf("create alan instance: %w", err)
	}

	return &Cluster{alan: a}, nil
}

// Start begins the alan peer discovery system in the background.
// The onFlags callback is invoked when this instance receives a flag update
// broadcast from another peer.
//
// Start blocks until the context is cancelled. It should be run in a goroutine.
func (c *Cluster) Start(ctx context.Context, onFlags func(Flags)) error {
	c.alan.OnPeerJoin(func(addr *net.UDPAddr) {
		slog.Info("cluster peer joined", "addr", addr.String())
	})

	c.alan.OnPeerLeave(func(addr *net.UDPAddr) {
		slog.Info("cluster peer left", "addr", addr.String())
	})

	handler := func(_ context.Context, msg alan.Message) {
		var cm clusterMessage
		if err := json.Unmarshal(msg.Data, &cm); err != nil {
			slog.Warn("cluster: invalid message", "from", msg.Addr, "error", err)
			return
		}

		switch cm.Type {
		case msgTypeFlags:
			slog.Info("cluster: received stream-flag update from peer", "from", msg.Addr, "flags", cm.Flags)

			if onFlags != nil {
				onFlags(cm.Flags)
			}

			if msg.IsRequest() {
				c.alan.Reply(msg, []byte("ok")) //nolint:errcheck
			}

		default:
			slog.Debug("cluster: unknown message type", "type", cm.Type, "from", msg.Addr)
		}
	}

	return c.alan.Start(ctx, handler)
}

// Stop gracefully leaves the cluster.
func (c *Cluster) Stop() error {
	return c.alan.Stop()
}

// LockCatalogRefresh acquires the distributed lock guarding a forced model
// catalog refresh. Blocks until the lock is acquired or ctx is cancelled.
func (c *Cluster) LockCatalogRefresh(ctx context.Context) error {
	return c.alan.Lock(ctx, lockCatalogRefresh)
}

// UnlockCatalogRefresh releases the catalog-refresh lock.
func (c *Cluster) UnlockCatalogRefresh() error {
	return c.alan.Unlock(lockCatalogRefresh)
}

// BroadcastFlags sends the new runtime stream flags to all peers and waits
// for acknowledgement, so a flag flip propagates across the fleet without a
// restart.
func (c *Cluster) BroadcastFlags(ctx context.Context, flags Flags) error {
	peers := c.alan.Peers()
	if len(peers) == 0 {
		slog.Info("cluster: no peers to broadcast flag update to")
		return nil
	}

	cm := clusterMessage{Type: msgTypeFlags, Flags: flags}

	data, err := json.Marshal(cm)
	if err != nil {
		return fmt.Errorf("marshal cluster message: %w", err)
	}

	broadcastCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	replies, err := c.alan.SendAndWaitReply(broadcastCtx, data)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("broadcast flag update: %w", err)
	}

	slog.Info("cluster: flag broadcast complete", "peers", len(peers), "acks", len(replies))

	if len(replies) < len(peers) {
		slog.Warn("cluster: not all peers acknowledged flag update",
			"expected", len(peers),
			"received", len(replies),
		)
	}

	return nil
}

// Ready returns a channel that is closed when the cluster is ready.
func (c *Cluster) Ready() <-chan struct{} {
	return c.alan.Ready()
}
