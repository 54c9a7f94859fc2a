package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/gatekeep/internal/attachment"
	"github.com/rakunlabs/gatekeep/internal/authctx"
	"github.com/rakunlabs/gatekeep/internal/blob"
	"github.com/rakunlabs/gatekeep/internal/catalog"
	"github.com/rakunlabs/gatekeep/internal/cluster"
	"github.com/rakunlabs/gatekeep/internal/config"
	"github.com/rakunlabs/gatekeep/internal/identity"
	"github.com/rakunlabs/gatekeep/internal/ratelimit"
	"github.com/rakunlabs/gatekeep/internal/router"
	"github.com/rakunlabs/gatekeep/internal/server"
	"github.com/rakunlabs/gatekeep/internal/snapshot"
	"github.com/rakunlabs/gatekeep/internal/store"
	"github.com/rakunlabs/gatekeep/internal/usage"
	"github.com/rakunlabs/gatekeep/internal/valkey"
)

const (
	name    = "gatekeep"
	version = "v0.1.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cache, err := valkey.Connect(ctx, cfg.Cache.URL, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connect cache: %w", err)
	}

	idp, err := identity.New(cfg.Identity.URL, cfg.Identity.APIKey)
	if err != nil {
		return fmt.Errorf("build identity client: %w", err)
	}

	snapshots := snapshot.New(cache, idp, cfg.Cache.SnapshotTTL)

	limits := ratelimit.DefaultLimits
	if cfg.RateLimit.Limits != "" {
		var override ratelimit.Limits
		if err := json.Unmarshal([]byte(cfg.RateLimit.Limits), &override); err != nil {
			return fmt.Errorf("parse rate limit overrides: %w", err)
		}
		limits = override
	}
	limiter := ratelimit.New(cache, limits)

	var clusterCli *cluster.Cluster
	if cfg.Server.Alan != nil {
		clusterCli, err = cluster.New(cfg.Server.Alan)
		if err != nil {
			return fmt.Errorf("build cluster: %w", err)
		}
	}

	var flags atomic.Pointer[cluster.Flags]
	flags.Store(&cluster.Flags{
		MarkersEnabled:   cfg.Stream.MarkersEnabled,
		ReasoningEnabled: cfg.Stream.ReasoningEnabled,
		DebugEnabled:     cfg.Stream.Debug,
	})

	auth := authctx.NewResolver(
		idp,
		snapshots,
		cfg.Identity.CookieName,
		func() bool { return flags.Load().MarkersEnabled },
		func(t snapshot.Tier) bool { return t == snapshot.TierEnterprise || flags.Load().ReasoningEnabled },
		func() bool { return flags.Load().DebugEnabled },
	)

	routerCli, err := router.New(cfg.Router.URL, cfg.Router.APIKey)
	if err != nil {
		return fmt.Errorf("build router client: %w", err)
	}

	modelCatalog := catalog.New(routerCli, cfg.Router.ModelCatalogTTL)

	convoStore, err := store.New(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("build conversation store: %w", err)
	}
	defer convoStore.Close()

	blobs, err := blob.New(cfg.Blob.BasePath, cfg.Blob.URL, cfg.Blob.SigningKey)
	if err != nil {
		return fmt.Errorf("build blob store: %w", err)
	}

	attach := attachment.NewResolver(convoStore, blobs, modelCatalog)

	usageRec := usage.New(nil, nil)

	srv, err := server.New(server.Deps{
		Config:    cfg.Server,
		Auth:      auth,
		Snapshots: snapshots,
		Limiter:   limiter,
		Catalog:   modelCatalog,
		Router:    routerCli,
		Convo:     convoStore,
		Attach:    attach,
		Blobs:     blobs,
		Usage:     usageRec,
		Cluster:   clusterCli,
		BanStore:  idp,
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	if clusterCli != nil {
		go func() {
			_ = clusterCli.Start(ctx, func(f cluster.Flags) {
				flags.Store(&f)
			})
		}()
	}

	return srv.Start(ctx)
}
