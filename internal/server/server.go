// Package server implements the Middleware Composer (C5) and the gateway's
// full HTTP surface: it wires every other component behind rakunlabs/ada's
// mux, the same way the teacher wires its own gateway and admin APIs.
package server

import (
	"context"
	"net"
	"time"

	"github.com/rakunlabs/ada"
	mcors "github.com/rakunlabs/ada/middleware/cors"
	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/rakunlabs/gatekeep/internal/attachment"
	"github.com/rakunlabs/gatekeep/internal/authctx"
	"github.com/rakunlabs/gatekeep/internal/blob"
	"github.com/rakunlabs/gatekeep/internal/catalog"
	"github.com/rakunlabs/gatekeep/internal/cluster"
	"github.com/rakunlabs/gatekeep/internal/config"
	"github.com/rakunlabs/gatekeep/internal/ratelimit"
	"github.com/rakunlabs/gatekeep/internal/router"
	"github.com/rakunlabs/gatekeep/internal/snapshot"
	"github.com/rakunlabs/gatekeep/internal/store"
	"github.com/rakunlabs/gatekeep/internal/usage"
)

// BanStore is the external write-path for admin ban/unban decisions; the
// account system of record lives outside this gateway. Implemented by
// internal/identity.Client.
type BanStore interface {
	SetBanned(ctx context.Context, userID string, banned bool, reason string, until *time.Time) error
}

// Server holds every wired component and the ada mux serving the HTTP
// surface described in SPEC_FULL.md §6.1.
type Server struct {
	config config.Server

	mux *ada.Server

	auth      *authctx.Resolver
	snapshots *snapshot.Cache
	limiter   *ratelimit.Limiter
	catalog   *catalog.Catalog
	routerCli *router.Client
	convo     store.ConversationStore
	attach    *attachment.Resolver
	blobs     *blob.Store
	usageRec  *usage.Recorder
	cluster   *cluster.Cluster
	banStore  BanStore
}

// Deps bundles every component New needs; kept as a struct rather than a
// long parameter list since the count only grows as more components wire in.
type Deps struct {
	Config    config.Server
	Auth      *authctx.Resolver
	Snapshots *snapshot.Cache
	Limiter   *ratelimit.Limiter
	Catalog   *catalog.Catalog
	Router    *router.Client
	Convo     store.ConversationStore
	Attach    *attachment.Resolver
	Blobs     *blob.Store
	Usage     *usage.Recorder
	Cluster   *cluster.Cluster
	BanStore  BanStore
}

func New(deps Deps) (*Server, error) {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		config:    deps.Config,
		mux:       mux,
		auth:      deps.Auth,
		snapshots: deps.Snapshots,
		limiter:   deps.Limiter,
		catalog:   deps.Catalog,
		routerCli: deps.Router,
		convo:     deps.Convo,
		attach:    deps.Attach,
		blobs:     deps.Blobs,
		usageRec:  deps.Usage,
		cluster:   deps.Cluster,
		banStore:  deps.BanStore,
	}

	if deps.Config.ForwardAuth != nil {
		mux.Use(mforwardauth.Middleware(mforwardauth.WithConfig(*deps.Config.ForwardAuth)))
	}

	baseGroup := mux.Group(deps.Config.BasePath)

	// Chat-execute endpoints are the one place enhancedAuth opts into ban
	// enforcement: SPEC_FULL.md's "chat-only ban" product decision (§9).
	chatGroup := baseGroup.Group("")
	chatGroup.Use(s.compose(enhancedAuth, classA, true))
	chatGroup.POST("/chat", s.handleChat)
	chatGroup.POST("/chat/stream", s.handleChatStream)

	// Read/management endpoints stay reachable for banned users by default,
	// even under protectedAuth, per the same product decision.
	msgGroup := baseGroup.Group("")
	msgGroup.Use(s.compose(protectedAuth, classB, false))
	msgGroup.POST("/chat/messages", s.handleAppendMessages)
	msgGroup.GET("/chat/messages", s.handleReadMessages)
	msgGroup.GET("/chat/search", s.handleSearch)
	msgGroup.POST("/attachments/upload", s.handleAttachmentUpload)

	internalGroup := baseGroup.Group("/internal")
	internalGroup.Use(s.sharedSecretMiddleware())
	internalGroup.POST("/attachments/retention", s.handleAttachmentRetention)
	internalGroup.POST("/attachments/cleanup", s.handleAttachmentCleanup)

	publicGroup := baseGroup.Group("")
	publicGroup.Use(s.compose(publicAuth, classC, false))
	publicGroup.GET("/models", s.handleModels)

	adminGroup := baseGroup.Group("/admin")
	adminGroup.Use(s.compose(protectedAuth, classD, false), s.requireAdmin())
	adminGroup.POST("/users/{id}/ban", s.handleBan)
	adminGroup.POST("/users/{id}/unban", s.handleUnban)

	return s, nil
}

func (s *Server) Start(ctx context.Context) error {
	return s.mux.StartWithContext(ctx, net.JoinHostPort(s.config.Host, s.config.Port))
}
