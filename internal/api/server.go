package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"creator-sync/internal/config"
	"creator-sync/internal/db"
	"creator-sync/internal/quota"
	"creator-sync/internal/redis"
	"creator-sync/internal/syncer"
)

// SyncTrigger enqueues an on-demand pass for one connection.
type SyncTrigger interface {
	Trigger(connectionID uuid.UUID) bool
}

// ConsentAdmin applies consent changes coming in through the admin surface.
type ConsentAdmin interface {
	OnRevoked(ctx context.Context, connectionID uuid.UUID) error
	OnReinstated(ctx context.Context, connectionID uuid.UUID) error
}

type Server struct {
	log         *slog.Logger
	db          *db.DB
	redis       *redis.Client
	cfg         config.Config
	router      *gin.Engine
	connections *syncer.ConnectionRepo
	quota       *quota.Ledger
	trigger     SyncTrigger
	consent     ConsentAdmin
}

func NewServer(
	log *slog.Logger,
	dbConn *db.DB,
	redisClient *redis.Client,
	cfg config.Config,
	connections *syncer.ConnectionRepo,
	ledger *quota.Ledger,
	trigger SyncTrigger,
	consent ConsentAdmin,
) *Server {
	s := &Server{
		log:         log,
		db:          dbConn,
		redis:       redisClient,
		cfg:         cfg,
		router:      gin.New(),
		connections: connections,
		quota:       ledger,
		trigger:     trigger,
		consent:     consent,
	}

	gin.SetMode(gin.ReleaseMode)
	r := s.router
	r.Use(gin.Recovery())
	r.Use(s.corsMiddleware())
	r.Use(s.loggingMiddleware())
	r.Use(s.inputValidationMiddleware())
	r.Use(s.rateLimitMiddleware())

	v1 := r.Group("/api/v1")
	{
		v1.GET("/connections", s.listConnections)
		v1.GET("/connections/:id", s.getConnection)
		v1.GET("/connections/:id/content", s.listContent)
		v1.GET("/quota/:provider", s.getQuota)
		v1.GET("/health", s.health)

		admin := v1.Group("/admin")
		admin.Use(s.adminAuthMiddleware())
		{
			admin.POST("/connections/:id/sync", s.triggerSync)
			admin.POST("/connections/:id/retry", s.retryConnection)
			admin.POST("/connections/:id/revoke-consent", s.revokeConsent)
			admin.POST("/connections/:id/reinstate-consent", s.reinstateConsent)
		}
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"ok": true}) })

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), 10*time.Second)
}
