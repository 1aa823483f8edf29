package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"creator-sync/internal/api"
	"creator-sync/internal/config"
	"creator-sync/internal/credentials"
	"creator-sync/internal/cursor"
	"creator-sync/internal/db"
	"creator-sync/internal/logging"
	"creator-sync/internal/models"
	"creator-sync/internal/quota"
	"creator-sync/internal/redis"
	"creator-sync/internal/syncer"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting_api", "service", "creator-sync-api", "http_addr", cfg.HTTPAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbConn, err := db.New(ctx, cfg.DBDSN)
	if err != nil {
		logger.Error("db_connect_failed", "error", err)
		os.Exit(1)
	}
	defer dbConn.Close()

	redisClient, err := redis.New(cfg.RedisDSN)
	if err != nil {
		logger.Error("redis_connect_failed", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	connections := syncer.NewConnectionRepo(dbConn)
	cursors := cursor.NewStore(redisClient)
	ledger := quota.NewLedger(logger, dbConn, redisClient, map[models.ProviderKind]int64{
		models.ProviderVideoHub:   cfg.QuotaBudgetVideoHub,
		models.ProviderSocialGram: cfg.QuotaBudgetSocialGram,
	}, nil)
	listener := syncer.NewConsentListener(logger, connections, cursors)

	var consent api.ConsentAdmin = listener
	if len(cfg.EncryptionKey) == 32 {
		creds, err := credentials.NewStore(logger, dbConn, cfg.EncryptionKey)
		if err != nil {
			logger.Error("credential_store_init_failed", "error", err)
			os.Exit(1)
		}
		consent = syncer.NewConsentManager(creds, listener)
	} else {
		logger.Warn("encryption_key_not_configured", "msg", "consent grants will not be persisted, only connection state")
	}

	// the worker process owns the pass queue; the API marks a connection due
	// and the next scheduler tick picks it up
	trigger := dueTrigger{db: dbConn, log: logger}

	srv := api.NewServer(logger, dbConn, redisClient, cfg, connections, ledger, trigger, consent)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_listen_failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("api_server_ready", "addr", cfg.HTTPAddr)

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting_down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http_shutdown_failed", "error", err)
	}
	logger.Info("api_stopped")
}

type dueTrigger struct {
	db  *db.DB
	log *slog.Logger
}

func (t dueTrigger) Trigger(connectionID uuid.UUID) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := t.db.Pool.Exec(ctx,
		`UPDATE platform_connections SET next_sync_at = NOW() WHERE id = $1`,
		connectionID,
	)
	if err != nil {
		t.log.Warn("due_trigger_failed", "connection_id", connectionID, "error", err)
		return false
	}
	return true
}
