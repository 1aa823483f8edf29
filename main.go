package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"creator-sync/internal/api"
	"creator-sync/internal/config"
	"creator-sync/internal/credentials"
	"creator-sync/internal/cursor"
	"creator-sync/internal/db"
	"creator-sync/internal/freshness"
	"creator-sync/internal/logging"
	"creator-sync/internal/models"
	"creator-sync/internal/provider"
	"creator-sync/internal/quota"
	"creator-sync/internal/redis"
	"creator-sync/internal/security"
	"creator-sync/internal/storage"
	"creator-sync/internal/syncer"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting_service", "service", "creator-sync", "http_addr", cfg.HTTPAddr)

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

	// storage: real bucket when configured, deterministic simulator otherwise
	var thumbStore storage.ThumbnailStore
	if cfg.S3Endpoint != "" && cfg.S3Bucket != "" {
		s3Client, err := storage.NewS3Client(storage.S3Config{
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Bucket:          cfg.S3Bucket,
			PublicURL:       cfg.S3PublicURL,
			Region:          cfg.S3Region,
		})
		if err != nil {
			logger.Error("s3_init_failed", "error", err)
			os.Exit(1)
		}
		thumbStore = s3Client
		logger.Info("s3_storage_initialized", "bucket", cfg.S3Bucket)
	} else {
		thumbStore = storage.NewSimulator(cfg.S3Bucket, cfg.S3Endpoint)
		logger.Info("storage_simulator_active")
	}

	connections := syncer.NewConnectionRepo(dbConn)
	content := syncer.NewContentRepo(dbConn)
	cursors := cursor.NewStore(redisClient)
	ledger := quota.NewLedger(logger, dbConn, redisClient, map[models.ProviderKind]int64{
		models.ProviderVideoHub:   cfg.QuotaBudgetVideoHub,
		models.ProviderSocialGram: cfg.QuotaBudgetSocialGram,
	}, nil)
	tracker := freshness.NewTracker(logger, dbConn, cfg.RetentionWindow)
	listener := syncer.NewConsentListener(logger, connections, cursors)

	var wg sync.WaitGroup
	var trigger api.SyncTrigger
	var consent api.ConsentAdmin = listener

	if len(cfg.EncryptionKey) == 32 {
		creds, err := credentials.NewStore(logger, dbConn, cfg.EncryptionKey)
		if err != nil {
			logger.Error("credential_store_init_failed", "error", err)
			os.Exit(1)
		}
		consent = syncer.NewConsentManager(creds, listener)

		pacer := security.NewPacer(rate.Limit(5), 5, time.Hour)
		httpClient := provider.NewHTTPClient(cfg.ProviderCallTimeout)
		providers := provider.Registry{
			models.ProviderVideoHub:   provider.NewVideoHub(logger, cfg.VideoHubBaseURL, httpClient, pacer),
			models.ProviderSocialGram: provider.NewSocialGram(logger, cfg.SocialGramBaseURL, httpClient, pacer),
		}

		orch := syncer.NewOrchestrator(logger, connections, content, cursors, ledger, tracker, creds, providers, syncer.Options{
			FailureCeiling:         cfg.FailureCeiling,
			IncrementalPageCeiling: cfg.IncrementalPageCeiling,
			CallTimeout:            cfg.ProviderCallTimeout,
			RetryBackoffInitial:    cfg.RetryBackoffInitial,
			RetryBackoffMax:        cfg.RetryBackoffMax,
		})

		sched := syncer.NewScheduler(logger, connections, orch, cfg.PollInterval, cfg.SyncWorkerCount)
		trigger = sched
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Run(ctx)
		}()

		mirrorJob := storage.NewThumbnailMirrorJob(logger, dbConn, thumbStore)
		wg.Add(1)
		go func() {
			defer wg.Done()
			mirrorJob.Start(ctx)
		}()
	} else {
		logger.Warn("encryption_key_not_configured", "msg", "sync engine disabled - api runs in read-only mode")
		trigger = noopTrigger{}
	}

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

	cancel()
	wg.Wait()
	logger.Info("background_jobs_stopped")

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http_shutdown_failed", "error", err)
	} else {
		logger.Info("http_server_stopped")
	}

	if err := redisClient.Close(); err != nil {
		logger.Warn("redis_close_error", "error", err)
	}

	dbConn.Close()
	logger.Info("service_stopped")
}

// noopTrigger rejects on-demand syncs when the engine is not running.
type noopTrigger struct{}

func (noopTrigger) Trigger(_ uuid.UUID) bool { return false }
