package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

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
	logger.Info("starting_worker", "service", "creator-sync-worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to PostgreSQL (with retry)
	var dbConn *db.DB
	for i := 0; i < 5; i++ {
		dbConn, err = db.New(ctx, cfg.DBDSN)
		if err == nil {
			break
		}
		logger.Warn("db_connect_retry", "attempt", i+1, "error", err)
		time.Sleep(2 * time.Second)
	}
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

	if len(cfg.EncryptionKey) != 32 {
		logger.Error("encryption_key_not_configured", "msg", "worker cannot read provider credentials without ENCRYPTION_KEY")
		os.Exit(1)
	}

	creds, err := credentials.NewStore(logger, dbConn, cfg.EncryptionKey)
	if err != nil {
		logger.Error("credential_store_init_failed", "error", err)
		os.Exit(1)
	}

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
	mirrorJob := storage.NewThumbnailMirrorJob(logger, dbConn, thumbStore)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		mirrorJob.Start(ctx)
	}()

	logger.Info("worker_ready",
		"worker_count", cfg.SyncWorkerCount,
		"poll_interval", cfg.PollInterval,
	)

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting_down")
	cancel()
	wg.Wait()
	logger.Info("worker_stopped")
}
