package storage

import (
	"context"
	"log/slog"
	"time"

	"creator-sync/internal/db"
)

// ThumbnailMirrorJob sweeps content whose thumbnail has not been mirrored
// yet and retries the mirror. Provider CDN links eventually expire, so
// items that failed the inline mirror during sync get picked up here.
type ThumbnailMirrorJob struct {
	db      *db.DB
	storage ThumbnailStore
	logger  *slog.Logger
}

func NewThumbnailMirrorJob(logger *slog.Logger, dbConn *db.DB, store ThumbnailStore) *ThumbnailMirrorJob {
	return &ThumbnailMirrorJob{
		db:      dbConn,
		storage: store,
		logger:  logger,
	}
}

func (j *ThumbnailMirrorJob) Start(ctx context.Context) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()

	j.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cycleCtx, cancel := context.WithTimeout(ctx, 1*time.Hour)
			j.runCycle(cycleCtx)
			cancel()
		}
	}
}

func (j *ThumbnailMirrorJob) runCycle(ctx context.Context) {
	j.logger.Info("thumbnail_mirror_cycle_started")

	rows, err := j.db.Pool.Query(ctx,
		`SELECT id, thumbnail_url
		 FROM content_items
		 WHERE mirrored_url IS NULL
		 AND thumbnail_url IS NOT NULL
		 AND thumbnail_url != ''
		 LIMIT 100`,
	)
	if err != nil {
		j.logger.Warn("failed_to_fetch_unmirrored_content", "error", err)
		return
	}
	defer rows.Close()

	type pending struct {
		id  string
		url string
	}
	var work []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.url); err != nil {
			continue
		}
		work = append(work, p)
	}

	count := 0
	for _, p := range work {
		select {
		case <-ctx.Done():
			return
		default:
		}

		mirroredURL, err := j.storage.MirrorThumbnail(ctx, p.id, p.url)
		if err != nil {
			j.logger.Warn("thumbnail_mirror_failed",
				"content_id", p.id,
				"error", err,
			)
			continue
		}

		_, err = j.db.Pool.Exec(ctx,
			`UPDATE content_items
			 SET mirrored_url = $1
			 WHERE id = $2`,
			mirroredURL, p.id,
		)
		if err != nil {
			j.logger.Warn("failed_to_update_mirrored_url",
				"content_id", p.id,
				"error", err,
			)
			continue
		}

		count++
		// pace the bucket writes
		time.Sleep(1 * time.Second)
	}

	j.logger.Info("thumbnail_mirror_cycle_completed", "processed", count)
}
