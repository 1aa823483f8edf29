package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"creator-sync/internal/models"
	"creator-sync/internal/quota"
	"creator-sync/internal/syncer"
	"creator-sync/internal/syncstate"
)

func (s *Server) listConnections(c *gin.Context) {
	state := c.Query("state")
	if state != "" && !syncstate.Known(syncstate.State(state)) {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_state", "message": "unknown sync state"}})
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	conns, err := s.connections.List(ctx, state, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "db_error", "message": "failed to list connections"}})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total":       len(conns),
		"connections": conns,
	})
}

func (s *Server) getConnection(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_id", "message": "connection id must be a uuid"}})
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	conn, err := s.connections.Get(ctx, id)
	if err != nil {
		if errors.Is(err, syncer.ErrConnectionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "not_found", "message": "connection not found"}})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "db_error", "message": "failed to load connection"}})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"connection": conn,
		"signal":     s.connectionSignal(c, conn),
	})
}

// connectionSignal condenses the persisted state into the one-word status
// operational tooling watches for.
func (s *Server) connectionSignal(c *gin.Context, conn *models.PlatformConnection) string {
	switch conn.SyncState {
	case syncstate.ConsentChanged:
		return "needs_reconsent"
	case syncstate.Failed:
		return "sync_failed"
	}
	if !s.quota.HasBudget(c.Request.Context(), conn.Provider, s.quota.Cost(quota.OpPageList)) {
		return "quota_exhausted"
	}
	return "ok"
}

func (s *Server) listContent(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_id", "message": "connection id must be a uuid"}})
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	// short cache: content moves at sync pace, not request pace
	cacheKey := fmt.Sprintf("content:list:%s", id)
	if cached, err := s.redis.Get(ctx, cacheKey); err == nil && cached != "" {
		c.Data(http.StatusOK, "application/json", []byte(cached))
		c.Header("X-Cache", "HIT")
		return
	}

	rows, err := s.db.Pool.Query(ctx,
		`SELECT
			ci.id,
			ci.provider_item_id,
			ci.title,
			ci.published_at,
			COALESCE(ci.mirrored_url, ci.thumbnail_url, '') AS thumbnail,
			ci.view_count,
			ci.like_count,
			csr.sync_status,
			csr.expires_at,
			csr.last_synced_at
		 FROM content_items ci
		 LEFT JOIN content_sync_records csr ON csr.content_id = ci.id
		 WHERE ci.connection_id = $1
		 ORDER BY ci.published_at DESC NULLS LAST
		 LIMIT 200`,
		id,
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "db_error", "message": "failed to list content"}})
		return
	}
	defer rows.Close()

	type item struct {
		ID             uuid.UUID  `json:"id"`
		ProviderItemID string     `json:"provider_item_id"`
		Title          string     `json:"title"`
		PublishedAt    *time.Time `json:"published_at,omitempty"`
		Thumbnail      string     `json:"thumbnail,omitempty"`
		ViewCount      *int64     `json:"view_count,omitempty"`
		LikeCount      *int64     `json:"like_count,omitempty"`
		SyncStatus     *string    `json:"sync_status,omitempty"`
		Stale          bool       `json:"stale,omitempty"`
	}

	now := time.Now().UTC()
	out := make([]item, 0, 200)
	for rows.Next() {
		var it item
		var expiresAt, lastSyncedAt *time.Time
		if err := rows.Scan(&it.ID, &it.ProviderItemID, &it.Title, &it.PublishedAt,
			&it.Thumbnail, &it.ViewCount, &it.LikeCount, &it.SyncStatus, &expiresAt, &lastSyncedAt); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "db_error", "message": "failed to read content"}})
			return
		}
		// stale content is still served, just flagged
		if expiresAt != nil && !now.Before(*expiresAt) {
			it.Stale = true
		}
		out = append(out, it)
	}

	body := gin.H{
		"connection_id": id,
		"total":         len(out),
		"items":         out,
	}

	if raw, err := json.Marshal(body); err == nil {
		_ = s.redis.Set(ctx, cacheKey, string(raw), 60*time.Second)
	}

	c.JSON(http.StatusOK, body)
}

func (s *Server) getQuota(c *gin.Context) {
	provider := models.ProviderKind(c.Param("provider"))
	if provider != models.ProviderVideoHub && provider != models.ProviderSocialGram {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_provider", "message": "unknown provider"}})
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	start, end := quota.PeriodBounds(time.Now())
	consumed, err := s.quota.UnitsConsumed(ctx, provider, start, end)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "db_error", "message": "failed to read quota usage"}})
		return
	}

	budget, _ := s.quota.Budget(provider)
	remaining := budget - consumed
	if remaining < 0 {
		remaining = 0
	}

	c.JSON(http.StatusOK, gin.H{
		"provider":     provider,
		"period_start": start,
		"period_end":   end,
		"budget":       budget,
		"consumed":     consumed,
		"remaining":    remaining,
	})
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := s.ctx(c)
	defer cancel()

	dbStatus := "connected"
	if err := s.db.Pool.Ping(ctx); err != nil {
		dbStatus = "disconnected"
	}

	redisStatus := "connected"
	if err := s.redis.RDB().Ping(ctx).Err(); err != nil {
		redisStatus = "disconnected"
	}

	// connection counts per state, for the ops dashboard
	stateCounts := gin.H{}
	rows, err := s.db.Pool.Query(ctx,
		`SELECT sync_state, COUNT(*) FROM platform_connections GROUP BY sync_state`)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var state string
			var count int64
			if err := rows.Scan(&state, &count); err == nil {
				stateCounts[state] = count
			}
		}
	}

	status := "healthy"
	if dbStatus != "connected" || redisStatus != "connected" {
		status = "unhealthy"
	}

	response := gin.H{
		"status":      status,
		"database":    dbStatus,
		"redis":       redisStatus,
		"connections": stateCounts,
	}

	if status == "unhealthy" {
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	c.JSON(http.StatusOK, response)
}

func (s *Server) triggerSync(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_id", "message": "connection id must be a uuid"}})
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	if _, err := s.connections.Get(ctx, id); err != nil {
		if errors.Is(err, syncer.ErrConnectionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "not_found", "message": "connection not found"}})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "db_error", "message": "failed to load connection"}})
		return
	}

	queued := s.trigger.Trigger(id)
	if !queued {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{"code": "queue_full", "message": "sync queue is full, try again shortly"}})
		return
	}

	s.log.Info("sync_triggered_manually", "connection_id", id)
	c.JSON(http.StatusAccepted, gin.H{"queued": true, "connection_id": id})
}

func (s *Server) retryConnection(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_id", "message": "connection id must be a uuid"}})
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	conn, err := s.connections.Get(ctx, id)
	if err != nil {
		if errors.Is(err, syncer.ErrConnectionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "not_found", "message": "connection not found"}})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "db_error", "message": "failed to load connection"}})
		return
	}

	if !syncstate.CanRetry(conn.SyncState) {
		c.JSON(http.StatusConflict, gin.H{"error": gin.H{"code": "not_failed", "message": "connection is not in a failed state"}})
		return
	}

	// operator override skips the remaining backoff
	conn.NextSyncAt = nil
	conn.ConsecutiveFailureCount = 0
	if err := s.connections.Update(ctx, conn); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "db_error", "message": "failed to reset connection"}})
		return
	}

	queued := s.trigger.Trigger(id)
	s.log.Info("failed_connection_retried", "connection_id", id, "queued", queued)
	c.JSON(http.StatusAccepted, gin.H{"queued": queued, "connection_id": id})
}

func (s *Server) revokeConsent(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_id", "message": "connection id must be a uuid"}})
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	if err := s.consent.OnRevoked(ctx, id); err != nil {
		if errors.Is(err, syncer.ErrConnectionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "not_found", "message": "connection not found"}})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "consent_error", "message": "failed to apply revocation"}})
		return
	}

	c.JSON(http.StatusOK, gin.H{"connection_id": id, "consent": "revoked"})
}

func (s *Server) reinstateConsent(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_id", "message": "connection id must be a uuid"}})
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	if err := s.consent.OnReinstated(ctx, id); err != nil {
		if errors.Is(err, syncer.ErrConnectionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "not_found", "message": "connection not found"}})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "consent_error", "message": "failed to reinstate consent"}})
		return
	}

	c.JSON(http.StatusOK, gin.H{"connection_id": id, "consent": "reinstated"})
}
