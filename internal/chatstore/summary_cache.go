package chatstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"hackhub-backend/internal/models"
)

// SummaryCache stores rolling summaries in Redis so a reopened chat view does
// not have to summarize from scratch. Entries expire; the raw records in
// Postgres stay the source of truth.
type SummaryCache struct {
	redis *redis.Client
	ttl   time.Duration
	log   *zap.Logger
}

func NewSummaryCache(redisClient *redis.Client, ttl time.Duration, log *zap.Logger) *SummaryCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &SummaryCache{redis: redisClient, ttl: ttl, log: log}
}

func summaryKey(sessionID uuid.UUID) string {
	return "chat_summary:" + sessionID.String()
}

func (c *SummaryCache) Load(ctx context.Context, sessionID uuid.UUID) (models.CachedSummary, bool) {
	var cached models.CachedSummary

	raw, err := c.redis.Get(ctx, summaryKey(sessionID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("failed to load cached summary", zap.String("session_id", sessionID.String()), zap.Error(err))
		}
		return cached, false
	}
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		c.log.Warn("discarding unreadable cached summary", zap.String("session_id", sessionID.String()), zap.Error(err))
		return cached, false
	}
	return cached, true
}

func (c *SummaryCache) Save(ctx context.Context, sessionID uuid.UUID, summary models.CachedSummary) {
	data, err := json.Marshal(summary)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, summaryKey(sessionID), data, c.ttl).Err(); err != nil {
		c.log.Warn("failed to cache summary", zap.String("session_id", sessionID.String()), zap.Error(err))
	}
}
