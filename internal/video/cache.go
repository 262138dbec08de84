package video

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// MetadataCache shares resolved video metadata across gateway sessions and
// instances. Video objects are immutable once encoded, so a long TTL is safe.
// Cache failures are never fatal; callers fall through to the backend.
type MetadataCache struct {
	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger
}

func NewMetadataCache(rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *MetadataCache {
	return &MetadataCache{rdb: rdb, ttl: ttl, log: log}
}

func cacheKey(videoID string) string {
	return "video:meta:" + videoID
}

// Get returns the cached Meta for a video id, or ok=false on miss or any
// cache error.
func (c *MetadataCache) Get(ctx context.Context, videoID string) (*Meta, bool) {
	if c == nil || c.rdb == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, cacheKey(videoID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn().Err(err).Str("video_id", videoID).Msg("video cache read failed")
		}
		return nil, false
	}
	var m Meta
	if err := json.Unmarshal(raw, &m); err != nil {
		c.log.Warn().Err(err).Str("video_id", videoID).Msg("video cache entry corrupt, dropping")
		_ = c.rdb.Del(ctx, cacheKey(videoID)).Err()
		return nil, false
	}
	return &m, true
}

// Set stores Meta under the video id. Best effort.
func (c *MetadataCache) Set(ctx context.Context, m *Meta) {
	if c == nil || c.rdb == nil {
		return
	}
	raw, err := json.Marshal(m)
	if err != nil {
		c.log.Warn().Err(err).Str("video_id", m.ID).Msg("video cache marshal failed")
		return
	}
	if err := c.rdb.Set(ctx, cacheKey(m.ID), raw, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("video_id", m.ID).Msg("video cache write failed")
	}
}

// Invalidate drops one cached entry, used after a re-upload replaces a video.
func (c *MetadataCache) Invalidate(ctx context.Context, videoID string) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	if err := c.rdb.Del(ctx, cacheKey(videoID)).Err(); err != nil {
		return fmt.Errorf("invalidate video %s: %w", videoID, err)
	}
	return nil
}
