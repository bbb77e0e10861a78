package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"blog-auth-service/internal/util"
)

const viewMarkerPrefix = "view:"

// markerStore is the slice of the Redis client the view cache uses.
type markerStore interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
}

// ViewCache deduplicates post views. One marker per (post, viewer
// fingerprint) pair; while the marker lives, repeat views do not count.
type ViewCache struct {
	client markerStore
}

func NewViewCache(client markerStore) *ViewCache {
	return &ViewCache{client: client}
}

// RecordView reports true exactly once per marker lifetime. The marker is
// created and its expiry armed in a single SETNX, so concurrent viewers
// cannot both win.
func (c *ViewCache) RecordView(ctx context.Context, postID, fingerprint string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("%s%s:%s", viewMarkerPrefix, postID, fingerprint)

	created, err := c.client.SetNX(ctx, key, "1", ttl)
	if err != nil {
		util.Error("Failed to record view marker",
			zap.String("post_id", postID),
			zap.Error(err))
		return false, fmt.Errorf("failed to record view marker: %w", err)
	}

	return created, nil
}
