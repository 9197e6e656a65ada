// Package sessioncache is an optional Redis-backed write-through cache in
// front of the state store's session operations. It exists purely to make
// the warm-path authorization check fast; the state store remains the
// system of record and every write lands there first.
package sessioncache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/talosprotocol/tga/pkg/model"
)

// Cache wraps a Redis client to speed up warm-path session lookups.
type Cache struct {
	client *redis.Client
}

// New builds a Cache backed by a Redis server at addr.
func New(addr, password string, db int) *Cache {
	return &Cache{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("tga:session:%s", sessionID)
}

// Put caches rec until its expiry, write-through: callers must also persist
// rec to the state store — this cache is never the source of truth and may
// be flushed or lost without affecting correctness, only latency.
func (c *Cache) Put(ctx context.Context, rec model.SessionRecord) error {
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sessioncache: encoding session: %w", err)
	}
	expiresAt, err := time.Parse(time.RFC3339, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("sessioncache: parsing expires_at: %w", err)
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil // already expired, nothing to cache
	}
	return c.client.Set(ctx, sessionKey(rec.SessionID), encoded, ttl).Err()
}

// Get returns the cached session for sessionID, or (zero value, false, nil)
// on a cache miss. A miss is not an error: callers fall back to the state
// store and may repopulate the cache afterward.
func (c *Cache) Get(ctx context.Context, sessionID string) (model.SessionRecord, bool, error) {
	raw, err := c.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return model.SessionRecord{}, false, nil
	}
	if err != nil {
		return model.SessionRecord{}, false, fmt.Errorf("sessioncache: reading session: %w", err)
	}
	var rec model.SessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.SessionRecord{}, false, fmt.Errorf("sessioncache: decoding session: %w", err)
	}
	return rec, true, nil
}

// Invalidate removes sessionID from the cache immediately, used after a
// warm-path touch has made the cached copy's last_seen_at stale.
func (c *Cache) Invalidate(ctx context.Context, sessionID string) error {
	return c.client.Del(ctx, sessionKey(sessionID)).Err()
}

// Close releases the underlying Redis connection pool.
func (c *Cache) Close() error { return c.client.Close() }
