package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Deduper struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewDeduper(rdb *redis.Client, ttl time.Duration) *Deduper {
	return &Deduper{rdb: rdb, ttl: ttl}
}

// AcquireOnce tries to acquire a dedup lock for a handler + message ID.
// Returns true if this is the first time processing, false on a duplicate.
// When redis is unavailable it fails open: the authoritative processed-flag
// check downstream still prevents double work.
func (d *Deduper) AcquireOnce(ctx context.Context, handler string, messageID int64) bool {
	key := fmt.Sprintf("dedup:%s:%d", handler, messageID)

	ok, err := d.rdb.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		return true
	}
	return ok
}

// Release frees an acquired key so the broker's redelivery of a failed
// handling attempt is processed instead of suppressed. Only a delivery that
// reached a terminal outcome keeps its key. Best-effort: if the delete
// fails the key still expires with the TTL.
func (d *Deduper) Release(ctx context.Context, handler string, messageID int64) {
	key := fmt.Sprintf("dedup:%s:%d", handler, messageID)
	d.rdb.Del(ctx, key)
}
