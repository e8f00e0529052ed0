package availability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ptschedule/internal/metrics"
	"ptschedule/internal/model"
)

// Cache stores Availability snapshots in Redis. Each trainer has a version
// counter that is part of every snapshot key, so bumping it orphans all of
// the trainer's snapshots at once.
type Cache struct {
	redis  *redis.Client
	ttl    time.Duration
	prefix string
}

func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{redis: client, ttl: ttl, prefix: "ptschedule:availability"}
}

func (c *Cache) versionKey(trainerID int64) string {
	return fmt.Sprintf("%s:version:%d", c.prefix, trainerID)
}

func (c *Cache) version(ctx context.Context, trainerID int64) (int64, error) {
	v, err := c.redis.Get(ctx, c.versionKey(trainerID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

func (c *Cache) snapshotKey(trainerID, version int64, from, to time.Time) string {
	return fmt.Sprintf("%s:%d:v%d:%s:%s", c.prefix, trainerID, version, model.DateKey(from), model.DateKey(to))
}

// noVersion marks a lookup whose result must not be stored.
const noVersion int64 = -1

// Get returns a cached snapshot and the trainer version it was looked up
// under. Any Redis failure reads as a miss with noVersion.
func (c *Cache) Get(ctx context.Context, trainerID int64, from, to time.Time) (*Availability, int64, bool) {
	if c == nil || c.redis == nil || c.ttl <= 0 {
		return nil, noVersion, false
	}
	v, err := c.version(ctx, trainerID)
	if err != nil {
		metrics.IncAvailabilityCache("error")
		return nil, noVersion, false
	}
	val, err := c.redis.Get(ctx, c.snapshotKey(trainerID, v, from, to)).Result()
	if err != nil {
		metrics.IncAvailabilityCache("miss")
		return nil, v, false
	}
	var a Availability
	if err := json.Unmarshal([]byte(val), &a); err != nil {
		metrics.IncAvailabilityCache("error")
		return nil, v, false
	}
	if a.Days == nil {
		a.Days = map[string][]Block{}
	}
	metrics.IncAvailabilityCache("hit")
	return &a, v, true
}

// Set stores a snapshot under the version read before it was loaded. A write
// that invalidated the trainer in between has already moved past that
// version, so the snapshot is never served.
func (c *Cache) Set(ctx context.Context, a *Availability, version int64) {
	if c == nil || c.redis == nil || c.ttl <= 0 || version == noVersion {
		return
	}
	data, err := json.Marshal(a)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, c.snapshotKey(a.TrainerID, version, a.From, a.To), data, c.ttl).Err()
}

// Invalidate bumps the trainer's version.
func (c *Cache) Invalidate(ctx context.Context, trainerID int64) error {
	if c == nil || c.redis == nil {
		return nil
	}
	return c.redis.Incr(ctx, c.versionKey(trainerID)).Err()
}
