package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper limits notifications to one per event per window.
type Deduper interface {
	// Allow reports whether an alert for eventID may go out now, and if so
	// claims the slot for window.
	Allow(ctx context.Context, eventID string, window time.Duration) (bool, error)
}

const dedupeKeyPrefix = "accesswatch:alert:"

// RedisDeduper claims slots with SET NX EX so several notifier processes
// share one window.
type RedisDeduper struct {
	rdb *redis.Client
}

// NewRedisDeduper returns a deduper backed by rdb.
func NewRedisDeduper(rdb *redis.Client) *RedisDeduper {
	return &RedisDeduper{rdb: rdb}
}

func (d *RedisDeduper) Allow(ctx context.Context, eventID string, window time.Duration) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, dedupeKeyPrefix+eventID, time.Now().UTC().Unix(), window).Result()
	if err != nil {
		return false, fmt.Errorf("RedisDeduper.Allow: %w", err)
	}
	return ok, nil
}

// MemoryDeduper is the single-process fallback.
type MemoryDeduper struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryDeduper returns an empty in-process deduper.
func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{expires: make(map[string]time.Time), now: time.Now}
}

func (d *MemoryDeduper) Allow(_ context.Context, eventID string, window time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if until, ok := d.expires[eventID]; ok && now.Before(until) {
		return false, nil
	}
	d.expires[eventID] = now.Add(window)

	// Sweep expired entries once the map gets large.
	if len(d.expires) > 10_000 {
		for k, until := range d.expires {
			if !now.Before(until) {
				delete(d.expires, k)
			}
		}
	}
	return true, nil
}
