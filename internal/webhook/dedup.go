package webhook

import (
	"context"
	"sync"
	"time"

	"appointment-bot/internal/common/logger"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers provider message ids. Seen marks id and reports
// whether it had already been marked, atomically.
type Deduper interface {
	Seen(ctx context.Context, id string) (bool, error)
}

const defaultDedupMaxEntries = 10000

// MemoryDeduper is a bounded in-process id set. Once it holds more than
// max ids it is cleared wholesale.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
	max  int
}

func NewMemoryDeduper(max int) *MemoryDeduper {
	if max <= 0 {
		max = defaultDedupMaxEntries
	}
	return &MemoryDeduper{seen: make(map[string]struct{}), max: max}
}

func (d *MemoryDeduper) Seen(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true, nil
	}
	if len(d.seen) >= d.max {
		d.seen = make(map[string]struct{}, d.max)
	}
	d.seen[id] = struct{}{}
	return false, nil
}

func (d *MemoryDeduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// RedisDeduper shares the id set across replicas with SET NX EX.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
	logger logger.Logger
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration, log logger.Logger) *RedisDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{
		client: client,
		ttl:    ttl,
		logger: log.WithFields(map[string]interface{}{"component": "webhook-dedup"}),
	}
}

// Seen treats a Redis failure as "not seen" so a cache outage never drops
// traffic.
func (d *RedisDeduper) Seen(ctx context.Context, id string) (bool, error) {
	fresh, err := d.client.SetNX(ctx, "webhook:seen:"+id, 1, d.ttl).Result()
	if err != nil {
		d.logger.Warn("dedup check failed, processing anyway", map[string]interface{}{
			"messageId": id,
			"error":     err.Error(),
		})
		return false, nil
	}
	return !fresh, nil
}
