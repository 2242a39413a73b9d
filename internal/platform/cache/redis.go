package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// New creates a new Redis client.
func New(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("platform/cache: ping: %w", err)
	}

	return client, nil
}

// HeartbeatKey builds the redis key holding a worker's liveness timestamp.
func HeartbeatKey(workerID string) string {
	return fmt.Sprintf("sapsync:worker:%s:heartbeat", workerID)
}

// Heartbeat refreshes a TTL-bound key on every poll so operators can tell which
// workers are alive without querying PostgreSQL.
type Heartbeat struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	now    func() time.Time
}

// NewHeartbeat constructs a heartbeat writer for the given worker.
func NewHeartbeat(client *redis.Client, workerID string, ttl time.Duration) *Heartbeat {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Heartbeat{client: client, key: HeartbeatKey(workerID), ttl: ttl, now: time.Now}
}

// Beat stores the current time under the worker key.
func (h *Heartbeat) Beat(ctx context.Context) error {
	if h == nil || h.client == nil {
		return nil
	}
	if err := h.client.Set(ctx, h.key, h.now().UTC().Format(time.RFC3339), h.ttl).Err(); err != nil {
		return fmt.Errorf("platform/cache: heartbeat: %w", err)
	}
	return nil
}

// LastBeat returns the most recent heartbeat for workerID. A missing key yields
// the zero time.
func LastBeat(ctx context.Context, client *redis.Client, workerID string) (time.Time, error) {
	raw, err := client.Get(ctx, HeartbeatKey(workerID)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("platform/cache: read heartbeat: %w", err)
	}
	return time.Parse(time.RFC3339, raw)
}
