// Package availability remembers which slots were last seen open so a
// notification fires only when a slot goes from full to open.
package availability

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "availability:open:"

type Store interface {
	// MarkOpen records slotID as open and reports whether it was not open
	// before.
	MarkOpen(ctx context.Context, slotID string) (bool, error)
	MarkClosed(ctx context.Context, slotID string) error
}

// Redis keeps the open set in redis with a TTL so a stale entry eventually
// re-arms the notification.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(addr, password string, db int, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Redis{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		ttl:    ttl,
	}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) MarkOpen(ctx context.Context, slotID string) (bool, error) {
	return r.client.SetNX(ctx, keyPrefix+slotID, time.Now().UTC().Format(time.RFC3339), r.ttl).Result()
}

func (r *Redis) MarkClosed(ctx context.Context, slotID string) error {
	return r.client.Del(ctx, keyPrefix+slotID).Err()
}

func (r *Redis) Close() error { return r.client.Close() }

// Memory is the in-process store used when no redis is configured.
type Memory struct {
	mu   sync.Mutex
	open map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Memory{open: map[string]time.Time{}, ttl: ttl, now: time.Now}
}

func (m *Memory) MarkOpen(_ context.Context, slotID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if seen, ok := m.open[slotID]; ok && now.Sub(seen) < m.ttl {
		return false, nil
	}
	m.open[slotID] = now
	return true, nil
}

func (m *Memory) MarkClosed(_ context.Context, slotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.open, slotID)
	return nil
}
