package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store holds presence records until their ExpiresAt. Reads never return an
// expired record, whether or not it has been evicted yet.
type Store interface {
	Put(ctx context.Context, p Presence) error
	Get(ctx context.Context, userID int64) (Presence, bool, error)
	GetMany(ctx context.Context, userIDs []int64) (map[int64]Presence, error)
	Delete(ctx context.Context, userID int64) error
}

// RedisStore keeps one string per user with a native expiry.
type RedisStore struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

func redisKey(userID int64) string {
	return "presence:" + strconv.FormatInt(userID, 10)
}

func (s *RedisStore) Put(ctx context.Context, p Presence) error {
	ttl := p.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return s.Delete(ctx, p.UserID)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, redisKey(p.UserID), data, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, userID int64) (Presence, bool, error) {
	data, err := s.rdb.Get(ctx, redisKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Presence{}, false, nil
	}
	if err != nil {
		return Presence{}, false, err
	}
	return s.decode(data)
}

func (s *RedisStore) GetMany(ctx context.Context, userIDs []int64) (map[int64]Presence, error) {
	out := make(map[int64]Presence, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = redisKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		p, live, err := s.decode([]byte(raw))
		if err != nil {
			return nil, err
		}
		if live {
			out[p.UserID] = p
		}
	}
	return out, nil
}

func (s *RedisStore) decode(data []byte) (Presence, bool, error) {
	var p Presence
	if err := json.Unmarshal(data, &p); err != nil {
		return Presence{}, false, fmt.Errorf("decode presence: %w", err)
	}
	if p.expired(s.now()) {
		return Presence{}, false, nil
	}
	return p, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, userID int64) error {
	return s.rdb.Del(ctx, redisKey(userID)).Err()
}

// MemoryStore is the single-process Store. Expired records are skipped on
// read and evicted by Sweep.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[int64]Presence
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[int64]Presence), now: time.Now}
}

func (m *MemoryStore) Put(_ context.Context, p Presence) error {
	m.mu.Lock()
	m.records[p.UserID] = p
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, userID int64) (Presence, bool, error) {
	m.mu.RLock()
	p, ok := m.records[userID]
	m.mu.RUnlock()
	if !ok || p.expired(m.now()) {
		return Presence{}, false, nil
	}
	return p, true, nil
}

func (m *MemoryStore) GetMany(ctx context.Context, userIDs []int64) (map[int64]Presence, error) {
	out := make(map[int64]Presence, len(userIDs))
	for _, id := range userIDs {
		if p, ok, _ := m.Get(ctx, id); ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, userID int64) error {
	m.mu.Lock()
	delete(m.records, userID)
	m.mu.Unlock()
	return nil
}

// Sweep evicts expired records and returns how many were removed.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for id, p := range m.records {
		if p.expired(now) {
			delete(m.records, id)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (m *MemoryStore) Run(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				logger.Debug("presence sweep", "removed", n)
			}
		}
	}
}
