package typing

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store keeps at most one indicator per (room, user). Put reports whether
// the indicator is new, Delete whether one was live.
type Store interface {
	Put(ctx context.Context, ind Indicator) (bool, error)
	Delete(ctx context.Context, roomID, userID int64) (bool, error)
	List(ctx context.Context, roomID int64) ([]Indicator, error)
}

// RedisStore keeps one sorted set per room scored by expiry in unix
// milliseconds. The key expires with its newest member.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl, now: time.Now}
}

func redisKey(roomID int64) string {
	return "typing:" + strconv.FormatInt(roomID, 10)
}

func (s *RedisStore) Put(ctx context.Context, ind Indicator) (bool, error) {
	key := redisKey(ind.RoomID)
	nowMs := strconv.FormatInt(s.now().UnixMilli(), 10)

	var added *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", nowMs)
		added = pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(ind.ExpiresAt.UnixMilli()),
			Member: strconv.FormatInt(ind.UserID, 10),
		})
		pipe.PExpire(ctx, key, ind.ExpiresAt.Sub(s.now()))
		return nil
	})
	if err != nil {
		return false, err
	}
	return added.Val() > 0, nil
}

func (s *RedisStore) Delete(ctx context.Context, roomID, userID int64) (bool, error) {
	key := redisKey(roomID)
	nowMs := strconv.FormatInt(s.now().UnixMilli(), 10)

	var removed *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", nowMs)
		removed = pipe.ZRem(ctx, key, strconv.FormatInt(userID, 10))
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (s *RedisStore) List(ctx context.Context, roomID int64) ([]Indicator, error) {
	nowMs := s.now().UnixMilli()
	zs, err := s.rdb.ZRangeByScoreWithScores(ctx, redisKey(roomID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(nowMs, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Indicator, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		userID, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		expires := time.UnixMilli(int64(z.Score)).UTC()
		out = append(out, Indicator{
			RoomID:    roomID,
			UserID:    userID,
			IsTyping:  true,
			Timestamp: expires.Add(-s.ttl),
			ExpiresAt: expires,
		})
	}
	sortIndicators(out)
	return out, nil
}

// MemoryStore is the single-process Store.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[int64]map[int64]Indicator
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[int64]map[int64]Indicator), now: time.Now}
}

func (m *MemoryStore) live(ind Indicator, ok bool) bool {
	return ok && m.now().Before(ind.ExpiresAt)
}

func (m *MemoryStore) Put(_ context.Context, ind Indicator) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room := m.rooms[ind.RoomID]
	if room == nil {
		room = make(map[int64]Indicator)
		m.rooms[ind.RoomID] = room
	}
	prev, ok := room[ind.UserID]
	room[ind.UserID] = ind
	return !m.live(prev, ok), nil
}

func (m *MemoryStore) Delete(_ context.Context, roomID, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room := m.rooms[roomID]
	prev, ok := room[userID]
	delete(room, userID)
	if len(room) == 0 {
		delete(m.rooms, roomID)
	}
	return m.live(prev, ok), nil
}

func (m *MemoryStore) List(_ context.Context, roomID int64) ([]Indicator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []Indicator{}
	for _, ind := range m.rooms[roomID] {
		if m.live(ind, true) {
			out = append(out, ind)
		}
	}
	sortIndicators(out)
	return out, nil
}

// Sweep evicts expired indicators and returns how many were removed.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for roomID, room := range m.rooms {
		for userID, ind := range room {
			if !m.live(ind, true) {
				delete(room, userID)
				removed++
			}
		}
		if len(room) == 0 {
			delete(m.rooms, roomID)
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
				logger.Debug("typing sweep", "removed", n)
			}
		}
	}
}

func sortIndicators(inds []Indicator) {
	sort.Slice(inds, func(i, j int) bool {
		if !inds[i].Timestamp.Equal(inds[j].Timestamp) {
			return inds[i].Timestamp.Before(inds[j].Timestamp)
		}
		return inds[i].UserID < inds[j].UserID
	})
}
