package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type memoryKey struct {
	actorID int64
	action  string
}

type memoryWindow struct {
	stamps []time.Time
	window time.Duration
}

// Memory is the in-process Limiter. Its counters are local to one process.
type Memory struct {
	mu      sync.Mutex
	windows map[memoryKey]*memoryWindow
	now     func() time.Time
}

func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock is NewMemory reading the time from now.
func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{
		windows: make(map[memoryKey]*memoryWindow),
		now:     now,
	}
}

func (m *Memory) CheckAndConsume(_ context.Context, actorID int64, action string, limit int, window time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	key := memoryKey{actorID: actorID, action: action}
	w := m.windows[key]
	if w == nil {
		w = &memoryWindow{}
		m.windows[key] = w
	}
	w.window = window
	w.stamps = trim(w.stamps, now, window)

	if len(w.stamps) >= limit {
		return exceeded(w.stamps[0], window, now)
	}
	w.stamps = append(w.stamps, now)
	return nil
}

func (m *Memory) Reset(_ context.Context, actorID int64, action string) error {
	m.mu.Lock()
	delete(m.windows, memoryKey{actorID: actorID, action: action})
	m.mu.Unlock()
	return nil
}

// Sweep drops keys whose window has fully elapsed and returns how many were
// removed.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, w := range m.windows {
		w.stamps = trim(w.stamps, now, w.window)
		if len(w.stamps) == 0 {
			delete(m.windows, key)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (m *Memory) Run(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				logger.Debug("rate limit sweep", "removed", n)
			}
		}
	}
}

// trim drops timestamps that have left the window, keeping order.
func trim(stamps []time.Time, now time.Time, window time.Duration) []time.Time {
	i := 0
	for i < len(stamps) && now.Sub(stamps[i]) >= window {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[i:]...)
}
