package events

import (
	"context"
	"sync"
)

// Local is an in-process Bus for single-instance deployments. Slow
// subscribers lose events instead of blocking publishers.
type Local struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewLocal() *Local {
	return &Local{subs: make(map[chan Event]struct{})}
}

func (l *Local) Publish(_ context.Context, topic, kind string, payload any) error {
	ev, err := newEvent(topic, kind, payload)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (l *Local) Subscribe(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 256)
	l.mu.Lock()
	l.subs[ch] = struct{}{}
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subs, ch)
		close(ch)
		l.mu.Unlock()
	}()
	return ch, nil
}
