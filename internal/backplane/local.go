package backplane

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Local is an in-process Backplane for single-node deployments and tests.
// It honors the same atomicity contract under one process-wide mutex and
// runs expiries on an injectable clock.
type Local struct {
	mu      sync.Mutex
	clock   clock.Clock
	sets    map[string]map[string]struct{}
	windows map[string]*window
	blocks  map[string]time.Time
	subs    map[string][]*localSub
	closed  bool
}

type window struct {
	count     int64
	expiresAt time.Time
}

// NewLocal creates a Local backplane on the real clock.
func NewLocal() *Local { return NewLocalWithClock(clock.New()) }

// NewLocalWithClock creates a Local backplane on the given clock. Tests
// pass a clock.Mock to step windows and cooldowns deterministically.
func NewLocalWithClock(c clock.Clock) *Local {
	return &Local{
		clock:   c,
		sets:    make(map[string]map[string]struct{}),
		windows: make(map[string]*window),
		blocks:  make(map[string]time.Time),
		subs:    make(map[string][]*localSub),
	}
}

// SAdd implements Backplane.
func (l *Local) SAdd(_ context.Context, key string, members ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	set := l.sets[key]
	if set == nil {
		set = make(map[string]struct{})
		l.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

// SRem implements Backplane.
func (l *Local) SRem(_ context.Context, key string, members ...string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	set := l.sets[key]
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(l.sets, key)
		return 0, nil
	}
	return int64(len(set)), nil
}

// SMembers implements Backplane.
func (l *Local) SMembers(_ context.Context, key string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	set := l.sets[key]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	return out, nil
}

// IncrWindow implements Backplane.
func (l *Local) IncrWindow(_ context.Context, key string, windowLen time.Duration) (int64, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	w := l.windows[key]
	if w == nil || !now.Before(w.expiresAt) {
		w = &window{expiresAt: now.Add(windowLen)}
		l.windows[key] = w
	}
	w.count++
	return w.count, w.expiresAt.Sub(now), nil
}

// SetBlock implements Backplane.
func (l *Local) SetBlock(_ context.Context, key string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocks[key] = l.clock.Now().Add(ttl)
	return nil
}

// BlockTTL implements Backplane.
func (l *Local) BlockTTL(_ context.Context, key string) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.blocks[key]
	if !ok {
		return 0, nil
	}
	left := until.Sub(l.clock.Now())
	if left <= 0 {
		delete(l.blocks, key)
		return 0, nil
	}
	return left, nil
}

// Del implements Backplane.
func (l *Local) Del(_ context.Context, keys ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		delete(l.sets, k)
		delete(l.windows, k)
		delete(l.blocks, k)
	}
	return nil
}

// Publish implements Backplane. Deliveries to subscribers whose buffers
// are full are dropped; the live path is best-effort by contract.
func (l *Local) Publish(_ context.Context, channel string, payload []byte) error {
	l.mu.Lock()
	subs := append([]*localSub(nil), l.subs[channel]...)
	l.mu.Unlock()
	msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
	for _, s := range subs {
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe implements Backplane.
func (l *Local) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	s := &localSub{parent: l, channels: channels, ch: make(chan Message, 256)}
	l.mu.Lock()
	for _, c := range channels {
		l.subs[c] = append(l.subs[c], s)
	}
	l.mu.Unlock()
	return s, nil
}

// Ping implements Backplane.
func (l *Local) Ping(context.Context) error { return nil }

// Close implements Backplane.
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	var all []*localSub
	for _, subs := range l.subs {
		all = append(all, subs...)
	}
	l.mu.Unlock()
	for _, s := range all {
		_ = s.Close()
	}
	return nil
}

type localSub struct {
	parent   *Local
	channels []string
	ch       chan Message
	once     sync.Once
}

func (s *localSub) C() <-chan Message { return s.ch }

func (s *localSub) Close() error {
	s.once.Do(func() {
		s.parent.mu.Lock()
		for _, c := range s.channels {
			subs := s.parent.subs[c]
			for i, other := range subs {
				if other == s {
					s.parent.subs[c] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		}
		s.parent.mu.Unlock()
		close(s.ch)
	})
	return nil
}
