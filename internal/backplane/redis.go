package backplane

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Backplane on a shared Redis deployment. Set mutations
// map to single commands, counters to a Lua script, so every mutation is
// one atomic round trip regardless of how many instances race on a key.
type Redis struct {
	client *redis.Client
}

// incrWindowScript increments a counter, arming the window expiry on the
// first hit, and returns {count, remaining ms}.
var incrWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// NewRedis connects to the Redis at url (redis://host:port/db).
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("backplane: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Redis{client: client}, nil
}

func wrapUnavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// SAdd implements Backplane.
func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrapUnavailable(r.client.SAdd(ctx, key, args...).Err())
}

// SRem implements Backplane. Redis removes emptied sets on its own; the
// pipelined SCARD reports the post-removal cardinality.
func (r *Redis) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, key, args...)
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, wrapUnavailable(err)
	}
	return card.Val(), nil
}

// SMembers implements Backplane.
func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	out, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	return out, nil
}

// IncrWindow implements Backplane.
func (r *Redis) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrWindowScript.Run(ctx, r.client, []string{key}, window.Milliseconds()).Slice()
	if err != nil {
		return 0, 0, wrapUnavailable(err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("backplane: unexpected script reply %v", res)
	}
	count, _ := res[0].(int64)
	ttlMs, _ := res[1].(int64)
	return count, time.Duration(ttlMs) * time.Millisecond, nil
}

// SetBlock implements Backplane.
func (r *Redis) SetBlock(ctx context.Context, key string, ttl time.Duration) error {
	return wrapUnavailable(r.client.Set(ctx, key, "1", ttl).Err())
}

// BlockTTL implements Backplane.
func (r *Redis) BlockTTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, wrapUnavailable(err)
	}
	if ttl < 0 {
		// -1 no expiry, -2 missing key
		return 0, nil
	}
	return ttl, nil
}

// Del implements Backplane.
func (r *Redis) Del(ctx context.Context, keys ...string) error {
	return wrapUnavailable(r.client.Del(ctx, keys...).Err())
}

// Publish implements Backplane.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return wrapUnavailable(r.client.Publish(ctx, channel, payload).Err())
}

// Subscribe implements Backplane.
func (r *Redis) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, wrapUnavailable(err)
	}
	sub := &redisSub{ps: ps, ch: make(chan Message, 256)}
	go sub.pump()
	return sub, nil
}

// Ping implements Backplane.
func (r *Redis) Ping(ctx context.Context) error {
	return wrapUnavailable(r.client.Ping(ctx).Err())
}

// Close implements Backplane.
func (r *Redis) Close() error { return r.client.Close() }

type redisSub struct {
	ps *redis.PubSub
	ch chan Message
}

func (s *redisSub) pump() {
	defer close(s.ch)
	for m := range s.ps.Channel() {
		s.ch <- Message{Channel: m.Channel, Payload: []byte(m.Payload)}
	}
}

func (s *redisSub) C() <-chan Message { return s.ch }

func (s *redisSub) Close() error { return s.ps.Close() }
