package backplane

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable indicates the backplane could not be reached. Callers
// degrade to instance-local behavior and flag themselves partitioned.
var ErrUnavailable = errors.New("backplane: unavailable")

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pub/sub subscription. C is closed when the
// subscription ends.
type Subscription interface {
	C() <-chan Message
	Close() error
}

// Backplane is the narrow coordination surface shared by all instances.
// All mutating operations are atomic with respect to concurrent callers
// on other instances.
type Backplane interface {
	// SAdd adds members to the set at key.
	SAdd(ctx context.Context, key string, members ...string) error
	// SRem removes members from the set at key and returns the remaining
	// cardinality. An emptied set ceases to exist.
	SRem(ctx context.Context, key string, members ...string) (int64, error)
	// SMembers returns all members of the set at key.
	SMembers(ctx context.Context, key string) ([]string, error)

	// IncrWindow atomically increments the counter at key, starting a new
	// expiry window of the given length on first increment. It returns the
	// post-increment count and the time remaining in the window.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	// SetBlock marks key blocked for ttl.
	SetBlock(ctx context.Context, key string, ttl time.Duration) error
	// BlockTTL returns the remaining block time for key, 0 when unblocked.
	BlockTTL(ctx context.Context, key string) (time.Duration, error)
	// Del removes keys.
	Del(ctx context.Context, keys ...string) error

	// Publish sends payload to all current subscribers of channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe opens a subscription to the given channels.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error
	Close() error
}
