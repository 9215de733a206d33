package admission

import (
	"context"
	"time"

	"github.com/rzbill/courier/internal/backplane"
	"github.com/rzbill/courier/internal/config"
	"github.com/rzbill/courier/pkg/log"
)

// Decision is the outcome of one admission check.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool
	// RetryAfter hints when a rejected client may try again.
	RetryAfter time.Duration
	// Remaining is the unused budget left in the current window.
	Remaining int
}

// Limiter enforces one tier's budget over the backplane. Rejections from
// a blocked key do not consume points.
type Limiter struct {
	bp       backplane.Backplane
	name     string
	tier     config.Tier
	logger   log.Logger
	onReject func(tier string)
}

// NewLimiter builds a limiter for the named tier. onReject, if non-nil,
// is invoked once per rejected request.
func NewLimiter(bp backplane.Backplane, name string, tier config.Tier, logger log.Logger, onReject func(tier string)) *Limiter {
	return &Limiter{
		bp:       bp,
		name:     name,
		tier:     tier,
		logger:   logger.WithComponent("admission"),
		onReject: onReject,
	}
}

func (l *Limiter) countKey(clientKey string) string {
	return "admission/count/" + l.name + "/" + clientKey
}

func (l *Limiter) blockKey(clientKey string) string {
	return "admission/block/" + l.name + "/" + clientKey
}

// Consume spends one point of clientKey's budget and reports whether the
// request may proceed. Exhausting the window blocks the key for the
// tier's cooldown and resets its counter, so the budget is full again
// once the block lapses.
func (l *Limiter) Consume(ctx context.Context, clientKey string) Decision {
	ttl, err := l.bp.BlockTTL(ctx, l.blockKey(clientKey))
	if err != nil {
		return l.failOpen(clientKey, err)
	}
	if ttl > 0 {
		return l.reject(ttl)
	}

	count, remaining, err := l.bp.IncrWindow(ctx, l.countKey(clientKey), l.tier.Duration.D())
	if err != nil {
		return l.failOpen(clientKey, err)
	}
	if count > int64(l.tier.Points) {
		block := l.tier.BlockDuration.D()
		if err := l.bp.SetBlock(ctx, l.blockKey(clientKey), block); err != nil {
			return l.failOpen(clientKey, err)
		}
		if err := l.bp.Del(ctx, l.countKey(clientKey)); err != nil {
			l.logger.Warn("failed to reset admission counter",
				log.Str("tier", l.name), log.Str("key", clientKey), log.Err(err))
		}
		if remaining > block {
			block = remaining
		}
		return l.reject(block)
	}

	left := l.tier.Points - int(count)
	if left < 0 {
		left = 0
	}
	return Decision{Allowed: true, Remaining: left}
}

func (l *Limiter) reject(retryAfter time.Duration) Decision {
	if l.onReject != nil {
		l.onReject(l.name)
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}
}

// failOpen admits the request when the backplane cannot be consulted.
func (l *Limiter) failOpen(clientKey string, err error) Decision {
	l.logger.Warn("admission check failed, allowing request",
		log.Str("tier", l.name), log.Str("key", clientKey), log.Err(err))
	return Decision{Allowed: true, Remaining: l.tier.Points}
}

// Controller groups the configured tiers.
type Controller struct {
	General   *Limiter
	Sensitive *Limiter
}

// New builds both tiers from cfg against the shared backplane.
func New(bp backplane.Backplane, cfg config.Admission, logger log.Logger, onReject func(tier string)) *Controller {
	return &Controller{
		General:   NewLimiter(bp, "general", cfg.General, logger, onReject),
		Sensitive: NewLimiter(bp, "sensitive", cfg.Sensitive, logger, onReject),
	}
}
