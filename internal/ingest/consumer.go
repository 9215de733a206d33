package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rzbill/courier/internal/eventlog"
	"github.com/rzbill/courier/internal/message"
	"github.com/rzbill/courier/pkg/log"
)

const (
	consumeBatch = 256
	idlePoll     = 500 * time.Millisecond
	retryPause   = time.Second
)

// ConsumerHooks observe consumer progress. All fields are optional.
type ConsumerHooks struct {
	OnPersisted func()
	OnDuplicate func()
}

// Consumer replays every partition of the topic into the message store
// under a durable group cursor. One goroutine owns each partition, so
// writes for a conversation are applied in log order.
type Consumer struct {
	logs   []*eventlog.Log
	store  *message.Store
	group  string
	logger log.Logger
	hooks  ConsumerHooks

	wg sync.WaitGroup
}

// NewConsumer builds a consumer group over the partition logs.
func NewConsumer(logs []*eventlog.Log, store *message.Store, group string, logger log.Logger, hooks ConsumerHooks) *Consumer {
	return &Consumer{
		logs:   logs,
		store:  store,
		group:  group,
		logger: logger.WithComponent("ingest.consumer"),
		hooks:  hooks,
	}
}

// Start launches the per-partition workers. They run until ctx is
// canceled; Wait blocks for their exit.
func (c *Consumer) Start(ctx context.Context) {
	for _, l := range c.logs {
		c.wg.Add(1)
		go func(l *eventlog.Log) {
			defer c.wg.Done()
			c.runPartition(ctx, l)
		}(l)
	}
}

// Wait blocks until all partition workers have stopped.
func (c *Consumer) Wait() { c.wg.Wait() }

func (c *Consumer) runPartition(ctx context.Context, l *eventlog.Log) {
	logger := c.logger.With(log.Uint32("partition", l.Partition()))

	// Resume one past the committed cursor. The read token returned by
	// the log is zero once the iterator drains, so position is tracked
	// here rather than taken from the read.
	pos := uint64(1)
	if tok, ok := l.GetCursor(c.group); ok {
		pos = tok.Seq() + 1
	}

	for ctx.Err() == nil {
		items, _ := l.Read(eventlog.ReadOptions{Start: eventlog.TokenFromSeq(pos), Limit: consumeBatch})
		if len(items) == 0 {
			l.WaitForAppend(idlePoll)
			continue
		}

		stalled := false
		for _, it := range items {
			if err := c.apply(ctx, logger, it); err != nil {
				// Transient store failure. Commit progress made so far and
				// retry this entry after a pause; the cursor never moves
				// past unapplied work.
				logger.Error("persist failed, will retry", log.Uint64("seq", it.Seq), log.Err(err))
				stalled = true
				break
			}
			pos = it.Seq + 1
		}

		if pos > 1 {
			if err := l.CommitCursor(c.group, eventlog.TokenFromSeq(pos-1)); err != nil {
				logger.Error("cursor commit failed", log.Uint64("seq", pos-1), log.Err(err))
			}
		}
		if stalled {
			select {
			case <-ctx.Done():
			case <-time.After(retryPause):
			}
		}
	}
}

// apply persists one log entry. Entries that cannot be decoded or fail
// validation are logged and skipped; an error return means the entry is
// retryable and the cursor must not advance past it.
func (c *Consumer) apply(ctx context.Context, logger log.Logger, it eventlog.Item) error {
	var ev message.Event
	if err := json.Unmarshal(it.Payload, &ev); err != nil {
		logger.Warn("skipping undecodable entry", log.Uint64("seq", it.Seq), log.Err(err))
		return nil
	}
	inserted, err := c.store.Save(ctx, ev, it.Seq)
	if err != nil {
		if errors.Is(err, message.ErrInvalid) {
			logger.Warn("skipping invalid event", log.Uint64("seq", it.Seq), log.Str("id", ev.ID))
			return nil
		}
		return err
	}
	if inserted {
		if c.hooks.OnPersisted != nil {
			c.hooks.OnPersisted()
		}
	} else {
		logger.Debug("duplicate event", log.Uint64("seq", it.Seq), log.Str("id", ev.ID))
		if c.hooks.OnDuplicate != nil {
			c.hooks.OnDuplicate()
		}
	}
	return nil
}
