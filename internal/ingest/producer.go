package ingest

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rzbill/courier/internal/eventlog"
	"github.com/rzbill/courier/internal/message"
	pebblestore "github.com/rzbill/courier/internal/storage/pebble"
	"github.com/rzbill/courier/pkg/log"
)

// Failure is an event the producer gave up on after exhausting its
// retries. The event carries status persist_failed.
type Failure struct {
	Event message.Event
	Err   error
}

// OpenPartitions opens the topic's partition logs on the shared store.
func OpenPartitions(db *pebblestore.DB, topic string, n int) ([]*eventlog.Log, error) {
	logs := make([]*eventlog.Log, n)
	for i := 0; i < n; i++ {
		l, err := eventlog.OpenLog(db, topic, uint32(i))
		if err != nil {
			return nil, fmt.Errorf("ingest: open %s/%d: %w", topic, i, err)
		}
		logs[i] = l
	}
	return logs, nil
}

// Producer appends message events to their conversation's partition.
type Producer struct {
	logs        []*eventlog.Log
	maxAttempts int
	backoff     time.Duration
	logger      log.Logger
	failures    chan<- Failure
	onAppend    func()

	// appendTo is overridable in tests to inject append failures.
	appendTo func(ctx context.Context, l *eventlog.Log, recs []eventlog.AppendRecord) ([]uint64, error)
}

// NewProducer builds a producer over the partition logs. failures
// receives events that could not be appended after maxAttempts tries;
// onAppend, if non-nil, is invoked once per successful append.
func NewProducer(logs []*eventlog.Log, maxAttempts int, backoff time.Duration, logger log.Logger, failures chan<- Failure, onAppend func()) *Producer {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Producer{
		logs:        logs,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		logger:      logger.WithComponent("ingest.producer"),
		failures:    failures,
		onAppend:    onAppend,
		appendTo: func(ctx context.Context, l *eventlog.Log, recs []eventlog.AppendRecord) ([]uint64, error) {
			return l.Append(ctx, recs)
		},
	}
}

// PartitionFor returns the partition index ev's conversation maps to.
func (p *Producer) PartitionFor(ev message.Event) uint32 {
	return message.Partition(message.PairKey(ev.SenderID, ev.ReceiverID), len(p.logs))
}

// Append durably appends ev to its partition, retrying transient
// failures with backoff. When all attempts fail the event is marked
// persist_failed, reported on the failure channel and the last error
// returned. The caller's live delivery is unaffected either way.
func (p *Producer) Append(ctx context.Context, ev message.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("ingest: encode %s: %w", ev.ID, err)
	}
	var header [8]byte
	binary.BigEndian.PutUint64(header[:], uint64(ev.CreatedAtMs))

	l := p.logs[p.PartitionFor(ev)]
	rec := []eventlog.AppendRecord{{Header: header[:], Payload: payload}}

	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if _, lastErr = p.appendTo(ctx, l, rec); lastErr == nil {
			if p.onAppend != nil {
				p.onAppend()
			}
			return nil
		}
		p.logger.Warn("append failed",
			log.Str("id", ev.ID),
			log.Uint32("partition", l.Partition()),
			log.Int("attempt", attempt),
			log.Err(lastErr))
		if attempt < p.maxAttempts {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = p.maxAttempts
			case <-time.After(p.backoff * time.Duration(attempt)):
			}
		}
	}

	ev.MarkPersistFailed()
	p.logger.Error("giving up on event after retries",
		log.Str("id", ev.ID), log.Int("attempts", p.maxAttempts), log.Err(lastErr))
	if p.failures != nil {
		select {
		case p.failures <- Failure{Event: ev, Err: lastErr}:
		default:
			p.logger.Warn("failure channel full, dropping report", log.Str("id", ev.ID))
		}
	}
	return fmt.Errorf("ingest: append %s: %w", ev.ID, lastErr)
}
