package eventlog

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"

	pebblestore "github.com/rzbill/courier/internal/storage/pebble"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("eventlog: record not found")

// AppendRecord represents a single appendable event.
type AppendRecord struct {
	Header  []byte
	Payload []byte
}

// Log provides append-only operations for one topic/partition.
type Log struct {
	db    *pebblestore.DB
	topic string
	part  uint32

	mu       sync.Mutex
	lastSeq  uint64
	notifyCh chan struct{}
}

// OpenLog initializes a Log, restoring the last assigned sequence from
// partition metadata when present.
func OpenLog(db *pebblestore.DB, topic string, partition uint32) (*Log, error) {
	l := &Log{db: db, topic: topic, part: partition, notifyCh: make(chan struct{})}
	meta, err := db.Get(KeyLogMeta(topic, partition))
	if err == nil && len(meta) >= 8 {
		l.lastSeq = binary.BigEndian.Uint64(meta[:8])
	}
	return l, nil
}

// Topic returns the log's topic name.
func (l *Log) Topic() string { return l.topic }

// Partition returns the log's partition index.
func (l *Log) Partition() uint32 { return l.part }

// Append writes the records as one atomic batch and returns the assigned
// sequence numbers. Blocked readers are woken on success.
func (l *Log) Append(ctx context.Context, recs []AppendRecord) ([]uint64, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.db.NewBatch()
	defer b.Close()

	seqs := make([]uint64, len(recs))
	for i, r := range recs {
		l.lastSeq++
		val := EncodeRecord(r.Header, r.Payload)
		if err := b.Set(KeyLogEntry(l.topic, l.part, l.lastSeq), val, nil); err != nil {
			return nil, err
		}
		seqs[i] = l.lastSeq
	}

	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], l.lastSeq)
	if err := b.Set(KeyLogMeta(l.topic, l.part), meta[:], nil); err != nil {
		return nil, err
	}

	if err := l.db.CommitBatch(ctx, b); err != nil {
		return nil, err
	}

	close(l.notifyCh)
	l.notifyCh = make(chan struct{})
	return seqs, nil
}

// LastSeq returns the last assigned sequence number.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}
