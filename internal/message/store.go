package message

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/courier/internal/storage/pebble"
)

// ErrNotFound is returned when no record exists for a message id.
var ErrNotFound = errors.New("message: not found")

// Keyspace:
// - msg/{id}                      -> event JSON
// - conv/{pairKey}/{seq_be8}      -> message id
//
// The conv index is keyed by the event's log sequence, so a forward scan
// returns a conversation in send order.

var (
	msgPrefix  = []byte("msg/")
	convPrefix = []byte("conv/")
)

func keyMsg(id string) []byte {
	k := make([]byte, 0, len(msgPrefix)+len(id))
	k = append(k, msgPrefix...)
	return append(k, id...)
}

func keyConv(pairKey string, seq uint64) []byte {
	k := make([]byte, 0, len(convPrefix)+len(pairKey)+9)
	k = append(k, convPrefix...)
	k = append(k, pairKey...)
	k = append(k, '/')
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return append(k, b[:]...)
}

// Store persists message events with a uniqueness constraint on id.
type Store struct {
	db *pebblestore.DB
}

// NewStore creates a Store on the shared Pebble instance.
func NewStore(db *pebblestore.DB) *Store { return &Store{db: db} }

// Save performs an idempotent upsert keyed by the event id: if a record
// with that id already exists the write is a no-op and Save reports
// inserted=false. The stored record carries status persisted.
//
// The ingest consumer is the only writer for a given partition, and a
// conversation never spans partitions, so the existence check and the
// batch commit cannot race for the same id.
func (s *Store) Save(ctx context.Context, ev Event, seq uint64) (bool, error) {
	if err := ev.Validate(); err != nil {
		return false, err
	}
	exists, err := s.db.Has(keyMsg(ev.ID))
	if err != nil {
		return false, fmt.Errorf("message: lookup %s: %w", ev.ID, err)
	}
	if exists {
		return false, nil
	}

	ev.MarkPersisted()
	val, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("message: encode %s: %w", ev.ID, err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(keyMsg(ev.ID), val, nil); err != nil {
		return false, err
	}
	if err := b.Set(keyConv(PairKey(ev.SenderID, ev.ReceiverID), seq), []byte(ev.ID), nil); err != nil {
		return false, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return false, fmt.Errorf("message: commit %s: %w", ev.ID, err)
	}
	return true, nil
}

// Get loads one event by id.
func (s *Store) Get(id string) (Event, error) {
	val, err := s.db.Get(keyMsg(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Event{}, ErrNotFound
		}
		return Event{}, err
	}
	var ev Event
	if err := json.Unmarshal(val, &ev); err != nil {
		return Event{}, fmt.Errorf("message: decode %s: %w", id, err)
	}
	return ev, nil
}

// FindConversation returns the events between two users in send order.
// A limit of 0 returns the whole conversation.
func (s *Store) FindConversation(a, b string, limit int) ([]Event, error) {
	pair := PairKey(a, b)
	low := keyConv(pair, 0)
	hi := keyConv(pair, ^uint64(0))

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: append(hi, 0x00)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Event
	for ok := iter.First(); ok && (limit == 0 || len(out) < limit); ok = iter.Next() {
		ev, err := s.Get(string(iter.Value()))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
