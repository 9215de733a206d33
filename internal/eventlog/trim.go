package eventlog

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/cockroachdb/pebble"
)

// HeaderTimestamp extracts the append timestamp (ms) from a record header.
// Producers in this repository write the event creation time as the first
// 8 header bytes, big-endian.
func HeaderTimestamp(header []byte) (int64, bool) {
	if len(header) < 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(header[:8])), true
}

// TrimOlderThan deletes entries whose header timestamp is below cutoffMs.
// Entries are scanned oldest-first and the scan stops at the first entry at
// or past the cutoff. Deletes commit in batches of up to batchLimit keys
// with an optional throttle between commits. Returns the number of deleted
// entries and the highest deleted sequence (0 if none).
func (l *Log) TrimOlderThan(ctx context.Context, cutoffMs int64, batchLimit int, throttle time.Duration) (int, uint64, error) {
	if batchLimit <= 0 {
		batchLimit = 1024
	}

	low := KeyLogEntry(l.topic, l.part, 0)
	hi := KeyLogEntry(l.topic, l.part, ^uint64(0))
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: append(hi, 0x00)})
	if err != nil {
		return 0, 0, err
	}
	defer iter.Close()

	deleted := 0
	var lastSeq uint64
	for ok := iter.First(); ok; {
		b := l.db.NewBatch()
		n := 0
		for ok && n < batchLimit {
			seq := binary.BigEndian.Uint64(iter.Key()[len(low)-8:])
			dec, okDec := DecodeRecord(iter.Value())
			if !okDec {
				// corrupt entry; remove it along with the expired range
				if err := b.Delete(iter.Key(), nil); err != nil {
					b.Close()
					return deleted, lastSeq, err
				}
				deleted++
				lastSeq = seq
				n++
				ok = iter.Next()
				continue
			}
			ms, okTs := HeaderTimestamp(dec.Header)
			if !okTs || ms >= cutoffMs {
				ok = false
				break
			}
			if err := b.Delete(iter.Key(), nil); err != nil {
				b.Close()
				return deleted, lastSeq, err
			}
			deleted++
			lastSeq = seq
			n++
			ok = iter.Next()
		}
		if n == 0 {
			b.Close()
			break
		}
		if err := l.db.CommitBatch(ctx, b); err != nil {
			b.Close()
			return deleted, lastSeq, err
		}
		b.Close()
		if throttle > 0 {
			time.Sleep(throttle)
		}
	}
	return deleted, lastSeq, nil
}
