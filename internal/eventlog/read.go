package eventlog

import (
	"encoding/binary"

	"github.com/cockroachdb/pebble"
)

// Token encodes a read position as an 8-byte big-endian sequence.
type Token [8]byte

// TokenFromSeq builds a Token addressing the given sequence.
func TokenFromSeq(seq uint64) Token {
	var t Token
	binary.BigEndian.PutUint64(t[:], seq)
	return t
}

// Seq returns the sequence number the token addresses.
func (t Token) Seq() uint64 { return binary.BigEndian.Uint64(t[:]) }

// ReadOptions controls a forward or reverse partition scan.
type ReadOptions struct {
	Start   Token // if zero, begin from the first entry
	Limit   int
	Reverse bool
}

// Item is one decoded log entry.
type Item struct {
	Seq     uint64
	Header  []byte
	Payload []byte
}

// Read returns up to Limit items starting at Start (inclusive), plus the
// token of the next unread entry. Entries that fail checksum validation
// are silently skipped.
func (l *Log) Read(opts ReadOptions) ([]Item, Token) {
	startSeq := opts.Start.Seq()
	startKey := KeyLogEntry(l.topic, l.part, startSeq)
	low := KeyLogEntry(l.topic, l.part, 0)
	hi := KeyLogEntry(l.topic, l.part, ^uint64(0))

	items := make([]Item, 0, maxInt(1, opts.Limit))
	var next Token

	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: append(hi, 0x00)})
	if err != nil {
		return items, next
	}
	defer iter.Close()

	seqAt := func(key []byte) uint64 {
		return binary.BigEndian.Uint64(key[len(key)-8:])
	}

	if opts.Reverse {
		ok := false
		if startSeq == 0 {
			ok = iter.Last()
		} else if ok = iter.SeekLT(startKey); !ok {
			ok = iter.Last()
		}
		for ok && (opts.Limit == 0 || len(items) < opts.Limit) {
			if dec, valid := DecodeRecord(iter.Value()); valid {
				items = append(items, Item{Seq: seqAt(iter.Key()), Header: dec.Header, Payload: dec.Payload})
			}
			ok = iter.Prev()
		}
		if iter.Valid() {
			next = TokenFromSeq(seqAt(iter.Key()))
		}
		return items, next
	}

	ok := false
	if startSeq == 0 {
		ok = iter.First()
	} else {
		ok = iter.SeekGE(startKey)
	}
	for ok && (opts.Limit == 0 || len(items) < opts.Limit) {
		if dec, valid := DecodeRecord(iter.Value()); valid {
			items = append(items, Item{Seq: seqAt(iter.Key()), Header: dec.Header, Payload: dec.Payload})
		}
		ok = iter.Next()
	}
	if iter.Valid() {
		next = TokenFromSeq(seqAt(iter.Key()))
	}
	return items, next
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
