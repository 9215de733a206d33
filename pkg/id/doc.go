// Package id generates compact, lexicographically sortable identifiers.
//
// An ID is 16 bytes big-endian: 8 bytes of millisecond timestamp followed
// by 8 bytes of per-process sequence, so byte-wise comparison preserves
// chronological order. The generator is monotonic per process: it pins to
// the last observed millisecond if the clock regresses, and waits out a
// millisecond if the sequence would overflow. The gateway uses these as
// connection ids.
package id
