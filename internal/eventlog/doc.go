// Package eventlog implements the append-only, partitioned, offset-addressed
// log that decouples message persistence from live delivery.
//
// Each (topic, partition) pair is an independent sequence of records stored
// in Pebble under big-endian sequence keys, so iteration order is append
// order. Producers append framed records (CRC32-C checksummed); consumers
// read forward from a position Token and commit durable per-group cursors.
// Cursor commits are monotonic, which together with idempotent downstream
// writes gives at-least-once consumption with exactly-once storage effects.
//
// Appends wake blocked readers via WaitForAppend, so a consumer tails its
// partition without polling. Old records can be trimmed by age once
// consumed (TrimOlderThan).
package eventlog
