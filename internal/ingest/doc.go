// Package ingest is the durable message pipeline: a producer that
// appends events to the partitioned log with bounded retries, and a
// consumer group that replays each partition into the message store.
//
// A conversation's pair key picks its partition, so both directions of
// a conversation land on the same ordered log. Each partition has a
// single consumer goroutine; the store's idempotent upsert absorbs the
// duplicates an at-least-once replay can produce.
package ingest
