// Package message defines the MessageEvent exchanged between users and
// its durable store.
//
// An event's id is assigned once, at creation, and is the idempotency key
// across the log-to-storage boundary: the store refuses to write a second
// record for an id it has already seen, which turns the log's
// at-least-once delivery into exactly-once storage. Delivery status moves
// monotonically from "sent" to either "persisted" or "persist_failed".
package message
