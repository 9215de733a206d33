// Package broadcast fans a message event out to every connection of its
// sender and receiver, wherever those connections live.
//
// Connections on this instance are served directly through a LocalSink.
// Connections on other instances are reached by publishing the event to
// the owning instance's fan-out channel on the backplane. A party with
// no presence anywhere is skipped silently; durability is the ingest
// pipeline's job, not the live path's.
//
// When the presence directory is partitioned from the backplane a
// targeted publish cannot be trusted, so events are flooded to the
// shared channel all instances subscribe to and each instance delivers
// to whatever local connections it has.
package broadcast
