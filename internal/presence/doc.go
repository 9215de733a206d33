// Package presence implements the cluster-wide presence directory: which
// users are reachable, and on which instance each of their connections
// lives.
//
// The authoritative state lives on the backplane as one set per user
// ("connID@instanceID" members) plus an index set of online user ids;
// every instance additionally keeps a read-through local cache for fast
// lookups. Mutations are atomic backplane operations, never
// read-modify-write from an instance.
//
// When the backplane is unreachable the directory degrades to
// instance-local visibility and reports Partitioned() == true. Callers
// (the broadcaster in particular) must treat an empty lookup during a
// partition as "unknown", not "offline".
package presence
