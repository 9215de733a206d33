// Package pebblestore wraps Pebble with an fsync policy, batches,
// snapshots, and a minimal metrics hook.
//
// A single Pebble instance backs both the ingest event log and the
// message store; callers share one *DB and carve it up by key prefix.
//
//	db, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: "./data",
//	    Fsync:   pebblestore.FsyncModeInterval,
//	})
//	if err != nil { /* handle */ }
//	defer db.Close()
package pebblestore
