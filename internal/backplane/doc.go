// Package backplane defines the shared coordination substrate used across
// server instances: atomic set mutations for the presence directory,
// windowed counters and block keys for admission control, and pub/sub
// channels for cross-instance fan-out.
//
// Two implementations exist. Redis backs production deployments, where
// every mutation is a single atomic round trip (set commands and Lua
// scripts) so concurrent instances cannot lose updates. Local keeps the
// same contract in process memory for single-node runs and tests.
//
// Callers must treat backplane errors as a partition signal, not as
// authoritative state: an unreachable backplane means "unknown", never
// "absent".
package backplane
