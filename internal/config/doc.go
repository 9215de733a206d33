// Package config provides loading and environment overlay for courier's
// runtime configuration: listen addresses, data directory, backplane URL,
// ingest topic/partitions, heartbeat tuning, and admission tiers.
//
// Example:
//
//	cfg := config.Default()
//	if fileCfg, err := config.Load("/etc/courier.json"); err == nil {
//	    cfg = fileCfg
//	}
//	if err := config.FromEnv(&cfg); err != nil { /* handle */ }
//
// Environment variables use the COURIER_ prefix (COURIER_HTTP_ADDR,
// COURIER_BACKPLANE_URL, ...) and are parsed via struct tags.
package config
