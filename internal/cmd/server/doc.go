// Package serverrun exposes the shared Run entrypoint the CLI uses to
// start a courier instance: runtime assembly, background loops, the
// HTTP server and ordered shutdown.
//
// Example:
//
//	opts := serverrun.Options{Config: config.Default(), Fsync: pebblestore.FsyncModeAlways}
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, opts)
package serverrun
