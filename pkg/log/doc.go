// Package log provides courier's structured logging facade.
//
// The package exposes a small Logger interface with leveled methods and a
// Field type for structured context. Components receive a Logger via
// dependency injection and tag themselves with Component:
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("gateway"))
//	l.Info("listener started", log.Str("addr", addr))
//
// ApplyConfig builds a logger from a declarative Config (level + format),
// which is how the server wires COURIER_LOG_LEVEL / COURIER_LOG_FORMAT.
// RedirectStdLog routes standard-library log output (used by Pebble)
// through the facade.
package log
