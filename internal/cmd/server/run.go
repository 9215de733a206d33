package serverrun

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	cfgpkg "github.com/rzbill/courier/internal/config"
	"github.com/rzbill/courier/internal/runtime"
	httpserver "github.com/rzbill/courier/internal/server/http"
	pebblestore "github.com/rzbill/courier/internal/storage/pebble"
	logpkg "github.com/rzbill/courier/pkg/log"
)

// trimInterval paces the retention sweep over the ingest log.
const trimInterval = time.Hour

func getenvDefault(key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

// small wrapper to allow testing; replaced by os.Getenv at build time
var getenv = func(key string) string { return os.Getenv(key) }

// Options for starting a server instance. Non-zero fields override the
// corresponding Config values.
type Options struct {
	DataDir  string
	HTTPAddr string
	Fsync    pebblestore.FsyncMode
	Config   cfgpkg.Config
}

// Run starts the instance and blocks until ctx is cancelled or a signal
// arrives. Shutdown order: HTTP server and sockets first, then the
// background loops, the consumer, and finally backplane and storage.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}
	if cfg.DataDir == "" {
		cfg.DataDir = cfgpkg.DefaultDataDir()
	}
	cfg.DataDir = filepath.Join(cfg.DataDir, "store")
	if opts.HTTPAddr != "" {
		cfg.HTTPAddr = opts.HTTPAddr
	}

	logCfg := &logpkg.Config{
		Level:  getenvDefault("COURIER_LOG_LEVEL", cfg.LogLevel),
		Format: getenvDefault("COURIER_LOG_FORMAT", cfg.LogFormat),
	}
	procLogger, err := logpkg.ApplyConfig(logCfg)
	if err != nil {
		procLogger = logpkg.NewLogger(logpkg.WithFormatter(&logpkg.TextFormatter{}))
	}
	logpkg.RedirectStdLog(procLogger)

	rt, err := runtime.Open(sctx, runtime.Options{Config: cfg, Fsync: opts.Fsync, Logger: procLogger})
	if err != nil {
		return err
	}
	defer rt.Close()

	procLogger.Info("starting courier server",
		logpkg.Str("http", cfg.HTTPAddr),
		logpkg.Str("instance", rt.Presence().InstanceID()),
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Str("topic", cfg.Ingest.Topic),
		logpkg.Int("partitions", cfg.Ingest.Partitions),
		logpkg.Str("level", logCfg.Level),
		logpkg.Str("format", logCfg.Format),
	)

	// Background loops outlive sctx slightly so in-flight work drains
	// after the servers stop accepting.
	loopCtx, cancelLoops := context.WithCancel(context.Background())
	defer cancelLoops()

	rt.Consumer().Start(loopCtx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := rt.Broadcaster().RunRemote(loopCtx); err != nil && loopCtx.Err() == nil {
			procLogger.Error("fan-out subscription ended", logpkg.Err(err))
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := rt.Gateway().RunPresence(loopCtx, rt.Backplane()); err != nil && loopCtx.Err() == nil {
			procLogger.Error("presence subscription ended", logpkg.Err(err))
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		drainFailures(loopCtx, rt, procLogger)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		runRetention(loopCtx, rt, procLogger)
	}()

	hsrv := httpserver.New(httpserver.Deps{
		WS:        rt.Gateway().ServeWS,
		Store:     rt.Store(),
		Presence:  rt.Presence(),
		Admission: rt.Admission(),
		Metrics:   rt.Metrics().Handler(),
		Backplane: rt.Backplane(),
		Logger:    procLogger,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(sctx, cfg.HTTPAddr); err != nil && sctx.Err() == nil {
			procLogger.Error("http server failed", logpkg.Err(err))
		}
	}()

	<-sctx.Done()
	procLogger.Info("shutting down")
	hsrv.Close()
	rt.Gateway().CloseAll()
	cancelLoops()
	rt.Consumer().Wait()
	wg.Wait()
	return nil
}

// drainFailures surfaces events the producer gave up on. The durability
// gap is an operator problem, never a client-visible one.
func drainFailures(ctx context.Context, rt *runtime.Runtime, logger logpkg.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-rt.Failures():
			rt.Metrics().PersistFailures.Inc()
			logger.Error("message lost to durable log",
				logpkg.Str("id", f.Event.ID),
				logpkg.Str("sender", f.Event.SenderID),
				logpkg.Str("receiver", f.Event.ReceiverID),
				logpkg.Err(f.Err))
		}
	}
}

// runRetention periodically trims log entries older than the configured
// retention. Committed cursors are unaffected; trimmed ranges are
// already consumed in steady state.
func runRetention(ctx context.Context, rt *runtime.Runtime, logger logpkg.Logger) {
	retention := rt.Config().Ingest.Retention.D()
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(trimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention).UnixMilli()
			for _, l := range rt.Logs() {
				deleted, _, err := l.TrimOlderThan(ctx, cutoff, 1024, 5*time.Millisecond)
				if err != nil {
					logger.Warn("retention trim failed",
						logpkg.Uint32("partition", l.Partition()), logpkg.Err(err))
					continue
				}
				if deleted > 0 {
					logger.Info("trimmed expired log entries",
						logpkg.Uint32("partition", l.Partition()), logpkg.Int("deleted", deleted))
				}
			}
		}
	}
}
