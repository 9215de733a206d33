package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rzbill/courier/internal/admission"
	"github.com/rzbill/courier/internal/backplane"
	"github.com/rzbill/courier/internal/broadcast"
	"github.com/rzbill/courier/internal/config"
	"github.com/rzbill/courier/internal/eventlog"
	"github.com/rzbill/courier/internal/gateway"
	"github.com/rzbill/courier/internal/ingest"
	"github.com/rzbill/courier/internal/message"
	"github.com/rzbill/courier/internal/metrics"
	"github.com/rzbill/courier/internal/presence"
	pebblestore "github.com/rzbill/courier/internal/storage/pebble"
	"github.com/rzbill/courier/pkg/id"
	"github.com/rzbill/courier/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	Config config.Config
	Fsync  pebblestore.FsyncMode
	Logger log.Logger
}

// Runtime wires one instance's components over shared storage and the
// cluster backplane.
type Runtime struct {
	cfg     config.Config
	logger  log.Logger
	db      *pebblestore.DB
	metrics *metrics.Metrics
	bp      backplane.Backplane

	dir      *presence.Directory
	logs     []*eventlog.Log
	store    *message.Store
	producer *ingest.Producer
	consumer *ingest.Consumer
	adm      *admission.Controller
	gw       *gateway.Gateway
	bcast    *broadcast.Broadcaster
	failures chan ingest.Failure
}

// Open builds the full component graph. Close releases it in reverse.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger()
	}

	m := metrics.New()
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: cfg.DataDir,
		Fsync:   opts.Fsync,
		Metrics: m,
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: open storage: %w", err)
	}

	var bp backplane.Backplane
	if cfg.BackplaneURL != "" {
		bp, err = backplane.NewRedis(ctx, cfg.BackplaneURL)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("runtime: connect backplane: %w", err)
		}
	} else {
		bp = backplane.NewLocal()
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			instanceID = host + "-" + id.NewGenerator().NextString()[:8]
		} else {
			instanceID = id.NewGenerator().NextString()
		}
	}

	rt := &Runtime{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		metrics:  m,
		bp:       bp,
		failures: make(chan ingest.Failure, 128),
	}

	rt.dir = presence.New(bp, instanceID, logger)
	rt.dir.OnPartitionChange(func(partitioned bool) {
		if partitioned {
			m.PresencePartitioned.Set(1)
		} else {
			m.PresencePartitioned.Set(0)
		}
	})

	rt.logs, err = ingest.OpenPartitions(db, cfg.Ingest.Topic, cfg.Ingest.Partitions)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.store = message.NewStore(db)
	rt.producer = ingest.NewProducer(rt.logs, cfg.Ingest.MaxAttempts, cfg.Ingest.RetryBackoff.D(),
		logger, rt.failures, func() { m.IngestAppends.Inc() })
	rt.consumer = ingest.NewConsumer(rt.logs, rt.store, cfg.Ingest.ConsumerGroup, logger, ingest.ConsumerHooks{
		OnPersisted: func() { m.IngestPersisted.Inc() },
		OnDuplicate: func() { m.IngestDuplicates.Inc() },
	})

	rt.adm = admission.New(bp, cfg.Admission, logger, func(tier string) {
		m.AdmissionRejections.WithLabelValues(tier).Inc()
	})

	rt.gw = gateway.New(rt.dir, rt.producer, gateway.Options{
		HeartbeatInterval: cfg.Heartbeat.Interval.D(),
		HeartbeatTimeout:  cfg.Heartbeat.Timeout.D(),
		AckTimeout:        cfg.AckTimeout.D(),
		SendLimiter:       rt.adm.General,
	}, logger, gateway.Hooks{
		OnConnect:    func() { m.ConnectionsOpen.Inc() },
		OnDisconnect: func() { m.ConnectionsOpen.Dec() },
		OnSend:       func() { m.MessagesSent.Inc() },
	})
	rt.bcast = broadcast.New(bp, rt.dir, rt.gw, logger, broadcast.Hooks{
		OnLocal:  func() { m.DeliveriesLocal.Inc() },
		OnRemote: func() { m.DeliveriesRemote.Inc() },
		OnAbsent: func() { m.DeliveriesAbsent.Inc() },
	})
	rt.gw.SetDeliverer(rt.bcast)

	return rt, nil
}

// Close releases backplane and storage. Long-running loops are owned by
// the server command and must be stopped before calling Close.
func (r *Runtime) Close() error {
	var errs []error
	if r.bp != nil {
		if err := r.bp.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CheckHealth verifies storage and backplane are reachable.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("runtime: storage not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	it.Close()
	return r.bp.Ping(ctx)
}

func (r *Runtime) Config() config.Config            { return r.cfg }
func (r *Runtime) DB() *pebblestore.DB              { return r.db }
func (r *Runtime) Metrics() *metrics.Metrics        { return r.metrics }
func (r *Runtime) Backplane() backplane.Backplane   { return r.bp }
func (r *Runtime) Presence() *presence.Directory    { return r.dir }
func (r *Runtime) Logs() []*eventlog.Log            { return r.logs }
func (r *Runtime) Store() *message.Store            { return r.store }
func (r *Runtime) Producer() *ingest.Producer       { return r.producer }
func (r *Runtime) Consumer() *ingest.Consumer       { return r.consumer }
func (r *Runtime) Admission() *admission.Controller { return r.adm }
func (r *Runtime) Gateway() *gateway.Gateway        { return r.gw }
func (r *Runtime) Broadcaster() *broadcast.Broadcaster { return r.bcast }
func (r *Runtime) Failures() <-chan ingest.Failure  { return r.failures }
