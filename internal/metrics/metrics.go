// Package metrics registers courier's Prometheus collectors and adapts
// them to the storage layer's hook interface.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors for one server process.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsOpen     prometheus.Gauge
	MessagesSent        prometheus.Counter
	DeliveriesLocal     prometheus.Counter
	DeliveriesRemote    prometheus.Counter
	DeliveriesAbsent    prometheus.Counter
	IngestAppends       prometheus.Counter
	IngestPersisted     prometheus.Counter
	IngestDuplicates    prometheus.Counter
	PersistFailures     prometheus.Counter
	AdmissionRejections *prometheus.CounterVec
	PresencePartitioned prometheus.Gauge

	storageWrite  prometheus.Histogram
	storageRead   prometheus.Histogram
	storageCommit prometheus.Histogram
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "courier_connections_open",
			Help: "Currently open websocket connections on this instance.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_messages_sent_total",
			Help: "Messages accepted on the send path.",
		}),
		DeliveriesLocal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_deliveries_local_total",
			Help: "Live deliveries handed to local connections.",
		}),
		DeliveriesRemote: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_deliveries_remote_total",
			Help: "Live deliveries published to remote instances.",
		}),
		DeliveriesAbsent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_deliveries_absent_total",
			Help: "Deliveries skipped because the party had no presence entry.",
		}),
		IngestAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_ingest_appends_total",
			Help: "Events appended to the durable log.",
		}),
		IngestPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_ingest_persisted_total",
			Help: "Events persisted to the message store.",
		}),
		IngestDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_ingest_duplicates_total",
			Help: "Log replays suppressed by the idempotent upsert.",
		}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_persist_failures_total",
			Help: "Events marked persist_failed after retries were exhausted.",
		}),
		AdmissionRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_admission_rejections_total",
			Help: "Requests rejected by admission control.",
		}, []string{"tier"}),
		PresencePartitioned: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "courier_presence_partitioned",
			Help: "1 while the presence directory is degraded to local-only state.",
		}),
		storageWrite: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "courier_storage_write_seconds",
			Help:    "Single-key write latency.",
			Buckets: prometheus.DefBuckets,
		}),
		storageRead: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "courier_storage_read_seconds",
			Help:    "Single-key read latency.",
			Buckets: prometheus.DefBuckets,
		}),
		storageCommit: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "courier_storage_commit_seconds",
			Help:    "Batch commit latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.ConnectionsOpen, m.MessagesSent,
		m.DeliveriesLocal, m.DeliveriesRemote, m.DeliveriesAbsent,
		m.IngestAppends, m.IngestPersisted, m.IngestDuplicates, m.PersistFailures,
		m.AdmissionRejections, m.PresencePartitioned,
		m.storageWrite, m.storageRead, m.storageCommit,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveWrite implements pebblestore.MetricsHook.
func (m *Metrics) ObserveWrite(elapsed time.Duration, _ int) {
	m.storageWrite.Observe(elapsed.Seconds())
}

// ObserveRead implements pebblestore.MetricsHook.
func (m *Metrics) ObserveRead(elapsed time.Duration, _ int) {
	m.storageRead.Observe(elapsed.Seconds())
}

// ObserveBatchCommit implements pebblestore.MetricsHook.
func (m *Metrics) ObserveBatchCommit(elapsed time.Duration, _ int, _ int) {
	m.storageCommit.Observe(elapsed.Seconds())
}
