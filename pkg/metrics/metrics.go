package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every prometheus collector the replica process exposes.
type Metrics struct {
	currentView     prometheus.Gauge
	logSizeBytes    prometheus.Gauge
	firstUncommitted prometheus.Gauge
	nextInstanceID  prometheus.Gauge

	decidedTotal      prometheus.Counter
	proposeTotal      prometheus.Counter
	prepareTotal      prometheus.Counter
	viewChangesTotal  prometheus.Counter

	catchUpLagInstances prometheus.Gauge
	catchUpTotal        *prometheus.CounterVec

	snapshotsTotal   prometheus.Counter
	snapshotBytes    prometheus.Gauge

	clientRequestsTotal *prometheus.CounterVec
	clientPendingPermits prometheus.Gauge
	clientLatency        prometheus.Histogram
}

// New creates and registers every collector via promauto's default
// registry, the same registration style the teacher corpus uses.
func New() *Metrics {
	return &Metrics{
		currentView: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "paxosrep_current_view",
			Help: "The view this replica currently believes is active",
		}),
		logSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "paxosrep_log_size_bytes",
			Help: "Estimated in-memory size of the consensus log",
		}),
		firstUncommitted: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "paxosrep_first_uncommitted_instance",
			Help: "Lowest consensus instance id not yet DECIDED",
		}),
		nextInstanceID: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "paxosrep_next_instance_id",
			Help: "Next consensus instance id to be allocated",
		}),
		decidedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "paxosrep_decided_instances_total",
			Help: "Total number of consensus instances that reached DECIDED",
		}),
		proposeTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "paxosrep_propose_total",
			Help: "Total number of Propose messages sent by this replica as leader",
		}),
		prepareTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "paxosrep_prepare_rounds_total",
			Help: "Total number of prepare rounds this replica has initiated",
		}),
		viewChangesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "paxosrep_view_changes_total",
			Help: "Total number of times this replica raised its promised view",
		}),
		catchUpLagInstances: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "paxosrep_catchup_lag_instances",
			Help: "Instances this replica is behind the most advanced peer it has heard from",
		}),
		catchUpTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paxosrep_catchup_requests_total",
			Help: "Total catch-up requests issued, partitioned by mode",
		}, []string{"mode"}),
		snapshotsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "paxosrep_snapshots_total",
			Help: "Total number of snapshots installed locally",
		}),
		snapshotBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "paxosrep_snapshot_bytes",
			Help: "Size of the most recently installed snapshot blob",
		}),
		clientRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paxosrep_client_requests_total",
			Help: "Total client requests admitted, partitioned by outcome status",
		}, []string{"status"}),
		clientPendingPermits: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "paxosrep_client_pending_permits",
			Help: "Client requests currently holding an admission permit",
		}),
		clientLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "paxosrep_client_request_latency_seconds",
			Help:    "End-to-end latency from admission to reply for a client request",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) SetCurrentView(v int64)       { m.currentView.Set(float64(v)) }
func (m *Metrics) SetLogSizeBytes(n int64)      { m.logSizeBytes.Set(float64(n)) }
func (m *Metrics) SetFirstUncommitted(id int64) { m.firstUncommitted.Set(float64(id)) }
func (m *Metrics) SetNextInstanceID(id int64)   { m.nextInstanceID.Set(float64(id)) }

func (m *Metrics) IncDecided()     { m.decidedTotal.Inc() }
func (m *Metrics) IncPropose()     { m.proposeTotal.Inc() }
func (m *Metrics) IncPrepare()     { m.prepareTotal.Inc() }
func (m *Metrics) IncViewChange()  { m.viewChangesTotal.Inc() }

func (m *Metrics) SetCatchUpLag(instances int64)        { m.catchUpLagInstances.Set(float64(instances)) }
func (m *Metrics) IncCatchUpRequest(mode string)         { m.catchUpTotal.WithLabelValues(mode).Inc() }

func (m *Metrics) IncSnapshot(sizeBytes int) {
	m.snapshotsTotal.Inc()
	m.snapshotBytes.Set(float64(sizeBytes))
}

func (m *Metrics) RecordClientRequest(status string) { m.clientRequestsTotal.WithLabelValues(status).Inc() }
func (m *Metrics) SetClientPendingPermits(n int)      { m.clientPendingPermits.Set(float64(n)) }
func (m *Metrics) ObserveClientLatency(d time.Duration) { m.clientLatency.Observe(d.Seconds()) }

// Registry returns the prometheus gatherer the admin HTTP surface's
// /metrics endpoint scrapes from.
func (m *Metrics) Registry() prometheus.Gatherer {
	return prometheus.DefaultGatherer
}
