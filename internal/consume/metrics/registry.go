package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"safeconsume/internal/consume"
)

// Message outcomes recorded by RecordMessage.
const (
	StatusHandled   = "handled"
	StatusDuplicate = "duplicate"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

// Commit modes recorded by RecordCommit.
const (
	CommitSync      = "sync"
	CommitAsync     = "async"
	CommitPartition = "partition"
	CommitRevoke    = "revoke"
)

// Registry encapsulates all metrics and provides a clean interface
// for recording metrics without global state
type Registry struct {
	registry *prometheus.Registry

	// Poll loop metrics
	pollTotal     *prometheus.CounterVec
	pollDuration  prometheus.Histogram
	pollBatchSize prometheus.Histogram

	// Dispatch metrics
	messagesTotal    *prometheus.CounterVec
	handlerDuration  *prometheus.HistogramVec
	handlerRetries   *prometheus.CounterVec
	haltedPartitions *prometheus.GaugeVec

	// Commit metrics
	commitTotal     *prometheus.CounterVec
	commitDuration  *prometheus.HistogramVec
	committedOffset *prometheus.GaugeVec
	pendingOffset   *prometheus.GaugeVec

	// Rebalance metrics
	rebalanceTotal   *prometheus.CounterVec
	rebalanceEpoch   prometheus.Gauge
	ownedPartitions  prometheus.Gauge
	brokerOpTotal    *prometheus.CounterVec
	brokerOpDuration *prometheus.HistogramVec

	// Dedup metrics
	dedupOperationTotal    *prometheus.CounterVec
	dedupOperationDuration *prometheus.HistogramVec
	dedupKeys              prometheus.Gauge
	dedupPrematureEvicted  prometheus.Gauge

	// System health metrics
	systemInfo *prometheus.GaugeVec
	startTime  prometheus.Gauge
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	registry := prometheus.NewRegistry()

	r := &Registry{
		registry: registry,

		pollTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safeconsume_poll_total",
				Help: "Total number of broker polls",
			},
			[]string{"status"}, // status: success, error, empty
		),

		pollDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "safeconsume_poll_duration_seconds",
				Help:    "Time spent waiting on broker polls",
				Buckets: prometheus.DefBuckets,
			},
		),

		pollBatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "safeconsume_poll_batch_size",
				Help:    "Number of records returned by a poll",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),

		messagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safeconsume_messages_total",
				Help: "Total number of messages dispatched, by outcome",
			},
			[]string{"topic", "partition", "status"}, // status: handled, duplicate, skipped, failed
		),

		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "safeconsume_handler_duration_seconds",
				Help:    "Time spent in the business handler per attempt",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic", "status"},
		),

		handlerRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safeconsume_handler_retries_total",
				Help: "Total number of handler retries after recoverable failures",
			},
			[]string{"topic", "partition"},
		),

		haltedPartitions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "safeconsume_partition_halted",
				Help: "1 when processing of the partition stopped on a fatal error",
			},
			[]string{"topic", "partition"},
		),

		commitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safeconsume_commit_total",
				Help: "Total number of offset commits",
			},
			[]string{"mode", "status"}, // status: success, error, discarded
		),

		commitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "safeconsume_commit_duration_seconds",
				Help:    "Time spent committing offsets",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"mode"},
		),

		committedOffset: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "safeconsume_committed_offset",
				Help: "Last offset durably committed to the broker",
			},
			[]string{"topic", "partition"},
		),

		pendingOffset: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "safeconsume_pending_offset",
				Help: "Highest handled offset not yet committed",
			},
			[]string{"topic", "partition"},
		),

		rebalanceTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safeconsume_rebalance_total",
				Help: "Total number of rebalance callbacks",
			},
			[]string{"kind"}, // kind: assigned, revoked, lost
		),

		rebalanceEpoch: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "safeconsume_rebalance_epoch",
				Help: "Current rebalance epoch of this instance",
			},
		),

		ownedPartitions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "safeconsume_owned_partitions",
				Help: "Number of partitions currently assigned to this instance",
			},
		),

		brokerOpTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safeconsume_broker_operation_total",
				Help: "Total number of broker client operations",
			},
			[]string{"operation", "status"},
		),

		brokerOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "safeconsume_broker_operation_duration_seconds",
				Help:    "Time spent on broker client operations",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"operation"},
		),

		dedupOperationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safeconsume_dedup_operation_total",
				Help: "Total number of dedup guard operations",
			},
			[]string{"operation", "result"}, // seen: hit, miss, error; record: success, error
		),

		dedupOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "safeconsume_dedup_operation_duration_seconds",
				Help:    "Time spent on dedup guard operations",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			},
			[]string{"operation"},
		),

		dedupKeys: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "safeconsume_dedup_keys",
				Help: "Idempotency keys held by the in-memory dedup guard",
			},
		),

		dedupPrematureEvicted: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "safeconsume_dedup_premature_evictions",
				Help: "Keys the in-memory dedup guard dropped for capacity before their retention ran out",
			},
		),

		systemInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "safeconsume_system_info",
				Help: "System information (value is always 1, labels contain info)",
			},
			[]string{"version", "build_time"},
		),

		startTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "safeconsume_start_time_seconds",
				Help: "Unix timestamp when the application started",
			},
		),
	}

	// add default Go metrics (memory, GC, goroutines, etc.)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry.MustRegister(
		r.pollTotal,
		r.pollDuration,
		r.pollBatchSize,
		r.messagesTotal,
		r.handlerDuration,
		r.handlerRetries,
		r.haltedPartitions,
		r.commitTotal,
		r.commitDuration,
		r.committedOffset,
		r.pendingOffset,
		r.rebalanceTotal,
		r.rebalanceEpoch,
		r.ownedPartitions,
		r.brokerOpTotal,
		r.brokerOpDuration,
		r.dedupOperationTotal,
		r.dedupOperationDuration,
		r.dedupKeys,
		r.dedupPrematureEvicted,
		r.systemInfo,
		r.startTime,
	)

	r.startTime.SetToCurrentTime()

	return r
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          r.registry,
	})
}

// RecordPoll records one broker poll of the consumption loop
func (r *Registry) RecordPoll(messages int, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	} else if messages == 0 {
		status = "empty"
	}

	r.pollTotal.WithLabelValues(status).Inc()
	r.pollDuration.Observe(duration.Seconds())
	if messages > 0 {
		r.pollBatchSize.Observe(float64(messages))
	}
}

// RecordMessage records the outcome of dispatching one message
func (r *Registry) RecordMessage(p consume.PartitionKey, status string) {
	r.messagesTotal.WithLabelValues(p.Topic, partitionLabel(p), status).Inc()
}

// RecordHandler records a single handler attempt
func (r *Registry) RecordHandler(topic string, duration time.Duration, err error) {
	status := "success"
	switch {
	case err == nil:
	case consume.IsFatal(err):
		status = "fatal"
	default:
		status = "recoverable"
	}

	r.handlerDuration.WithLabelValues(topic, status).Observe(duration.Seconds())
}

// RecordHandlerRetry records a retry after a recoverable handler failure
func (r *Registry) RecordHandlerRetry(p consume.PartitionKey) {
	r.handlerRetries.WithLabelValues(p.Topic, partitionLabel(p)).Inc()
}

// SetHalted flags or clears a halted partition
func (r *Registry) SetHalted(p consume.PartitionKey, halted bool) {
	v := 0.0
	if halted {
		v = 1
	}
	r.haltedPartitions.WithLabelValues(p.Topic, partitionLabel(p)).Set(v)
}

// RecordCommit records an offset commit
func (r *Registry) RecordCommit(mode string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	r.commitTotal.WithLabelValues(mode, status).Inc()
	r.commitDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordCommitDiscarded records pending progress dropped on revocation
func (r *Registry) RecordCommitDiscarded(partitions int) {
	r.commitTotal.WithLabelValues(CommitRevoke, "discarded").Add(float64(partitions))
}

// SetOffsets updates the pending and committed offset gauges of a partition
func (r *Registry) SetOffsets(p consume.PartitionKey, pending, committed int64) {
	label := partitionLabel(p)
	r.pendingOffset.WithLabelValues(p.Topic, label).Set(float64(pending))
	r.committedOffset.WithLabelValues(p.Topic, label).Set(float64(committed))
}

// ForgetPartition drops per-partition series of a partition no longer owned
func (r *Registry) ForgetPartition(p consume.PartitionKey) {
	label := partitionLabel(p)
	r.pendingOffset.DeleteLabelValues(p.Topic, label)
	r.committedOffset.DeleteLabelValues(p.Topic, label)
	r.haltedPartitions.DeleteLabelValues(p.Topic, label)
}

// RecordRebalance records a rebalance callback and the resulting ownership
func (r *Registry) RecordRebalance(kind string, epoch uint64, owned int) {
	r.rebalanceTotal.WithLabelValues(kind).Inc()
	r.rebalanceEpoch.Set(float64(epoch))
	r.ownedPartitions.Set(float64(owned))
}

// RecordBrokerOperation records a broker client operation
func (r *Registry) RecordBrokerOperation(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	r.brokerOpTotal.WithLabelValues(operation, status).Inc()
	r.brokerOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordDedupOperation records a dedup guard operation
func (r *Registry) RecordDedupOperation(operation, result string, duration time.Duration) {
	r.dedupOperationTotal.WithLabelValues(operation, result).Inc()
	r.dedupOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetDedupKeys updates the in-memory dedup key count and how many keys were
// evicted while still inside retention.
func (r *Registry) SetDedupKeys(n, premature int) {
	r.dedupKeys.Set(float64(n))
	r.dedupPrematureEvicted.Set(float64(premature))
}

// SetSystemInfo sets system information metrics
func (r *Registry) SetSystemInfo(version, buildTime string) {
	r.systemInfo.WithLabelValues(version, buildTime).Set(1)
}

func partitionLabel(p consume.PartitionKey) string {
	return strconv.Itoa(int(p.Partition))
}
