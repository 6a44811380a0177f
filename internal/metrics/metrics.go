package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	HitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hitrelay_hits_total",
			Help: "Total number of live hits by outcome.",
		},
		[]string{"outcome"}, // delivered, queued, lost
	)

	TransportFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hitrelay_transport_failures_total",
			Help: "Total number of upstream transport failures by reason.",
		},
		[]string{"reason"}, // e.g. timeout, network, other
	)

	ReplayAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hitrelay_replay_attempts_total",
			Help: "Total number of replayed hits by result.",
		},
		[]string{"result"}, // delivered, failed
	)

	StaleDiscardedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hitrelay_stale_discarded_total",
			Help: "Total number of queued hits dropped past the retry cutoff.",
		},
	)

	CorruptEntriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hitrelay_corrupt_entries_total",
			Help: "Total number of unreadable queue entries removed.",
		},
	)

	StorageErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hitrelay_storage_errors_total",
			Help: "Total number of storage failures by operation.",
		},
		[]string{"op"},
	)

	DeadLettersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hitrelay_dead_letters_published_total",
			Help: "Total number of stale hits published to the dead-letter topic.",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hitrelay_queue_depth",
			Help: "Number of hits waiting in the retry queue.",
		},
	)

	ReplayDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hitrelay_replay_pass_duration_seconds",
			Help:    "Duration of a full replay pass.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hitrelay_delivery_latency_seconds",
			Help:    "Upstream round trip latency by origin.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"origin"}, // live, replay
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		HitsTotal,
		TransportFailuresTotal,
		ReplayAttemptsTotal,
		StaleDiscardedTotal,
		CorruptEntriesTotal,
		StorageErrorsTotal,
		DeadLettersTotal,
		QueueDepth,
		ReplayDuration,
		DeliveryLatency,
	)
}

func RecordHit(outcome string) {
	HitsTotal.WithLabelValues(outcome).Inc()
}

func RecordTransportFailure(reason string) {
	TransportFailuresTotal.WithLabelValues(reason).Inc()
}

func RecordReplayAttempt(result string) {
	ReplayAttemptsTotal.WithLabelValues(result).Inc()
}

func RecordStale(n int) {
	StaleDiscardedTotal.Add(float64(n))
}

func RecordCorrupt(n int) {
	CorruptEntriesTotal.Add(float64(n))
}

func RecordStorageError(op string) {
	StorageErrorsTotal.WithLabelValues(op).Inc()
}

func RecordDeadLetter() {
	DeadLettersTotal.Inc()
}

func SetQueueDepth(n int) {
	QueueDepth.Set(float64(n))
}

func ObserveReplay(d time.Duration) {
	ReplayDuration.Observe(d.Seconds())
}

func ObserveDelivery(origin string, d time.Duration) {
	DeliveryLatency.WithLabelValues(origin).Observe(d.Seconds())
}
