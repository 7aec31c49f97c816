// Package metrics holds the Prometheus collectors shared by the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "killfeed"

// Metrics groups every collector the pipeline reports to
type Metrics struct {
	EventsReceived  *prometheus.CounterVec
	EventsRejected  *prometheus.CounterVec
	Duplicates      *prometheus.CounterVec
	Reconnects      *prometheus.CounterVec
	RateLimited     *prometheus.CounterVec
	Cursor          prometheus.Gauge
	QueueDepth      prometheus.Gauge
	EventsProcessed *prometheus.CounterVec
	ProcessDuration prometheus.Histogram
	Matches         prometheus.Counter
	MatchErrors     prometheus.Counter
	DeliveryQueued  prometheus.Gauge
	Flushes         *prometheus.CounterVec
	Evictions       prometheus.Counter
	SendFailures    *prometheus.CounterVec
	PushRecords     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "events_received_total",
			Help:      "Kill events decoded from an upstream feed",
		}, []string{"transport"}),
		EventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "events_rejected_total",
			Help:      "Upstream payloads that could not be decoded",
		}, []string{"transport"}),
		Duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "duplicates_total",
			Help:      "Events dropped because their id was already seen",
		}, []string{"stage"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "reconnects_total",
			Help:      "Transport reconnection or backoff cycles",
		}, []string{"transport"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "rate_limited_total",
			Help:      "Upstream responses signalling rate limiting or bans",
		}, []string{"transport", "status"}),
		Cursor: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "cursor_sequence",
			Help:      "Next sequence number the cursor-paged feed will fetch",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "queue_depth",
			Help:      "Events waiting in the ingest queue",
		}),
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_processed_total",
			Help:      "Events handled by the worker pool",
		}, []string{"status"}),
		ProcessDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "process_duration_seconds",
			Help:      "Time spent matching and dispatching one event",
			Buckets:   prometheus.DefBuckets,
		}),
		Matches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "matcher",
			Name:      "matches_total",
			Help:      "Subscription matches",
		}),
		MatchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "matcher",
			Name:      "errors_total",
			Help:      "Subscription evaluations that failed and counted as no-match",
		}),
		DeliveryQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "queued_messages",
			Help:      "Messages buffered across all destinations",
		}),
		Flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "flushes_total",
			Help:      "Destination buffer flushes",
		}, []string{"reason"}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "evictions_total",
			Help:      "Messages evicted from a full destination buffer",
		}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "send_failures_total",
			Help:      "Failed sends per platform",
		}, []string{"platform"}),
		PushRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "push_records_total",
			Help:      "Push records written or dropped",
		}, []string{"status"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.EventsReceived, m.EventsRejected, m.Duplicates, m.Reconnects,
			m.RateLimited, m.Cursor, m.QueueDepth, m.EventsProcessed,
			m.ProcessDuration, m.Matches, m.MatchErrors, m.DeliveryQueued,
			m.Flushes, m.Evictions, m.SendFailures, m.PushRecords,
		)
	}

	return m
}

// NewNop returns unregistered collectors for tests and tools
func NewNop() *Metrics {
	return New(nil)
}
