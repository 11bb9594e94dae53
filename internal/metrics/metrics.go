// Package metrics registers the Prometheus collectors shared by the
// server, worker and gc binaries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsProcessed counts queue entries acknowledged per stream and outcome.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_jobs_processed_total",
		Help: "Queue entries acknowledged, by stream and outcome (ok, bad_json, bad_version, processing_failed).",
	}, []string{"stream", "outcome"})

	// JobsInFlight tracks currently executing handlers per stream.
	JobsInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_jobs_in_flight",
		Help: "Queue entries currently being processed, by stream.",
	}, []string{"stream"})

	// DeadLetters counts entries appended to dead-letter streams.
	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_dead_letters_total",
		Help: "Entries appended to dead-letter streams, by stream and reason.",
	}, []string{"stream", "reason"})

	// GCDeleted counts objects and rows removed by the garbage collector.
	GCDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gc_deleted_total",
		Help: "Entities removed by the garbage collector, by kind (media, variant, session).",
	}, []string{"kind"})

	// IdempotencyOutcomes counts idempotency-control decisions.
	IdempotencyOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idempotency_outcomes_total",
		Help: "Idempotency middleware decisions (executed, replayed, conflict, rejected).",
	}, []string{"outcome"})

	// RealtimeConnections tracks open websocket connections.
	RealtimeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connections",
		Help: "Currently open realtime connections.",
	})

	// RealtimeTopics tracks topics with at least one local subscriber.
	RealtimeTopics = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_topics",
		Help: "Topics with at least one local subscriber.",
	})

	// RealtimeMessages counts broker messages fanned out to connections.
	RealtimeMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_messages_total",
		Help: "Broker messages relayed to local connections, by outcome (delivered, dropped).",
	}, []string{"outcome"})
)
