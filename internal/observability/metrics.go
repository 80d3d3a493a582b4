package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BroadcastsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadcall", Name: "broadcasts_created_total", Help: "Total broadcasts opened"})
	BroadcastsExpired = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadcall", Name: "broadcasts_expired_total", Help: "Total broadcasts marked expired"})
	OffersSubmitted   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadcall", Name: "offers_submitted_total", Help: "Total offers accepted for persistence"})
	AcceptWins        = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadcall", Name: "accept_wins_total", Help: "Total successful offer acceptances"})
	AcceptConflicts   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadcall", Name: "accept_conflicts_total", Help: "Total acceptance attempts that lost the race"})
	RoutingFallbacks  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadcall", Name: "routing_fallbacks_total", Help: "Total route lookups that degraded to the straight-line estimate"})
	LocationSamples   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadcall", Name: "location_samples_total", Help: "Total provider location samples persisted"})
	IngestConsumed    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadcall", Name: "ingest_messages_consumed_total", Help: "Total location messages consumed from the broker"})
	IngestInvalid     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadcall", Name: "ingest_messages_invalid_total", Help: "Total location messages dropped as undecodable"})
	IngestRejected    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadcall", Name: "ingest_messages_rejected_total", Help: "Total location messages rejected by validation"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "roadcall",
		Name:      "expiry_sweep_duration_seconds",
		Help:      "Duration of expiry sweep passes",
		Buckets:   prometheus.DefBuckets,
	})
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "roadcall",
		Name:      "dispatch_latency_seconds",
		Help:      "Latency of broadcast creation end to end",
		Buckets:   prometheus.DefBuckets,
	})
)
