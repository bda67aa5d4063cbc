// Package metrics defines the prometheus collectors of the server and the
// provider
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels of the trackers
const (
	OutcomeWon       = "won"
	OutcomeResolved  = "resolved"
	OutcomeTimedOut  = "timed_out"
	OutcomeCancelled = "cancelled"
)

var (
	// IntentsReceived counts the posted intents by kind and result
	// (accepted, rejected, timeout, no_providers)
	IntentsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taralli_intents_received_total",
			Help: "Posted intents by kind and result",
		},
		[]string{"kind", "result"},
	)

	// BroadcastDeliveries counts the deliveries of intents to subscribers
	// by result (delivered, dropped)
	BroadcastDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taralli_broadcast_deliveries_total",
			Help: "Intent deliveries to subscribers by result",
		},
		[]string{"result"},
	)

	// Subscribers tracks the live subscriptions per system
	Subscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taralli_subscribers",
			Help: "Live subscriptions per proof system",
		},
		[]string{"system"},
	)

	// TrackerOutcomes counts the terminal outcomes of the trackers
	TrackerOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taralli_tracker_outcomes_total",
			Help: "Auction and resolve tracker outcomes",
		},
		[]string{"tracker", "outcome"},
	)

	// ProofGeneration measures the duration of proof generations
	ProofGeneration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taralli_proof_generation_seconds",
			Help:    "Proof generation duration per system",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"system", "result"},
	)

	// WorkerSlotsInUse tracks the busy worker slots
	WorkerSlotsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taralli_worker_slots_in_use",
			Help: "Worker slots currently generating proofs",
		},
	)

	// Submissions counts the chain submissions by method and result
	Submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taralli_chain_submissions_total",
			Help: "Chain submissions by method and result",
		},
		[]string{"method", "result"},
	)

	// APIRequests counts the HTTP API requests by route and status code
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taralli_api_requests_total",
			Help: "HTTP API requests by route and status",
		},
		[]string{"route", "status"},
	)
)

// Result returns the label of a submission result
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
