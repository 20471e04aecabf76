// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels shared by the collectors below.
const (
	OutcomeOK          = "ok"
	OutcomeError       = "error"
	OutcomeDuplicate   = "duplicate"
	OutcomeDeferred    = "deferred"
	OutcomeQuarantined = "quarantined"
	OutcomeIgnored     = "ignored"
	OutcomePartial     = "partial"
)

var (
	TransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transfers_total",
		Help: "Transfers executed, labeled by shape and outcome",
	}, []string{"shape", "outcome"})

	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_broadcasts_total",
		Help: "On-chain payouts posted to the broadcast gateway",
	}, []string{"currency", "outcome"})

	ReconciledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_chain_events_total",
		Help: "Inbound chain events processed, labeled by path and outcome",
	}, []string{"currency", "path", "outcome"})

	ReconcileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_chain_event_duration_seconds",
		Help:    "Latency distribution of chain event reconciliation",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"currency"})

	QuarantinedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_strange_transactions_total",
		Help: "Chain events set aside for operator review",
	}, []string{"currency"})

	ApprovalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_erc20_approvals_total",
		Help: "ERC20 approval payouts, labeled by outcome",
	}, []string{"outcome"})
)
