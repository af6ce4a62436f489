package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MovesAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "game_moves_accepted_total",
			Help: "Moves validated and committed to the authoritative store",
		},
		[]string{"ruleset"},
	)
	MovesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "game_moves_rejected_total",
			Help: "Moves rejected before reaching the network layer",
		},
		[]string{"reason"},
	)
	SyncAdoptions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "game_sync_adoptions_total",
			Help: "Candidate states adopted by the sync controller",
		},
	)
	SyncStaleDiscards = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "game_sync_stale_discards_total",
			Help: "Candidate states discarded for carrying a shorter move log",
		},
	)
	SyncRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "game_sync_write_retries_total",
			Help: "Pending writes resent after the acknowledgment deadline",
		},
	)
	SettlementDispatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "game_settlement_dispatches_total",
			Help: "Terminal transitions handed to the settlement collaborator",
		},
	)
)

func init() {
	prometheus.MustRegister(MovesAccepted)
	prometheus.MustRegister(MovesRejected)
	prometheus.MustRegister(SyncAdoptions)
	prometheus.MustRegister(SyncStaleDiscards)
	prometheus.MustRegister(SyncRetries)
	prometheus.MustRegister(SettlementDispatches)
}
