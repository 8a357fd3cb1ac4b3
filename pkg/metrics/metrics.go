package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "settler_build_info",
			Help: "Build information of the fee settlement service",
		},
		[]string{"version", "commit", "date"},
	)

	RunTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settler_runs_total",
			Help: "Total number of settlement pipeline runs",
		},
		[]string{"trigger", "status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "settler_run_duration_seconds",
			Help:    "Duration of settlement pipeline runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s
		},
	)

	HarvestedBaseUnits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "settler_harvested_base_units_total",
			Help: "Total withheld fees harvested, in token base units",
		},
	)

	DistributedBaseUnits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "settler_distributed_base_units_total",
			Help: "Total fees paid out to college and community wallets, in token base units",
		},
	)

	BurnedBaseUnits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "settler_burned_base_units_total",
			Help: "Total fees burned, in token base units",
		},
	)

	PendingUnharvested = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "settler_pending_unharvested_transfers",
			Help: "Transfers observed in the ledger whose fees have not been harvested yet",
		},
	)

	PendingUndistributed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "settler_pending_undistributed_transfers",
			Help: "Harvested transfers whose fees have not been distributed yet",
		},
	)

	ChainSubmissionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settler_chain_submissions_total",
			Help: "Total number of on-chain operations submitted",
		},
		[]string{"operation", "status"},
	)
)
