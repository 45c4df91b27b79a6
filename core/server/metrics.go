package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the rendezvous server's Prometheus collectors.
type Metrics struct {
	RegisteredPeers prometheus.Gauge
	Heartbeats      prometheus.Counter
	Messages        *prometheus.CounterVec // peervault_server_messages_total{type}
	Denials         *prometheus.CounterVec // peervault_server_denials_total{type,reason}

	BackupPlans     prometheus.Counter
	BackupsDone     prometheus.Counter
	RestorePlans    prometheus.Counter
	RestoreOutcomes *prometheus.CounterVec // peervault_server_restore_outcomes_total{outcome}
	StoreConfirms   prometheus.Counter

	Evictions         prometheus.Counter
	Replications      *prometheus.CounterVec // peervault_server_replications_total{result}
	UnrecoverableLoss prometheus.Counter
}

// NewMetrics registers the server collectors with reg. A nil reg uses a
// private registry so tests can build many servers.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		RegisteredPeers: f.NewGauge(prometheus.GaugeOpts{
			Name: "peervault_server_registered_peers",
			Help: "Number of peers currently in the registry",
		}),
		Heartbeats: f.NewCounter(prometheus.CounterOpts{
			Name: "peervault_server_heartbeats_total",
			Help: "Heartbeats accepted from registered peers",
		}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peervault_server_messages_total",
			Help: "Control messages received by type",
		}, []string{"type"}),
		Denials: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peervault_server_denials_total",
			Help: "Requests denied by type and reason",
		}, []string{"type", "reason"}),
		BackupPlans: f.NewCounter(prometheus.CounterOpts{
			Name: "peervault_server_backup_plans_total",
			Help: "Backup plans issued",
		}),
		BackupsDone: f.NewCounter(prometheus.CounterOpts{
			Name: "peervault_server_backups_done_total",
			Help: "Backups reported complete by their owner",
		}),
		RestorePlans: f.NewCounter(prometheus.CounterOpts{
			Name: "peervault_server_restore_plans_total",
			Help: "Restore plans issued",
		}),
		RestoreOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peervault_server_restore_outcomes_total",
			Help: "Restore outcomes reported by owners",
		}, []string{"outcome"}),
		StoreConfirms: f.NewCounter(prometheus.CounterOpts{
			Name: "peervault_server_store_confirms_total",
			Help: "Chunk custody confirmations recorded in the ledger",
		}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "peervault_server_evictions_total",
			Help: "Peers evicted after missing heartbeats",
		}),
		Replications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peervault_server_replications_total",
			Help: "Replication commands by result",
		}, []string{"result"}),
		UnrecoverableLoss: f.NewCounter(prometheus.CounterOpts{
			Name: "peervault_server_unrecoverable_chunks_total",
			Help: "Chunks left without any custodian",
		}),
	}
}
