package peer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ChunkAttempts *prometheus.CounterVec // peervault_peer_chunk_attempts_total{result}
	Backups       *prometheus.CounterVec // peervault_peer_backups_total{outcome}
	Restores      *prometheus.CounterVec // peervault_peer_restores_total{outcome}

	ChunksStored   prometheus.Counter
	ChunksRejected *prometheus.CounterVec // peervault_peer_chunks_rejected_total{reason}
	ChunksServed   prometheus.Counter
	Replications   *prometheus.CounterVec // peervault_peer_replications_total{result}
	LostChunks     prometheus.Counter
	Heartbeats     prometheus.Counter
}

// NewMetrics registers the peer collectors with reg, or with a private
// registry when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		ChunkAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peervault_peer_chunk_attempts_total",
			Help: "Chunk push attempts by result",
		}, []string{"result"}),
		Backups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peervault_peer_backups_total",
			Help: "Backups by outcome",
		}, []string{"outcome"}),
		Restores: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peervault_peer_restores_total",
			Help: "Restores by outcome",
		}, []string{"outcome"}),
		ChunksStored: f.NewCounter(prometheus.CounterOpts{
			Name: "peervault_peer_chunks_stored_total",
			Help: "Chunks accepted into local custody",
		}),
		ChunksRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peervault_peer_chunks_rejected_total",
			Help: "Inbound chunk pushes rejected by reason",
		}, []string{"reason"}),
		ChunksServed: f.NewCounter(prometheus.CounterOpts{
			Name: "peervault_peer_chunks_served_total",
			Help: "Chunks served to restoring owners",
		}),
		Replications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peervault_peer_replications_total",
			Help: "Replication pushes performed as source by result",
		}, []string{"result"}),
		LostChunks: f.NewCounter(prometheus.CounterOpts{
			Name: "peervault_peer_lost_chunks_total",
			Help: "Own chunks the server reported as unrecoverable",
		}),
		Heartbeats: f.NewCounter(prometheus.CounterOpts{
			Name: "peervault_peer_heartbeats_total",
			Help: "Heartbeats sent",
		}),
	}
}
