package server

import (
	"context"
	"time"

	"github.com/pyropy/peervault/lib/utils"
	"github.com/pyropy/peervault/rpc/control"
	"github.com/pyropy/peervault/rpc/message"
)

// FailureDetector evicts peers that stop heartbeating and repairs the
// placements they held.
type FailureDetector struct {
	registry   *Registry
	ledger     *Ledger
	replicator *Replicator
	sender     control.Sender
	metrics    *Metrics
	seq        *message.Sequence

	interval time.Duration
	timeout  time.Duration
	started  time.Time
	now      func() time.Time
}

func NewFailureDetector(registry *Registry, ledger *Ledger, replicator *Replicator, sender control.Sender, metrics *Metrics, seq *message.Sequence, interval, timeout time.Duration) *FailureDetector {
	return &FailureDetector{
		registry:   registry,
		ledger:     ledger,
		replicator: replicator,
		sender:     sender,
		metrics:    metrics,
		seq:        seq,
		interval:   interval,
		timeout:    timeout,
		started:    time.Now(),
		now:        time.Now,
	}
}

// Start sweeps every interval until ctx is done. A sweep in progress
// finishes before Start returns.
func (fd *FailureDetector) Start(ctx context.Context) {
	ticker := time.NewTicker(fd.interval)
	defer ticker.Stop()

	log.Infow("failure-detector", "status", "started", "interval", fd.interval.String(), "timeout", fd.timeout.String())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fd.Sweep(ctx)
		}
	}
}

// Sweep evicts expired peers and prunes placements held by peers that are
// no longer registered.
func (fd *FailureDetector) Sweep(ctx context.Context) {
	now := fd.now()

	for _, p := range fd.registry.Expired(now, fd.timeout) {
		if _, ok := fd.registry.Evict(p.Name); !ok {
			continue
		}

		fd.metrics.Evictions.Inc()
		fd.metrics.RegisteredPeers.Set(float64(fd.registry.Len()))
		log.Warnw("failure-detector", "status", "peer evicted", "peer", p.Name, "lastHeartbeat", p.LastHeartbeat, "silence", now.Sub(p.LastHeartbeat).String())

		fd.HandleFailure(ctx, p.Name)
	}

	// entries restored from disk may name peers that never came back
	if now.Sub(fd.started) < fd.timeout {
		return
	}
	for _, orphan := range fd.ledger.Orphans(fd.registry.Has) {
		log.Warnw("failure-detector", "status", "pruning orphaned custodian", "peer", orphan)
		fd.HandleFailure(ctx, orphan)
	}
}

// HandleFailure removes every placement held by peer and tries to re-create
// each lost copy from a surviving custodian.
func (fd *FailureDetector) HandleFailure(ctx context.Context, peer string) {
	lost := fd.ledger.RemovePeer(peer)
	if len(lost) == 0 {
		return
	}

	log.Infow("failure-detector", "status", "repairing placements", "peer", peer, "lost", len(lost))
	for _, lp := range lost {
		if ctx.Err() != nil {
			return
		}
		fd.repair(ctx, peer, lp)
	}
}

func (fd *FailureDetector) repair(ctx context.Context, failed string, lp LostPlacement) {
	holders := fd.ledger.Holders(lp.Key, lp.ChunkID)

	source, hasSource := fd.pickSource(lp.Key.Owner, holders)
	if hasSource {
		exclude := append([]string{lp.Key.Owner, failed, source.Name}, holders...)
		if target, ok := fd.pickTarget(exclude, lp.ChunkID); ok {
			cmd := ReplicateCommand{Sender: fd.sender, Source: source, Target: target, File: lp.Key.File, Chunk: lp.ChunkID}
			if err := fd.replicator.Dispatch(ctx, cmd); err != nil {
				fd.metrics.Replications.WithLabelValues("failed").Inc()
				log.Errorw("failure-detector", "status", "replication not sent", "key", lp.Key.String(), "chunkId", lp.ChunkID, "error", err)
				return
			}
			fd.metrics.Replications.WithLabelValues("sent").Inc()
			return
		}
	}

	fd.metrics.UnrecoverableLoss.Inc()
	log.Errorw("failure-detector", "status", "UnrecoverableChunkLoss", "key", lp.Key.String(), "chunkId", lp.ChunkID, "failedPeer", failed, "hasSource", hasSource, "remainingHolders", holders)

	owner, ok := fd.registry.Get(lp.Key.Owner)
	if !ok {
		return
	}
	notice := LossNotice{Sender: fd.sender, Owner: owner.ControlAddr(), RQ: fd.seq.Next(), File: lp.Key.File, Chunk: lp.ChunkID}
	if err := fd.replicator.Dispatch(ctx, notice); err != nil {
		log.Warnw("failure-detector", "status", "owner not notified", "owner", owner.Name, "error", err)
	}
}

// pickSource returns a live custodian of the chunk other than its owner.
func (fd *FailureDetector) pickSource(owner string, holders []string) (PeerRecord, bool) {
	for _, h := range utils.Remove(holders, owner) {
		if rec, ok := fd.registry.Get(h); ok {
			return rec, true
		}
	}

	return PeerRecord{}, false
}

// pickTarget prefers STORAGE peers and falls back to any live peer.
func (fd *FailureDetector) pickTarget(exclude []string, chunkID int) (PeerRecord, bool) {
	storage := make([]PeerRecord, 0)
	others := make([]PeerRecord, 0)
	for _, p := range fd.registry.List() {
		if utils.Contains(exclude, p.Name) {
			continue
		}
		others = append(others, p)
		if p.Role == RoleStorage {
			storage = append(storage, p)
		}
	}

	candidates := storage
	if len(candidates) == 0 {
		candidates = others
	}
	if len(candidates) == 0 {
		return PeerRecord{}, false
	}

	return candidates[chunkID%len(candidates)], true
}
