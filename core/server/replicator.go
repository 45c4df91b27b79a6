package server

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/time/rate"

	"github.com/pyropy/peervault/rpc/control"
	"github.com/pyropy/peervault/rpc/message"
)

// Command is a retryable, fire-and-forget instruction to a peer.
type Command interface {
	Name() string
	Execute(ctx context.Context) error
}

// ReplicateCommand asks Source to push a chunk to Target.
type ReplicateCommand struct {
	Sender control.Sender
	Source PeerRecord
	Target PeerRecord
	File   string
	Chunk  int
}

func (c ReplicateCommand) Name() string {
	return fmt.Sprintf("replicate %s:%d %s->%s", c.File, c.Chunk, c.Source.Name, c.Target.Name)
}

func (c ReplicateCommand) Execute(ctx context.Context) error {
	msg := message.ReplicateReq{
		RQ:            message.ReplicationRQ,
		File:          c.File,
		ChunkID:       c.Chunk,
		TargetName:    c.Target.Name,
		TargetHost:    c.Target.Host,
		TargetTCPPort: c.Target.TCPPort,
	}

	return c.Sender.Send(ctx, msg, c.Source.ControlAddr())
}

// LossNotice tells an owner that a chunk has no custodian left.
type LossNotice struct {
	Sender control.Sender
	Owner  *net.UDPAddr
	RQ     uint64
	File   string
	Chunk  int
}

func (c LossNotice) Name() string {
	return fmt.Sprintf("chunk-lost %s:%d", c.File, c.Chunk)
}

func (c LossNotice) Execute(ctx context.Context) error {
	return c.Sender.Send(ctx, message.ChunkLost{RQ: c.RQ, File: c.File, ChunkID: c.Chunk}, c.Owner)
}

// Replicator paces commands and retries local send failures. Delivery is
// not acknowledged; a lost command is repaired, if at all, by a later sweep.
type Replicator struct {
	limiter  *rate.Limiter
	attempts int
}

func NewReplicator(perSecond float64, burst, attempts int) *Replicator {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	if attempts < 1 {
		attempts = 1
	}

	return &Replicator{
		limiter:  rate.NewLimiter(limit, burst),
		attempts: attempts,
	}
}

func (r *Replicator) Dispatch(ctx context.Context, cmd Command) error {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if werr := r.limiter.Wait(ctx); werr != nil {
			return fmt.Errorf("%s: %w", cmd.Name(), werr)
		}

		err = cmd.Execute(ctx)
		if err == nil {
			log.Infow("replication", "status", "dispatched", "command", cmd.Name(), "attempt", attempt)
			return nil
		}

		log.Warnw("replication", "status", "dispatch failed", "command", cmd.Name(), "attempt", attempt, "error", err)
	}

	return fmt.Errorf("%s: %w", cmd.Name(), err)
}
