package peer

import (
	"context"
	"net"
	"time"

	"github.com/pyropy/peervault/rpc/control"
	"github.com/pyropy/peervault/rpc/message"
)

type chunkCounter interface {
	Count(ctx context.Context) int
}

// HeartbeatEmitter reports liveness and the local chunk count to the server.
type HeartbeatEmitter struct {
	name     string
	interval time.Duration
	sender   control.Sender
	server   *net.UDPAddr
	store    chunkCounter
	seq      *message.Sequence
	metrics  *Metrics
	now      func() time.Time
}

func NewHeartbeatEmitter(name string, interval time.Duration, sender control.Sender, server *net.UDPAddr, store chunkCounter, seq *message.Sequence, metrics *Metrics) *HeartbeatEmitter {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	return &HeartbeatEmitter{
		name:     name,
		interval: interval,
		sender:   sender,
		server:   server,
		store:    store,
		seq:      seq,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Start beats once immediately and then every interval until ctx is done.
func (h *HeartbeatEmitter) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.Beat(ctx)
	for {
		select {
		case <-ticker.C:
			h.Beat(ctx)
		case <-ctx.Done():
			log.Infow("shutdown", "status", "heartbeat stopped", "peer", h.name)
			return
		}
	}
}

func (h *HeartbeatEmitter) Beat(ctx context.Context) {
	msg := message.Heartbeat{
		RQ:          h.seq.Next(),
		Name:        h.name,
		NumChunks:   h.store.Count(ctx),
		TimestampMs: h.now().UnixMilli(),
	}

	if err := h.sender.Send(ctx, msg, h.server); err != nil {
		log.Warnw("heartbeat", "status", "send failed", "error", err)
		return
	}

	h.metrics.Heartbeats.Inc()
	log.Debugw("heartbeat", "chunks", msg.NumChunks)
}
