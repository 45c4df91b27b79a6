package peer

import (
	"context"
	"net"
	"strconv"

	"github.com/pyropy/peervault/rpc/message"
	"github.com/pyropy/peervault/rpc/transfer"
)

// HandleMessage receives everything the control channel does not route to
// the correlator or an inbox.
func (p *Peer) HandleMessage(ctx context.Context, msg message.Message, from *net.UDPAddr) {
	switch m := msg.(type) {
	case message.StoreReq:
		p.intents.Add(IntentKey{File: m.File, ChunkID: m.ChunkID}, m.RQ, m.Owner)
		log.Debugw("rpc", "event", m.Type(), "file", m.File, "chunkId", m.ChunkID, "owner", m.Owner)
	case message.ReplicateReq:
		p.replicate(ctx, m)
	case message.ChunkLost:
		p.metrics.LostChunks.Inc()
		log.Errorw("rpc", "event", m.Type(), "status", "chunk unrecoverable", "file", m.File, "chunkId", m.ChunkID)
	default:
		log.Warnw("rpc", "event", msg.Type(), "status", "unexpected message", "from", from.String())
	}
}

// replicate pushes a locally held chunk to the target named by the server.
func (p *Peer) replicate(ctx context.Context, m message.ReplicateReq) {
	data, owner, err := p.store.Find(ctx, m.File, m.ChunkID)
	if err != nil {
		p.metrics.Replications.WithLabelValues("missing").Inc()
		log.Warnw("rpc", "event", m.Type(), "status", "chunk not held", "file", m.File, "chunkId", m.ChunkID, "error", err)
		return
	}

	addr := net.JoinHostPort(m.TargetHost, strconv.Itoa(m.TargetTCPPort))
	hdr := transfer.PushHeader{
		RQ:           message.ReplicationRQ,
		File:         m.File,
		ChunkID:      m.ChunkID,
		Owner:        owner,
		OwnerUDPPort: p.udpPort,
	}

	pushCtx, cancel := context.WithTimeout(ctx, transfer.IOTimeout)
	defer cancel()

	if err := transfer.Push(pushCtx, addr, hdr, data); err != nil {
		p.metrics.Replications.WithLabelValues("failed").Inc()
		log.Warnw("rpc", "event", m.Type(), "status", "push failed", "file", m.File, "chunkId", m.ChunkID, "target", m.TargetName, "error", err)
		return
	}

	p.metrics.Replications.WithLabelValues("pushed").Inc()
	log.Infow("rpc", "event", m.Type(), "file", m.File, "chunkId", m.ChunkID, "owner", owner, "target", m.TargetName, "addr", addr)
}
