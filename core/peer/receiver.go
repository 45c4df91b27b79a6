package peer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pyropy/peervault/core/chunkstore"
	"github.com/pyropy/peervault/lib/checksum"
	"github.com/pyropy/peervault/rpc/control"
	"github.com/pyropy/peervault/rpc/message"
	"github.com/pyropy/peervault/rpc/transfer"
)

// replicatedOwner is reported when a replicated chunk's owner cannot be named.
const replicatedOwner = "REPLICATED"

// Receiver is the custodian side of the chunk transfer protocol.
type Receiver struct {
	store   ChunkStore
	intents *IntentTable
	sender  control.Sender
	server  *net.UDPAddr
	metrics *Metrics

	admissionWait time.Duration
	admissionPoll time.Duration
}

func NewReceiver(store ChunkStore, intents *IntentTable, sender control.Sender, server *net.UDPAddr, metrics *Metrics, wait, poll time.Duration) *Receiver {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}

	return &Receiver{
		store:         store,
		intents:       intents,
		sender:        sender,
		server:        server,
		metrics:       metrics,
		admissionWait: wait,
		admissionPoll: poll,
	}
}

func (r *Receiver) HandlePush(ctx context.Context, hdr transfer.PushHeader, body io.Reader, remote net.Addr) {
	key := IntentKey{File: hdr.File, ChunkID: hdr.ChunkID}
	ackTo := r.ackAddr(hdr, remote)
	replication := hdr.RQ == message.ReplicationRQ

	var intent Intent
	if !replication {
		in, ok := r.intents.Await(ctx, key, r.admissionWait, r.admissionPoll)
		if !ok {
			if r.holds(ctx, hdr, body) {
				log.Infow("transfer", "event", transfer.VerbSendChunk, "status", "already stored", "key", key.String(), "owner", hdr.Owner)
				r.send(ctx, message.ChunkOK{RQ: hdr.RQ, File: hdr.File, ChunkID: hdr.ChunkID}, ackTo)
				return
			}
			r.reject(ctx, hdr, message.ReasonNoStoreReq, ackTo)
			return
		}
		intent = in
	}

	data := make([]byte, hdr.Size)
	if _, err := io.ReadFull(body, data); err != nil {
		log.Warnw("transfer", "event", transfer.VerbSendChunk, "key", key.String(), "error", err)
		r.reject(ctx, hdr, message.ReasonReadFailed, ackTo)
		return
	}
	if got := checksum.CalculateCheckSum(data); got != hdr.Checksum {
		log.Warnw("transfer", "event", transfer.VerbSendChunk, "key", key.String(), "declared", hdr.Checksum, "computed", got)
		r.reject(ctx, hdr, message.ReasonChecksumMismatch, ackTo)
		return
	}

	owner := r.ownerFor(ctx, hdr, intent, replication)
	if err := r.store.Put(ctx, owner, hdr.File, hdr.ChunkID, data); err != nil {
		log.Errorw("transfer", "event", transfer.VerbSendChunk, "key", key.String(), "owner", owner, "error", err)
		r.reject(ctx, hdr, message.ReasonStoreFailed, ackTo)
		return
	}

	r.metrics.ChunksStored.Inc()
	r.send(ctx, message.ChunkOK{RQ: hdr.RQ, File: hdr.File, ChunkID: hdr.ChunkID}, ackTo)

	if replication {
		log.Infow("transfer", "event", transfer.VerbSendChunk, "status", "replica stored", "key", key.String(), "owner", owner, "size", hdr.Size)
		r.send(ctx, message.ReplicateAck{RQ: hdr.RQ, File: hdr.File, ChunkID: hdr.ChunkID, Owner: owner}, r.server)
		return
	}

	log.Infow("transfer", "event", transfer.VerbSendChunk, "status", "stored", "key", key.String(), "owner", owner, "size", hdr.Size)
	r.send(ctx, message.StoreAck{RQ: intent.RQ, File: hdr.File, ChunkID: hdr.ChunkID, Owner: owner}, r.server)
	r.intents.Remove(key)
}

func (r *Receiver) HandlePull(ctx context.Context, hdr transfer.PullHeader) ([]byte, error) {
	data, owner, err := r.store.Find(ctx, hdr.File, hdr.ChunkID)
	if err != nil {
		if errors.Is(err, chunkstore.ErrNotFound) {
			return nil, transfer.ErrChunkNotFound
		}
		return nil, fmt.Errorf("read %s:%d: %w", hdr.File, hdr.ChunkID, err)
	}

	r.metrics.ChunksServed.Inc()
	log.Debugw("transfer", "event", transfer.VerbGetChunk, "file", hdr.File, "chunkId", hdr.ChunkID, "owner", owner, "size", len(data))

	return data, nil
}

// ackAddr is the sender's declared control address, or the server when the
// push carried no return port.
func (r *Receiver) ackAddr(hdr transfer.PushHeader, remote net.Addr) *net.UDPAddr {
	if hdr.OwnerUDPPort <= 0 || remote == nil {
		return r.server
	}

	host, _, err := net.SplitHostPort(remote.String())
	if err != nil {
		return r.server
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return r.server
	}

	return &net.UDPAddr{IP: ip, Port: hdr.OwnerUDPPort}
}

// holds reports whether a push repeats a chunk already stored for the same
// owner, as happens when the first CHUNK_OK was lost.
func (r *Receiver) holds(ctx context.Context, hdr transfer.PushHeader, body io.Reader) bool {
	stored, owner, err := r.store.Find(ctx, hdr.File, hdr.ChunkID)
	if err != nil || len(stored) != hdr.Size || checksum.CalculateCheckSum(stored) != hdr.Checksum {
		return false
	}
	if hdr.Owner != "" && owner != hdr.Owner {
		return false
	}

	data := make([]byte, hdr.Size)
	if _, err := io.ReadFull(body, data); err != nil {
		return false
	}

	return bytes.Equal(data, stored)
}

// ownerFor prefers the owner the push names, then the one the server named
// in STORE_REQ, then whoever owns other chunks of the file.
func (r *Receiver) ownerFor(ctx context.Context, hdr transfer.PushHeader, intent Intent, replication bool) string {
	if hdr.Owner != "" {
		return hdr.Owner
	}
	if !replication && intent.Owner != "" {
		return intent.Owner
	}
	if owner, ok := r.store.OwnerOf(ctx, hdr.File); ok {
		return owner
	}

	return replicatedOwner
}

func (r *Receiver) reject(ctx context.Context, hdr transfer.PushHeader, reason message.Reason, to *net.UDPAddr) {
	r.metrics.ChunksRejected.WithLabelValues(string(reason)).Inc()
	log.Infow("transfer", "event", transfer.VerbSendChunk, "status", "rejected", "file", hdr.File, "chunkId", hdr.ChunkID, "reason", reason)
	r.send(ctx, message.ChunkError{RQ: hdr.RQ, File: hdr.File, ChunkID: hdr.ChunkID, Reason: reason}, to)
}

func (r *Receiver) send(ctx context.Context, msg message.Message, to *net.UDPAddr) {
	if err := r.sender.Send(ctx, msg, to); err != nil {
		log.Warnw("rpc", "event", msg.Type(), "status", "send failed", "to", to.String(), "error", err)
	}
}
