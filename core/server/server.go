package server

import (
	"context"
	"errors"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pyropy/peervault/lib/logger"
	"github.com/pyropy/peervault/rpc/control"
	"github.com/pyropy/peervault/rpc/message"
)

var log, _ = logger.New("server")

// replicatedOwner is the owner token a replication target reports when the
// source could not name the original owner.
const replicatedOwner = "REPLICATED"

// Server is the rendezvous server: it owns the registry and the ledger and
// answers every control message peers send it.
type Server struct {
	Registry   *Registry
	Ledger     *Ledger
	Backups    *BackupPlanner
	Restores   *RestorePlanner
	Replicator *Replicator
	Detector   *FailureDetector
	Metrics    *Metrics

	sender control.Sender
	seq    *message.Sequence
	now    func() time.Time
}

func New(cfg *Config, ledger *Ledger, sender control.Sender, metrics *Metrics) *Server {
	if ledger == nil {
		ledger = NewLedger()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	registry := NewRegistry()
	seq := &message.Sequence{}
	replicator := NewReplicator(cfg.Replication.Rate, cfg.Replication.Burst, cfg.Replication.Attempts)

	return &Server{
		Registry:   registry,
		Ledger:     ledger,
		Backups:    NewBackupPlanner(registry, ledger, cfg.Planner.ChunkSize),
		Restores:   NewRestorePlanner(registry, ledger),
		Replicator: replicator,
		Detector:   NewFailureDetector(registry, ledger, replicator, sender, metrics, seq, cfg.Liveness.SweepInterval, cfg.Liveness.HeartbeatTimeout),
		Metrics:    metrics,
		sender:     sender,
		seq:        seq,
		now:        time.Now,
	}
}

// Serve runs the failure detector and the control receive loop on ch until
// ctx is done.
func (s *Server) Serve(ctx context.Context, ch *control.Channel) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.Detector.Start(ctx)
		return nil
	})
	g.Go(func() error {
		return ch.Serve(ctx, s)
	})

	return g.Wait()
}

func (s *Server) HandleMessage(ctx context.Context, msg message.Message, from *net.UDPAddr) {
	s.Metrics.Messages.WithLabelValues(string(msg.Type())).Inc()

	switch m := msg.(type) {
	case message.Register:
		s.handleRegister(ctx, m, from)
	case message.Deregister:
		s.handleDeregister(ctx, m, from)
	case message.List:
		s.handleList(ctx, from)
	case message.Heartbeat:
		s.handleHeartbeat(m, from)
	case message.BackupReq:
		s.handleBackupReq(ctx, m, from)
	case message.StoreAck:
		s.handleStoreAck(m, from)
	case message.ReplicateAck:
		s.handleReplicateAck(m, from)
	case message.ChunkOK:
		s.forwardChunkResult(ctx, m.File, m, from)
	case message.ChunkError:
		s.forwardChunkResult(ctx, m.File, m, from)
	case message.BackupDone:
		s.handleBackupDone(m, from)
	case message.RestoreReq:
		s.handleRestoreReq(ctx, m, from)
	case message.RestoreOK:
		s.Metrics.RestoreOutcomes.WithLabelValues("ok").Inc()
		log.Infow("rpc", "event", msg.Type(), "file", m.File, "from", from.String())
	case message.RestoreFail:
		s.Metrics.RestoreOutcomes.WithLabelValues("failed").Inc()
		log.Warnw("rpc", "event", msg.Type(), "file", m.File, "reason", m.Reason, "from", from.String())
	default:
		log.Warnw("rpc", "event", msg.Type(), "status", "unexpected message", "from", from.String())
	}
}

func (s *Server) reply(ctx context.Context, msg message.Message, to *net.UDPAddr) {
	if err := s.sender.Send(ctx, msg, to); err != nil {
		log.Warnw("rpc", "event", msg.Type(), "status", "reply failed", "to", to.String(), "error", err)
	}
}

func (s *Server) deny(ctx context.Context, msg message.Message, reason message.Reason, to *net.UDPAddr) {
	s.Metrics.Denials.WithLabelValues(string(msg.Type()), string(reason)).Inc()
	log.Infow("rpc", "event", msg.Type(), "reason", reason, "to", to.String())
	s.reply(ctx, msg, to)
}

func (s *Server) handleRegister(ctx context.Context, m message.Register, from *net.UDPAddr) {
	role, err := ParseRole(m.Role)
	if err != nil || m.CapacityMB < 0 || m.CapacityMB > message.MaxCapacityMB {
		s.deny(ctx, message.RegisterDenied{RQ: m.RQ, Reason: message.ReasonMalformed}, message.ReasonMalformed, from)
		return
	}

	rec := PeerRecord{
		Name:          m.Name,
		Role:          role,
		Host:          m.Host,
		UDPPort:       m.UDPPort,
		TCPPort:       m.TCPPort,
		CapacityBytes: m.CapacityMB << 20,
		Source:        SourceOf(from),
		LastHeartbeat: s.now(),
	}
	if err := s.Registry.Register(rec); err != nil {
		s.deny(ctx, message.RegisterDenied{RQ: m.RQ, Reason: ReasonFor(err)}, ReasonFor(err), from)
		return
	}

	s.Metrics.RegisteredPeers.Set(float64(s.Registry.Len()))
	log.Infow("rpc", "event", m.Type(), "peer", m.Name, "role", role, "source", rec.Source.String(), "capacityMB", m.CapacityMB)
	s.reply(ctx, message.Registered{RQ: m.RQ}, from)
}

func (s *Server) handleDeregister(ctx context.Context, m message.Deregister, from *net.UDPAddr) {
	rec, err := s.Registry.Deregister(m.Name)
	if err != nil {
		s.deny(ctx, message.DeregisterDenied{RQ: m.RQ, Reason: message.ReasonNotRegistered}, message.ReasonNotRegistered, from)
		return
	}

	s.Metrics.RegisteredPeers.Set(float64(s.Registry.Len()))
	log.Infow("rpc", "event", m.Type(), "peer", rec.Name, "from", from.String())
	s.reply(ctx, message.Deregistered{RQ: m.RQ}, from)

	s.Detector.HandleFailure(ctx, rec.Name)
}

func (s *Server) handleList(ctx context.Context, from *net.UDPAddr) {
	records := s.Registry.List()
	peers := make([]message.PeerInfo, 0, len(records))
	for _, p := range records {
		peers = append(peers, message.PeerInfo{Name: p.Name, Host: p.Host, UDPPort: p.UDPPort, TCPPort: p.TCPPort})
	}

	s.reply(ctx, message.Peers{Peers: peers}, from)
}

func (s *Server) handleHeartbeat(m message.Heartbeat, from *net.UDPAddr) {
	if !s.Registry.RecordHeartbeat(m.Name, m.NumChunks, s.now()) {
		log.Debugw("rpc", "event", m.Type(), "status", "unknown peer", "peer", m.Name, "from", from.String())
		return
	}

	s.Metrics.Heartbeats.Inc()
}

func (s *Server) handleBackupReq(ctx context.Context, m message.BackupReq, from *net.UDPAddr) {
	plan, err := s.Backups.Plan(m, from)
	if err != nil {
		reason := ReasonFor(err)
		s.deny(ctx, message.BackupDenied{RQ: m.RQ, Reason: reason}, reason, from)
		return
	}

	// intents go out before the plan so they can reach custodians first
	for i := 0; i < plan.NumChunks; i++ {
		target := plan.Assignee(i)
		intent := message.StoreReq{RQ: s.seq.Next(), File: plan.File, ChunkID: i, Owner: plan.Owner.Name}
		s.reply(ctx, intent, target.ControlAddr())
	}

	s.Metrics.BackupPlans.Inc()
	log.Infow("rpc", "event", m.Type(), "owner", plan.Owner.Name, "file", plan.File, "size", m.Size, "chunks", plan.NumChunks, "peers", len(plan.Peers))
	s.reply(ctx, message.BackupPlan{RQ: m.RQ, File: plan.File, Peers: plan.Endpoints(), ChunkSize: plan.ChunkSize}, from)
}

func (s *Server) handleStoreAck(m message.StoreAck, from *net.UDPAddr) {
	custodian, ok := s.Registry.ResolveSender(from)
	if !ok {
		log.Warnw("rpc", "event", m.Type(), "status", "unknown sender", "from", from.String())
		return
	}

	key, err := s.confirm(m.Owner, m.File, custodian.Name, m.ChunkID)
	if err != nil {
		log.Warnw("rpc", "event", m.Type(), "status", "not recorded", "file", m.File, "chunkId", m.ChunkID, "peer", custodian.Name, "error", err)
		return
	}

	s.Metrics.StoreConfirms.Inc()
	log.Infow("rpc", "event", m.Type(), "key", key.String(), "chunkId", m.ChunkID, "peer", custodian.Name)
}

func (s *Server) handleReplicateAck(m message.ReplicateAck, from *net.UDPAddr) {
	target, ok := s.Registry.ResolveSender(from)
	if !ok {
		log.Warnw("rpc", "event", m.Type(), "status", "unknown sender", "from", from.String())
		return
	}

	owner := m.Owner
	if owner == replicatedOwner {
		owner = ""
	}

	key, err := s.confirm(owner, m.File, target.Name, m.ChunkID)
	if err != nil {
		log.Warnw("rpc", "event", m.Type(), "status", "not recorded", "file", m.File, "chunkId", m.ChunkID, "peer", target.Name, "error", err)
		return
	}

	s.Metrics.StoreConfirms.Inc()
	s.Metrics.Replications.WithLabelValues("completed").Inc()
	log.Infow("rpc", "event", m.Type(), "key", key.String(), "chunkId", m.ChunkID, "peer", target.Name)
}

// confirm records custody under the owner's key, or under the only key for
// file when the owner is unknown.
func (s *Server) confirm(owner, file, custodian string, chunkID int) (LedgerKey, error) {
	if owner != "" {
		key := LedgerKey{Owner: owner, File: file}
		err := s.Ledger.Confirm(key, custodian, chunkID)
		if !errors.Is(err, ErrNoLedgerEntry) {
			return key, err
		}
	}

	return s.Ledger.ConfirmByFile(file, custodian, chunkID)
}

// forwardChunkResult relays a chunk ack that reached the server to every
// registered owner of file.
func (s *Server) forwardChunkResult(ctx context.Context, file string, msg message.Message, from *net.UDPAddr) {
	src := SourceOf(from)
	for _, key := range s.Ledger.KeysForFile(file) {
		owner, ok := s.Registry.Get(key.Owner)
		if !ok || owner.Source == src {
			continue
		}

		log.Debugw("rpc", "event", msg.Type(), "status", "forwarding", "owner", owner.Name, "from", from.String())
		s.reply(ctx, msg, owner.ControlAddr())
	}
}

func (s *Server) handleBackupDone(m message.BackupDone, from *net.UDPAddr) {
	owner, ok := s.Registry.ResolveSender(from)
	if !ok {
		log.Warnw("rpc", "event", m.Type(), "status", "unknown sender", "from", from.String())
		return
	}

	key := LedgerKey{Owner: owner.Name, File: m.File}
	if err := s.Ledger.MarkCompleted(key); err != nil {
		log.Warnw("rpc", "event", m.Type(), "key", key.String(), "error", err)
		return
	}

	entry, _ := s.Ledger.Get(key)
	s.Metrics.BackupsDone.Inc()
	log.Infow("rpc", "event", m.Type(), "key", key.String(), "chunks", entry.NumChunks, "placements", len(entry.Placements))
}

func (s *Server) handleRestoreReq(ctx context.Context, m message.RestoreReq, from *net.UDPAddr) {
	plan, err := s.Restores.Plan(m, from)
	if err != nil {
		reason := ReasonFor(err)
		s.deny(ctx, message.RestoreFail{RQ: m.RQ, File: m.File, Reason: reason}, reason, from)
		return
	}

	s.Metrics.RestorePlans.Inc()
	log.Infow("rpc", "event", m.Type(), "owner", plan.Owner.Name, "file", plan.File, "chunks", plan.NumChunks, "placements", len(plan.Custodians))
	s.reply(ctx, message.RestorePlan{RQ: m.RQ, File: plan.File, Peers: plan.Custodians, NumChunks: plan.NumChunks}, from)
}
