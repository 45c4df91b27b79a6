package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/pyropy/peervault/lib/logger"
	"github.com/pyropy/peervault/rpc/control"
	"github.com/pyropy/peervault/rpc/message"
	"github.com/pyropy/peervault/rpc/transfer"
)

var log, _ = logger.New("peer")

const (
	RoleOwner   = "OWNER"
	RoleStorage = "STORAGE"
	RoleBoth    = "BOTH"
)

var (
	ErrInvalidName = errors.New("invalid peer name")
	ErrInvalidRole = errors.New("invalid role")
)

// ChunkStore is the custody storage a peer serves pushes and pulls from.
type ChunkStore interface {
	Put(ctx context.Context, owner, file string, chunkID int, data []byte) error
	Find(ctx context.Context, file string, chunkID int) ([]byte, string, error)
	OwnerOf(ctx context.Context, file string) (string, bool)
	Count(ctx context.Context) int
}

// Peer is one participant: an owner that backs up and restores its files,
// a custodian that stores other owners' chunks, or both.
type Peer struct {
	cfg     *Config
	name    string
	role    string
	host    string
	udpPort int
	tcpPort int
	server  *net.UDPAddr

	control   *control.Channel
	listener  net.Listener
	store     ChunkStore
	intents   *IntentTable
	directory *Directory
	receiver  *Receiver
	heartbeat *HeartbeatEmitter
	static    *StaticPlan
	metrics   *Metrics
	seq       *message.Sequence
}

// New binds the control and transfer sockets. A zero port in cfg picks a
// free one; the bound ports are what the peer advertises.
func New(cfg *Config, store ChunkStore, metrics *Metrics) (*Peer, error) {
	if cfg.Peer.Name == "" || strings.ContainsAny(cfg.Peer.Name, " \t\r\n@;,") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, cfg.Peer.Name)
	}
	role := strings.ToUpper(cfg.Peer.Role)
	if role != RoleOwner && role != RoleStorage && role != RoleBoth {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, cfg.Peer.Role)
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	server, err := net.ResolveUDPAddr("udp", cfg.Server.Addr)
	if err != nil {
		return nil, fmt.Errorf("resolve server %s: %w", cfg.Server.Addr, err)
	}

	var static *StaticPlan
	if cfg.Backup.StaticPeers != "" {
		static, err = LoadStaticPlan(cfg.Backup.StaticPeers, cfg.Backup.ChunkSize)
		if err != nil {
			return nil, err
		}
	}

	ch, err := control.Listen(
		net.JoinHostPort(cfg.Peer.Host, strconv.Itoa(cfg.Peer.UDPPort)),
		control.WithPeerRouting(),
		control.WithWorkers(cfg.Control.Workers),
	)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Peer.Host, strconv.Itoa(cfg.Peer.TCPPort)))
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("listen tcp: %w", err)
	}

	seq := &message.Sequence{}
	intents := NewIntentTable()
	directory := NewDirectory()
	if static != nil {
		for _, ep := range static.Peers {
			directory.Add(ep)
		}
	}

	p := &Peer{
		cfg:       cfg,
		name:      cfg.Peer.Name,
		role:      role,
		host:      cfg.Peer.Host,
		udpPort:   ch.LocalAddr().Port,
		tcpPort:   ln.Addr().(*net.TCPAddr).Port,
		server:    server,
		control:   ch,
		listener:  ln,
		store:     store,
		intents:   intents,
		directory: directory,
		static:    static,
		metrics:   metrics,
		seq:       seq,
	}
	p.receiver = NewReceiver(store, intents, ch, server, metrics, cfg.Receiver.AdmissionWait, cfg.Receiver.AdmissionPoll)
	p.heartbeat = NewHeartbeatEmitter(p.name, cfg.Heartbeat.Interval, ch, server, store, seq, metrics)

	return p, nil
}

func (p *Peer) Name() string {
	return p.name
}

func (p *Peer) Role() string {
	return p.role
}

func (p *Peer) UDPPort() int {
	return p.udpPort
}

func (p *Peer) TCPPort() int {
	return p.tcpPort
}

func (p *Peer) Directory() *Directory {
	return p.directory
}

func (p *Peer) Intents() *IntentTable {
	return p.intents
}

// Serve runs the control receive loop, the transfer listener and intent
// expiry until ctx is done.
func (p *Peer) Serve(ctx context.Context) error {
	log.Infow("startup", "status", "peer serving", "name", p.name, "role", p.role, "udp", p.udpPort, "tcp", p.tcpPort, "server", p.server.String())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.control.Serve(ctx, p)
	})
	g.Go(func() error {
		return transfer.Serve(ctx, p.listener, p.receiver)
	})
	g.Go(func() error {
		p.intents.StartExpiry(ctx, p.cfg.Receiver.IntentTTL)
		return nil
	})

	return g.Wait()
}

// Run serves, registers with the server and then emits heartbeats until ctx
// is done. A denied registration stops the peer.
func (p *Peer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.Serve(ctx)
	})
	g.Go(func() error {
		if err := p.Register(ctx); err != nil {
			return err
		}
		p.heartbeat.Start(ctx)
		return nil
	})

	return g.Wait()
}

// Heartbeat exposes the emitter so callers that drive Serve themselves can
// start it after registering.
func (p *Peer) Heartbeat() *HeartbeatEmitter {
	return p.heartbeat
}

func (p *Peer) Close() error {
	lnErr := p.listener.Close()
	if errors.Is(lnErr, net.ErrClosed) {
		lnErr = nil
	}

	return errors.Join(p.control.Close(), lnErr)
}

func (p *Peer) workers() int {
	if p.cfg.Backup.Workers > 0 {
		return p.cfg.Backup.Workers
	}

	return runtime.NumCPU()
}

func (p *Peer) send(ctx context.Context, msg message.Message) error {
	return p.control.Send(ctx, msg, p.server)
}
