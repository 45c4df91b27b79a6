package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/pyropy/peervault/lib/logger"
	"github.com/pyropy/peervault/rpc/message"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var log, _ = logger.New("control")

const maxDatagramSize = 65535

var (
	ErrAckTimeout      = errors.New("ack timeout")
	ErrResponseTimeout = errors.New("response timeout")
	ErrClosed          = errors.New("control channel closed")
)

// Handler receives every datagram that is neither a correlated chunk ack nor
// an inbox response.
type Handler interface {
	HandleMessage(ctx context.Context, msg message.Message, from *net.UDPAddr)
}

type HandlerFunc func(ctx context.Context, msg message.Message, from *net.UDPAddr)

func (f HandlerFunc) HandleMessage(ctx context.Context, msg message.Message, from *net.UDPAddr) {
	f(ctx, msg, from)
}

// Sender is the outbound half of a control channel.
type Sender interface {
	Send(ctx context.Context, msg message.Message, to *net.UDPAddr) error
}

// peerRouting sends direct responses to the correlator or an inbox.
var peerRouting = map[message.Type]Inbox{
	message.TypeRegistered:       InboxRegister,
	message.TypeRegisterDenied:   InboxRegister,
	message.TypeDeregistered:     InboxDeregister,
	message.TypeDeregisterDenied: InboxDeregister,
	message.TypePeers:            InboxPeers,
	message.TypeBackupPlan:       InboxBackup,
	message.TypeBackupDenied:     InboxBackup,
	message.TypeRestorePlan:      InboxRestore,
	message.TypeRestoreFail:      InboxRestore,
}

type Option func(*Channel)

// WithPeerRouting enables the correlation table and response inboxes. The
// server leaves it off so that every message reaches its handler.
func WithPeerRouting() Option {
	return func(c *Channel) {
		c.routes = peerRouting
		c.correlate = true
	}
}

// WithWorkers bounds the number of concurrently dispatched messages.
func WithWorkers(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithRateLimit caps inbound datagrams per second. Excess datagrams are dropped.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Channel) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// Channel is a single UDP socket with a receive loop, a correlation table
// for chunk acknowledgements and type-keyed inboxes.
type Channel struct {
	conn      *net.UDPConn
	routes    map[message.Type]Inbox
	correlate bool
	workers   int
	limiter   *rate.Limiter

	correlator *Correlator
	inboxes    *Inboxes

	closeOnce sync.Once
}

// Listen binds addr (host:port, port 0 picks a free one).
func Listen(addr string, opts ...Option) (*Channel, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	c := &Channel{
		conn:       conn,
		routes:     map[message.Type]Inbox{},
		workers:    6,
		limiter:    rate.NewLimiter(rate.Inf, 0),
		correlator: NewCorrelator(),
		inboxes:    NewInboxes(),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func (c *Channel) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

func (c *Channel) Correlator() *Correlator {
	return c.correlator
}

func (c *Channel) Inboxes() *Inboxes {
	return c.inboxes
}

// Register installs an ack waiter for a chunk push about to be issued.
func (c *Channel) Register(key Key) *Waiter {
	return c.correlator.Register(key)
}

// Await blocks for the next matching response in an inbox.
func (c *Channel) Await(ctx context.Context, kind Inbox, timeout time.Duration, match func(message.Message) bool) (message.Message, error) {
	return c.inboxes.Await(ctx, kind, timeout, match)
}

func (c *Channel) Send(ctx context.Context, msg message.Message, to *net.UDPAddr) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if to == nil {
		return fmt.Errorf("send %s: no destination", msg.Type())
	}

	if _, err := c.conn.WriteToUDP([]byte(msg.String()), to); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.Type(), to, err)
	}

	return nil
}

// Serve runs the receive loop until ctx is done or the channel is closed.
// Each datagram is parsed on the loop and handled on a bounded worker pool;
// a malformed datagram or a panicking handler never stops the loop.
func (c *Channel) Serve(ctx context.Context, h Handler) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-stop:
		}
	}()

	var g errgroup.Group
	g.SetLimit(c.workers)
	defer g.Wait()

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warnw("receive", "error", err)
			continue
		}

		if !c.limiter.Allow() {
			log.Debugw("receive", "status", "rate limited", "from", from.String())
			continue
		}

		line := strings.TrimSpace(string(buf[:n]))
		msg, err := message.Parse(line)
		if err != nil {
			log.Warnw("receive", "status", "dropping datagram", "reason", message.ReasonMalformed, "from", from.String(), "error", err)
			continue
		}

		g.Go(func() error {
			c.dispatch(ctx, h, msg, from)
			return nil
		})
	}
}

func (c *Channel) dispatch(ctx context.Context, h Handler, msg message.Message, from *net.UDPAddr) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("dispatch", "status", "handler panic", "message", msg.String(), "panic", r, "stack", string(debug.Stack()))
		}
	}()

	if c.correlate {
		switch m := msg.(type) {
		case message.ChunkOK:
			c.completeAck(Key{File: m.File, ChunkID: m.ChunkID}, Result{OK: true, RQ: m.RQ})
			return
		case message.ChunkError:
			c.completeAck(Key{File: m.File, ChunkID: m.ChunkID}, Result{OK: false, RQ: m.RQ, Reason: m.Reason})
			return
		}
	}

	if kind, ok := c.routes[msg.Type()]; ok {
		c.inboxes.Deposit(kind, msg)
		return
	}

	if h != nil {
		h.HandleMessage(ctx, msg, from)
	}
}

func (c *Channel) completeAck(key Key, res Result) {
	if !c.correlator.Complete(key, res) {
		log.Debugw("dispatch", "status", "unmatched ack dropped", "key", key.String(), "ok", res.OK)
	}
}

func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})

	return err
}
