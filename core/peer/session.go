package peer

import (
	"context"
	"errors"
	"fmt"

	"github.com/pyropy/peervault/rpc/control"
	"github.com/pyropy/peervault/rpc/message"
)

// responseRQ extracts the request id a server response echoes.
func responseRQ(msg message.Message) (uint64, bool) {
	switch m := msg.(type) {
	case message.Registered:
		return m.RQ, true
	case message.RegisterDenied:
		return m.RQ, true
	case message.Deregistered:
		return m.RQ, true
	case message.DeregisterDenied:
		return m.RQ, true
	case message.BackupPlan:
		return m.RQ, true
	case message.BackupDenied:
		return m.RQ, true
	case message.RestorePlan:
		return m.RQ, true
	case message.RestoreFail:
		return m.RQ, true
	}

	return 0, false
}

func matchRQ(rq uint64) func(message.Message) bool {
	return func(msg message.Message) bool {
		got, ok := responseRQ(msg)
		return ok && got == rq
	}
}

// request sends msg to the server and waits for the response carrying rq.
func (p *Peer) request(ctx context.Context, msg message.Message, rq uint64, kind control.Inbox) (message.Message, error) {
	if err := p.send(ctx, msg); err != nil {
		return nil, err
	}

	return p.control.Await(ctx, kind, p.cfg.Control.ResponseTimeout, matchRQ(rq))
}

// Register announces the peer to the server and waits for the verdict.
func (p *Peer) Register(ctx context.Context) error {
	rq := p.seq.Next()
	req := message.Register{
		RQ:         rq,
		Name:       p.name,
		Role:       p.role,
		Host:       p.host,
		UDPPort:    p.udpPort,
		TCPPort:    p.tcpPort,
		CapacityMB: p.cfg.Peer.CapacityMB,
	}

	resp, err := p.request(ctx, req, rq, control.InboxRegister)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}

	if denied, ok := resp.(message.RegisterDenied); ok {
		log.Errorw("rpc", "event", denied.Type(), "reason", denied.Reason)
		return &DeniedError{Op: "register", Reason: denied.Reason}
	}

	log.Infow("rpc", "event", resp.Type(), "name", p.name, "role", p.role, "server", p.server.String())
	return nil
}

func (p *Peer) Deregister(ctx context.Context) error {
	rq := p.seq.Next()

	resp, err := p.request(ctx, message.Deregister{RQ: rq, Name: p.name}, rq, control.InboxDeregister)
	if err != nil {
		return fmt.Errorf("de-register: %w", err)
	}

	if denied, ok := resp.(message.DeregisterDenied); ok {
		return &DeniedError{Op: "de-register", Reason: denied.Reason}
	}

	log.Infow("rpc", "event", resp.Type(), "name", p.name)
	return nil
}

// List fetches the registry listing and refreshes the directory with it.
func (p *Peer) List(ctx context.Context) ([]message.PeerInfo, error) {
	if err := p.send(ctx, message.List{}); err != nil {
		return nil, err
	}

	resp, err := p.control.Await(ctx, control.InboxPeers, p.cfg.Control.ResponseTimeout, nil)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}

	peers := resp.(message.Peers).Peers
	p.directory.Replace(peers)

	return peers, nil
}

// resolve fills in addresses for plan endpoints that carry a name only,
// refreshing the directory once on a miss.
func (p *Peer) resolve(ctx context.Context, endpoints []message.Endpoint) ([]message.Endpoint, error) {
	out := make([]message.Endpoint, len(endpoints))
	refreshed := false

	for i, ep := range endpoints {
		if ep.HasAddress() {
			out[i] = ep
			continue
		}

		known, ok := p.directory.Lookup(ep.Name)
		if !ok && !refreshed {
			refreshed = true
			if _, err := p.List(ctx); err != nil && !errors.Is(err, control.ErrResponseTimeout) {
				return nil, err
			}
			known, ok = p.directory.Lookup(ep.Name)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, ep.Name)
		}
		out[i] = known
	}

	return out, nil
}
