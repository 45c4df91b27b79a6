package server

import (
	"errors"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Role string

const (
	RoleOwner   Role = "OWNER"
	RoleStorage Role = "STORAGE"
	RoleBoth    Role = "BOTH"
)

var (
	ErrAlreadyRegistered = errors.New("peer already registered")
	ErrNotRegistered     = errors.New("peer not registered")
	ErrInvalidRole       = errors.New("invalid role")
)

func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToUpper(s)); r {
	case RoleOwner, RoleStorage, RoleBoth:
		return r, nil
	}

	return "", ErrInvalidRole
}

// CanStore reports whether the role may be chosen as a chunk custodian.
func (r Role) CanStore() bool {
	return r == RoleStorage || r == RoleBoth
}

type PeerRecord struct {
	Name          string
	Role          Role
	Host          string
	UDPPort       int
	TCPPort       int
	CapacityBytes int64
	// Source is the address registration datagrams arrived from; inbound
	// control messages are attributed by it.
	Source         netip.AddrPort
	LastHeartbeat  time.Time
	ReportedChunks int
}

func (p PeerRecord) TCPAddr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.TCPPort))
}

// ControlAddr is where control messages for the peer are sent.
func (p PeerRecord) ControlAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(p.Source)
}

// SourceOf normalises an observed datagram source so IPv4-mapped and plain
// IPv4 addresses compare equal.
func SourceOf(addr *net.UDPAddr) netip.AddrPort {
	if addr == nil {
		return netip.AddrPort{}
	}

	ap := addr.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Registry is the in-memory peer directory.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]PeerRecord
}

func NewRegistry() *Registry {
	return &Registry{
		peers: map[string]PeerRecord{},
	}
}

// Register admits rec. A name already present, or a source address already
// bound to another peer, is denied and leaves the existing record untouched.
func (r *Registry) Register(rec PeerRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[rec.Name]; exists {
		return ErrAlreadyRegistered
	}
	if rec.Source.IsValid() {
		for _, p := range r.peers {
			if p.Source == rec.Source {
				return ErrAlreadyRegistered
			}
		}
	}

	r.peers[rec.Name] = rec
	return nil
}

func (r *Registry) Deregister(name string) (PeerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.peers[name]
	if !exists {
		return PeerRecord{}, ErrNotRegistered
	}

	delete(r.peers, name)
	return rec, nil
}

// Evict removes name after a liveness failure.
func (r *Registry) Evict(name string) (PeerRecord, bool) {
	rec, err := r.Deregister(name)
	return rec, err == nil
}

func (r *Registry) Get(name string) (PeerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.peers[name]
	return rec, exists
}

func (r *Registry) Has(name string) bool {
	_, exists := r.Get(name)
	return exists
}

// List returns a snapshot ordered by name.
func (r *Registry) List() []PeerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]PeerRecord, 0, len(r.peers))
	for _, p := range r.peers {
		list = append(list, p)
	}

	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.peers)
}

// ResolveSender attributes a datagram to a peer by its source address.
func (r *Registry) ResolveSender(addr *net.UDPAddr) (PeerRecord, bool) {
	src := SourceOf(addr)
	if !src.IsValid() {
		return PeerRecord{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.peers {
		if p.Source == src {
			return p, true
		}
	}

	return PeerRecord{}, false
}

// RecordHeartbeat refreshes name's liveness. Unknown names are ignored.
func (r *Registry) RecordHeartbeat(name string, chunks int, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.peers[name]
	if !exists {
		return false
	}

	rec.LastHeartbeat = now
	rec.ReportedChunks = chunks
	r.peers[name] = rec

	return true
}

// Expired lists peers whose last heartbeat is older than timeout.
func (r *Registry) Expired(now time.Time, timeout time.Duration) []PeerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	expired := make([]PeerRecord, 0)
	for _, p := range r.peers {
		if now.Sub(p.LastHeartbeat) > timeout {
			expired = append(expired, p)
		}
	}

	sort.Slice(expired, func(i, j int) bool { return expired[i].Name < expired[j].Name })
	return expired
}
