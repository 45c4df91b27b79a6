package peer

import (
	"sync"

	"github.com/pyropy/peervault/rpc/message"
)

// Directory caches peer addresses learned from PEERS listings and static plans.
type Directory struct {
	mu    sync.RWMutex
	peers map[string]message.Endpoint
}

func NewDirectory() *Directory {
	return &Directory{
		peers: map[string]message.Endpoint{},
	}
}

// Replace swaps the whole directory for a fresh PEERS listing.
func (d *Directory) Replace(peers []message.PeerInfo) {
	next := make(map[string]message.Endpoint, len(peers))
	for _, p := range peers {
		next[p.Name] = message.Endpoint{Name: p.Name, Host: p.Host, TCPPort: p.TCPPort, UDPPort: p.UDPPort}
	}

	d.mu.Lock()
	d.peers = next
	d.mu.Unlock()
}

func (d *Directory) Add(ep message.Endpoint) {
	if !ep.HasAddress() {
		return
	}

	d.mu.Lock()
	d.peers[ep.Name] = ep
	d.mu.Unlock()
}

func (d *Directory) Lookup(name string) (message.Endpoint, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ep, ok := d.peers[name]
	return ep, ok
}
