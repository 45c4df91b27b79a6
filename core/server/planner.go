package server

import (
	"errors"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/pyropy/peervault/lib/utils"
	"github.com/pyropy/peervault/rpc/message"
)

var (
	ErrMalformedRequest = errors.New("malformed request")
	ErrNoStoragePeer    = errors.New("no storage peer available")
	ErrNoCapacity       = errors.New("no storage peer with enough capacity")
	ErrNoBackupFound    = errors.New("no backup found")
)

// ReasonFor maps a planning error onto its protocol reason.
func ReasonFor(err error) message.Reason {
	switch {
	case errors.Is(err, ErrNotRegistered):
		return message.ReasonNotRegistered
	case errors.Is(err, ErrAlreadyRegistered):
		return message.ReasonAlreadyRegistered
	case errors.Is(err, ErrNoStoragePeer):
		return message.ReasonNoStoragePeer
	case errors.Is(err, ErrNoCapacity):
		return message.ReasonNoCapacity
	case errors.Is(err, ErrNoBackupFound):
		return message.ReasonNoBackupFound
	}

	return message.ReasonMalformed
}

type BackupPlan struct {
	RQ        uint64
	Owner     PeerRecord
	File      string
	ChunkSize int
	NumChunks int
	// Peers is rotated by the global cursor; chunk i belongs to Peers[i % len(Peers)].
	Peers []PeerRecord
}

func (p BackupPlan) Assignee(chunkID int) PeerRecord {
	return p.Peers[chunkID%len(p.Peers)]
}

func (p BackupPlan) Endpoints() []message.Endpoint {
	eps := make([]message.Endpoint, 0, len(p.Peers))
	for _, peer := range p.Peers {
		eps = append(eps, message.Endpoint{Name: peer.Name})
	}

	return eps
}

// BackupPlanner places chunks on eligible peers and seeds the ledger.
type BackupPlanner struct {
	registry  *Registry
	ledger    *Ledger
	chunkSize int

	mu     sync.Mutex
	cursor int
}

func NewBackupPlanner(registry *Registry, ledger *Ledger, chunkSize int) *BackupPlanner {
	return &BackupPlanner{
		registry:  registry,
		ledger:    ledger,
		chunkSize: chunkSize,
	}
}

// Plan builds the placement for req from the peer at from.
func (bp *BackupPlanner) Plan(req message.BackupReq, from *net.UDPAddr) (BackupPlan, error) {
	owner, ok := bp.registry.ResolveSender(from)
	if !ok {
		return BackupPlan{}, ErrNotRegistered
	}
	if req.File == "" || strings.ContainsAny(req.File, " \t\r\n") || req.Size <= 0 {
		return BackupPlan{}, ErrMalformedRequest
	}

	eligible, err := bp.eligible(owner.Name, req.Size)
	if err != nil {
		return BackupPlan{}, err
	}

	numChunks := message.NumChunks(req.Size, bp.chunkSize)

	bp.mu.Lock()
	start := bp.cursor
	bp.cursor = (bp.cursor + numChunks) % len(eligible)
	bp.mu.Unlock()

	bp.ledger.Seed(LedgerKey{Owner: owner.Name, File: req.File}, req.Size, req.Checksum, numChunks)

	return BackupPlan{
		RQ:        req.RQ,
		Owner:     owner,
		File:      req.File,
		ChunkSize: bp.chunkSize,
		NumChunks: numChunks,
		Peers:     utils.Rotate(eligible, start),
	}, nil
}

func (bp *BackupPlanner) eligible(owner string, size int64) ([]PeerRecord, error) {
	roleEligible := 0
	eligible := make([]PeerRecord, 0)
	for _, p := range bp.registry.List() {
		if p.Name == owner || !p.Role.CanStore() {
			continue
		}
		roleEligible++

		// zero capacity means the peer did not report one
		if p.CapacityBytes > 0 && p.CapacityBytes < size {
			continue
		}
		eligible = append(eligible, p)
	}

	if roleEligible == 0 {
		return nil, ErrNoStoragePeer
	}
	if len(eligible) == 0 {
		return nil, ErrNoCapacity
	}

	return eligible, nil
}

type RestorePlan struct {
	RQ    uint64
	Owner PeerRecord
	File  string
	// Custodians has one name per placement, ordered by chunk id.
	Custodians []string
	NumChunks  int
}

type RestorePlanner struct {
	registry *Registry
	ledger   *Ledger
}

func NewRestorePlanner(registry *Registry, ledger *Ledger) *RestorePlanner {
	return &RestorePlanner{
		registry: registry,
		ledger:   ledger,
	}
}

func (rp *RestorePlanner) Plan(req message.RestoreReq, from *net.UDPAddr) (RestorePlan, error) {
	owner, ok := rp.registry.ResolveSender(from)
	if !ok {
		return RestorePlan{}, ErrNotRegistered
	}

	entry, ok := rp.ledger.Get(LedgerKey{Owner: owner.Name, File: req.File})
	if !ok || len(entry.Placements) == 0 {
		return RestorePlan{}, ErrNoBackupFound
	}
	placements := entry.Placements

	sort.SliceStable(placements, func(i, j int) bool { return placements[i].ChunkID < placements[j].ChunkID })
	custodians := make([]string, 0, len(placements))
	for _, p := range placements {
		custodians = append(custodians, p.Peer)
	}

	return RestorePlan{
		RQ:         req.RQ,
		Owner:      owner,
		File:       req.File,
		Custodians: custodians,
		NumChunks:  entry.NumChunks,
	}, nil
}
