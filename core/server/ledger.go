package server

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	ErrNoLedgerEntry  = errors.New("no ledger entry")
	ErrAmbiguousOwner = errors.New("file backed up by more than one owner")
)

type LedgerKey struct {
	Owner string
	File  string
}

func (k LedgerKey) String() string {
	return k.Owner + ":" + k.File
}

// Placement is one confirmed (custodian, chunk) pair.
type Placement struct {
	Peer    string `json:"peer"`
	ChunkID int    `json:"chunkId"`
}

type LedgerEntry struct {
	FileSize   int64       `json:"fileSize"`
	Checksum   uint32      `json:"checksum"`
	NumChunks  int         `json:"numChunks"`
	Completed  bool        `json:"completed"`
	Placements []Placement `json:"placements"`
}

// LostPlacement is a placement removed because its custodian went away.
type LostPlacement struct {
	Key     LedgerKey
	ChunkID int
}

// Persister mirrors ledger entries to durable storage.
type Persister interface {
	Save(ctx context.Context, key LedgerKey, entry LedgerEntry) error
	Delete(ctx context.Context, key LedgerKey) error
	Load(ctx context.Context) (map[LedgerKey]LedgerEntry, error)
}

// Ledger records which custodian holds which chunk of which owner's file.
type Ledger struct {
	mu      sync.RWMutex
	entries map[LedgerKey]*LedgerEntry
	persist Persister
}

func NewLedger() *Ledger {
	return &Ledger{
		entries: map[LedgerKey]*LedgerEntry{},
	}
}

// NewPersistentLedger restores the ledger from p and mirrors every mutation to it.
func NewPersistentLedger(ctx context.Context, p Persister) (*Ledger, error) {
	loaded, err := p.Load(ctx)
	if err != nil {
		return nil, err
	}

	l := NewLedger()
	l.persist = p
	for k, e := range loaded {
		entry := e
		l.entries[k] = &entry
	}

	return l, nil
}

func (l *Ledger) save(key LedgerKey) {
	if l.persist == nil {
		return
	}

	e, ok := l.entries[key]
	var err error
	if ok {
		err = l.persist.Save(context.Background(), key, cloneEntry(e))
	} else {
		err = l.persist.Delete(context.Background(), key)
	}
	if err != nil {
		log.Errorw("ledger", "status", "persist failed", "key", key.String(), "error", err)
	}
}

// Seed creates an empty entry for key, replacing any earlier backup of the same file.
func (l *Ledger) Seed(key LedgerKey, size int64, sum uint32, numChunks int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[key] = &LedgerEntry{
		FileSize:   size,
		Checksum:   sum,
		NumChunks:  numChunks,
		Placements: make([]Placement, 0, numChunks),
	}
	l.save(key)
}

// Confirm appends (peer, chunkID) to key's entry. Duplicates are ignored.
func (l *Ledger) Confirm(key LedgerKey, peer string, chunkID int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return ErrNoLedgerEntry
	}

	p := Placement{Peer: peer, ChunkID: chunkID}
	for _, existing := range e.Placements {
		if existing == p {
			return nil
		}
	}

	e.Placements = append(e.Placements, p)
	l.save(key)

	return nil
}

// ConfirmByFile confirms against the unique entry whose file is file.
func (l *Ledger) ConfirmByFile(file, peer string, chunkID int) (LedgerKey, error) {
	keys := l.KeysForFile(file)
	switch len(keys) {
	case 0:
		return LedgerKey{}, ErrNoLedgerEntry
	case 1:
		return keys[0], l.Confirm(keys[0], peer, chunkID)
	}

	return LedgerKey{}, ErrAmbiguousOwner
}

// MarkCompleted records that the owner saw every chunk acknowledged.
func (l *Ledger) MarkCompleted(key LedgerKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return ErrNoLedgerEntry
	}

	e.Completed = true
	l.save(key)

	return nil
}

func (l *Ledger) Get(key LedgerKey) (LedgerEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.entries[key]
	if !ok {
		return LedgerEntry{}, false
	}

	return cloneEntry(e), true
}

// Placements returns key's placements ordered by chunk id, then peer.
func (l *Ledger) Placements(key LedgerKey) []Placement {
	e, ok := l.Get(key)
	if !ok {
		return nil
	}

	sortPlacements(e.Placements)
	return e.Placements
}

// Holders lists the custodians of one chunk.
func (l *Ledger) Holders(key LedgerKey, chunkID int) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.entries[key]
	if !ok {
		return nil
	}

	holders := make([]string, 0)
	for _, p := range e.Placements {
		if p.ChunkID == chunkID {
			holders = append(holders, p.Peer)
		}
	}
	sort.Strings(holders)

	return holders
}

func (l *Ledger) KeysForFile(file string) []LedgerKey {
	l.mu.RLock()
	defer l.mu.RUnlock()

	keys := make([]LedgerKey, 0)
	for k := range l.entries {
		if k.File == file {
			keys = append(keys, k)
		}
	}
	sortKeys(keys)

	return keys
}

func (l *Ledger) Keys() []LedgerKey {
	l.mu.RLock()
	defer l.mu.RUnlock()

	keys := make([]LedgerKey, 0, len(l.entries))
	for k := range l.entries {
		keys = append(keys, k)
	}
	sortKeys(keys)

	return keys
}

// RemovePeer drops every placement held by peer and returns what was lost.
func (l *Ledger) RemovePeer(peer string) []LostPlacement {
	l.mu.Lock()
	defer l.mu.Unlock()

	lost := make([]LostPlacement, 0)
	for k, e := range l.entries {
		kept := e.Placements[:0]
		removed := false
		for _, p := range e.Placements {
			if p.Peer == peer {
				lost = append(lost, LostPlacement{Key: k, ChunkID: p.ChunkID})
				removed = true
				continue
			}
			kept = append(kept, p)
		}
		e.Placements = kept
		if removed {
			l.save(k)
		}
	}

	sort.Slice(lost, func(i, j int) bool {
		if lost[i].Key != lost[j].Key {
			return lost[i].Key.String() < lost[j].Key.String()
		}
		return lost[i].ChunkID < lost[j].ChunkID
	})

	return lost
}

// Orphans lists custodians referenced by the ledger for which live reports false.
func (l *Ledger) Orphans(live func(string) bool) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := map[string]bool{}
	orphans := make([]string, 0)
	for _, e := range l.entries {
		for _, p := range e.Placements {
			if seen[p.Peer] {
				continue
			}
			seen[p.Peer] = true
			if !live(p.Peer) {
				orphans = append(orphans, p.Peer)
			}
		}
	}
	sort.Strings(orphans)

	return orphans
}

func cloneEntry(e *LedgerEntry) LedgerEntry {
	c := *e
	c.Placements = append([]Placement(nil), e.Placements...)
	return c
}

func sortPlacements(ps []Placement) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].ChunkID != ps[j].ChunkID {
			return ps[i].ChunkID < ps[j].ChunkID
		}
		return ps[i].Peer < ps[j].Peer
	})
}

func sortKeys(keys []LedgerKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Owner != keys[j].Owner {
			return keys[i].Owner < keys[j].Owner
		}
		return keys[i].File < keys[j].File
	})
}
