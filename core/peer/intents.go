package peer

import (
	"context"
	"fmt"
	"time"

	"github.com/pyropy/peervault/lib/concurrent_map"
)

// IntentKey names one chunk a custodian has been told to expect.
type IntentKey struct {
	File    string
	ChunkID int
}

func (k IntentKey) String() string {
	return fmt.Sprintf("%s:%d", k.File, k.ChunkID)
}

// Intent is a pending STORE_REQ from the server.
type Intent struct {
	RQ       uint64
	Owner    string
	Received time.Time
}

// IntentTable is the admission gate for inbound pushes.
type IntentTable struct {
	intents *concurrent_map.Map[IntentKey, Intent]
	now     func() time.Time
}

func NewIntentTable() *IntentTable {
	return &IntentTable{
		intents: concurrent_map.NewMap[IntentKey, Intent](),
		now:     time.Now,
	}
}

func (t *IntentTable) Add(key IntentKey, rq uint64, owner string) {
	t.intents.Set(key, Intent{RQ: rq, Owner: owner, Received: t.now()})
}

func (t *IntentTable) Get(key IntentKey) (Intent, bool) {
	return t.intents.Get(key)
}

func (t *IntentTable) Remove(key IntentKey) {
	t.intents.Delete(key)
}

func (t *IntentTable) Len() int {
	return t.intents.Len()
}

// Await polls for key until it shows up, wait elapses or ctx is done.
func (t *IntentTable) Await(ctx context.Context, key IntentKey, wait, poll time.Duration) (Intent, bool) {
	if in, ok := t.intents.Get(key); ok {
		return in, true
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if in, ok := t.intents.Get(key); ok {
				return in, true
			}
		case <-deadline.C:
			return t.intents.Get(key)
		case <-ctx.Done():
			return Intent{}, false
		}
	}
}

// StartExpiry drops intents older than ttl until ctx is done. Intents are
// normally cleared by a successful store; this catches plans whose pushes
// never arrived.
func (t *IntentTable) StartExpiry(ctx context.Context, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.expire(ttl)
		case <-ctx.Done():
			return
		}
	}
}

func (t *IntentTable) expire(ttl time.Duration) int {
	cutoff := t.now().Add(-ttl)
	n := 0
	t.intents.Range(func(k IntentKey, in Intent) bool {
		if in.Received.Before(cutoff) {
			t.intents.Delete(k)
			log.Debugw("intent", "status", "expired", "key", k.String(), "owner", in.Owner)
			n++
		}

		return true
	})

	return n
}
