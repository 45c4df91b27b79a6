package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pyropy/peervault/rpc/message"
)

// Key correlates a chunk acknowledgement with the push that caused it.
type Key struct {
	File    string
	ChunkID int
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d", k.File, k.ChunkID)
}

// Result is the outcome delivered to a waiter.
type Result struct {
	OK     bool
	RQ     uint64
	Reason message.Reason
}

// Correlator tracks one-shot waiters for in-flight chunk operations.
type Correlator struct {
	mu      sync.Mutex
	waiters map[Key]*Waiter
}

func NewCorrelator() *Correlator {
	return &Correlator{
		waiters: map[Key]*Waiter{},
	}
}

// Register installs a waiter for key. It must be called before the network
// operation whose acknowledgement it waits for. A waiter already registered
// under the same key is replaced and will time out.
func (c *Correlator) Register(key Key) *Waiter {
	w := &Waiter{
		key:    key,
		result: make(chan Result, 1),
		owner:  c,
	}

	c.mu.Lock()
	c.waiters[key] = w
	c.mu.Unlock()

	return w
}

// Complete hands res to the waiter registered under key and removes it.
// It reports false for late or unmatched acknowledgements.
func (c *Correlator) Complete(key Key, res Result) bool {
	c.mu.Lock()
	w, ok := c.waiters[key]
	if ok {
		delete(c.waiters, key)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}

	w.result <- res
	return true
}

// Pending returns the number of registered waiters.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.waiters)
}

// remove deletes w if it is still the waiter registered under its key.
func (c *Correlator) remove(w *Waiter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if current, ok := c.waiters[w.key]; ok && current == w {
		delete(c.waiters, w.key)
		return true
	}

	return false
}

// Waiter is a pending result slot: PENDING until completed, timed out or cancelled.
type Waiter struct {
	key    Key
	result chan Result
	owner  *Correlator
}

func (w *Waiter) Key() Key {
	return w.key
}

// Wait blocks until the waiter completes, timeout elapses or ctx is done.
// The waiter is removed from its correlator in every case.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) (Result, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-w.result:
		return res, nil
	case <-timer.C:
		w.owner.remove(w)
		return w.drain(fmt.Errorf("%w: %s after %s", ErrAckTimeout, w.key, timeout))
	case <-ctx.Done():
		w.owner.remove(w)
		return w.drain(ctx.Err())
	}
}

// Cancel removes a waiter whose operation never went out.
func (w *Waiter) Cancel() {
	w.owner.remove(w)
}

// drain prefers a result that raced with the timeout.
func (w *Waiter) drain(err error) (Result, error) {
	select {
	case res := <-w.result:
		return res, nil
	default:
		return Result{}, err
	}
}
