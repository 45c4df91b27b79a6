package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pyropy/peervault/rpc/message"
)

// Inbox names a FIFO queue of session-scoped responses.
type Inbox string

const (
	InboxRegister   Inbox = "REGISTER"
	InboxDeregister Inbox = "DE-REGISTER"
	InboxPeers      Inbox = "PEERS"
	InboxBackup     Inbox = "BACKUP"
	InboxRestore    Inbox = "RESTORE"
)

const inboxCapacity = 64

// Inboxes holds one bounded FIFO per inbox kind.
type Inboxes struct {
	mu     sync.Mutex
	queues map[Inbox]chan message.Message
}

func NewInboxes() *Inboxes {
	return &Inboxes{
		queues: map[Inbox]chan message.Message{},
	}
}

func (i *Inboxes) queue(kind Inbox) chan message.Message {
	i.mu.Lock()
	defer i.mu.Unlock()

	q, ok := i.queues[kind]
	if !ok {
		q = make(chan message.Message, inboxCapacity)
		i.queues[kind] = q
	}

	return q
}

// Deposit enqueues msg. A full queue drops its oldest entry.
func (i *Inboxes) Deposit(kind Inbox, msg message.Message) {
	q := i.queue(kind)
	for {
		select {
		case q <- msg:
			return
		default:
		}

		select {
		case dropped := <-q:
			log.Warnw("inbox", "status", "queue full, dropping oldest", "inbox", kind, "dropped", dropped.String())
		default:
		}
	}
}

// Await returns the next message in kind accepted by match, discarding the
// ones it rejects. A nil match accepts everything.
func (i *Inboxes) Await(ctx context.Context, kind Inbox, timeout time.Duration, match func(message.Message) bool) (message.Message, error) {
	q := i.queue(kind)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case msg := <-q:
			if match == nil || match(msg) {
				return msg, nil
			}
			log.Debugw("inbox", "status", "discarding stale response", "inbox", kind, "message", msg.String())
		case <-timer.C:
			return nil, fmt.Errorf("%w: no %s response within %s", ErrResponseTimeout, kind, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len reports the number of queued messages in kind.
func (i *Inboxes) Len(kind Inbox) int {
	return len(i.queue(kind))
}
