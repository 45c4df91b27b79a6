package control

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyropy/peervault/rpc/message"
)

func TestInboxFIFO(t *testing.T) {
	in := NewInboxes()
	in.Deposit(InboxBackup, message.BackupDenied{RQ: 1, Reason: message.ReasonNoStoragePeer})
	in.Deposit(InboxBackup, message.BackupPlan{RQ: 2, File: "f", ChunkSize: 4096})

	first, err := in.Await(context.Background(), InboxBackup, time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, message.TypeBackupDenied, first.Type())

	second, err := in.Await(context.Background(), InboxBackup, time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, message.TypeBackupPlan, second.Type())
}

func TestInboxAwaitDiscardsStale(t *testing.T) {
	in := NewInboxes()
	in.Deposit(InboxRestore, message.RestoreFail{RQ: 3, File: "old", Reason: message.ReasonNoBackupFound})
	in.Deposit(InboxRestore, message.RestorePlan{RQ: 4, File: "new", Peers: []string{"B"}})

	got, err := in.Await(context.Background(), InboxRestore, time.Second, func(m message.Message) bool {
		p, ok := m.(message.RestorePlan)
		return ok && p.RQ == 4
	})
	require.NoError(t, err)
	assert.Equal(t, "new", got.(message.RestorePlan).File)
	assert.Equal(t, 0, in.Len(InboxRestore))
}

func TestInboxAwaitTimesOut(t *testing.T) {
	in := NewInboxes()

	start := time.Now()
	_, err := in.Await(context.Background(), InboxPeers, 30*time.Millisecond, nil)
	require.ErrorIs(t, err, ErrResponseTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestInboxDropsOldestWhenFull(t *testing.T) {
	in := NewInboxes()
	for i := 0; i < inboxCapacity+1; i++ {
		in.Deposit(InboxRegister, message.Registered{RQ: uint64(i + 1)})
	}

	assert.Equal(t, inboxCapacity, in.Len(InboxRegister))
	got, err := in.Await(context.Background(), InboxRegister, time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.(message.Registered).RQ)
}
