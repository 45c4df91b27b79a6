package peer

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/require"

	"github.com/pyropy/peervault/core/chunkstore"
	"github.com/pyropy/peervault/rpc/message"
)

type sentMessage struct {
	msg message.Message
	to  *net.UDPAddr
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeSender) Send(ctx context.Context, msg message.Message, to *net.UDPAddr) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, sentMessage{msg: msg, to: to})
	return nil
}

func (f *fakeSender) ofType(t message.Type) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]sentMessage, 0)
	for _, s := range f.sent {
		if s.msg.Type() == t {
			out = append(out, s)
		}
	}

	return out
}

func memoryStore(t *testing.T) *chunkstore.DatastoreStore {
	t.Helper()

	store, err := chunkstore.New(dssync.MutexWrap(ds.NewMapDatastore()), 16)
	require.NoError(t, err)

	return store
}

func testConfig(t *testing.T, name, role, serverAddr string) *Config {
	t.Helper()

	cfg := &Config{}
	cfg.Peer.Name = name
	cfg.Peer.Role = role
	cfg.Peer.Host = "127.0.0.1"
	cfg.Peer.CapacityMB = 100
	cfg.Server.Addr = serverAddr
	cfg.Restore.Dir = t.TempDir()
	cfg.Heartbeat.Interval = time.Second
	cfg.Backup.Workers = 2
	cfg.Backup.Attempts = 3
	cfg.Backup.AckTimeout = time.Second
	cfg.Backup.PlanTimeout = time.Second
	cfg.Backup.ChunkSize = 4096
	cfg.Receiver.AdmissionWait = 500 * time.Millisecond
	cfg.Receiver.AdmissionPoll = 10 * time.Millisecond
	cfg.Receiver.IntentTTL = time.Minute
	cfg.Receiver.DialTimeout = time.Second
	cfg.Control.Workers = 4
	cfg.Control.ResponseTimeout = time.Second

	return cfg
}

// startPeer builds a peer on free ports and serves it for the rest of the test.
func startPeer(t *testing.T, cfg *Config) *Peer {
	t.Helper()

	p, err := New(cfg, memoryStore(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Serve(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		p.Close()
		<-done
	})

	return p
}

func writeFile(t *testing.T, dir, name string, size int) (string, []byte) {
	t.Helper()

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	return path, data
}
