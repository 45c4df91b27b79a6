package peer

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyropy/peervault/rpc/control"
	"github.com/pyropy/peervault/rpc/message"
	"github.com/pyropy/peervault/rpc/transfer"
)

// fakeCustodian answers every push with the same verdict.
type fakeCustodian struct {
	acks   *control.Channel
	reject message.Reason
	pushes atomic.Int32
}

func (c *fakeCustodian) HandlePush(ctx context.Context, hdr transfer.PushHeader, body io.Reader, remote net.Addr) {
	_, _ = io.ReadAll(body)
	c.pushes.Add(1)

	to := &net.UDPAddr{IP: remote.(*net.TCPAddr).IP, Port: hdr.OwnerUDPPort}
	var msg message.Message = message.ChunkOK{RQ: hdr.RQ, File: hdr.File, ChunkID: hdr.ChunkID}
	if c.reject != "" {
		msg = message.ChunkError{RQ: hdr.RQ, File: hdr.File, ChunkID: hdr.ChunkID, Reason: c.reject}
	}
	_ = c.acks.Send(ctx, msg, to)
}

func (c *fakeCustodian) HandlePull(ctx context.Context, hdr transfer.PullHeader) ([]byte, error) {
	return nil, transfer.ErrChunkNotFound
}

func startCustodian(t *testing.T, reject message.Reason) (*fakeCustodian, message.Endpoint) {
	t.Helper()

	acks, err := control.Listen("127.0.0.1:0")
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	c := &fakeCustodian{acks: acks, reject: reject}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = transfer.Serve(ctx, ln, c)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		acks.Close()
	})

	ep := message.Endpoint{Name: "B", Host: "127.0.0.1", TCPPort: ln.Addr().(*net.TCPAddr).Port, UDPPort: acks.LocalAddr().Port}
	return c, ep
}

// fakeServer replies to backup requests with a fixed verdict and counts
// BACKUP_DONE messages.
type fakeServer struct {
	ch    *control.Channel
	plan  []message.Endpoint
	deny  message.Reason
	dones atomic.Int32
}

func (s *fakeServer) HandleMessage(ctx context.Context, msg message.Message, from *net.UDPAddr) {
	switch m := msg.(type) {
	case message.BackupReq:
		if s.deny != "" {
			_ = s.ch.Send(ctx, message.BackupDenied{RQ: m.RQ, Reason: s.deny}, from)
			return
		}
		_ = s.ch.Send(ctx, message.BackupPlan{RQ: m.RQ, File: m.File, Peers: s.plan, ChunkSize: 4096}, from)
	case message.BackupDone:
		s.dones.Add(1)
	}
}

func startFakeServer(t *testing.T, plan []message.Endpoint, deny message.Reason) *fakeServer {
	t.Helper()

	ch, err := control.Listen("127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeServer{ch: ch, plan: plan, deny: deny}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ch.Serve(ctx, s)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return s
}

func TestBackupRetriesUpToAttemptCap(t *testing.T) {
	custodian, ep := startCustodian(t, message.ReasonChecksumMismatch)
	srv := startFakeServer(t, []message.Endpoint{ep}, "")

	p := startPeer(t, testConfig(t, "A", RoleBoth, srv.ch.LocalAddr().String()))
	path, _ := writeFile(t, t.TempDir(), "file.txt", 100)

	report, err := p.Backup(context.Background(), path)
	require.ErrorIs(t, err, ErrBackupIncomplete)
	assert.Equal(t, []int{0}, report.Failed)
	assert.Equal(t, int32(3), custodian.pushes.Load())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), srv.dones.Load())
	assert.Equal(t, 0, p.control.Correlator().Pending())
}

func TestBackupSendsDoneWhenEveryChunkIsAcked(t *testing.T) {
	custodian, ep := startCustodian(t, "")
	srv := startFakeServer(t, []message.Endpoint{ep}, "")

	p := startPeer(t, testConfig(t, "A", RoleBoth, srv.ch.LocalAddr().String()))
	path, _ := writeFile(t, t.TempDir(), "file.txt", 10000)

	report, err := p.Backup(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 3, report.NumChunks)
	assert.False(t, report.Static)
	assert.Equal(t, int32(3), custodian.pushes.Load())

	require.Eventually(t, func() bool { return srv.dones.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestBackupDenied(t *testing.T) {
	srv := startFakeServer(t, nil, message.ReasonNoStoragePeer)

	p := startPeer(t, testConfig(t, "A", RoleBoth, srv.ch.LocalAddr().String()))
	path, _ := writeFile(t, t.TempDir(), "file.txt", 10)

	_, err := p.Backup(context.Background(), path)
	require.ErrorIs(t, err, ErrBackupDenied)

	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, message.ReasonNoStoragePeer, denied.Reason)
}

func TestBackupFallsBackToStaticPlan(t *testing.T) {
	custodian, ep := startCustodian(t, "")

	// bound but never served, so the plan request times out
	silent, err := control.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { silent.Close() })

	dir := t.TempDir()
	staticPath := filepath.Join(dir, "peers.yaml")
	yaml := fmt.Sprintf("chunkSize: 1024\npeers:\n  - name: B\n    host: 127.0.0.1\n    tcpPort: %d\n    udpPort: %d\n", ep.TCPPort, ep.UDPPort)
	require.NoError(t, os.WriteFile(staticPath, []byte(yaml), 0o644))

	cfg := testConfig(t, "A", RoleBoth, silent.LocalAddr().String())
	cfg.Backup.PlanTimeout = 200 * time.Millisecond
	cfg.Backup.StaticPeers = staticPath
	p := startPeer(t, cfg)

	path, _ := writeFile(t, dir, "file.txt", 5000)
	report, err := p.Backup(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, report.Static)
	assert.Equal(t, 5, report.NumChunks)
	assert.Equal(t, int32(5), custodian.pushes.Load())
}

func TestBackupPlanTimeoutWithoutStaticPeers(t *testing.T) {
	silent, err := control.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { silent.Close() })

	cfg := testConfig(t, "A", RoleBoth, silent.LocalAddr().String())
	cfg.Backup.PlanTimeout = 100 * time.Millisecond
	p := startPeer(t, cfg)

	path, _ := writeFile(t, t.TempDir(), "file.txt", 10)
	_, err = p.Backup(context.Background(), path)
	require.ErrorIs(t, err, ErrPlanTimeout)
}

func TestStorageRoleCannotBackUpOrRestore(t *testing.T) {
	p := startPeer(t, testConfig(t, "S", RoleStorage, "127.0.0.1:1"))

	_, err := p.Backup(context.Background(), "/tmp/whatever")
	require.ErrorIs(t, err, ErrRoleForbidden)

	_, err = p.Restore(context.Background(), "whatever")
	require.ErrorIs(t, err, ErrRoleForbidden)
}

func TestLoadStaticPlanRejectsIncompletePeers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("peers:\n  - name: B\n"), 0o644))

	_, err := LoadStaticPlan(path, 4096)
	require.Error(t, err)
}
