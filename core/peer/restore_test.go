package peer

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyropy/peervault/rpc/control"
	"github.com/pyropy/peervault/rpc/message"
)

// fakeRestoreServer answers every RESTORE_REQ with the same plan and keeps
// the RESTORE_OK and RESTORE_FAIL reports it receives.
type fakeRestoreServer struct {
	ch      *control.Channel
	plan    message.RestorePlan
	reports chan message.Message
}

func (s *fakeRestoreServer) HandleMessage(ctx context.Context, msg message.Message, from *net.UDPAddr) {
	switch m := msg.(type) {
	case message.RestoreReq:
		plan := s.plan
		plan.RQ = m.RQ
		plan.File = m.File
		_ = s.ch.Send(ctx, plan, from)
	case message.RestoreOK, message.RestoreFail:
		s.reports <- m
	}
}

func startRestoreServer(t *testing.T, plan message.RestorePlan) *fakeRestoreServer {
	t.Helper()

	ch, err := control.Listen("127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeRestoreServer{ch: ch, plan: plan, reports: make(chan message.Message, 4)}
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

func (s *fakeRestoreServer) report(t *testing.T) message.Message {
	t.Helper()

	select {
	case m := <-s.reports:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no restore report reached the server")
		return nil
	}
}

// startCorruptCustodian serves every GET_CHUNK with data that does not match
// the checksum it declares.
func startCorruptCustodian(t *testing.T) message.Endpoint {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_, _ = bufio.NewReader(conn).ReadString('\n')
			_, _ = io.WriteString(conn, "CHUNK_DATA 01 file.txt 0 3 12345\nabc")
			conn.Close()
		}
	}()

	return message.Endpoint{Name: "B", Host: "127.0.0.1", TCPPort: ln.Addr().(*net.TCPAddr).Port, UDPPort: 1}
}

func custodianEndpoint(p *Peer) message.Endpoint {
	return message.Endpoint{Name: p.Name(), Host: "127.0.0.1", TCPPort: p.TCPPort(), UDPPort: p.UDPPort()}
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRestoreAbortsOnChecksumMismatch(t *testing.T) {
	srv := startRestoreServer(t, message.RestorePlan{Peers: []string{"B"}, NumChunks: 1})
	a := startPeer(t, testConfig(t, "A", RoleBoth, srv.ch.LocalAddr().String()))
	a.Directory().Add(startCorruptCustodian(t))

	report, err := a.Restore(context.Background(), "file.txt")
	require.ErrorIs(t, err, ErrRestoreFailed)
	assert.Equal(t, 0, report.Chunks)
	assert.Empty(t, report.Path)

	assert.Equal(t, message.RestoreFail{RQ: 1, File: "file.txt", Reason: message.ReasonChecksumMismatch}, srv.report(t))
	assertEmptyDir(t, a.cfg.Restore.Dir)
}

func TestRestoreFailsWhenCountedChunkIsMissing(t *testing.T) {
	srv := startRestoreServer(t, message.RestorePlan{Peers: []string{"B", "B"}, NumChunks: 2})
	b := startPeer(t, testConfig(t, "B", RoleStorage, srv.ch.LocalAddr().String()))
	require.NoError(t, b.store.Put(context.Background(), "A", "file.txt", 0, []byte("first")))

	a := startPeer(t, testConfig(t, "A", RoleBoth, srv.ch.LocalAddr().String()))
	a.Directory().Add(custodianEndpoint(b))

	report, err := a.Restore(context.Background(), "file.txt")
	require.ErrorIs(t, err, ErrRestoreFailed)
	assert.Equal(t, 1, report.Chunks)

	assert.Equal(t, message.RestoreFail{RQ: 1, File: "file.txt", Reason: message.ReasonChunkMissing}, srv.report(t))
	assertEmptyDir(t, a.cfg.Restore.Dir)
}

func TestRestoreWithoutCountStopsAtFirstMissingChunk(t *testing.T) {
	srv := startRestoreServer(t, message.RestorePlan{Peers: []string{"B"}})
	b := startPeer(t, testConfig(t, "B", RoleStorage, srv.ch.LocalAddr().String()))
	require.NoError(t, b.store.Put(context.Background(), "A", "file.txt", 0, []byte("first")))
	require.NoError(t, b.store.Put(context.Background(), "A", "file.txt", 2, []byte("beyond the gap")))

	a := startPeer(t, testConfig(t, "A", RoleBoth, srv.ch.LocalAddr().String()))
	a.Directory().Add(custodianEndpoint(b))

	report, err := a.Restore(context.Background(), "file.txt")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Chunks)

	got, err := os.ReadFile(report.Path)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)
	assert.Equal(t, message.RestoreOK{RQ: 1, File: "file.txt"}, srv.report(t))
}
