package server

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyropy/peervault/rpc/message"
)

func register(t *testing.T, s *Server, name, role string, port int) {
	t.Helper()

	s.HandleMessage(context.Background(), message.Register{
		RQ: 1, Name: name, Role: role, Host: "127.0.0.1", UDPPort: port, TCPPort: port + 1000, CapacityMB: 100,
	}, udpAddr(port))

	_, ok := s.Registry.Get(name)
	require.True(t, ok, "%s not registered", name)
}

func TestRegisterReplies(t *testing.T) {
	s, sender := newTestServer()
	ctx := context.Background()

	register(t, s, "A", "BOTH", 5000)
	s.HandleMessage(ctx, message.Register{RQ: 2, Name: "A", Role: "BOTH", Host: "127.0.0.1", UDPPort: 5005, TCPPort: 6005}, udpAddr(5005))
	s.HandleMessage(ctx, message.Register{RQ: 3, Name: "X", Role: "KING", Host: "127.0.0.1", UDPPort: 5006, TCPPort: 6006}, udpAddr(5006))

	require.Len(t, sender.ofType(message.TypeRegistered), 1)
	denied := sender.ofType(message.TypeRegisterDenied)
	require.Len(t, denied, 2)
	assert.Equal(t, message.RegisterDenied{RQ: 2, Reason: message.ReasonAlreadyRegistered}, denied[0].msg)
	assert.Equal(t, message.RegisterDenied{RQ: 3, Reason: message.ReasonMalformed}, denied[1].msg)

	rec, _ := s.Registry.Get("A")
	assert.Equal(t, uint16(5000), rec.Source.Port())
	assert.Equal(t, int64(100<<20), rec.CapacityBytes)
	assert.Equal(t, float64(1), testutil.ToFloat64(s.Metrics.RegisteredPeers))
}

func TestBackupScenarioSingleStoragePeer(t *testing.T) {
	s, sender := newTestServer()
	ctx := context.Background()

	register(t, s, "A", "BOTH", 5000)
	register(t, s, "B", "STORAGE", 5001)

	s.HandleMessage(ctx, message.BackupReq{RQ: 7, File: "file.txt", Size: 10000, Checksum: 1234}, udpAddr(5000))

	intents := sender.ofType(message.TypeStoreReq)
	require.Len(t, intents, 3)
	for i, in := range intents {
		req := in.msg.(message.StoreReq)
		assert.Equal(t, i, req.ChunkID)
		assert.Equal(t, "A", req.Owner)
		assert.Equal(t, 5001, in.to.Port)
	}

	plans := sender.ofType(message.TypeBackupPlan)
	require.Len(t, plans, 1)
	assert.Equal(t, message.BackupPlan{RQ: 7, File: "file.txt", ChunkSize: 4096, Peers: []message.Endpoint{{Name: "B"}}}, plans[0].msg)
	assert.Equal(t, 5000, plans[0].to.Port)

	for i := 0; i < 3; i++ {
		s.HandleMessage(ctx, message.StoreAck{RQ: uint64(20 + i), File: "file.txt", ChunkID: i, Owner: "A"}, udpAddr(5001))
	}
	s.HandleMessage(ctx, message.BackupDone{RQ: 8, File: "file.txt"}, udpAddr(5000))

	entry, ok := s.Ledger.Get(LedgerKey{Owner: "A", File: "file.txt"})
	require.True(t, ok)
	assert.Len(t, entry.Placements, 3)
	assert.True(t, entry.Completed)
	assert.Equal(t, float64(3), testutil.ToFloat64(s.Metrics.StoreConfirms))

	s.HandleMessage(ctx, message.RestoreReq{RQ: 9, File: "file.txt"}, udpAddr(5000))
	restore := sender.ofType(message.TypeRestorePlan)
	require.Len(t, restore, 1)
	assert.Equal(t, message.RestorePlan{RQ: 9, File: "file.txt", Peers: []string{"B", "B", "B"}, NumChunks: 3}, restore[0].msg)
}

func TestRestorePlanCountsChunksOfLatestBackup(t *testing.T) {
	s, sender := newTestServer()
	ctx := context.Background()
	register(t, s, "A", "BOTH", 5000)
	register(t, s, "B", "STORAGE", 5001)

	s.HandleMessage(ctx, message.BackupReq{RQ: 1, File: "file.txt", Size: 10000}, udpAddr(5000))
	for i := 0; i < 3; i++ {
		s.HandleMessage(ctx, message.StoreAck{RQ: 2, File: "file.txt", ChunkID: i, Owner: "A"}, udpAddr(5001))
	}

	s.HandleMessage(ctx, message.BackupReq{RQ: 3, File: "file.txt", Size: 5000}, udpAddr(5000))
	s.HandleMessage(ctx, message.StoreAck{RQ: 4, File: "file.txt", ChunkID: 0, Owner: "A"}, udpAddr(5001))

	s.HandleMessage(ctx, message.RestoreReq{RQ: 5, File: "file.txt"}, udpAddr(5000))
	restore := sender.ofType(message.TypeRestorePlan)
	require.Len(t, restore, 1)
	assert.Equal(t, message.RestorePlan{RQ: 5, File: "file.txt", Peers: []string{"B"}, NumChunks: 2}, restore[0].msg)
}

func TestRegisterDeniesOversizedCapacity(t *testing.T) {
	s, sender := newTestServer()

	s.HandleMessage(context.Background(), message.Register{
		RQ: 1, Name: "A", Role: "BOTH", Host: "127.0.0.1", UDPPort: 5000, TCPPort: 6000, CapacityMB: message.MaxCapacityMB + 1,
	}, udpAddr(5000))

	denied := sender.ofType(message.TypeRegisterDenied)
	require.Len(t, denied, 1)
	assert.Equal(t, message.RegisterDenied{RQ: 1, Reason: message.ReasonMalformed}, denied[0].msg)
	assert.False(t, s.Registry.Has("A"))
}

func TestBackupDeniedForUnknownSender(t *testing.T) {
	s, sender := newTestServer()

	s.HandleMessage(context.Background(), message.BackupReq{RQ: 3, File: "f", Size: 10}, udpAddr(5999))

	denied := sender.ofType(message.TypeBackupDenied)
	require.Len(t, denied, 1)
	assert.Equal(t, message.BackupDenied{RQ: 3, Reason: message.ReasonNotRegistered}, denied[0].msg)
	assert.Empty(t, sender.ofType(message.TypeStoreReq))
}

func TestRestoreWithoutBackup(t *testing.T) {
	s, sender := newTestServer()
	register(t, s, "A", "BOTH", 5000)

	s.HandleMessage(context.Background(), message.RestoreReq{RQ: 4, File: "file.txt"}, udpAddr(5000))

	fails := sender.ofType(message.TypeRestoreFail)
	require.Len(t, fails, 1)
	assert.Equal(t, message.RestoreFail{RQ: 4, File: "file.txt", Reason: message.ReasonNoBackupFound}, fails[0].msg)
}

func TestStoreAckWithoutOwnerFallsBackToFile(t *testing.T) {
	s, _ := newTestServer()
	register(t, s, "A", "BOTH", 5000)
	register(t, s, "B", "STORAGE", 5001)

	s.HandleMessage(context.Background(), message.BackupReq{RQ: 1, File: "file.txt", Size: 100}, udpAddr(5000))
	s.HandleMessage(context.Background(), message.StoreAck{RQ: 2, File: "file.txt", ChunkID: 0}, udpAddr(5001))

	assert.Equal(t, []Placement{{Peer: "B", ChunkID: 0}}, s.Ledger.Placements(LedgerKey{Owner: "A", File: "file.txt"}))
}

func TestChunkResultForwardedToOwner(t *testing.T) {
	s, sender := newTestServer()
	register(t, s, "A", "BOTH", 5000)
	register(t, s, "B", "STORAGE", 5001)
	s.HandleMessage(context.Background(), message.BackupReq{RQ: 1, File: "file.txt", Size: 100}, udpAddr(5000))

	s.HandleMessage(context.Background(), message.ChunkOK{RQ: 5, File: "file.txt", ChunkID: 0}, udpAddr(5001))

	forwarded := sender.ofType(message.TypeChunkOK)
	require.Len(t, forwarded, 1)
	assert.Equal(t, 5000, forwarded[0].to.Port)
}

func TestListAndDeregister(t *testing.T) {
	s, sender := newTestServer()
	ctx := context.Background()
	register(t, s, "A", "BOTH", 5000)
	register(t, s, "B", "STORAGE", 5001)

	s.HandleMessage(ctx, message.List{}, udpAddr(5000))
	peers := sender.ofType(message.TypePeers)
	require.Len(t, peers, 1)
	assert.Equal(t, []message.PeerInfo{
		{Name: "A", Host: "127.0.0.1", UDPPort: 5000, TCPPort: 6000},
		{Name: "B", Host: "127.0.0.1", UDPPort: 5001, TCPPort: 6001},
	}, peers[0].msg.(message.Peers).Peers)

	s.HandleMessage(ctx, message.Deregister{RQ: 4, Name: "B"}, udpAddr(5001))
	s.HandleMessage(ctx, message.Deregister{RQ: 5, Name: "B"}, udpAddr(5001))

	assert.Len(t, sender.ofType(message.TypeDeregistered), 1)
	assert.Len(t, sender.ofType(message.TypeDeregisterDenied), 1)
	assert.Equal(t, 1, s.Registry.Len())
}

func TestHeartbeatRefreshesLiveness(t *testing.T) {
	s, _ := newTestServer()
	register(t, s, "B", "STORAGE", 5001)

	later := time.Now().Add(time.Hour)
	s.now = func() time.Time { return later }
	s.HandleMessage(context.Background(), message.Heartbeat{RQ: 2, Name: "B", NumChunks: 5, TimestampMs: later.UnixMilli()}, udpAddr(5001))
	s.HandleMessage(context.Background(), message.Heartbeat{RQ: 3, Name: "ghost", NumChunks: 1}, udpAddr(5009))

	rec, _ := s.Registry.Get("B")
	assert.Equal(t, later, rec.LastHeartbeat)
	assert.Equal(t, 5, rec.ReportedChunks)
	assert.Equal(t, float64(1), testutil.ToFloat64(s.Metrics.Heartbeats))
}
