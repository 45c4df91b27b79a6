package control

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyropy/peervault/rpc/message"
)

func startChannel(t *testing.T, h Handler, opts ...Option) *Channel {
	t.Helper()

	ch, err := Listen("127.0.0.1:0", opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ch.Serve(ctx, h)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return ch
}

func sendRaw(t *testing.T, to *net.UDPAddr, line string) {
	t.Helper()

	conn, err := net.DialUDP("udp", nil, to)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(line))
	require.NoError(t, err)
}

func TestChannelSurvivesMalformedAndPanics(t *testing.T) {
	got := make(chan message.Message, 4)
	h := HandlerFunc(func(ctx context.Context, msg message.Message, from *net.UDPAddr) {
		if hb, ok := msg.(message.Heartbeat); ok && hb.Name == "boom" {
			panic("handler failure")
		}
		got <- msg
	})

	ch := startChannel(t, h)

	sendRaw(t, ch.LocalAddr(), "GARBAGE 1 2 3")
	sendRaw(t, ch.LocalAddr(), "HEARTBEAT xx")
	sendRaw(t, ch.LocalAddr(), "HEARTBEAT 01 boom 0 1")
	sendRaw(t, ch.LocalAddr(), "HEARTBEAT 02 B 3 1700000000000")

	select {
	case msg := <-got:
		assert.Equal(t, message.Heartbeat{RQ: 2, Name: "B", NumChunks: 3, TimestampMs: 1700000000000}, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop stopped delivering")
	}
}

func TestChannelPeerRouting(t *testing.T) {
	unrouted := make(chan message.Message, 4)
	owner := startChannel(t, HandlerFunc(func(ctx context.Context, msg message.Message, from *net.UDPAddr) {
		unrouted <- msg
	}), WithPeerRouting())

	sender, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer sender.Close()

	key := Key{File: "file.txt", ChunkID: 1}
	w := owner.Register(key)

	ctx := context.Background()
	require.NoError(t, sender.Send(ctx, message.ChunkOK{RQ: 5, File: "file.txt", ChunkID: 1}, owner.LocalAddr()))
	res, err := w.Wait(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, uint64(5), res.RQ)

	require.NoError(t, sender.Send(ctx, message.BackupPlan{RQ: 6, File: "file.txt", ChunkSize: 4096, Peers: []message.Endpoint{{Name: "B"}}}, owner.LocalAddr()))
	plan, err := owner.Await(ctx, InboxBackup, 2*time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), plan.(message.BackupPlan).RQ)

	require.NoError(t, sender.Send(ctx, message.StoreReq{RQ: 7, File: "file.txt", ChunkID: 0, Owner: "A"}, owner.LocalAddr()))
	select {
	case msg := <-unrouted:
		assert.Equal(t, message.TypeStoreReq, msg.Type())
	case <-time.After(2 * time.Second):
		t.Fatal("STORE_REQ did not reach the handler")
	}
}

func TestChannelWithoutRoutingDeliversEverything(t *testing.T) {
	got := make(chan message.Message, 1)
	ch := startChannel(t, HandlerFunc(func(ctx context.Context, msg message.Message, from *net.UDPAddr) {
		got <- msg
	}))

	sendRaw(t, ch.LocalAddr(), "CHUNK_OK 03 file.txt 0")

	select {
	case msg := <-got:
		assert.Equal(t, message.TypeChunkOK, msg.Type())
	case <-time.After(2 * time.Second):
		t.Fatal("CHUNK_OK not delivered to handler")
	}
	assert.Equal(t, 0, ch.Correlator().Pending())
}
