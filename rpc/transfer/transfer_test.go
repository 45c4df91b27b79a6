package transfer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyropy/peervault/lib/checksum"
)

type pushed struct {
	hdr  PushHeader
	data []byte
}

type memHandler struct {
	mu     sync.Mutex
	chunks map[string][]byte
	pushes chan pushed
}

func newMemHandler() *memHandler {
	return &memHandler{chunks: map[string][]byte{}, pushes: make(chan pushed, 8)}
}

func (m *memHandler) HandlePush(ctx context.Context, hdr PushHeader, body io.Reader, remote net.Addr) {
	data := make([]byte, hdr.Size)
	if _, err := io.ReadFull(body, data); err != nil {
		return
	}

	m.mu.Lock()
	m.chunks[fmt.Sprintf("%s/%d", hdr.File, hdr.ChunkID)] = data
	m.mu.Unlock()

	m.pushes <- pushed{hdr: hdr, data: data}
}

func (m *memHandler) HandlePull(ctx context.Context, hdr PullHeader) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.chunks[fmt.Sprintf("%s/%d", hdr.File, hdr.ChunkID)]
	if !ok {
		return nil, ErrChunkNotFound
	}

	return data, nil
}

func serve(t *testing.T, h Handler) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Serve(ctx, ln, h)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return ln.Addr().String()
}

func TestPushThenPull(t *testing.T) {
	h := newMemHandler()
	addr := serve(t, h)
	ctx := context.Background()

	data := []byte(strings.Repeat("peervault ", 500))
	err := Push(ctx, addr, PushHeader{RQ: 4, File: "file.txt", ChunkID: 1, Owner: "A", OwnerUDPPort: 5000}, data)
	require.NoError(t, err)

	select {
	case p := <-h.pushes:
		assert.Equal(t, "A", p.hdr.Owner)
		assert.Equal(t, 5000, p.hdr.OwnerUDPPort)
		assert.Equal(t, len(data), p.hdr.Size)
		assert.Equal(t, checksum.CalculateCheckSum(data), p.hdr.Checksum)
		assert.Equal(t, data, p.data)
	case <-time.After(2 * time.Second):
		t.Fatal("push not received")
	}

	got, err := Pull(ctx, addr, 5, "file.txt", 1)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPullMissingChunk(t *testing.T) {
	addr := serve(t, newMemHandler())

	_, err := Pull(context.Background(), addr, 1, "nothing.txt", 0)
	require.ErrorIs(t, err, ErrChunkNotFound)
}

func TestPullDetectsCorruption(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = bufio.NewReader(conn).ReadString('\n')
		_, _ = io.WriteString(conn, "CHUNK_DATA 01 f 0 3 12345\nabc")
	}()

	_, err = Pull(context.Background(), ln.Addr().String(), 1, "f", 0)
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestPushHeaderWithoutOwner(t *testing.T) {
	hdr, err := parsePushHeader(strings.Fields("SEND_CHUNK 00 file.txt 3 10 99"))
	require.NoError(t, err)
	assert.Equal(t, PushHeader{RQ: 0, File: "file.txt", ChunkID: 3, Size: 10, Checksum: 99}, hdr)

	_, err = parsePushHeader(strings.Fields("SEND_CHUNK 01 file.txt 3 999999999999 99"))
	require.ErrorIs(t, err, ErrChunkTooLarge)
}
