package transfer

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pyropy/peervault/lib/checksum"
	"github.com/pyropy/peervault/lib/logger"
)

var log, _ = logger.New("transfer")

// IOTimeout bounds a single inbound transfer connection.
var IOTimeout = 30 * time.Second

// Handler serves the two data-plane operations.
type Handler interface {
	// HandlePush owns body until it returns; it may read up to hdr.Size bytes.
	HandlePush(ctx context.Context, hdr PushHeader, body io.Reader, remote net.Addr)
	// HandlePull returns the chunk bytes or ErrChunkNotFound.
	HandlePull(ctx context.Context, hdr PullHeader) ([]byte, error)
}

// Serve accepts one chunk operation per connection until ctx is done.
func Serve(ctx context.Context, ln net.Listener, h Handler) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warnw("accept", "error", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			serveConn(ctx, conn, h)
		}()
	}
}

func serveConn(ctx context.Context, conn net.Conn, h Handler) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("transfer", "status", "handler panic", "remote", conn.RemoteAddr().String(), "panic", r)
		}
	}()

	_ = conn.SetDeadline(time.Now().Add(IOTimeout))

	r := bufio.NewReader(conn)
	parts, err := readHeader(r)
	if err != nil {
		log.Warnw("transfer", "status", "unreadable header", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}

	switch parts[0] {
	case VerbSendChunk:
		hdr, err := parsePushHeader(parts)
		if err != nil {
			log.Warnw("transfer", "status", "rejecting push", "remote", conn.RemoteAddr().String(), "error", err)
			return
		}
		h.HandlePush(ctx, hdr, io.LimitReader(r, int64(hdr.Size)), conn.RemoteAddr())

	case VerbGetChunk:
		hdr, err := parsePullHeader(parts)
		if err != nil {
			log.Warnw("transfer", "status", "rejecting pull", "remote", conn.RemoteAddr().String(), "error", err)
			return
		}
		servePull(ctx, conn, hdr, h)

	default:
		log.Warnw("transfer", "status", "unknown verb", "verb", parts[0], "remote", conn.RemoteAddr().String())
	}
}

func servePull(ctx context.Context, conn net.Conn, req PullHeader, h Handler) {
	data, err := h.HandlePull(ctx, req)
	if err != nil {
		// no data frame: the requester reads EOF as "not found"
		if !errors.Is(err, ErrChunkNotFound) {
			log.Warnw("transfer", "event", VerbGetChunk, "file", req.File, "chunkId", req.ChunkID, "error", err)
		}
		return
	}

	hdr := DataHeader{
		RQ:       req.RQ,
		File:     req.File,
		ChunkID:  req.ChunkID,
		Size:     len(data),
		Checksum: checksum.CalculateCheckSum(data),
	}

	w := bufio.NewWriter(conn)
	if _, err := w.WriteString(hdr.String() + "\n"); err != nil {
		log.Warnw("transfer", "event", VerbChunkData, "file", req.File, "chunkId", req.ChunkID, "error", err)
		return
	}
	if _, err := w.Write(data); err != nil {
		log.Warnw("transfer", "event", VerbChunkData, "file", req.File, "chunkId", req.ChunkID, "error", err)
		return
	}
	if err := w.Flush(); err != nil {
		log.Warnw("transfer", "event", VerbChunkData, "file", req.File, "chunkId", req.ChunkID, "error", err)
	}
}
