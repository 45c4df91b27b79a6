package transfer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pyropy/peervault/lib/checksum"
)

// DefaultDialTimeout applies when the context carries no deadline.
const DefaultDialTimeout = 5 * time.Second

func dial(ctx context.Context, addr string) (*net.TCPConn, error) {
	d := net.Dialer{Timeout: DefaultDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	return conn.(*net.TCPConn), nil
}

// Push opens one connection, writes the header and exactly len(data) bytes,
// then closes the write side. hdr.Size and hdr.Checksum are filled in from data.
func Push(ctx context.Context, addr string, hdr PushHeader, data []byte) error {
	if len(data) > MaxChunkSize {
		return fmt.Errorf("push %s:%d: %w", hdr.File, hdr.ChunkID, ErrChunkTooLarge)
	}
	hdr.Size = len(data)
	hdr.Checksum = checksum.CalculateCheckSum(data)

	conn, err := dial(ctx, addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)
	if _, err := w.WriteString(hdr.String() + "\n"); err != nil {
		return fmt.Errorf("push header %s:%d: %w", hdr.File, hdr.ChunkID, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("push body %s:%d: %w", hdr.File, hdr.ChunkID, err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("push flush %s:%d: %w", hdr.File, hdr.ChunkID, err)
	}

	return conn.CloseWrite()
}

// Pull requests one chunk. A responder that closes without a valid
// CHUNK_DATA header yields ErrChunkNotFound.
func Pull(ctx context.Context, addr string, rq uint64, file string, chunkID int) ([]byte, error) {
	conn, err := dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req := PullHeader{RQ: rq, File: file, ChunkID: chunkID}
	if _, err := io.WriteString(conn, req.String()+"\n"); err != nil {
		return nil, fmt.Errorf("pull request %s:%d: %w", file, chunkID, err)
	}
	_ = conn.CloseWrite()

	r := bufio.NewReader(conn)
	parts, err := readHeader(r)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, ErrBadHeader) {
			return nil, fmt.Errorf("%s:%d: %w", file, chunkID, ErrChunkNotFound)
		}
		return nil, fmt.Errorf("pull header %s:%d: %w", file, chunkID, err)
	}

	hdr, err := parseDataHeader(parts)
	if err != nil {
		return nil, fmt.Errorf("%s:%d: %w (%v)", file, chunkID, ErrChunkNotFound, err)
	}

	data := make([]byte, hdr.Size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("pull body %s:%d: %w: %v", file, chunkID, ErrShortChunk, err)
	}

	if got := checksum.CalculateCheckSum(data); got != hdr.Checksum {
		return nil, fmt.Errorf("%s:%d: %w: declared %d, computed %d", file, chunkID, ErrChecksumMismatch, hdr.Checksum, got)
	}

	return data, nil
}
