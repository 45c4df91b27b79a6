package transfer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	VerbSendChunk = "SEND_CHUNK"
	VerbGetChunk  = "GET_CHUNK"
	VerbChunkData = "CHUNK_DATA"

	// MaxChunkSize bounds the payload a receiver is willing to buffer.
	MaxChunkSize = 64 << 20

	maxHeaderLen = 4096
)

var (
	ErrBadHeader        = errors.New("bad transfer header")
	ErrChunkTooLarge    = errors.New("chunk exceeds maximum size")
	ErrChunkNotFound    = errors.New("chunk not found")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrShortChunk       = errors.New("short chunk payload")
)

// PushHeader introduces a SEND_CHUNK payload. Owner and OwnerUDPPort are
// optional: a zero port means the receiver acks through the server.
type PushHeader struct {
	RQ           uint64
	File         string
	ChunkID      int
	Size         int
	Checksum     uint32
	Owner        string
	OwnerUDPPort int
}

func (h PushHeader) String() string {
	line := fmt.Sprintf("%s %02d %s %d %d %d", VerbSendChunk, h.RQ, h.File, h.ChunkID, h.Size, h.Checksum)
	if h.Owner != "" {
		line += fmt.Sprintf(" %s %d", h.Owner, h.OwnerUDPPort)
	}

	return line
}

// PullHeader is a GET_CHUNK request.
type PullHeader struct {
	RQ      uint64
	File    string
	ChunkID int
}

func (h PullHeader) String() string {
	return fmt.Sprintf("%s %02d %s %d", VerbGetChunk, h.RQ, h.File, h.ChunkID)
}

// DataHeader introduces a CHUNK_DATA response.
type DataHeader struct {
	RQ       uint64
	File     string
	ChunkID  int
	Size     int
	Checksum uint32
}

func (h DataHeader) String() string {
	return fmt.Sprintf("%s %02d %s %d %d %d", VerbChunkData, h.RQ, h.File, h.ChunkID, h.Size, h.Checksum)
}

// readHeader reads one newline-terminated header line without consuming
// any payload bytes beyond it.
func readHeader(r *bufio.Reader) ([]string, error) {
	var b strings.Builder
	for {
		frag, err := r.ReadSlice('\n')
		b.Write(frag)
		if b.Len() > maxHeaderLen {
			return nil, fmt.Errorf("%w: header longer than %d bytes", ErrBadHeader, maxHeaderLen)
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && b.Len() > 0 {
			break
		}

		return nil, err
	}

	parts := strings.Fields(b.String())
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty header", ErrBadHeader)
	}

	return parts, nil
}

func parsePushHeader(parts []string) (PushHeader, error) {
	if len(parts) < 6 || parts[0] != VerbSendChunk {
		return PushHeader{}, fmt.Errorf("%w: %q", ErrBadHeader, strings.Join(parts, " "))
	}

	rq, id, size, sum, err := parseCommon(parts)
	if err != nil {
		return PushHeader{}, err
	}

	h := PushHeader{RQ: rq, File: parts[2], ChunkID: id, Size: size, Checksum: sum}
	if len(parts) >= 8 {
		port, err := strconv.Atoi(parts[7])
		if err != nil || port < 0 {
			return PushHeader{}, fmt.Errorf("%w: owner port %q", ErrBadHeader, parts[7])
		}
		h.Owner = parts[6]
		h.OwnerUDPPort = port
	}

	return h, nil
}

func parsePullHeader(parts []string) (PullHeader, error) {
	if len(parts) < 4 || parts[0] != VerbGetChunk {
		return PullHeader{}, fmt.Errorf("%w: %q", ErrBadHeader, strings.Join(parts, " "))
	}

	rq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return PullHeader{}, fmt.Errorf("%w: request id %q", ErrBadHeader, parts[1])
	}
	id, err := strconv.Atoi(parts[3])
	if err != nil || id < 0 {
		return PullHeader{}, fmt.Errorf("%w: chunk id %q", ErrBadHeader, parts[3])
	}

	return PullHeader{RQ: rq, File: parts[2], ChunkID: id}, nil
}

func parseDataHeader(parts []string) (DataHeader, error) {
	if len(parts) < 6 || parts[0] != VerbChunkData {
		return DataHeader{}, fmt.Errorf("%w: %q", ErrBadHeader, strings.Join(parts, " "))
	}

	rq, id, size, sum, err := parseCommon(parts)
	if err != nil {
		return DataHeader{}, err
	}

	return DataHeader{RQ: rq, File: parts[2], ChunkID: id, Size: size, Checksum: sum}, nil
}

// parseCommon reads "VERB rq file chunkId size checksum".
func parseCommon(parts []string) (rq uint64, id, size int, sum uint32, err error) {
	rq, err = strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("%w: request id %q", ErrBadHeader, parts[1])
	}
	id, err = strconv.Atoi(parts[3])
	if err != nil || id < 0 {
		return 0, 0, 0, 0, fmt.Errorf("%w: chunk id %q", ErrBadHeader, parts[3])
	}
	size, err = strconv.Atoi(parts[4])
	if err != nil || size < 0 {
		return 0, 0, 0, 0, fmt.Errorf("%w: size %q", ErrBadHeader, parts[4])
	}
	if size > MaxChunkSize {
		return 0, 0, 0, 0, fmt.Errorf("%w: %d bytes", ErrChunkTooLarge, size)
	}
	v, err := strconv.ParseUint(parts[5], 10, 32)
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("%w: checksum %q", ErrBadHeader, parts[5])
	}

	return rq, id, size, uint32(v), nil
}
