package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pyropy/peervault/lib/checksum"
	"github.com/pyropy/peervault/rpc/control"
	"github.com/pyropy/peervault/rpc/message"
	"github.com/pyropy/peervault/rpc/transfer"
)

// BackupReport summarises one backup run.
type BackupReport struct {
	ID        uuid.UUID
	File      string
	Size      int64
	Checksum  uint32
	ChunkSize int
	NumChunks int
	// Static is set when the plan came from the fallback peer list.
	Static bool
	Failed []int
}

// Backup splits the file at path into chunks and pushes each to the
// custodian the plan assigns it. BACKUP_DONE is only sent when every chunk
// was acknowledged.
func (p *Peer) Backup(ctx context.Context, path string) (*BackupReport, error) {
	if p.role == RoleStorage {
		return nil, fmt.Errorf("backup: %w", ErrRoleForbidden)
	}

	name := filepath.Base(path)
	if err := validateFileName(name); err != nil {
		return nil, err
	}

	sum, size, err := checksum.File(path)
	if err != nil {
		return nil, fmt.Errorf("backup %s: %w", path, err)
	}

	report := &BackupReport{ID: uuid.New(), File: name, Size: size, Checksum: sum}
	log.Infow("backup", "status", "requesting plan", "id", report.ID.String(), "file", name, "size", size, "checksum", sum)

	plan, static, err := p.requestPlan(ctx, name, size, sum)
	if err != nil {
		p.metrics.Backups.WithLabelValues("denied").Inc()
		return report, err
	}
	report.Static = static
	report.ChunkSize = plan.ChunkSize
	report.NumChunks = message.NumChunks(size, plan.ChunkSize)

	targets, err := p.resolve(ctx, plan.Peers)
	if err != nil {
		p.metrics.Backups.WithLabelValues("failed").Inc()
		return report, err
	}
	if len(targets) == 0 {
		p.metrics.Backups.WithLabelValues("failed").Inc()
		return report, fmt.Errorf("backup %s: %w", name, ErrNoCustodians)
	}

	f, err := os.Open(path)
	if err != nil {
		return report, fmt.Errorf("backup %s: %w", path, err)
	}
	defer f.Close()

	var (
		mu     sync.Mutex
		failed []int
	)

	g := errgroup.Group{}
	g.SetLimit(p.workers())
	for i := 0; i < report.NumChunks; i++ {
		chunkID := i
		target := targets[chunkID%len(targets)]

		g.Go(func() error {
			err := p.sendChunk(ctx, f, name, chunkID, size, plan.ChunkSize, target)
			if err != nil {
				log.Warnw("backup", "status", "chunk failed", "id", report.ID.String(), "file", name, "chunkId", chunkID, "peer", target.Name, "error", err)
				mu.Lock()
				failed = append(failed, chunkID)
				mu.Unlock()
			}

			return nil
		})
	}
	_ = g.Wait()

	if len(failed) > 0 {
		sort.Ints(failed)
		report.Failed = failed
		p.metrics.Backups.WithLabelValues("failed").Inc()
		return report, fmt.Errorf("backup %s: %w: %d of %d chunks failed", name, ErrBackupIncomplete, len(failed), report.NumChunks)
	}

	if err := p.send(ctx, message.BackupDone{RQ: p.seq.Next(), File: name}); err != nil {
		p.metrics.Backups.WithLabelValues("failed").Inc()
		return report, fmt.Errorf("backup %s: %w", name, err)
	}

	p.metrics.Backups.WithLabelValues("completed").Inc()
	log.Infow("backup", "status", "completed", "id", report.ID.String(), "file", name, "chunks", report.NumChunks, "static", static)

	return report, nil
}

// requestPlan asks the server for a placement, falling back to the static
// peer list when the server stays silent.
func (p *Peer) requestPlan(ctx context.Context, name string, size int64, sum uint32) (message.BackupPlan, bool, error) {
	rq := p.seq.Next()
	req := message.BackupReq{RQ: rq, File: name, Size: size, Checksum: sum}

	var resp message.Message
	err := p.send(ctx, req)
	if err == nil {
		resp, err = p.control.Await(ctx, control.InboxBackup, p.cfg.Backup.PlanTimeout, matchRQ(rq))
	}
	if err != nil {
		if ctx.Err() != nil {
			return message.BackupPlan{}, false, ctx.Err()
		}
		if p.static != nil {
			log.Warnw("backup", "status", "using static plan", "file", name, "peers", len(p.static.Peers), "error", err)
			return message.BackupPlan{RQ: rq, File: name, Peers: p.static.Peers, ChunkSize: p.static.ChunkSize}, true, nil
		}
		if errors.Is(err, control.ErrResponseTimeout) {
			return message.BackupPlan{}, false, fmt.Errorf("backup %s: %w", name, ErrPlanTimeout)
		}
		return message.BackupPlan{}, false, fmt.Errorf("backup %s: %w", name, err)
	}

	switch m := resp.(type) {
	case message.BackupDenied:
		log.Warnw("backup", "status", "denied", "file", name, "reason", m.Reason)
		return message.BackupPlan{}, false, &DeniedError{Op: "backup", Reason: m.Reason}
	case message.BackupPlan:
		if m.ChunkSize <= 0 {
			return message.BackupPlan{}, false, fmt.Errorf("backup %s: %w: chunk size %d", name, message.ErrMalformed, m.ChunkSize)
		}
		return m, false, nil
	}

	return message.BackupPlan{}, false, fmt.Errorf("backup %s: unexpected response %s", name, resp.Type())
}

func (p *Peer) sendChunk(ctx context.Context, f io.ReaderAt, name string, chunkID int, size int64, chunkSize int, target message.Endpoint) error {
	data := make([]byte, message.ChunkLength(size, chunkSize, chunkID))
	n, err := f.ReadAt(data, int64(chunkID)*int64(chunkSize))
	if err != nil && !(errors.Is(err, io.EOF) && n == len(data)) {
		return fmt.Errorf("read chunk %d: %w", chunkID, err)
	}

	return p.sendWithRetry(ctx, name, chunkID, target, data)
}

// sendWithRetry pushes one chunk until it is acknowledged or the attempt cap
// is reached. The waiter is always registered before the push goes out.
func (p *Peer) sendWithRetry(ctx context.Context, name string, chunkID int, target message.Endpoint, data []byte) error {
	key := control.Key{File: name, ChunkID: chunkID}
	attempts := p.cfg.Backup.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr := transfer.PushHeader{
			RQ:           p.seq.Next(),
			File:         name,
			ChunkID:      chunkID,
			Owner:        p.name,
			OwnerUDPPort: p.udpPort,
		}

		w := p.control.Register(key)
		if err := p.push(ctx, target.TCPAddr(), hdr, data); err != nil {
			w.Cancel()
			lastErr = err
			p.metrics.ChunkAttempts.WithLabelValues("io_error").Inc()
			log.Debugw("backup", "status", "push failed", "key", key.String(), "attempt", attempt, "peer", target.Name, "error", err)
			continue
		}

		res, err := w.Wait(ctx, p.cfg.Backup.AckTimeout)
		if err != nil {
			lastErr = err
			p.metrics.ChunkAttempts.WithLabelValues("timeout").Inc()
			log.Debugw("backup", "status", "no ack", "key", key.String(), "attempt", attempt, "peer", target.Name, "error", err)
			continue
		}
		if res.OK {
			p.metrics.ChunkAttempts.WithLabelValues("ok").Inc()
			log.Debugw("backup", "status", "chunk acknowledged", "key", key.String(), "attempt", attempt, "peer", target.Name)
			return nil
		}

		lastErr = fmt.Errorf("%w: %s", ErrChunkRejected, res.Reason)
		p.metrics.ChunkAttempts.WithLabelValues("rejected").Inc()
		log.Debugw("backup", "status", "chunk rejected", "key", key.String(), "attempt", attempt, "peer", target.Name, "reason", res.Reason)
	}

	return fmt.Errorf("chunk %s after %d attempts: %w", key, attempts, lastErr)
}

func (p *Peer) push(ctx context.Context, addr string, hdr transfer.PushHeader, data []byte) error {
	timeout := p.cfg.Receiver.DialTimeout
	if timeout <= 0 {
		timeout = transfer.DefaultDialTimeout
	}

	// the receiver may hold the connection for its admission wait
	pushCtx, cancel := context.WithTimeout(ctx, timeout+p.cfg.Receiver.AdmissionWait+time.Second)
	defer cancel()

	return transfer.Push(pushCtx, addr, hdr, data)
}

func validateFileName(name string) error {
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	}
	if strings.ContainsAny(name, " \t\r\n[];,") {
		return fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	}

	return nil
}
