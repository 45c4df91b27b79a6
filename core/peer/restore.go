package peer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/pyropy/peervault/lib/checksum"
	"github.com/pyropy/peervault/lib/utils"
	"github.com/pyropy/peervault/rpc/control"
	"github.com/pyropy/peervault/rpc/message"
	"github.com/pyropy/peervault/rpc/transfer"
)

type RestoreReport struct {
	ID       uuid.UUID
	File     string
	Path     string
	Chunks   int
	Size     int64
	Checksum uint32
}

// Restore pulls the chunks of name back from its custodians in order and
// writes them to the restore directory. Nothing is written unless every
// chunk the server counted was retrieved and verified.
func (p *Peer) Restore(ctx context.Context, name string) (*RestoreReport, error) {
	if p.role == RoleStorage {
		return nil, fmt.Errorf("restore: %w", ErrRoleForbidden)
	}
	if err := validateFileName(name); err != nil {
		return nil, err
	}

	report := &RestoreReport{ID: uuid.New(), File: name}

	rq := p.seq.Next()
	resp, err := p.request(ctx, message.RestoreReq{RQ: rq, File: name}, rq, control.InboxRestore)
	if err != nil {
		p.metrics.Restores.WithLabelValues("failed").Inc()
		if errors.Is(err, control.ErrResponseTimeout) {
			return report, fmt.Errorf("restore %s: %w", name, ErrPlanTimeout)
		}
		return report, fmt.Errorf("restore %s: %w", name, err)
	}

	var plan message.RestorePlan
	switch m := resp.(type) {
	case message.RestoreFail:
		p.metrics.Restores.WithLabelValues("denied").Inc()
		log.Warnw("restore", "status", "denied", "id", report.ID.String(), "file", name, "reason", m.Reason)
		return report, &DeniedError{Op: "restore", Reason: m.Reason}
	case message.RestorePlan:
		plan = m
	default:
		return report, fmt.Errorf("restore %s: unexpected response %s", name, resp.Type())
	}

	custodians := p.resolveCustodians(ctx, utils.Dedupe(plan.Peers))
	if len(custodians) == 0 {
		p.metrics.Restores.WithLabelValues("failed").Inc()
		p.reportRestore(ctx, message.RestoreFail{RQ: rq, File: name, Reason: message.ReasonNoStoragePeer})
		return report, fmt.Errorf("restore %s: %w", name, ErrNoCustodians)
	}
	log.Infow("restore", "status", "pulling", "id", report.ID.String(), "file", name, "custodians", len(custodians))

	dir := p.cfg.Restore.Dir
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+name+".restore-*")
	if err != nil {
		return report, fmt.Errorf("restore %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	// without a count from the server, the first missing chunk ends the file
	expected := plan.NumChunks
	sum := checksum.New()
	mismatch := false
	for chunkID := 0; expected <= 0 || chunkID < expected; chunkID++ {
		order := utils.Rotate(custodians, chunkID%len(custodians))
		data, err := p.pull(ctx, order, name, chunkID)
		if err != nil {
			if errors.Is(err, transfer.ErrChecksumMismatch) {
				log.Errorw("restore", "status", "checksum mismatch", "id", report.ID.String(), "file", name, "chunkId", chunkID, "error", err)
				mismatch = true
			} else {
				log.Debugw("restore", "status", "no more chunks", "file", name, "chunkId", chunkID, "error", err)
			}
			break
		}

		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			p.metrics.Restores.WithLabelValues("failed").Inc()
			return report, fmt.Errorf("restore %s: %w", name, err)
		}
		sum.Write(data)
		report.Chunks++
		report.Size += int64(len(data))
	}

	if err := tmp.Close(); err != nil {
		return report, fmt.Errorf("restore %s: %w", name, err)
	}

	if mismatch || report.Chunks == 0 || report.Chunks < expected {
		reason := message.ReasonChunkMissing
		if mismatch {
			reason = message.ReasonChecksumMismatch
		}
		p.metrics.Restores.WithLabelValues("failed").Inc()
		p.reportRestore(ctx, message.RestoreFail{RQ: rq, File: name, Reason: reason})
		return report, fmt.Errorf("restore %s: %w: %s after %d of %d chunks", name, ErrRestoreFailed, reason, report.Chunks, expected)
	}

	report.Path = filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), report.Path); err != nil {
		return report, fmt.Errorf("restore %s: %w", name, err)
	}
	report.Checksum = sum.Sum32()

	p.metrics.Restores.WithLabelValues("completed").Inc()
	p.reportRestore(ctx, message.RestoreOK{RQ: rq, File: name})
	log.Infow("restore", "status", "completed", "id", report.ID.String(), "file", name, "chunks", report.Chunks, "size", report.Size, "path", report.Path)

	return report, nil
}

// pull tries each custodian in order. A checksum mismatch stops the search.
func (p *Peer) pull(ctx context.Context, custodians []message.Endpoint, name string, chunkID int) ([]byte, error) {
	var lastErr error
	for _, c := range custodians {
		pullCtx, cancel := context.WithTimeout(ctx, transfer.IOTimeout)
		data, err := transfer.Pull(pullCtx, c.TCPAddr(), p.seq.Next(), name, chunkID)
		cancel()

		if err == nil {
			return data, nil
		}
		if errors.Is(err, transfer.ErrChecksumMismatch) {
			return nil, err
		}
		lastErr = err
	}

	return nil, lastErr
}

// resolveCustodians maps names to addresses, refreshing the directory once
// and skipping the names nobody knows.
func (p *Peer) resolveCustodians(ctx context.Context, names []string) []message.Endpoint {
	for _, name := range names {
		if _, ok := p.directory.Lookup(name); !ok {
			if _, err := p.List(ctx); err != nil {
				log.Warnw("restore", "status", "directory refresh failed", "error", err)
			}
			break
		}
	}

	out := make([]message.Endpoint, 0, len(names))
	for _, name := range names {
		ep, ok := p.directory.Lookup(name)
		if !ok {
			log.Warnw("restore", "status", "custodian unknown", "peer", name)
			continue
		}
		out = append(out, ep)
	}

	return out
}

func (p *Peer) reportRestore(ctx context.Context, msg message.Message) {
	if err := p.send(ctx, msg); err != nil {
		log.Warnw("rpc", "event", msg.Type(), "status", "send failed", "error", err)
	}
}
