package peer

import (
	"errors"
	"fmt"

	"github.com/pyropy/peervault/rpc/message"
)

var (
	ErrRegisterDenied   = errors.New("registration denied")
	ErrDeregisterDenied = errors.New("de-registration denied")
	ErrBackupDenied     = errors.New("backup denied")
	ErrRestoreDenied    = errors.New("restore denied")

	ErrPlanTimeout      = errors.New("plan timeout")
	ErrBackupIncomplete = errors.New("backup incomplete")
	ErrChunkRejected    = errors.New("chunk rejected by custodian")
	ErrRestoreFailed    = errors.New("restore failed")
	ErrNoCustodians     = errors.New("no reachable custodian")
	ErrUnknownPeer      = errors.New("unknown peer")
	ErrRoleForbidden    = errors.New("operation not allowed for this role")
	ErrInvalidFileName  = errors.New("invalid file name")
)

// DeniedError carries the reason the server gave for refusing an operation.
type DeniedError struct {
	Op     string
	Reason message.Reason
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s denied: %s", e.Op, e.Reason)
}

func (e *DeniedError) Unwrap() error {
	switch e.Op {
	case "register":
		return ErrRegisterDenied
	case "de-register":
		return ErrDeregisterDenied
	case "backup":
		return ErrBackupDenied
	case "restore":
		return ErrRestoreDenied
	}

	return nil
}
