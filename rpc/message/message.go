package message

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
)

// Type is the leading token of every control datagram.
type Type string

const (
	TypeRegister         Type = "REGISTER"
	TypeRegistered       Type = "REGISTERED"
	TypeRegisterDenied   Type = "REGISTER-DENIED"
	TypeDeregister       Type = "DE-REGISTER"
	TypeDeregistered     Type = "DE-REGISTERED"
	TypeDeregisterDenied Type = "DE-REGISTER-DENIED"
	TypeList             Type = "LIST"
	TypePeers            Type = "PEERS"
	TypeBackupReq        Type = "BACKUP_REQ"
	TypeBackupPlan       Type = "BACKUP_PLAN"
	TypeBackupDenied     Type = "BACKUP-DENIED"
	TypeStoreReq         Type = "STORE_REQ"
	TypeStoreAck         Type = "STORE_ACK"
	TypeHeartbeat        Type = "HEARTBEAT"
	TypeChunkOK          Type = "CHUNK_OK"
	TypeChunkError       Type = "CHUNK_ERROR"
	TypeBackupDone       Type = "BACKUP_DONE"
	TypeRestoreReq       Type = "RESTORE_REQ"
	TypeRestorePlan      Type = "RESTORE_PLAN"
	TypeRestoreFail      Type = "RESTORE_FAIL"
	TypeRestoreOK        Type = "RESTORE_OK"
	TypeReplicateReq     Type = "REPLICATE_REQ"
	TypeReplicateAck     Type = "REPLICATE_ACK"
	TypeChunkLost        Type = "CHUNK_LOST"
)

// Reason is the failure cause carried by denial and error messages.
type Reason string

const (
	ReasonMalformed         Reason = "Malformed"
	ReasonNotRegistered     Reason = "NotRegistered"
	ReasonAlreadyRegistered Reason = "AlreadyRegistered"
	ReasonNoStoragePeer     Reason = "NoStoragePeer"
	ReasonNoCapacity        Reason = "NoCapacity"
	ReasonChecksumMismatch  Reason = "ChecksumMismatch"
	ReasonNoStoreReq        Reason = "NoStoreReq"
	ReasonNoBackupFound     Reason = "NoBackupFound"
	ReasonStoreFailed       Reason = "StoreFailed"
	ReasonReadFailed        Reason = "ReadFailed"
	ReasonChunkMissing      Reason = "ChunkMissing"
)

// ReplicationRQ marks a chunk push issued on behalf of the failure detector.
// Sequence never hands it out.
const ReplicationRQ uint64 = 0

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
)

// Message is a parsed control datagram.
type Message interface {
	Type() Type
	String() string
}

// Sequence issues collision-free, monotonically increasing request ids.
type Sequence struct {
	n atomic.Uint64
}

func (s *Sequence) Next() uint64 {
	return s.n.Add(1)
}

type Register struct {
	RQ         uint64
	Name       string
	Role       string
	Host       string
	UDPPort    int
	TCPPort    int
	CapacityMB int64
}

func (m Register) Type() Type { return TypeRegister }
func (m Register) String() string {
	return fmt.Sprintf("REGISTER %02d %s %s %s %d %d %dMB", m.RQ, m.Name, m.Role, m.Host, m.UDPPort, m.TCPPort, m.CapacityMB)
}

type Registered struct {
	RQ uint64
}

func (m Registered) Type() Type     { return TypeRegistered }
func (m Registered) String() string { return fmt.Sprintf("REGISTERED %02d", m.RQ) }

type RegisterDenied struct {
	RQ     uint64
	Reason Reason
}

func (m RegisterDenied) Type() Type { return TypeRegisterDenied }
func (m RegisterDenied) String() string {
	return fmt.Sprintf("REGISTER-DENIED %02d %s", m.RQ, m.Reason)
}

type Deregister struct {
	RQ   uint64
	Name string
}

func (m Deregister) Type() Type     { return TypeDeregister }
func (m Deregister) String() string { return fmt.Sprintf("DE-REGISTER %02d %s", m.RQ, m.Name) }

type Deregistered struct {
	RQ uint64
}

func (m Deregistered) Type() Type     { return TypeDeregistered }
func (m Deregistered) String() string { return fmt.Sprintf("DE-REGISTERED %02d", m.RQ) }

type DeregisterDenied struct {
	RQ     uint64
	Reason Reason
}

func (m DeregisterDenied) Type() Type { return TypeDeregisterDenied }
func (m DeregisterDenied) String() string {
	return fmt.Sprintf("DE-REGISTER-DENIED %02d %s", m.RQ, m.Reason)
}

type List struct{}

func (m List) Type() Type     { return TypeList }
func (m List) String() string { return "LIST" }

// PeerInfo is one entry of a PEERS listing.
type PeerInfo struct {
	Name    string
	Host    string
	UDPPort int
	TCPPort int
}

type Peers struct {
	Peers []PeerInfo
}

func (m Peers) Type() Type { return TypePeers }
func (m Peers) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "PEERS %d", len(m.Peers))
	for _, p := range m.Peers {
		fmt.Fprintf(&b, " %s %s %d %d", p.Name, p.Host, p.UDPPort, p.TCPPort)
	}

	return b.String()
}

type BackupReq struct {
	RQ       uint64
	File     string
	Size     int64
	Checksum uint32
}

func (m BackupReq) Type() Type { return TypeBackupReq }
func (m BackupReq) String() string {
	return fmt.Sprintf("BACKUP_REQ %02d %s %d %d", m.RQ, m.File, m.Size, m.Checksum)
}

type BackupPlan struct {
	RQ        uint64
	File      string
	Peers     []Endpoint
	ChunkSize int
}

func (m BackupPlan) Type() Type { return TypeBackupPlan }
func (m BackupPlan) String() string {
	return fmt.Sprintf("BACKUP_PLAN %02d %s %s %d", m.RQ, m.File, FormatEndpoints(m.Peers, ";"), m.ChunkSize)
}

type BackupDenied struct {
	RQ     uint64
	Reason Reason
}

func (m BackupDenied) Type() Type { return TypeBackupDenied }
func (m BackupDenied) String() string {
	return fmt.Sprintf("BACKUP-DENIED %02d %s", m.RQ, m.Reason)
}

type StoreReq struct {
	RQ      uint64
	File    string
	ChunkID int
	Owner   string
}

func (m StoreReq) Type() Type { return TypeStoreReq }
func (m StoreReq) String() string {
	return fmt.Sprintf("STORE_REQ %02d %s %d %s", m.RQ, m.File, m.ChunkID, m.Owner)
}

// StoreAck confirms a stored chunk. Owner is optional on the wire.
type StoreAck struct {
	RQ      uint64
	File    string
	ChunkID int
	Owner   string
}

func (m StoreAck) Type() Type { return TypeStoreAck }
func (m StoreAck) String() string {
	if m.Owner == "" {
		return fmt.Sprintf("STORE_ACK %02d %s %d", m.RQ, m.File, m.ChunkID)
	}

	return fmt.Sprintf("STORE_ACK %02d %s %d %s", m.RQ, m.File, m.ChunkID, m.Owner)
}

type Heartbeat struct {
	RQ          uint64
	Name        string
	NumChunks   int
	TimestampMs int64
}

func (m Heartbeat) Type() Type { return TypeHeartbeat }
func (m Heartbeat) String() string {
	return fmt.Sprintf("HEARTBEAT %02d %s %d %d", m.RQ, m.Name, m.NumChunks, m.TimestampMs)
}

type ChunkOK struct {
	RQ      uint64
	File    string
	ChunkID int
}

func (m ChunkOK) Type() Type { return TypeChunkOK }
func (m ChunkOK) String() string {
	return fmt.Sprintf("CHUNK_OK %02d %s %d", m.RQ, m.File, m.ChunkID)
}

type ChunkError struct {
	RQ      uint64
	File    string
	ChunkID int
	Reason  Reason
}

func (m ChunkError) Type() Type { return TypeChunkError }
func (m ChunkError) String() string {
	return fmt.Sprintf("CHUNK_ERROR %02d %s %d %s", m.RQ, m.File, m.ChunkID, m.Reason)
}

type BackupDone struct {
	RQ   uint64
	File string
}

func (m BackupDone) Type() Type     { return TypeBackupDone }
func (m BackupDone) String() string { return fmt.Sprintf("BACKUP_DONE %02d %s", m.RQ, m.File) }

type RestoreReq struct {
	RQ   uint64
	File string
}

func (m RestoreReq) Type() Type     { return TypeRestoreReq }
func (m RestoreReq) String() string { return fmt.Sprintf("RESTORE_REQ %02d %s", m.RQ, m.File) }

// RestorePlan names the custodian of each chunk. NumChunks is optional on
// the wire; zero means the count is unknown.
type RestorePlan struct {
	RQ        uint64
	File      string
	Peers     []string
	NumChunks int
}

func (m RestorePlan) Type() Type { return TypeRestorePlan }
func (m RestorePlan) String() string {
	if m.NumChunks <= 0 {
		return fmt.Sprintf("RESTORE_PLAN %02d %s [%s]", m.RQ, m.File, strings.Join(m.Peers, ","))
	}

	return fmt.Sprintf("RESTORE_PLAN %02d %s [%s] %d", m.RQ, m.File, strings.Join(m.Peers, ","), m.NumChunks)
}

type RestoreFail struct {
	RQ     uint64
	File   string
	Reason Reason
}

func (m RestoreFail) Type() Type { return TypeRestoreFail }
func (m RestoreFail) String() string {
	return fmt.Sprintf("RESTORE_FAIL %02d %s %s", m.RQ, m.File, m.Reason)
}

type RestoreOK struct {
	RQ   uint64
	File string
}

func (m RestoreOK) Type() Type     { return TypeRestoreOK }
func (m RestoreOK) String() string { return fmt.Sprintf("RESTORE_OK %02d %s", m.RQ, m.File) }

type ReplicateReq struct {
	RQ            uint64
	File          string
	ChunkID       int
	TargetName    string
	TargetHost    string
	TargetTCPPort int
}

func (m ReplicateReq) Type() Type { return TypeReplicateReq }
func (m ReplicateReq) String() string {
	return fmt.Sprintf("REPLICATE_REQ %02d %s %d %s %s %d", m.RQ, m.File, m.ChunkID, m.TargetName, m.TargetHost, m.TargetTCPPort)
}

type ReplicateAck struct {
	RQ      uint64
	File    string
	ChunkID int
	Owner   string
}

func (m ReplicateAck) Type() Type { return TypeReplicateAck }
func (m ReplicateAck) String() string {
	return fmt.Sprintf("REPLICATE_ACK %02d %s %d %s", m.RQ, m.File, m.ChunkID, m.Owner)
}

// ChunkLost tells an owner that no custodian is left for one of its chunks.
type ChunkLost struct {
	RQ      uint64
	File    string
	ChunkID int
}

func (m ChunkLost) Type() Type { return TypeChunkLost }
func (m ChunkLost) String() string {
	return fmt.Sprintf("CHUNK_LOST %02d %s %d", m.RQ, m.File, m.ChunkID)
}

func parseRQ(s string) (uint64, error) {
	rq, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: request id %q", ErrMalformed, s)
	}

	return rq, nil
}

func parseInt(field, s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", ErrMalformed, field, s)
	}

	return v, nil
}

func parseInt64(field, s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", ErrMalformed, field, s)
	}

	return v, nil
}

func parseChecksum(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: checksum %q", ErrMalformed, s)
	}

	return uint32(v), nil
}

func parseChunkID(s string) (int, error) {
	id, err := parseInt("chunk id", s)
	if err != nil {
		return 0, err
	}
	if id < 0 {
		return 0, fmt.Errorf("%w: negative chunk id %d", ErrMalformed, id)
	}

	return id, nil
}

// parseReason accepts both "Reason" and the "REASON: Reason" form.
func parseReason(parts []string) Reason {
	if len(parts) > 0 && strings.EqualFold(parts[0], "REASON:") {
		parts = parts[1:]
	}

	return Reason(strings.Join(parts, " "))
}

// MaxCapacityMB is the largest capacity whose byte count fits in an int64.
const MaxCapacityMB = math.MaxInt64 >> 20

// parseCapacityMB reads capacities such as "1024MB" or "1024". Larger values
// than MaxCapacityMB are clamped.
func parseCapacityMB(s string) (int64, error) {
	s = strings.TrimSuffix(strings.ToUpper(s), "MB")
	v, err := strconv.ParseInt(s, 10, 64)
	if errors.Is(err, strconv.ErrRange) && !strings.HasPrefix(s, "-") {
		return MaxCapacityMB, nil
	}
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: capacity %q", ErrMalformed, s)
	}

	return min(v, MaxCapacityMB), nil
}

func need(parts []string, n int, t Type) error {
	if len(parts) < n {
		return fmt.Errorf("%w: %s needs %d fields, got %d", ErrMalformed, t, n, len(parts))
	}

	return nil
}
