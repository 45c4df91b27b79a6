package message

import (
	"fmt"
	"strings"
)

// Parse decodes one control datagram. Errors wrap ErrMalformed or ErrUnknownType.
func Parse(line string) (Message, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty datagram", ErrMalformed)
	}

	t := Type(strings.ToUpper(parts[0]))
	switch t {
	case TypeRegister:
		return parseRegister(parts)
	case TypeRegistered:
		if err := need(parts, 2, t); err != nil {
			return nil, err
		}
		rq, err := parseRQ(parts[1])
		return Registered{RQ: rq}, err
	case TypeRegisterDenied:
		rq, reason, err := parseDenial(parts, t)
		return RegisterDenied{RQ: rq, Reason: reason}, err
	case TypeDeregister:
		if err := need(parts, 3, t); err != nil {
			return nil, err
		}
		rq, err := parseRQ(parts[1])
		return Deregister{RQ: rq, Name: parts[2]}, err
	case TypeDeregistered:
		if err := need(parts, 2, t); err != nil {
			return nil, err
		}
		rq, err := parseRQ(parts[1])
		return Deregistered{RQ: rq}, err
	case TypeDeregisterDenied:
		rq, reason, err := parseDenial(parts, t)
		return DeregisterDenied{RQ: rq, Reason: reason}, err
	case TypeList:
		return List{}, nil
	case TypePeers:
		return parsePeers(parts)
	case TypeBackupReq:
		return parseBackupReq(parts)
	case TypeBackupPlan:
		return parseBackupPlan(parts)
	case TypeBackupDenied:
		rq, reason, err := parseDenial(parts, t)
		return BackupDenied{RQ: rq, Reason: reason}, err
	case TypeStoreReq:
		return parseStoreReq(parts)
	case TypeStoreAck:
		return parseStoreAck(parts)
	case TypeHeartbeat:
		return parseHeartbeat(parts)
	case TypeChunkOK:
		if err := need(parts, 4, t); err != nil {
			return nil, err
		}
		rq, file, id, err := parseChunkRef(parts)
		return ChunkOK{RQ: rq, File: file, ChunkID: id}, err
	case TypeChunkError:
		if err := need(parts, 4, t); err != nil {
			return nil, err
		}
		rq, file, id, err := parseChunkRef(parts)
		return ChunkError{RQ: rq, File: file, ChunkID: id, Reason: parseReason(parts[4:])}, err
	case TypeBackupDone:
		rq, file, err := parseFileRef(parts, t)
		return BackupDone{RQ: rq, File: file}, err
	case TypeRestoreReq:
		rq, file, err := parseFileRef(parts, t)
		return RestoreReq{RQ: rq, File: file}, err
	case TypeRestorePlan:
		return parseRestorePlan(parts)
	case TypeRestoreFail:
		rq, file, err := parseFileRef(parts, t)
		return RestoreFail{RQ: rq, File: file, Reason: parseReason(parts[3:])}, err
	case TypeRestoreOK:
		rq, file, err := parseFileRef(parts, t)
		return RestoreOK{RQ: rq, File: file}, err
	case TypeReplicateReq:
		return parseReplicateReq(parts)
	case TypeReplicateAck:
		if err := need(parts, 5, t); err != nil {
			return nil, err
		}
		rq, file, id, err := parseChunkRef(parts)
		return ReplicateAck{RQ: rq, File: file, ChunkID: id, Owner: parts[4]}, err
	case TypeChunkLost:
		if err := need(parts, 4, t); err != nil {
			return nil, err
		}
		rq, file, id, err := parseChunkRef(parts)
		return ChunkLost{RQ: rq, File: file, ChunkID: id}, err
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, parts[0])
}

func parseRegister(parts []string) (Message, error) {
	if err := need(parts, 8, TypeRegister); err != nil {
		return nil, err
	}

	rq, err := parseRQ(parts[1])
	if err != nil {
		return nil, err
	}
	udp, err := parseInt("udp port", parts[5])
	if err != nil {
		return nil, err
	}
	tcp, err := parseInt("tcp port", parts[6])
	if err != nil {
		return nil, err
	}
	capacity, err := parseCapacityMB(parts[7])
	if err != nil {
		return nil, err
	}

	return Register{
		RQ:         rq,
		Name:       parts[2],
		Role:       strings.ToUpper(parts[3]),
		Host:       parts[4],
		UDPPort:    udp,
		TCPPort:    tcp,
		CapacityMB: capacity,
	}, nil
}

func parseDenial(parts []string, t Type) (uint64, Reason, error) {
	if err := need(parts, 2, t); err != nil {
		return 0, "", err
	}

	rq, err := parseRQ(parts[1])
	return rq, parseReason(parts[2:]), err
}

func parsePeers(parts []string) (Message, error) {
	if err := need(parts, 2, TypePeers); err != nil {
		return nil, err
	}

	count, err := parseInt("peer count", parts[1])
	if err != nil {
		return nil, err
	}
	if count < 0 || len(parts) < 2+count*4 {
		return nil, fmt.Errorf("%w: PEERS announces %d peers in %d fields", ErrMalformed, count, len(parts)-2)
	}

	peers := make([]PeerInfo, 0, count)
	for i := 0; i < count; i++ {
		off := 2 + i*4
		udp, err := parseInt("udp port", parts[off+2])
		if err != nil {
			return nil, err
		}
		tcp, err := parseInt("tcp port", parts[off+3])
		if err != nil {
			return nil, err
		}

		peers = append(peers, PeerInfo{Name: parts[off], Host: parts[off+1], UDPPort: udp, TCPPort: tcp})
	}

	return Peers{Peers: peers}, nil
}

func parseBackupReq(parts []string) (Message, error) {
	if err := need(parts, 5, TypeBackupReq); err != nil {
		return nil, err
	}

	rq, err := parseRQ(parts[1])
	if err != nil {
		return nil, err
	}
	size, err := parseInt64("file size", parts[3])
	if err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, fmt.Errorf("%w: negative file size %d", ErrMalformed, size)
	}
	sum, err := parseChecksum(parts[4])
	if err != nil {
		return nil, err
	}

	return BackupReq{RQ: rq, File: parts[2], Size: size, Checksum: sum}, nil
}

func parseBackupPlan(parts []string) (Message, error) {
	if err := need(parts, 5, TypeBackupPlan); err != nil {
		return nil, err
	}

	rq, err := parseRQ(parts[1])
	if err != nil {
		return nil, err
	}
	// the peer list may contain spaces after separators
	list := strings.Join(parts[3:len(parts)-1], "")
	peers, err := ParseEndpoints(list)
	if err != nil {
		return nil, err
	}
	chunkSize, err := parseInt("chunk size", parts[len(parts)-1])
	if err != nil {
		return nil, err
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size %d", ErrMalformed, chunkSize)
	}

	return BackupPlan{RQ: rq, File: parts[2], Peers: peers, ChunkSize: chunkSize}, nil
}

func parseStoreReq(parts []string) (Message, error) {
	if err := need(parts, 5, TypeStoreReq); err != nil {
		return nil, err
	}

	rq, file, id, err := parseChunkRef(parts)
	if err != nil {
		return nil, err
	}

	return StoreReq{RQ: rq, File: file, ChunkID: id, Owner: parts[4]}, nil
}

func parseStoreAck(parts []string) (Message, error) {
	if err := need(parts, 4, TypeStoreAck); err != nil {
		return nil, err
	}

	rq, file, id, err := parseChunkRef(parts)
	if err != nil {
		return nil, err
	}

	ack := StoreAck{RQ: rq, File: file, ChunkID: id}
	if len(parts) > 4 {
		ack.Owner = parts[4]
	}

	return ack, nil
}

func parseHeartbeat(parts []string) (Message, error) {
	if err := need(parts, 5, TypeHeartbeat); err != nil {
		return nil, err
	}

	rq, err := parseRQ(parts[1])
	if err != nil {
		return nil, err
	}
	chunks, err := parseInt("chunk count", parts[3])
	if err != nil {
		return nil, err
	}
	ts, err := parseInt64("timestamp", parts[4])
	if err != nil {
		return nil, err
	}

	return Heartbeat{RQ: rq, Name: parts[2], NumChunks: chunks, TimestampMs: ts}, nil
}

func parseRestorePlan(parts []string) (Message, error) {
	if err := need(parts, 4, TypeRestorePlan); err != nil {
		return nil, err
	}

	rq, err := parseRQ(parts[1])
	if err != nil {
		return nil, err
	}

	numChunks := 0
	if last := len(parts) - 1; last > 3 && !strings.HasSuffix(parts[last], "]") {
		numChunks, err = parseInt("chunk count", parts[last])
		if err != nil {
			return nil, err
		}
		if numChunks < 0 {
			return nil, fmt.Errorf("%w: chunk count %d", ErrMalformed, numChunks)
		}
		parts = parts[:last]
	}

	endpoints, err := ParseEndpoints(strings.Join(parts[3:], ""))
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(endpoints))
	for _, e := range endpoints {
		names = append(names, e.Name)
	}

	return RestorePlan{RQ: rq, File: parts[2], Peers: names, NumChunks: numChunks}, nil
}

func parseReplicateReq(parts []string) (Message, error) {
	if err := need(parts, 7, TypeReplicateReq); err != nil {
		return nil, err
	}

	rq, file, id, err := parseChunkRef(parts)
	if err != nil {
		return nil, err
	}
	port, err := parseInt("target tcp port", parts[6])
	if err != nil {
		return nil, err
	}

	return ReplicateReq{
		RQ:            rq,
		File:          file,
		ChunkID:       id,
		TargetName:    parts[4],
		TargetHost:    parts[5],
		TargetTCPPort: port,
	}, nil
}

// parseChunkRef reads the common "TYPE rq file chunkId" prefix.
func parseChunkRef(parts []string) (uint64, string, int, error) {
	rq, err := parseRQ(parts[1])
	if err != nil {
		return 0, "", 0, err
	}
	id, err := parseChunkID(parts[3])
	if err != nil {
		return 0, "", 0, err
	}

	return rq, parts[2], id, nil
}

func parseFileRef(parts []string, t Type) (uint64, string, error) {
	if err := need(parts, 3, t); err != nil {
		return 0, "", err
	}

	rq, err := parseRQ(parts[1])
	return rq, parts[2], err
}
