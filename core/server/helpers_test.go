package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pyropy/peervault/rpc/message"
)

type sentMessage struct {
	msg message.Message
	to  *net.UDPAddr
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeSender) Send(ctx context.Context, msg message.Message, to *net.UDPAddr) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, sentMessage{msg: msg, to: to})
	return f.err
}

func (f *fakeSender) ofType(t message.Type) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]sentMessage, 0)
	for _, s := range f.sent {
		if s.msg.Type() == t {
			out = append(out, s)
		}
	}

	return out
}

func udpAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func testConfig() *Config {
	cfg := &Config{}
	cfg.Planner.ChunkSize = 4096
	cfg.Liveness.SweepInterval = time.Second
	cfg.Liveness.HeartbeatTimeout = 30 * time.Second
	cfg.Replication.Attempts = 1

	return cfg
}

func newTestServer() (*Server, *fakeSender) {
	sender := &fakeSender{}
	return New(testConfig(), NewLedger(), sender, NewMetrics(nil)), sender
}

func peerRecord(name string, role Role, port int) PeerRecord {
	return PeerRecord{
		Name:          name,
		Role:          role,
		Host:          "127.0.0.1",
		UDPPort:       port,
		TCPPort:       port + 1000,
		CapacityBytes: 100 << 20,
		Source:        SourceOf(udpAddr(port)),
		LastHeartbeat: time.Now(),
	}
}
