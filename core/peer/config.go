package peer

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/pyropy/peervault/rpc/message"
)

type Config struct {
	Peer struct {
		Name       string `envconfig:"PEER_NAME"`
		Role       string `envconfig:"PEER_ROLE" default:"BOTH"`
		Host       string `envconfig:"PEER_HOST" default:"127.0.0.1"`
		UDPPort    int    `envconfig:"PEER_UDP_PORT"`
		TCPPort    int    `envconfig:"PEER_TCP_PORT"`
		CapacityMB int64  `envconfig:"PEER_CAPACITY_MB" default:"1024"`
	}
	Server struct {
		Addr string `envconfig:"SERVER_ADDR" default:"127.0.0.1:1234"`
	}
	Storage struct {
		Path      string `envconfig:"STORAGE_PATH" default:"peervault-data"`
		CacheSize int    `envconfig:"STORAGE_CACHE_SIZE" default:"256"`
	}
	Restore struct {
		Dir string `envconfig:"RESTORE_DIR" default:"."`
	}
	Heartbeat struct {
		Interval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"10s"`
	}
	Backup struct {
		Workers     int           `envconfig:"BACKUP_WORKERS"`
		Attempts    int           `envconfig:"BACKUP_ATTEMPTS" default:"3"`
		AckTimeout  time.Duration `envconfig:"BACKUP_ACK_TIMEOUT" default:"5s"`
		PlanTimeout time.Duration `envconfig:"BACKUP_PLAN_TIMEOUT" default:"10s"`
		ChunkSize   int           `envconfig:"BACKUP_CHUNK_SIZE" default:"4096"`
		StaticPeers string        `envconfig:"BACKUP_STATIC_PEERS"`
	}
	Receiver struct {
		AdmissionWait time.Duration `envconfig:"ADMISSION_WAIT" default:"5s"`
		AdmissionPoll time.Duration `envconfig:"ADMISSION_POLL" default:"100ms"`
		IntentTTL     time.Duration `envconfig:"INTENT_TTL" default:"10m"`
		DialTimeout   time.Duration `envconfig:"DIAL_TIMEOUT" default:"5s"`
	}
	Control struct {
		Workers         int           `envconfig:"CONTROL_WORKERS" default:"6"`
		ResponseTimeout time.Duration `envconfig:"RESPONSE_TIMEOUT" default:"5s"`
	}
	Metrics struct {
		Addr string `envconfig:"METRICS_ADDR"`
	}
}

func GetConfig() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

type staticPeer struct {
	Name    string `yaml:"name"`
	Host    string `yaml:"host"`
	TCPPort int    `yaml:"tcpPort"`
	UDPPort int    `yaml:"udpPort"`
}

type staticPeersFile struct {
	ChunkSize int          `yaml:"chunkSize"`
	Peers     []staticPeer `yaml:"peers"`
}

// StaticPlan is the fallback placement used when the server does not answer
// a backup request.
type StaticPlan struct {
	ChunkSize int
	Peers     []message.Endpoint
}

// LoadStaticPlan reads a YAML peer list such as:
//
//	chunkSize: 4096
//	peers:
//	  - name: B
//	    host: 10.0.0.2
//	    tcpPort: 6001
//	    udpPort: 5001
func LoadStaticPlan(path string, defaultChunkSize int) (*StaticPlan, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f staticPeersFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	plan := &StaticPlan{ChunkSize: f.ChunkSize}
	if plan.ChunkSize <= 0 {
		plan.ChunkSize = defaultChunkSize
	}

	for _, p := range f.Peers {
		ep := message.Endpoint{Name: p.Name, Host: p.Host, TCPPort: p.TCPPort, UDPPort: p.UDPPort}
		if ep.Name == "" || !ep.HasAddress() {
			return nil, fmt.Errorf("parse %s: peer %q needs name, host and tcpPort", path, p.Name)
		}
		plan.Peers = append(plan.Peers, ep)
	}
	if len(plan.Peers) == 0 {
		return nil, fmt.Errorf("parse %s: no peers", path)
	}

	return plan, nil
}
