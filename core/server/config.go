package server

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Server struct {
		Host    string `envconfig:"SERVER_HOST" default:"0.0.0.0"`
		UDPPort int    `envconfig:"SERVER_UDP_PORT" default:"1234"`
	}
	Control struct {
		Workers int     `envconfig:"CONTROL_WORKERS" default:"16"`
		Rate    float64 `envconfig:"CONTROL_RATE" default:"0"`
		Burst   int     `envconfig:"CONTROL_BURST" default:"64"`
	}
	Planner struct {
		ChunkSize int `envconfig:"CHUNK_SIZE" default:"4096"`
	}
	Liveness struct {
		SweepInterval    time.Duration `envconfig:"SWEEP_INTERVAL" default:"5s"`
		HeartbeatTimeout time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"30s"`
	}
	Replication struct {
		Rate     float64 `envconfig:"REPLICATION_RATE" default:"20"`
		Burst    int     `envconfig:"REPLICATION_BURST" default:"10"`
		Attempts int     `envconfig:"REPLICATION_ATTEMPTS" default:"2"`
	}
	Ledger struct {
		Path string `envconfig:"LEDGER_PATH"`
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
