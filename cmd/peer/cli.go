package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/pyropy/peervault/core/chunkstore"
	"github.com/pyropy/peervault/core/peer"
)

var identityFlags = []cli.Flag{
	&cli.StringFlag{Name: "name", Usage: "Peer name (overrides PEER_NAME)"},
	&cli.StringFlag{Name: "role", Usage: "OWNER, STORAGE or BOTH (overrides PEER_ROLE)"},
	&cli.StringFlag{Name: "host", Usage: "Advertised and bound host (overrides PEER_HOST)"},
	&cli.IntFlag{Name: "udp-port", Usage: "Control port, 0 picks a free one (overrides PEER_UDP_PORT)"},
	&cli.IntFlag{Name: "tcp-port", Usage: "Transfer port, 0 picks a free one (overrides PEER_TCP_PORT)"},
	&cli.Int64Flag{Name: "capacity-mb", Usage: "Advertised storage capacity (overrides PEER_CAPACITY_MB)"},
	&cli.StringFlag{Name: "server", Usage: "Rendezvous server host:port (overrides SERVER_ADDR)"},
	&cli.StringFlag{Name: "store", Usage: "Chunk store directory (overrides STORAGE_PATH)"},
}

// loadConfig reads the environment and applies the flags that were set.
func loadConfig(c *cli.Context) (*peer.Config, error) {
	cfg, err := peer.GetConfig()
	if err != nil {
		return nil, err
	}

	if c.IsSet("name") {
		cfg.Peer.Name = c.String("name")
	}
	if c.IsSet("role") {
		cfg.Peer.Role = c.String("role")
	}
	if c.IsSet("host") {
		cfg.Peer.Host = c.String("host")
	}
	if c.IsSet("udp-port") {
		cfg.Peer.UDPPort = c.Int("udp-port")
	}
	if c.IsSet("tcp-port") {
		cfg.Peer.TCPPort = c.Int("tcp-port")
	}
	if c.IsSet("capacity-mb") {
		cfg.Peer.CapacityMB = c.Int64("capacity-mb")
	}
	if c.IsSet("server") {
		cfg.Server.Addr = c.String("server")
	}
	if c.IsSet("store") {
		cfg.Storage.Path = c.String("store")
	}

	return cfg, nil
}

func openPeer(cfg *peer.Config, reg prometheus.Registerer) (*peer.Peer, *chunkstore.DatastoreStore, error) {
	store, err := chunkstore.Open(cfg.Storage.Path, cfg.Storage.CacheSize)
	if err != nil {
		return nil, nil, err
	}

	p, err := peer.New(cfg, store, peer.NewMetrics(reg))
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	return p, store, nil
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Register and serve until interrupted, with an interactive console",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "no-console", Usage: "Do not read commands from stdin"},
	},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			log.Errorw("startup", "error", "config error")
			return err
		}

		reg := prometheus.NewRegistry()
		p, store, err := openPeer(cfg, reg)
		if err != nil {
			return err
		}
		defer store.Close()
		defer p.Close()

		if cfg.Metrics.Addr != "" {
			stopMetrics := serveMetrics(cfg.Metrics.Addr, reg)
			defer stopMetrics()
		}

		ctx, cancel := context.WithCancel(c.Context)
		defer cancel()

		if c.Bool("no-console") {
			return p.Run(ctx)
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return p.Serve(ctx)
		})

		if err := p.Register(ctx); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}

		g.Go(func() error {
			p.Heartbeat().Start(ctx)
			return nil
		})
		g.Go(func() error {
			err := console(ctx, p, os.Stdin, os.Stdout)
			if errors.Is(err, errBye) {
				cancel()
				return nil
			}
			return err
		})

		return g.Wait()
	},
}

// oneShot registers, runs fn and leaves the network again.
func oneShot(c *cli.Context, fn func(ctx context.Context, p *peer.Peer) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	p, store, err := openPeer(cfg, nil)
	if err != nil {
		return err
	}
	defer store.Close()
	defer p.Close()

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.Serve(ctx)
	})

	err = p.Register(ctx)
	if err == nil {
		err = fn(ctx, p)
		if derr := p.Deregister(ctx); derr != nil {
			log.Warnw("shutdown", "status", "de-register failed", "error", derr)
		}
	}

	cancel()
	_ = g.Wait()

	return err
}

var backupCmd = &cli.Command{
	Name:      "backup",
	Usage:     "Back up one file and exit",
	ArgsUsage: "<path>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.Exit("usage: backup <path>", 2)
		}

		return oneShot(c, func(ctx context.Context, p *peer.Peer) error {
			report, err := p.Backup(ctx, c.Args().First())
			if err != nil {
				return err
			}

			fmt.Printf("backed up %s: %d chunks, %d bytes (id %s)\n", report.File, report.NumChunks, report.Size, report.ID)
			return nil
		})
	},
}

var restoreCmd = &cli.Command{
	Name:      "restore",
	Usage:     "Restore one file into RESTORE_DIR and exit",
	ArgsUsage: "<name>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.Exit("usage: restore <name>", 2)
		}

		return oneShot(c, func(ctx context.Context, p *peer.Peer) error {
			report, err := p.Restore(ctx, c.Args().First())
			if err != nil {
				return err
			}

			fmt.Printf("restored %s to %s: %d chunks, %d bytes\n", report.File, report.Path, report.Chunks, report.Size)
			return nil
		})
	},
}

var listCmd = &cli.Command{
	Name:  "list",
	Usage: "List registered peers",
	Action: func(c *cli.Context) error {
		return oneShot(c, func(ctx context.Context, p *peer.Peer) error {
			peers, err := p.List(ctx)
			if err != nil {
				return err
			}

			printPeers(os.Stdout, peers)
			return nil
		})
	},
}

func serveMetrics(addr string, reg *prometheus.Registry) func() {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Infow("startup", "status", "metrics endpoint started", "address", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("metrics", "error", err)
		}
	}()

	return func() { srv.Close() }
}
