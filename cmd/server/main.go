package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pyropy/peervault/core/server"
	"github.com/pyropy/peervault/lib/logger"
	"github.com/pyropy/peervault/rpc/control"
)

var log, _ = logger.New("rendezvous")

func main() {
	if err := run(); err != nil {
		log.Fatalln("startup", "ERROR", err)
	}
}

func run() error {
	cfg, err := server.GetConfig()
	if err != nil {
		log.Errorw("startup", "error", "config error")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledger := server.NewLedger()
	if cfg.Ledger.Path != "" {
		store, err := server.NewLedgerStore(cfg.Ledger.Path)
		if err != nil {
			log.Errorw("startup", "error", "ledger store open failed", "path", cfg.Ledger.Path)
			return err
		}
		defer store.Close()

		ledger, err = server.NewPersistentLedger(ctx, store)
		if err != nil {
			return err
		}
		log.Infow("startup", "status", "ledger loaded", "path", cfg.Ledger.Path, "entries", len(ledger.Keys()))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.UDPPort)
	ch, err := control.Listen(addr,
		control.WithWorkers(cfg.Control.Workers),
		control.WithRateLimit(cfg.Control.Rate, cfg.Control.Burst),
	)
	if err != nil {
		log.Errorw("startup", "error", "udp listen failed", "address", addr)
		return err
	}
	defer ch.Close()

	reg := prometheus.NewRegistry()
	srv := server.New(cfg, ledger, ch, server.NewMetrics(reg))

	if cfg.Metrics.Addr != "" {
		metricsSrv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Infow("startup", "status", "metrics endpoint started", "address", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("metrics", "error", err)
			}
		}()
		defer metricsSrv.Close()
	}

	listenAddr := ch.LocalAddr().String()
	log.Infow("startup", "status", "rendezvous server started", "address", listenAddr, "chunkSize", cfg.Planner.ChunkSize, "heartbeatTimeout", cfg.Liveness.HeartbeatTimeout)
	defer log.Infow("shutdown", "status", "rendezvous server stopped", "address", listenAddr)

	return srv.Serve(ctx, ch)
}
