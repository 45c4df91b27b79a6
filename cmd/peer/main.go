package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/pyropy/peervault/lib/logger"
)

var log, _ = logger.New("peer-cli")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.App{
		Name:  "peer",
		Usage: "Back up files to other peers and restore them",
		Flags: identityFlags,
		Commands: []*cli.Command{
			runCmd,
			backupCmd,
			restoreCmd,
			listCmd,
		},
		DefaultCommand: "run",
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatalln("ERROR", err)
	}
}
