package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pyropy/peervault/core/peer"
	"github.com/pyropy/peervault/rpc/message"
)

var errBye = errors.New("bye")

// operator is what the console drives.
type operator interface {
	Backup(ctx context.Context, path string) (*peer.BackupReport, error)
	Restore(ctx context.Context, name string) (*peer.RestoreReport, error)
	List(ctx context.Context) ([]message.PeerInfo, error)
	Deregister(ctx context.Context) error
}

const consoleHelp = `commands:
  backup <path>    back up a local file
  restore <name>   restore a backed up file
  list             list registered peers
  de, deregister   leave the network
  bye              exit`

// console reads commands from in until "bye", EOF or ctx is done. It returns
// errBye when the operator asked to exit.
func console(ctx context.Context, op operator, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, "type 'help' for commands, 'bye' to exit")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := execute(ctx, op, line, out); err != nil {
				return err
			}
		}
	}
}

func execute(ctx context.Context, op operator, line string, out io.Writer) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	cmd, args := strings.ToLower(fields[0]), fields[1:]
	switch cmd {
	case "bye", "exit", "quit":
		return errBye

	case "help":
		fmt.Fprintln(out, consoleHelp)

	case "backup":
		if len(args) != 1 {
			fmt.Fprintln(out, "usage: backup <path>")
			return nil
		}
		report, err := op.Backup(ctx, args[0])
		if err != nil {
			fmt.Fprintf(out, "backup failed: %v\n", err)
			return nil
		}
		fmt.Fprintf(out, "backed up %s: %d chunks, %d bytes (id %s)\n", report.File, report.NumChunks, report.Size, report.ID)

	case "restore":
		if len(args) != 1 {
			fmt.Fprintln(out, "usage: restore <name>")
			return nil
		}
		report, err := op.Restore(ctx, args[0])
		if err != nil {
			fmt.Fprintf(out, "restore failed: %v\n", err)
			return nil
		}
		fmt.Fprintf(out, "restored %s to %s: %d chunks, %d bytes\n", report.File, report.Path, report.Chunks, report.Size)

	case "list":
		peers, err := op.List(ctx)
		if err != nil {
			fmt.Fprintf(out, "list failed: %v\n", err)
			return nil
		}
		printPeers(out, peers)

	case "de", "deregister":
		if err := op.Deregister(ctx); err != nil {
			fmt.Fprintf(out, "de-register failed: %v\n", err)
			return nil
		}
		fmt.Fprintln(out, "de-registered")

	default:
		fmt.Fprintf(out, "unknown command %q\n", cmd)
	}

	return nil
}

func printPeers(out io.Writer, peers []message.PeerInfo) {
	fmt.Fprintf(out, "%d peers\n", len(peers))
	for _, p := range peers {
		fmt.Fprintf(out, "  %-16s %s udp=%d tcp=%d\n", p.Name, p.Host, p.UDPPort, p.TCPPort)
	}
}
