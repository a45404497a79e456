package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/busybox42/capstone/pkg/protocol"
	"github.com/busybox42/capstone/pkg/server"
	"github.com/busybox42/capstone/pkg/types"
)

const commandTimeout = 30 * time.Second

var errExit = errors.New("exit")

// nodeCLI is the interactive prompt over a running node.
type nodeCLI struct {
	node *server.Node
	out  io.Writer
}

func newNodeCLI(node *server.Node, out io.Writer) *nodeCLI {
	return &nodeCLI{node: node, out: out}
}

// run reads commands until exit, EOF or ctx ends.
func (cli *nodeCLI) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		fmt.Fprint(cli.out, "capstone> ")
		select {
		case <-ctx.Done():
			fmt.Fprintln(cli.out)
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			if err := cli.execute(ctx, line); err != nil {
				if errors.Is(err, errExit) {
					return nil
				}
				fmt.Fprintf(cli.out, "Error: %v\n", err)
			}
		}
	}
}

func (cli *nodeCLI) execute(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	command, args := fields[0], fields[1:]

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch command {
	case "connect":
		if len(args) != 1 {
			return usage("connect <host:port>")
		}
		conn, err := cli.node.Connect(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		fmt.Fprintf(cli.out, "Connected to %s\n", conn.RemotePeer())

	case "list":
		conns := cli.node.Connections()
		if len(conns) == 0 {
			fmt.Fprintln(cli.out, "No connections")
			return nil
		}
		fmt.Fprintln(cli.out, "Connected peers:")
		for _, c := range conns {
			fmt.Fprintf(cli.out, "  %s (exports %d, imports %d)\n", c.RemotePeer().Hex(), c.Exports(), c.Imports())
		}

	case "names":
		var names []string
		var err error
		if len(args) == 0 {
			names, err = cli.node.Registry().List(ctx)
		} else {
			conn, cerr := cli.peer(args[0])
			if cerr != nil {
				return cerr
			}
			names, err = cli.node.RemoteRegistry(conn).List(ctx)
		}
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Fprintln(cli.out, n)
		}

	case "ls":
		if len(args) < 1 || len(args) > 2 {
			return usage("ls <peer> [path]")
		}
		conn, err := cli.peer(args[0])
		if err != nil {
			return err
		}
		target := ""
		if len(args) == 2 {
			target = args[1]
		}
		files, err := cli.node.ListFiles(ctx, conn, target)
		if err != nil {
			return err
		}
		for _, f := range files {
			if f.Dir {
				fmt.Fprintf(cli.out, "%s/\n", f.Name)
			} else {
				fmt.Fprintf(cli.out, "%s\t%d\n", f.Name, f.Size)
			}
		}

	case "get":
		if len(args) != 2 {
			return usage("get <peer> <path>")
		}
		conn, err := cli.peer(args[0])
		if err != nil {
			return err
		}
		id, data, err := cli.node.FetchFile(ctx, conn, args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(cli.out, "%s (%d bytes)\n", id, len(data))

	case "put":
		if len(args) != 1 {
			return usage("put <file>")
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cli.out, cli.node.Lumps().Add(data))

	case "cat":
		if len(args) != 1 {
			return usage("cat <lump>")
		}
		id, err := types.ParseLumpID(args[0])
		if err != nil {
			return err
		}
		data, ok := cli.node.Lumps().Get(id)
		if !ok {
			return fmt.Errorf("lump %s not stored locally", id)
		}
		cli.out.Write(data)
		if len(data) > 0 && data[len(data)-1] != '\n' {
			fmt.Fprintln(cli.out)
		}

	case "status":
		fmt.Fprintln(cli.out, cli.node.Status())

	case "mykey":
		fmt.Fprintf(cli.out, "Local peer: %s\n", cli.node.PeerID().Hex())

	case "help":
		fmt.Fprintln(cli.out, "Available commands:")
		fmt.Fprintln(cli.out, "  connect <host:port>     - Open a connection to another node")
		fmt.Fprintln(cli.out, "  list                    - List connected peers")
		fmt.Fprintln(cli.out, "  names [peer]            - List registry names, local or of a peer")
		fmt.Fprintln(cli.out, "  ls <peer> [path]        - List a directory on a peer's file provider")
		fmt.Fprintln(cli.out, "  get <peer> <path>       - Fetch a file from a peer into the lump store")
		fmt.Fprintln(cli.out, "  put <file>              - Add a local file to the lump store")
		fmt.Fprintln(cli.out, "  cat <lump>              - Print a stored lump")
		fmt.Fprintln(cli.out, "  status                  - Show node status")
		fmt.Fprintln(cli.out, "  mykey                   - Show the local peer id")
		fmt.Fprintln(cli.out, "  help                    - Show this help message")
		fmt.Fprintln(cli.out, "  exit                    - Exit the application")

	case "exit", "quit":
		return errExit

	default:
		return fmt.Errorf("unknown command %q, type 'help' for usage", command)
	}
	return nil
}

// peer resolves a peer id prefix, in hex, to an open connection.
func (cli *nodeCLI) peer(prefix string) (*protocol.Connection, error) {
	prefix = strings.ToLower(prefix)
	var match *protocol.Connection
	for _, c := range cli.node.Connections() {
		if strings.HasPrefix(c.RemotePeer().Hex(), prefix) {
			if match != nil {
				return nil, fmt.Errorf("peer prefix %q is ambiguous", prefix)
			}
			match = c
		}
	}
	if match == nil {
		return nil, fmt.Errorf("no connection to peer %q", prefix)
	}
	return match, nil
}

func usage(s string) error {
	return fmt.Errorf("usage: %s", s)
}
