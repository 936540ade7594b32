package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"time"

	"github.com/disiqueira/gotree"
	"github.com/fatih/color"

	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/internal/transport"
	"github.com/zde37/chordring/pkg"
	"github.com/zde37/chordring/pkg/hash"
)

const usage = `chordctl talks to a running chordring node over gRPC.

Usage:
  chordctl [flags] <command> [args]

Commands:
  info                 show the node, its pointers and successor list
  ring                 walk successor pointers around the ring
  lookup <hex id>      resolve the successor of an identifier
  key <key>            hash a key into the ring and resolve its successor
  create               ask the node to start a new ring
  join <host:port>     ask the node to join the ring through another node
  health               run the gRPC health check

Flags:
`

// ctl carries the shared state of one chordctl invocation.
type ctl struct {
	client *transport.GRPCClient
	addr   string
	space  hash.Space
	out    io.Writer
	limit  int
}

func main() {
	fs := flag.NewFlagSet("chordctl", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:8440", "Address of the node to talk to")
	token := fs.String("auth-token", os.Getenv("CHORD_AUTH_TOKEN"), "Shared secret for node RPCs")
	timeout := fs.Duration("timeout", 3*time.Second, "Per-RPC timeout")
	bits := fs.Int("bits", hash.DefaultBits, "Identifier space size in bits of the target ring")
	limit := fs.Int("limit", 64, "Maximum number of nodes visited by the ring command")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}

	space, err := hash.NewSpace(*bits)
	if err != nil {
		fail(err)
	}

	client, err := transport.NewGRPCClient(pkg.NewNop(), *token, *timeout)
	if err != nil {
		fail(err)
	}
	defer client.Close()

	c := &ctl{client: client, addr: *addr, space: space, out: os.Stdout, limit: *limit}
	if err := c.run(context.Background(), fs.Arg(0), fs.Args()[1:]); err != nil {
		client.Close()
		fail(err)
	}
}

func fail(err error) {
	color.Red("=======  Error: %v\n", err)
	os.Exit(1)
}

func (c *ctl) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "info":
		return c.info(ctx)
	case "ring":
		return c.ring(ctx)
	case "lookup":
		if len(args) != 1 {
			return fmt.Errorf("usage: lookup <hex id>")
		}
		id, err := c.space.ParseID(args[0])
		if err != nil {
			return err
		}
		return c.lookup(ctx, id, "")
	case "key":
		if len(args) != 1 {
			return fmt.Errorf("usage: key <key>")
		}
		return c.lookup(ctx, c.space.HashString(args[0]), args[0])
	case "create":
		if err := c.client.Create(ctx, c.addr); err != nil {
			return err
		}
		color.New(color.FgHiGreen).Fprintf(c.out, "=======  %s created a new ring\n", c.addr)
		return nil
	case "join":
		if len(args) != 1 {
			return fmt.Errorf("usage: join <host:port>")
		}
		return c.join(ctx, args[0])
	case "health":
		status, err := c.client.Health(ctx, c.addr)
		if err != nil {
			return err
		}
		color.New(color.FgHiYellow).Fprintf(c.out, "=======  %s is %s\n", c.addr, status)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// info prints the node's pointers and successor list as a tree.
func (c *ctl) info(ctx context.Context) error {
	self, err := c.client.GetInfo(ctx, c.addr)
	if err != nil {
		return err
	}
	succ, err := c.client.GetSuccessor(ctx, c.addr)
	if err != nil {
		return err
	}
	pred, err := c.client.GetPredecessor(ctx, c.addr)
	if err != nil {
		return err
	}
	list, err := c.client.GetSuccessorList(ctx, c.addr)
	if err != nil {
		return err
	}

	root := gotree.New("Node " + describe(self))
	root.Add("Successor   " + describe(succ))
	root.Add("Predecessor " + describe(pred))
	successors := root.Add("Successor list")
	if len(list) == 0 {
		successors.Add("(empty)")
	}
	for i, s := range list {
		successors.Add(fmt.Sprintf("%d: %s", i, describe(s)))
	}

	color.New(color.FgHiYellow).Fprint(c.out, root.Print())
	return nil
}

// ring follows successor pointers from the node until it comes back around.
func (c *ctl) ring(ctx context.Context) error {
	start, err := c.client.GetInfo(ctx, c.addr)
	if err != nil {
		return err
	}

	root := gotree.New("Ring")
	current := start
	for i := 0; i < c.limit; i++ {
		root.Add(describe(current))

		next, err := c.client.GetSuccessor(ctx, current.Address())
		if err != nil {
			root.Add(fmt.Sprintf("(walk stopped: %v)", err))
			break
		}
		if next.IsNil() {
			root.Add("(no successor)")
			break
		}
		if next.Equals(start) {
			break
		}
		current = next
	}

	color.New(color.FgHiYellow).Fprint(c.out, root.Print())
	return nil
}

func (c *ctl) lookup(ctx context.Context, id *big.Int, key string) error {
	succ, path, err := c.client.FindSuccessorWithPath(ctx, c.addr, id)
	if err != nil {
		return err
	}

	title := "Lookup " + id.Text(16)
	if key != "" {
		title = fmt.Sprintf("Lookup %q (%s)", key, id.Text(16))
	}
	root := gotree.New(title)
	root.Add("Successor " + describe(succ))
	hops := root.Add(fmt.Sprintf("Path (%d hops)", max(len(path)-1, 0)))
	for i, p := range path {
		hops.Add(fmt.Sprintf("%d: %s", i, describe(p)))
	}

	color.New(color.FgHiYellow).Fprint(c.out, root.Print())
	return nil
}

func (c *ctl) join(ctx context.Context, introducerAddr string) error {
	introducer, err := c.client.GetInfo(ctx, introducerAddr)
	if err != nil {
		return fmt.Errorf("introducer unreachable: %w", err)
	}
	if err := c.client.Join(ctx, c.addr, introducer); err != nil {
		return err
	}

	color.New(color.FgHiGreen).Fprintf(c.out, "=======  %s joined the ring through %s\n", c.addr, describe(introducer))
	return nil
}

func describe(n *chord.NodeAddress) string {
	if n.IsNil() {
		return "<none>"
	}
	return fmt.Sprintf("%s (id %s)", n.Address(), n.ID.Text(16))
}
