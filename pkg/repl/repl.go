// Package repl is the interactive console of a virtual host.
package repl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"

	"vtcp/pkg/ipstack"
	"vtcp/pkg/iptcpstack"
	"vtcp/pkg/trace"
)

const connectTimeout = 5 * time.Second

var errUsage = errors.New("usage")

type command struct {
	usage string
	help  string
	run   func(r *REPL, ctx context.Context, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"ln":    {"ln", "list neighbors", (*REPL).listNeighbors},
		"ls":    {"ls", "list sockets", (*REPL).listSockets},
		"send":  {"send <vip> <message>", "send a test packet", (*REPL).sendTest},
		"a":     {"a <port>", "listen on port and accept connections", (*REPL).accept},
		"c":     {"c <vip> <port>", "connect to vip:port", (*REPL).connect},
		"s":     {"s <sid> <text>", "send text on a socket", (*REPL).sendText},
		"r":     {"r <sid> <n>", "read up to n bytes from a socket", (*REPL).read},
		"cl":    {"cl <sid>", "close a socket", (*REPL).close},
		"sf":    {"sf <file> <vip> <port>", "send a file", (*REPL).sendFile},
		"rf":    {"rf <file> <port>", "receive a file", (*REPL).receiveFile},
		"trace": {"trace", "dump the segment trace", (*REPL).dumpTrace},
		"help":  {"help", "list commands", (*REPL).help},
	}
}

// REPL executes console commands against a host's stacks.
type REPL struct {
	ip    *ipstack.IPStack
	tcp   *iptcpstack.TCPStack
	trace *trace.Sink
	out   io.Writer
}

// New returns a console writing to out. It also prints test packets the
// host receives.
func New(ip *ipstack.IPStack, tcp *iptcpstack.TCPStack, sink *trace.Sink, out io.Writer) *REPL {
	r := &REPL{ip: ip, tcp: tcp, trace: sink, out: out}
	ip.RegisterRecvHandler(ipstack.ProtocolTest, func(p *ipstack.Packet) {
		fmt.Fprintf(out, "Received test packet: Src: %s, Dst: %s, TTL: %d, Data: %s\n",
			p.Header.Src, p.Header.Dst, p.Header.TTL, p.Payload)
	})
	return r
}

// Run reads commands from in until "q", EOF or ctx is done.
func (r *REPL) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		if !r.Execute(ctx, scanner.Text()) {
			return nil
		}
	}
}

// Execute runs one command line. It returns false when the console should
// exit.
func (r *REPL) Execute(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	if fields[0] == "q" {
		return false
	}
	cmd, ok := commands[fields[0]]
	if !ok {
		fmt.Fprintf(r.out, "Unknown command %q, try help\n", fields[0])
		return true
	}
	if err := cmd.run(r, ctx, fields[1:]); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintf(r.out, "Usage: %s\n", cmd.usage)
		} else {
			fmt.Fprintf(r.out, "Error: %v\n", err)
		}
	}
	return true
}

func (r *REPL) help(ctx context.Context, args []string) error {
	w := tabwriter.NewWriter(r.out, 1, 1, 3, ' ', 0)
	for _, name := range []string{"ln", "ls", "send", "a", "c", "s", "r", "cl", "sf", "rf", "trace", "help"} {
		cmd := commands[name]
		fmt.Fprintf(w, "%s\t%s\n", cmd.usage, cmd.help)
	}
	fmt.Fprintln(w, "q\tquit")
	return w.Flush()
}

func (r *REPL) listNeighbors(ctx context.Context, args []string) error {
	w := tabwriter.NewWriter(r.out, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "VIP\tUDPAddr")
	for _, n := range r.ip.Neighbors() {
		fmt.Fprintf(w, "%s\t%s\n", n.DestAddr, n.LinkAddr)
	}
	return w.Flush()
}

func (r *REPL) listSockets(ctx context.Context, args []string) error {
	w := tabwriter.NewWriter(r.out, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "SID\tLAddr\tLPort\tRAddr\tRPort\tStatus")
	for _, s := range r.tcp.Sockets() {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%d\t%s\n",
			s.SID, s.Local.Addr(), s.Local.Port(), s.Remote.Addr(), s.Remote.Port(), s.State)
	}
	return w.Flush()
}

func (r *REPL) sendTest(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errUsage
	}
	dst, err := netip.ParseAddr(args[0])
	if err != nil {
		return err
	}
	msg := strings.Join(args[1:], " ")
	if err := r.ip.SendIP(dst, ipstack.ProtocolTest, []byte(msg)); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Sent %d bytes\n", len(msg))
	return nil
}

func (r *REPL) accept(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	port, err := parsePort(args[0])
	if err != nil {
		return err
	}
	l, err := r.tcp.VListen(port)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Created listen socket with ID %d\n", l.SID)
	go func() {
		for {
			conn, err := l.VAccept(ctx)
			if err != nil {
				return
			}
			fmt.Fprintf(r.out, "New connection on socket %d => created new socket %d\n", l.SID, conn.SID)
		}
	}()
	return nil
}

func (r *REPL) connect(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	addr, err := netip.ParseAddr(args[0])
	if err != nil {
		return err
	}
	port, err := parsePort(args[1])
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	conn, err := r.tcp.VConnect(ctx, addr, port)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Created new socket with ID %d\n", conn.SID)
	return nil
}

func (r *REPL) sendText(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errUsage
	}
	conn, err := r.conn(args[0])
	if err != nil {
		return err
	}
	n, err := conn.VWrite([]byte(strings.Join(args[1:], " ")))
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Sent %d bytes\n", n)
	return nil
}

func (r *REPL) read(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	conn, err := r.conn(args[0])
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n <= 0 {
		return errUsage
	}
	buf := make([]byte, n)
	n, err = conn.VRead(buf)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Read %d bytes: %s\n", n, buf[:n])
	return nil
}

func (r *REPL) close(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	sock, err := r.socket(args[0])
	if err != nil {
		return err
	}
	if sock.Listen != nil {
		return sock.Listen.VClose()
	}
	return sock.Conn.VClose()
}

func (r *REPL) sendFile(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return errUsage
	}
	addr, err := netip.ParseAddr(args[1])
	if err != nil {
		return err
	}
	port, err := parsePort(args[2])
	if err != nil {
		return err
	}
	go func() {
		n, err := r.tcp.SendFile(ctx, args[0], addr, port)
		if err != nil {
			fmt.Fprintf(r.out, "Error: %v\n", err)
			return
		}
		fmt.Fprintf(r.out, "Sent %d total bytes\n", n)
	}()
	return nil
}

func (r *REPL) receiveFile(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	port, err := parsePort(args[1])
	if err != nil {
		return err
	}
	go func() {
		n, err := r.tcp.ReceiveFile(ctx, args[0], port)
		if err != nil {
			fmt.Fprintf(r.out, "Error: %v\n", err)
			return
		}
		fmt.Fprintf(r.out, "Received %d total bytes\n", n)
	}()
	return nil
}

func (r *REPL) dumpTrace(ctx context.Context, args []string) error {
	if r.trace == nil {
		return errors.New("tracing disabled")
	}
	_, err := r.trace.Dump(r.out)
	return err
}

func (r *REPL) socket(arg string) (*iptcpstack.Socket, error) {
	sid, err := strconv.Atoi(arg)
	if err != nil {
		return nil, errors.Wrapf(errUsage, "socket ID %q", arg)
	}
	sock, ok := r.tcp.FindSocket(sid)
	if !ok {
		return nil, errors.Errorf("no socket %d", sid)
	}
	return sock, nil
}

func (r *REPL) conn(arg string) (*iptcpstack.VTCPConn, error) {
	sock, err := r.socket(arg)
	if err != nil {
		return nil, err
	}
	if sock.Conn == nil {
		return nil, errors.Errorf("socket %d is a listener", sock.SID)
	}
	return sock.Conn, nil
}

func parsePort(s string) (uint16, error) {
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, errors.Wrapf(err, "port %q", s)
	}
	return uint16(p), nil
}
