package iptcpstack

import (
	"context"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"sync"

	"github.com/pkg/errors"

	"vtcp/pkg/buffer"
)

var (
	ErrClosed         = errors.New("connection closed")
	ErrConnRefused    = errors.New("connection refused")
	ErrListenerClosed = errors.New("listener closed")
	ErrPortInUse      = errors.New("port already in use")
)

// VTCPListener queues connections established on a listening port.
type VTCPListener struct {
	SID       int
	LocalPort uint16

	stack     *TCPStack
	acceptQ   chan *VTCPConn
	closed    chan struct{}
	closeOnce sync.Once
}

// VConnect opens a connection to addr:port and blocks until the handshake
// completes, the peer refuses it or ctx is done.
func (s *TCPStack) VConnect(ctx context.Context, addr netip.Addr, port uint16) (*VTCPConn, error) {
	if !addr.Is4() {
		return nil, errors.Errorf("connect: %v is not an IPv4 address", addr)
	}
	s.mu.Lock()
	lport, err := s.ephemeralPort(addr, port)
	if err != nil {
		s.mu.Unlock()
		return nil, errors.Wrap(err, "connect")
	}
	key := fourTuple{localPort: lport, remoteAddr: addr, remotePort: port}
	c := s.newConn(key)
	c.appOwned = true
	s.conns[key] = c
	s.addSocket(&Socket{SID: c.SID, Conn: c})
	s.mu.Unlock()

	c.Dispatch(EventApplicationConnect, nil)
	select {
	case <-c.established:
		return c, nil
	case <-c.done:
		c.VClose()
		return nil, errors.Wrapf(ErrConnRefused, "connect %v", netip.AddrPortFrom(addr, port))
	case <-ctx.Done():
		c.VClose()
		return nil, errors.Wrap(ctx.Err(), "connect")
	}
}

// VListen starts accepting connections on port.
func (s *TCPStack) VListen(port uint16) (*VTCPListener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listeners[port]; ok {
		return nil, errors.Wrapf(ErrPortInUse, "listen %d", port)
	}
	l := &VTCPListener{
		SID:       s.allocSID(),
		LocalPort: port,
		stack:     s,
		acceptQ:   make(chan *VTCPConn, s.cfg.AcceptBacklog),
		closed:    make(chan struct{}),
	}
	s.listeners[port] = l
	s.addSocket(&Socket{SID: l.SID, Listen: l})
	s.info("listening", slog.Uint64("port", uint64(port)), slog.Int("sid", l.SID))
	return l, nil
}

// VAccept returns the next established connection. Connections that were
// reset while waiting in the queue are skipped.
func (l *VTCPListener) VAccept(ctx context.Context) (*VTCPConn, error) {
	for {
		select {
		case c := <-l.acceptQ:
			c.mu.Lock()
			if c.tcb.state == StateClosed {
				c.mu.Unlock()
				l.stack.debug("skipping closed connection", slog.Int("sid", c.SID))
				continue
			}
			c.appOwned = true
			c.mu.Unlock()
			return c, nil
		case <-l.closed:
			return nil, ErrListenerClosed
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "accept")
		}
	}
}

// VClose stops listening. Connections not yet accepted are closed.
func (l *VTCPListener) VClose() error {
	err := ErrListenerClosed
	l.closeOnce.Do(func() {
		err = nil
		s := l.stack
		s.mu.Lock()
		if s.listeners[l.LocalPort] == l {
			delete(s.listeners, l.LocalPort)
		}
		delete(s.sockets, l.SID)
		s.mu.Unlock()
		close(l.closed)
		for {
			select {
			case c := <-l.acceptQ:
				c.VClose()
			default:
				return
			}
		}
	})
	return err
}

// VRead reads received data, blocking until some is available. It returns
// io.EOF once the peer has closed its side and all data has been read.
func (c *VTCPConn) VRead(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	n, err := c.tcb.recv.Read(b, true)
	if err != nil {
		return n, errors.Wrap(err, "read")
	}
	if n == 0 {
		return 0, io.EOF
	}
	c.Dispatch(EventApplicationReceive, nil)
	return n, nil
}

// VWrite queues b for sending, blocking while the send buffer is full. It
// returns once all of b is queued, not when it has been acknowledged.
func (c *VTCPConn) VWrite(b []byte) (int, error) {
	c.mu.Lock()
	state, closed := c.tcb.state, c.appClosed
	c.mu.Unlock()
	if closed || state == StateClosed || (state.IsClosing() && state != StateCloseWait) {
		return 0, errors.Wrapf(ErrClosed, "write in %s", state)
	}
	send := c.tcb.send
	written := 0
	for written < len(b) {
		chunk := b[written:]
		limit := send.Available()
		if limit == 0 {
			limit = send.Capacity()
		}
		if len(chunk) > limit {
			chunk = chunk[:limit]
		}
		n, err := send.Write(chunk, true)
		written += n
		if n > 0 {
			c.Dispatch(EventApplicationSend, nil)
		}
		if errors.Is(err, buffer.ErrClosed) || n < len(chunk) {
			return written, ErrClosed
		}
		if err != nil {
			return written, errors.Wrap(err, "write")
		}
	}
	return written, nil
}

// VClose closes the sending side. Queued data is still delivered before
// the FIN. Reads may continue until the peer closes.
func (c *VTCPConn) VClose() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.appClosed {
		return ErrClosed
	}
	c.appClosed = true
	c.dispatch(EventApplicationClose, nil)
	return nil
}

// Done is closed when the connection reaches CLOSED.
func (c *VTCPConn) Done() <-chan struct{} { return c.done }

// SendFile connects to addr:port, writes the file at path and closes the
// connection.
func (s *TCPStack) SendFile(ctx context.Context, path string, addr netip.Addr, port uint16) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "send file")
	}
	defer f.Close()
	conn, err := s.VConnect(ctx, addr, port)
	if err != nil {
		return 0, err
	}
	defer conn.VClose()
	n, err := io.Copy(writerFunc(conn.VWrite), f)
	return n, errors.Wrap(err, "send file")
}

// ReceiveFile accepts one connection on port and stores everything it
// delivers in a file at path.
func (s *TCPStack) ReceiveFile(ctx context.Context, path string, port uint16) (int64, error) {
	l, err := s.VListen(port)
	if err != nil {
		return 0, err
	}
	conn, err := l.VAccept(ctx)
	l.VClose()
	if err != nil {
		return 0, err
	}
	defer conn.VClose()
	f, err := os.Create(path)
	if err != nil {
		return 0, errors.Wrap(err, "receive file")
	}
	n, err := io.Copy(f, readerFunc(conn.VRead))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, errors.Wrap(err, "receive file")
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) { return f(b) }

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(b []byte) (int, error) { return f(b) }
