// Package iptcpstack implements TCP connections over a virtual IPv4 layer:
// a per-connection state machine driven by application, network and timer
// events, and the socket API applications use to reach it.
package iptcpstack

import (
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"

	"vtcp/pkg/trace"
)

const (
	DefaultBufferSize      = 4096
	DefaultMSS             = 536
	DefaultAcceptBacklog   = 16
	DefaultTimeoutInterval = 250 * time.Millisecond

	ephemeralPortMin = 49152
)

// IPSender delivers TCP segments to the IP layer.
type IPSender interface {
	SendIP(dst netip.Addr, protocol uint8, payload []byte) error
}

// payloadLimiter is implemented by IP senders that bound the size of a
// single payload. The MSS must leave room for the TCP header within it.
type payloadLimiter interface {
	MaxPayload() int
}

// Config holds TCP stack parameters. Zero values select the defaults.
type Config struct {
	// LocalAddr is the host's virtual IPv4 address.
	LocalAddr netip.Addr
	// BufferSize is the capacity of each connection's send and receive
	// buffer. The receive buffer bounds the advertised window so it may not
	// exceed 65535.
	BufferSize int
	// MSS caps the payload of outgoing segments.
	MSS int
	// AcceptBacklog bounds connections waiting for VAccept on each listener.
	AcceptBacklog int
	// TimeWait is how long a connection lingers in TIME-WAIT. Zero moves it
	// to CLOSED immediately.
	TimeWait time.Duration
	// TimeoutInterval is the period of the TIMEOUT event delivered by Run.
	TimeoutInterval time.Duration
	// ISS returns initial send sequence numbers. Defaults to random values.
	ISS    func() seqnum.Value
	Logger *slog.Logger
	Trace  *trace.Sink
}

type fourTuple struct {
	localPort  uint16
	remoteAddr netip.Addr
	remotePort uint16
}

// TCPStack demultiplexes segments to connections and listeners and owns the
// socket table.
type TCPStack struct {
	cfg Config
	ip  IPSender
	logger

	mu           sync.Mutex
	sockets      map[int]*Socket
	conns        map[fourTuple]*VTCPConn
	listeners    map[uint16]*VTCPListener
	nextSocketID int
}

// InitializeTCP validates cfg and returns a stack sending through ip.
func InitializeTCP(cfg Config, ip IPSender) (*TCPStack, error) {
	if ip == nil {
		return nil, errors.New("nil IP sender")
	}
	if !cfg.LocalAddr.Is4() {
		return nil, errors.Errorf("local address %v is not IPv4", cfg.LocalAddr)
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BufferSize < 0 || cfg.BufferSize > 0xffff {
		return nil, errors.Errorf("buffer size %d out of range [1, 65535]", cfg.BufferSize)
	}
	if cfg.MSS == 0 {
		cfg.MSS = DefaultMSS
	}
	if cfg.MSS < 0 {
		return nil, errors.Errorf("negative MSS %d", cfg.MSS)
	}
	if pl, ok := ip.(payloadLimiter); ok {
		if limit := pl.MaxPayload() - tcpHeaderLen; cfg.MSS > limit {
			return nil, errors.Errorf("MSS %d exceeds the %d octets a packet can carry", cfg.MSS, limit)
		}
	}
	if cfg.AcceptBacklog <= 0 {
		cfg.AcceptBacklog = DefaultAcceptBacklog
	}
	if cfg.TimeoutInterval <= 0 {
		cfg.TimeoutInterval = DefaultTimeoutInterval
	}
	if cfg.TimeWait < 0 {
		cfg.TimeWait = 0
	}
	if cfg.ISS == nil {
		cfg.ISS = func() seqnum.Value { return seqnum.Value(rand.Uint32()) }
	}
	return &TCPStack{
		cfg:          cfg,
		ip:           ip,
		logger:       logger{log: cfg.Logger},
		sockets:      make(map[int]*Socket),
		conns:        make(map[fourTuple]*VTCPConn),
		listeners:    make(map[uint16]*VTCPListener),
		nextSocketID: 0,
	}, nil
}

// LocalAddr returns the stack's virtual address.
func (s *TCPStack) LocalAddr() netip.Addr { return s.cfg.LocalAddr }

// HandlePacket is the IP layer's receive hook for TCP. b is the IP payload
// of a packet from src to dst.
func (s *TCPStack) HandlePacket(src, dst netip.Addr, b []byte) {
	seg, err := ParseSegment(src, dst, b)
	if err != nil {
		s.warn("dropping segment", slog.String("err", err.Error()))
		return
	}
	key := fourTuple{localPort: seg.DstPort, remoteAddr: src, remotePort: seg.SrcPort}
	s.mu.Lock()
	c := s.conns[key]
	if c == nil {
		c = s.spawn(key, &seg)
	}
	s.mu.Unlock()
	if c == nil {
		s.debug("no socket for segment",
			slog.String("src", netip.AddrPortFrom(src, seg.SrcPort).String()),
			slog.Uint64("port", uint64(seg.DstPort)),
			slog.String("flags", seg.Flags.String()),
		)
		return
	}
	c.Dispatch(EventPacketArrival, &seg)
}

// spawn creates a connection in LISTEN for a SYN addressed to a listening
// port. mu must be held.
func (s *TCPStack) spawn(key fourTuple, seg *Segment) *VTCPConn {
	l := s.listeners[key.localPort]
	if l == nil || !seg.Flags.HasAny(FlagSYN) || seg.Flags.HasAny(FlagACK|FlagRST) {
		return nil
	}
	if len(l.acceptQ) >= cap(l.acceptQ) {
		s.warn("accept backlog full", slog.Uint64("port", uint64(key.localPort)))
		return nil
	}
	c := s.newConn(key)
	c.listener = l
	c.tcb.state = StateListen
	s.conns[key] = c
	s.addSocket(&Socket{SID: c.SID, Conn: c})
	return c
}

// newConn allocates a connection in CLOSED. mu must be held.
func (s *TCPStack) newConn(key fourTuple) *VTCPConn {
	c := &VTCPConn{
		SID:         s.allocSID(),
		LocalAddr:   s.cfg.LocalAddr,
		LocalPort:   key.localPort,
		RemoteAddr:  key.remoteAddr,
		RemotePort:  key.remotePort,
		tcb:         newControlBlock(s.cfg.BufferSize),
		stack:       s,
		established: make(chan struct{}),
		done:        make(chan struct{}),
	}
	if s.log != nil {
		c.log = s.log.With(slog.Int("sid", c.SID), slog.String("remote", netip.AddrPortFrom(key.remoteAddr, key.remotePort).String()))
	}
	return c
}

// ephemeralPort picks an unused local port. mu must be held.
func (s *TCPStack) ephemeralPort(remote netip.Addr, remotePort uint16) (uint16, error) {
	const span = 1<<16 - ephemeralPortMin
	start := rand.Intn(span)
	for i := 0; i < span; i++ {
		port := uint16(ephemeralPortMin + (start+i)%span)
		if _, ok := s.listeners[port]; ok {
			continue
		}
		if _, ok := s.conns[fourTuple{localPort: port, remoteAddr: remote, remotePort: remotePort}]; ok {
			continue
		}
		return port, nil
	}
	return 0, errors.New("no free ephemeral port")
}

func (s *TCPStack) newISS() seqnum.Value { return s.cfg.ISS() }

// sendSegment hands an outgoing segment of c to the IP layer. Send errors
// are logged, the state machine carries on as if the segment was lost.
func (s *TCPStack) sendSegment(c *VTCPConn, seg *Segment) {
	s.traceSegment(trace.Out, c.tcb.state, seg)
	b := seg.Marshal(c.LocalAddr, c.RemoteAddr)
	if err := s.ip.SendIP(c.RemoteAddr, ProtocolNumber, b); err != nil {
		c.logerr("send failed", slog.String("err", err.Error()))
	}
}

func (s *TCPStack) traceSegment(dir trace.Direction, state State, seg *Segment) {
	if s.cfg.Trace != nil {
		s.cfg.Trace.Record(dir, state.String(), seg.String())
	}
}

// connEstablished hands a listener-spawned connection to VAccept.
func (s *TCPStack) connEstablished(c *VTCPConn) {
	if c.listener == nil {
		return
	}
	select {
	case c.listener.acceptQ <- c:
	default:
		c.warn("accept queue full, connection not queued")
	}
}

// unbind stops demultiplexing segments to c.
func (s *TCPStack) unbind(c *VTCPConn) {
	s.mu.Lock()
	if s.conns[c.key()] == c {
		delete(s.conns, c.key())
	}
	s.mu.Unlock()
}

// connections returns a snapshot of the bound connections.
func (s *TCPStack) connections() []*VTCPConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*VTCPConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}
