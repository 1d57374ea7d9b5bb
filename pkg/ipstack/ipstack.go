// Package ipstack is the virtual IPv4 layer under TCP. A host has one
// interface on a virtual link. Each neighbor on that link is reached
// directly at the link address recorded for it, so no routing takes place.
package ipstack

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"

	"vtcp/internal"
)

const (
	DefaultTTL = 16
	// MaxPacketSize bounds a frame on the link, header included.
	MaxPacketSize = 1400
	// ProtocolTest carries text payloads for the "send" command.
	ProtocolTest uint8 = 0
)

var (
	ErrNoNeighbor    = errors.New("ip: no neighbor for destination")
	ErrTooLarge      = errors.New("ip: packet exceeds link MTU")
	ErrBadHeader     = errors.New("ip: malformed header")
	ErrBadIPChecksum = errors.New("ip: bad header checksum")
)

// Packet is a received IPv4 packet.
type Packet struct {
	Header  *ipv4header.IPv4Header
	Payload []byte
}

// HandlerFunc consumes packets of one protocol number.
type HandlerFunc func(*Packet)

// Interface is the host's attachment to the virtual link.
type Interface struct {
	AssignedIP netip.Addr
	LinkAddr   netip.AddrPort
}

// Neighbor is another host on the link.
type Neighbor struct {
	DestAddr netip.Addr
	LinkAddr netip.AddrPort
}

// Config describes the host's interface and neighbors.
type Config struct {
	Interface Interface
	Neighbors []Neighbor
	// TTL for originated packets. Zero selects DefaultTTL.
	TTL    int
	Logger *slog.Logger
}

// IPStack frames payloads into IPv4 packets and dispatches received packets
// to the handler registered for their protocol.
type IPStack struct {
	iface     Interface
	link      Link
	ttl       int
	log       *slog.Logger
	mu        sync.RWMutex
	neighbors map[netip.Addr]netip.AddrPort
	handlers  map[uint8]HandlerFunc
}

// New returns a stack sending and receiving on link.
func New(cfg Config, link Link) (*IPStack, error) {
	if !cfg.Interface.AssignedIP.Is4() {
		return nil, errors.Errorf("interface address %v is not IPv4", cfg.Interface.AssignedIP)
	}
	if link == nil {
		return nil, errors.New("nil link")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	s := &IPStack{
		iface:     cfg.Interface,
		link:      link,
		ttl:       cfg.TTL,
		log:       cfg.Logger,
		neighbors: make(map[netip.Addr]netip.AddrPort),
		handlers:  make(map[uint8]HandlerFunc),
	}
	for _, n := range cfg.Neighbors {
		s.neighbors[n.DestAddr] = n.LinkAddr
	}
	return s, nil
}

// Addr returns the interface's virtual address.
func (s *IPStack) Addr() netip.Addr { return s.iface.AssignedIP }

// Neighbors lists the known neighbors.
func (s *IPStack) Neighbors() []Neighbor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns := make([]Neighbor, 0, len(s.neighbors))
	for addr, link := range s.neighbors {
		ns = append(ns, Neighbor{DestAddr: addr, LinkAddr: link})
	}
	return ns
}

// AddNeighbor records the link address of a virtual address.
func (s *IPStack) AddNeighbor(n Neighbor) {
	s.mu.Lock()
	s.neighbors[n.DestAddr] = n.LinkAddr
	s.mu.Unlock()
}

// RegisterRecvHandler installs fn for packets carrying protocol.
func (s *IPStack) RegisterRecvHandler(protocol uint8, fn HandlerFunc) {
	s.mu.Lock()
	s.handlers[protocol] = fn
	s.mu.Unlock()
}

// MaxPayload is the largest payload SendIP accepts.
func (s *IPStack) MaxPayload() int { return MaxPacketSize - ipv4header.HeaderLen }

// SendIP sends payload to dst in a single IPv4 packet.
func (s *IPStack) SendIP(dst netip.Addr, protocol uint8, payload []byte) error {
	s.mu.RLock()
	linkAddr, ok := s.neighbors[dst]
	s.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrNoNeighbor, "%v", dst)
	}
	if len(payload) > s.MaxPayload() {
		return errors.Wrapf(ErrTooLarge, "%d byte payload", len(payload))
	}
	hdr := ipv4header.IPv4Header{
		Version:  4,
		Len:      ipv4header.HeaderLen,
		TotalLen: ipv4header.HeaderLen + len(payload),
		TTL:      s.ttl,
		Protocol: int(protocol),
		Src:      s.iface.AssignedIP,
		Dst:      dst,
		Options:  []byte{},
	}
	hb, err := marshalHeader(&hdr)
	if err != nil {
		return err
	}
	pkt := make([]byte, 0, len(hb)+len(payload))
	pkt = append(pkt, hb...)
	pkt = append(pkt, payload...)
	if err := s.link.WriteTo(pkt, linkAddr); err != nil {
		return errors.Wrapf(err, "send to %v", dst)
	}
	internal.LogAttrs(s.log, internal.LevelTrace, "ip send",
		slog.String("dst", dst.String()), slog.Int("proto", int(protocol)), slog.Int("len", len(payload)))
	return nil
}

// Run reads packets from the link and dispatches them until ctx is done or
// the link fails.
func (s *IPStack) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.link.Close()
	}()
	buf := make([]byte, MaxPacketSize)
	for {
		n, _, err := s.link.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "link read")
		}
		pkt, err := parsePacket(buf[:n])
		if err != nil {
			internal.LogAttrs(s.log, slog.LevelWarn, "dropping packet", slog.String("err", err.Error()))
			continue
		}
		s.deliver(pkt)
	}
}

func (s *IPStack) deliver(pkt *Packet) {
	if pkt.Header.Dst != s.iface.AssignedIP {
		internal.LogAttrs(s.log, slog.LevelDebug, "packet for another host", slog.String("dst", pkt.Header.Dst.String()))
		return
	}
	s.mu.RLock()
	fn := s.handlers[uint8(pkt.Header.Protocol)]
	s.mu.RUnlock()
	if fn == nil {
		internal.LogAttrs(s.log, slog.LevelDebug, "no handler", slog.Int("proto", pkt.Header.Protocol))
		return
	}
	fn(pkt)
}

// marshalHeader encodes hdr with its checksum filled in.
func marshalHeader(hdr *ipv4header.IPv4Header) ([]byte, error) {
	hdr.Checksum = 0
	b, err := hdr.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal IPv4 header")
	}
	hdr.Checksum = int(header.Checksum(b, 0) ^ 0xffff)
	b, err = hdr.Marshal()
	return b, errors.Wrap(err, "marshal IPv4 header")
}

// parsePacket decodes and validates a frame. The payload is copied so the
// read buffer can be reused.
func parsePacket(b []byte) (*Packet, error) {
	hdr, err := ipv4header.ParseHeader(b)
	if err != nil {
		return nil, errors.Wrap(ErrBadHeader, err.Error())
	}
	if hdr.Len < ipv4header.HeaderLen || hdr.Len > len(b) || hdr.TotalLen < hdr.Len || hdr.TotalLen > len(b) {
		return nil, errors.Wrapf(ErrBadHeader, "len=%d total=%d frame=%d", hdr.Len, hdr.TotalLen, len(b))
	}
	if header.Checksum(b[:hdr.Len], 0) != 0xffff {
		return nil, ErrBadIPChecksum
	}
	if hdr.TTL <= 0 {
		return nil, errors.Wrap(ErrBadHeader, "TTL expired")
	}
	payload := make([]byte, hdr.TotalLen-hdr.Len)
	copy(payload, b[hdr.Len:hdr.TotalLen])
	return &Packet{Header: hdr, Payload: payload}, nil
}
