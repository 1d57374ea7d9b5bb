package ipstack

import (
	"net"
	"net/netip"
	"sync"

	"github.com/pkg/errors"
)

// ErrLinkClosed is returned by a closed in-memory link.
var ErrLinkClosed = errors.New("link closed")

// Link carries frames between hosts. Each host owns one link address.
type Link interface {
	WriteTo(b []byte, to netip.AddrPort) error
	// ReadFrom blocks for the next frame and reports who sent it.
	ReadFrom(b []byte) (int, netip.AddrPort, error)
	Close() error
}

// UDPLink is a Link over a UDP socket, one datagram per frame.
type UDPLink struct {
	conn *net.UDPConn
}

// ListenUDP binds a link to addr.
func ListenUDP(addr netip.AddrPort) (*UDPLink, error) {
	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return nil, errors.Wrapf(err, "bind %v", addr)
	}
	return &UDPLink{conn: conn}, nil
}

func (l *UDPLink) WriteTo(b []byte, to netip.AddrPort) error {
	_, err := l.conn.WriteToUDPAddrPort(b, to)
	return err
}

func (l *UDPLink) ReadFrom(b []byte) (int, netip.AddrPort, error) {
	return l.conn.ReadFromUDPAddrPort(b)
}

func (l *UDPLink) Close() error { return l.conn.Close() }

// LocalAddr returns the bound address.
func (l *UDPLink) LocalAddr() netip.AddrPort {
	return l.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Hub is an in-memory link segment. Frames written to an address that has no
// port attached are dropped, as on a real network.
type Hub struct {
	mu    sync.Mutex
	ports map[netip.AddrPort]*HubPort
}

func NewHub() *Hub {
	return &Hub{ports: make(map[netip.AddrPort]*HubPort)}
}

type frame struct {
	from netip.AddrPort
	data []byte
}

// HubPort is one host's attachment to a Hub.
type HubPort struct {
	hub    *Hub
	addr   netip.AddrPort
	rx     chan frame
	closed chan struct{}
	once   sync.Once
}

// Attach adds a port at addr with room for queue pending frames.
func (h *Hub) Attach(addr netip.AddrPort, queue int) *HubPort {
	p := &HubPort{
		hub:    h,
		addr:   addr,
		rx:     make(chan frame, queue),
		closed: make(chan struct{}),
	}
	h.mu.Lock()
	h.ports[addr] = p
	h.mu.Unlock()
	return p
}

func (p *HubPort) WriteTo(b []byte, to netip.AddrPort) error {
	select {
	case <-p.closed:
		return ErrLinkClosed
	default:
	}
	p.hub.mu.Lock()
	dst := p.hub.ports[to]
	p.hub.mu.Unlock()
	if dst == nil {
		return nil
	}
	f := frame{from: p.addr, data: append([]byte(nil), b...)}
	select {
	case dst.rx <- f:
	case <-dst.closed:
	}
	return nil
}

func (p *HubPort) ReadFrom(b []byte) (int, netip.AddrPort, error) {
	select {
	case f := <-p.rx:
		return copy(b, f.data), f.from, nil
	case <-p.closed:
		return 0, netip.AddrPort{}, ErrLinkClosed
	}
}

func (p *HubPort) Close() error {
	p.once.Do(func() {
		close(p.closed)
		p.hub.mu.Lock()
		if p.hub.ports[p.addr] == p {
			delete(p.hub.ports, p.addr)
		}
		p.hub.mu.Unlock()
	})
	return nil
}
