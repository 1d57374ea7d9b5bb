package iptcpstack

import (
	"net/netip"
	"sort"
)

// Socket is an entry in the socket table: either a connection or a listener.
type Socket struct {
	SID    int
	Conn   *VTCPConn
	Listen *VTCPListener
}

// SocketInfo is a snapshot of one socket table entry.
type SocketInfo struct {
	SID    int
	Local  netip.AddrPort
	Remote netip.AddrPort
	State  State
}

// Sockets lists the socket table ordered by socket ID.
func (s *TCPStack) Sockets() []SocketInfo {
	s.mu.Lock()
	socks := make([]*Socket, 0, len(s.sockets))
	for _, sock := range s.sockets {
		socks = append(socks, sock)
	}
	s.mu.Unlock()
	infos := make([]SocketInfo, 0, len(socks))
	for _, sock := range socks {
		info := SocketInfo{SID: sock.SID}
		switch {
		case sock.Listen != nil:
			info.Local = netip.AddrPortFrom(netip.IPv4Unspecified(), sock.Listen.LocalPort)
			info.Remote = netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
			info.State = StateListen
		case sock.Conn != nil:
			c := sock.Conn
			info.Local = netip.AddrPortFrom(c.LocalAddr, c.LocalPort)
			info.Remote = netip.AddrPortFrom(c.RemoteAddr, c.RemotePort)
			info.State = c.State()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].SID < infos[j].SID })
	return infos
}

// FindSocket returns the socket table entry for sid.
func (s *TCPStack) FindSocket(sid int) (*Socket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sock, ok := s.sockets[sid]
	return sock, ok
}

// allocSID returns the next socket ID. mu must be held.
func (s *TCPStack) allocSID() int {
	sid := s.nextSocketID
	s.nextSocketID++
	return sid
}

// addSocket must be called with mu held.
func (s *TCPStack) addSocket(sock *Socket) {
	s.sockets[sock.SID] = sock
}

func (s *TCPStack) removeSocket(sid int) {
	s.mu.Lock()
	delete(s.sockets, sid)
	s.mu.Unlock()
}
