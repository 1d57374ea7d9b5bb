package iptcpstack

import (
	"encoding/binary"
	"math/bits"
	"net/netip"
	"strconv"

	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
)

const (
	tcpHeaderLen      = header.TCPMinimumSize
	tcpChecksumOffset = 16
	// ProtocolNumber is the IPv4 protocol number carried by TCP packets.
	ProtocolNumber uint8 = uint8(header.TCPProtocolNumber)
)

var (
	ErrShortSegment = errors.New("tcp: segment too short")
	ErrBadOffset    = errors.New("tcp: bad data offset")
	ErrBadChecksum  = errors.New("tcp: bad checksum")
)

// Flags is the TCP control bit field.
type Flags uint8

const (
	FlagFIN Flags = header.TCPFlagFin
	FlagSYN Flags = header.TCPFlagSyn
	FlagRST Flags = header.TCPFlagRst
	FlagPSH Flags = header.TCPFlagPsh
	FlagACK Flags = header.TCPFlagAck
	FlagURG Flags = header.TCPFlagUrg
)

// HasAny reports whether any of the bits in mask are set.
func (f Flags) HasAny(mask Flags) bool { return f&mask != 0 }

// HasAll reports whether all of the bits in mask are set.
func (f Flags) HasAll(mask Flags) bool { return f&mask == mask }

func (f Flags) String() string {
	switch f {
	case 0:
		return "[]"
	case FlagACK:
		return "[ACK]"
	case FlagSYN:
		return "[SYN]"
	case FlagSYN | FlagACK:
		return "[SYN,ACK]"
	case FlagFIN | FlagACK:
		return "[FIN,ACK]"
	}
	buf := make([]byte, 0, 2+4*bits.OnesCount8(uint8(f)))
	buf = append(buf, '[')
	buf = f.AppendFormat(buf)
	return string(append(buf, ']'))
}

// AppendFormat appends the comma separated flag names to b.
func (f Flags) AppendFormat(b []byte) []byte {
	const names = "FINSYNRSTPSHACKURG"
	first := true
	for f != 0 {
		i := bits.TrailingZeros8(uint8(f))
		if i >= len(names)/3 {
			break
		}
		if !first {
			b = append(b, ',')
		}
		first = false
		b = append(b, names[i*3:i*3+3]...)
		f &^= 1 << i
	}
	return b
}

// Segment is a decoded TCP segment. Options are neither sent nor parsed.
type Segment struct {
	SrcPort uint16
	DstPort uint16
	SEQ     seqnum.Value
	ACK     seqnum.Value
	WND     seqnum.Size
	Flags   Flags
	Payload []byte
}

// LEN returns the sequence space occupied by the segment, counting SYN and FIN.
func (seg *Segment) LEN() seqnum.Size {
	n := seqnum.Size(len(seg.Payload))
	if seg.Flags.HasAny(FlagSYN) {
		n++
	}
	if seg.Flags.HasAny(FlagFIN) {
		n++
	}
	return n
}

// Last returns the sequence number of the last octet in the segment, or SEQ
// for a segment occupying no sequence space.
func (seg *Segment) Last() seqnum.Value {
	n := seg.LEN()
	if n == 0 {
		return seg.SEQ
	}
	return seg.SEQ.Add(n - 1)
}

func (seg *Segment) String() string {
	buf := make([]byte, 0, 48)
	appendVal := func(buf []byte, name string, v uint64) []byte {
		buf = append(buf, '<')
		buf = append(buf, name...)
		buf = append(buf, '=')
		buf = strconv.AppendUint(buf, v, 10)
		return append(buf, '>')
	}
	buf = appendVal(buf, "SEQ", uint64(seg.SEQ))
	buf = appendVal(buf, "ACK", uint64(seg.ACK))
	buf = appendVal(buf, "WND", uint64(seg.WND))
	if len(seg.Payload) > 0 {
		buf = appendVal(buf, "DATA", uint64(len(seg.Payload)))
	}
	buf = append(buf, '[')
	buf = seg.Flags.AppendFormat(buf)
	return string(append(buf, ']'))
}

// Marshal encodes the segment with a checksum computed over the IPv4
// pseudo header for src and dst.
func (seg *Segment) Marshal(src, dst netip.Addr) []byte {
	wnd := seg.WND
	if wnd > 0xffff {
		wnd = 0xffff
	}
	b := make([]byte, tcpHeaderLen+len(seg.Payload))
	header.TCP(b).Encode(&header.TCPFields{
		SrcPort:    seg.SrcPort,
		DstPort:    seg.DstPort,
		SeqNum:     uint32(seg.SEQ),
		AckNum:     uint32(seg.ACK),
		DataOffset: tcpHeaderLen,
		Flags:      uint8(seg.Flags),
		WindowSize: uint16(wnd),
	})
	copy(b[tcpHeaderLen:], seg.Payload)
	binary.BigEndian.PutUint16(b[tcpChecksumOffset:], tcpChecksum(src, dst, b))
	return b
}

// ParseSegment decodes b, received from src for dst, and validates its
// checksum. The returned payload aliases b.
func ParseSegment(src, dst netip.Addr, b []byte) (Segment, error) {
	if len(b) < tcpHeaderLen {
		return Segment{}, errors.Wrapf(ErrShortSegment, "%d bytes", len(b))
	}
	tcp := header.TCP(b)
	off := int(tcp.DataOffset())
	if off < tcpHeaderLen || off > len(b) {
		return Segment{}, errors.Wrapf(ErrBadOffset, "offset %d of %d", off, len(b))
	}
	if sum := tcpChecksum(src, dst, b); sum != 0 {
		return Segment{}, errors.Wrapf(ErrBadChecksum, "from %s", src)
	}
	return Segment{
		SrcPort: tcp.SourcePort(),
		DstPort: tcp.DestinationPort(),
		SEQ:     seqnum.Value(tcp.SequenceNumber()),
		ACK:     seqnum.Value(tcp.AckNumber()),
		WND:     seqnum.Size(tcp.WindowSize()),
		Flags:   Flags(tcp.Flags()),
		Payload: b[off:],
	}, nil
}

// tcpChecksum returns the one's complement of the one's complement sum of
// the pseudo header and b. Over a segment carrying a valid checksum it
// returns zero.
func tcpChecksum(src, dst netip.Addr, b []byte) uint16 {
	var pseudo [12]byte
	s, d := src.As4(), dst.As4()
	copy(pseudo[0:4], s[:])
	copy(pseudo[4:8], d[:])
	pseudo[9] = ProtocolNumber
	binary.BigEndian.PutUint16(pseudo[10:], uint16(len(b)))
	sum := header.Checksum(pseudo[:], 0)
	sum = header.Checksum(b, sum)
	return ^sum
}
