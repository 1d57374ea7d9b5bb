package iptcpstack

import (
	"github.com/google/netstack/tcpip/seqnum"
	"golang.org/x/exp/constraints"

	"vtcp/pkg/buffer"
)

// ControlBlock is the per-connection TCP state: the send and receive
// sequence spaces, the two data buffers and the pending close latches.
// It is guarded by the owning connection's mutex.
type ControlBlock struct {
	state State
	snd   sendSpace
	rcv   recvSpace

	send *buffer.CircularBuffer
	recv *buffer.CircularBuffer

	// finPending latches a close requested in ESTABLISHED while data was
	// still queued. FIN is sent once the send buffer drains.
	finPending bool
	// lastAckPending is the CLOSE-WAIT counterpart of finPending.
	lastAckPending bool
}

// sendSpace holds the send sequence variables (RFC 9293 3.3.1).
type sendSpace struct {
	ISS seqnum.Value // initial send sequence number
	UNA seqnum.Value // oldest unacknowledged sequence number
	NXT seqnum.Value // next sequence number to send
	WND seqnum.Size  // send window advertised by the peer
}

// recvSpace holds the receive sequence variables.
type recvSpace struct {
	IRS seqnum.Value // initial receive sequence number
	NXT seqnum.Value // next sequence number expected
	WND seqnum.Size  // receive window
}

type ackKind uint8

const (
	ackValid ackKind = iota
	ackDuplicate
	ackUnsent
)

func newControlBlock(bufSize int) ControlBlock {
	return ControlBlock{
		send: buffer.New(bufSize),
		recv: buffer.New(bufSize),
		rcv:  recvSpace{WND: seqnum.Size(bufSize)},
	}
}

// State returns the connection state.
func (tcb *ControlBlock) State() State { return tcb.state }

// acceptable reports whether seg overlaps the receive window. A segment whose
// SEQ equals RCV.NXT is always acceptable so that bare ACKs get through a
// zero window.
func (tcb *ControlBlock) acceptable(seg *Segment) bool {
	if seg.SEQ == tcb.rcv.NXT {
		return true
	}
	return seg.SEQ.InWindow(tcb.rcv.NXT, tcb.rcv.WND) ||
		seg.Last().InWindow(tcb.rcv.NXT, tcb.rcv.WND)
}

// classifyAck checks ack against SND.UNA =< ack =< SND.NXT.
func (tcb *ControlBlock) classifyAck(ack seqnum.Value) ackKind {
	switch {
	case ack.LessThan(tcb.snd.UNA):
		return ackDuplicate
	case tcb.snd.NXT.LessThan(ack):
		return ackUnsent
	}
	return ackValid
}

// usableWindow is the number of new octets the peer's window admits.
func (tcb *ControlBlock) usableWindow() seqnum.Size {
	end := tcb.snd.UNA.Add(tcb.snd.WND)
	if !tcb.snd.NXT.LessThan(end) {
		return 0
	}
	return tcb.snd.NXT.Size(end)
}

// updateRecvWindow sets RCV.WND to the receive buffer's free space and
// reports whether the window reopened from zero.
func (tcb *ControlBlock) updateRecvWindow() (reopened bool) {
	prev := tcb.rcv.WND
	tcb.rcv.WND = seqnum.Size(tcb.recv.Available())
	return prev == 0 && tcb.rcv.WND > 0
}

// allAcked reports whether every sent sequence number, FIN included, has
// been acknowledged.
func (tcb *ControlBlock) allAcked() bool { return tcb.snd.UNA == tcb.snd.NXT }

func minOf[T constraints.Integer](a T, rest ...T) T {
	for _, v := range rest {
		if v < a {
			a = v
		}
	}
	return a
}
