package iptcpstack

import (
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/google/netstack/tcpip/seqnum"

	"vtcp/pkg/trace"
)

// VTCPConn is one end of a TCP connection. All state machine work for a
// connection runs under its mutex, one event at a time.
type VTCPConn struct {
	SID        int
	LocalAddr  netip.Addr
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16

	mu       sync.Mutex
	tcb      ControlBlock
	stack    *TCPStack
	listener *VTCPListener
	log      *slog.Logger

	established chan struct{}
	done        chan struct{}
	synced      bool
	appOwned    bool
	appClosed   bool
	freed       bool
	timeWaitEnd time.Time
}

func (c *VTCPConn) key() fourTuple {
	return fourTuple{localPort: c.LocalPort, remoteAddr: c.RemoteAddr, remotePort: c.RemotePort}
}

// State returns the current connection state.
func (c *VTCPConn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tcb.state
}

// Dispatch delivers ev to the handler for the connection's current state.
// seg must be non-nil for EventPacketArrival.
func (c *VTCPConn) Dispatch(ev Event, seg *Segment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dispatch(ev, seg)
}

// dispatch must be called with mu held.
func (c *VTCPConn) dispatch(ev Event, seg *Segment) {
	if ev == EventPacketArrival {
		if seg == nil {
			c.logerr("packet arrival without segment")
			return
		}
		c.stack.traceSegment(trace.In, c.tcb.state, seg)
	}
	var next State
	switch c.tcb.state {
	case StateClosed:
		next = c.handleClosed(ev, seg)
	case StateListen:
		next = c.handleListen(ev, seg)
	case StateSynSent:
		next = c.handleSynSent(ev, seg)
	case StateSynRcvd:
		next = c.handleSynRcvd(ev, seg)
	case StateEstablished:
		next = c.handleEstablished(ev, seg)
	case StateFinWait1:
		next = c.handleFinWait1(ev, seg)
	case StateFinWait2:
		next = c.handleFinWait2(ev, seg)
	case StateClosing:
		next = c.handleClosing(ev, seg)
	case StateTimeWait:
		next = c.handleTimeWait(ev, seg)
	case StateCloseWait:
		next = c.handleCloseWait(ev, seg)
	case StateLastAck:
		next = c.handleLastAck(ev, seg)
	default:
		c.logerr("invalid state", slog.String("state", c.tcb.state.String()))
		return
	}
	c.transition(next)
	if c.tcb.state == StateTimeWait {
		c.transition(c.handleTimeWait(EventTimeout, nil))
	}
	if c.tcb.state == StateClosed && !c.freed && (c.appClosed || (!c.appOwned && c.listener != nil)) {
		c.handleClosed(EventCleanup, nil)
	}
}

// transition performs the side effects of entering next.
func (c *VTCPConn) transition(next State) {
	prev := c.tcb.state
	if next == prev {
		return
	}
	c.tcb.state = next
	c.debug("transition", slog.String("from", prev.String()), slog.String("to", next.String()))
	if next.IsSynchronized() && !c.synced {
		c.synced = true
		close(c.established)
		c.stack.connEstablished(c)
	}
	switch next {
	case StateTimeWait:
		c.timeWaitEnd = time.Now().Add(c.stack.cfg.TimeWait)
	case StateClosed:
		c.tcb.send.Close()
		c.tcb.recv.Close()
		close(c.done)
		c.stack.unbind(c)
	}
}

// unexpected logs an event the current state has no transition for.
func (c *VTCPConn) unexpected(ev Event) State {
	c.warn("event ignored", slog.String("event", ev.String()), slog.String("state", c.tcb.state.String()))
	return c.tcb.state
}

// sendSegment emits a segment carrying the current RCV.NXT and RCV.WND.
func (c *VTCPConn) sendSegment(flags Flags, seq seqnum.Value, payload []byte) {
	seg := Segment{
		SrcPort: c.LocalPort,
		DstPort: c.RemotePort,
		SEQ:     seq,
		WND:     c.tcb.rcv.WND,
		Flags:   flags,
		Payload: payload,
	}
	if flags.HasAny(FlagACK) {
		seg.ACK = c.tcb.rcv.NXT
	}
	c.stack.sendSegment(c, &seg)
}

// sendACK acknowledges everything received so far.
func (c *VTCPConn) sendACK() { c.sendSegment(FlagACK, c.tcb.snd.NXT, nil) }

// sendFIN sends FIN at SND.NXT, which it consumes.
func (c *VTCPConn) sendFIN() {
	c.sendSegment(FlagFIN|FlagACK, c.tcb.snd.NXT, nil)
	c.tcb.snd.NXT = c.tcb.snd.NXT.Add(1)
}

// initSend picks the ISS and sets up the send sequence space for a SYN.
func (c *VTCPConn) initSend() {
	iss := c.stack.newISS()
	c.tcb.snd.ISS = iss
	c.tcb.snd.UNA = iss
	c.tcb.snd.NXT = iss.Add(1)
	c.tcb.send.SetSeqInitial(iss.Add(1))
}

// initRecv records the peer's SYN.
func (c *VTCPConn) initRecv(seg *Segment) {
	c.tcb.rcv.IRS = seg.SEQ
	c.tcb.rcv.NXT = seg.SEQ.Add(1)
	c.tcb.recv.SetSeqInitial(c.tcb.rcv.NXT)
	c.tcb.snd.WND = seg.WND
	c.tcb.updateRecvWindow()
}

// admit applies the acceptability test. Unacceptable segments are dropped
// without a reply.
func (c *VTCPConn) admit(seg *Segment) bool {
	if c.tcb.acceptable(seg) {
		return true
	}
	c.debug("unacceptable segment",
		slog.Uint64("seg.seq", uint64(seg.SEQ)),
		slog.Uint64("rcv.nxt", uint64(c.tcb.rcv.NXT)),
		slog.Uint64("rcv.wnd", uint64(c.tcb.rcv.WND)),
	)
	return false
}

// processAck validates seg's acknowledgment and advances SND.UNA and SND.WND.
// It returns false when the segment must be dropped.
func (c *VTCPConn) processAck(seg *Segment) bool {
	if !seg.Flags.HasAny(FlagACK) {
		c.debug("segment without ACK dropped")
		return false
	}
	switch c.tcb.classifyAck(seg.ACK) {
	case ackDuplicate:
		c.debug("duplicate ACK", slog.Uint64("seg.ack", uint64(seg.ACK)), slog.Uint64("snd.una", uint64(c.tcb.snd.UNA)))
		return false
	case ackUnsent:
		c.logerr("ACK for unsent data", slog.Uint64("seg.ack", uint64(seg.ACK)), slog.Uint64("snd.nxt", uint64(c.tcb.snd.NXT)))
		return false
	}
	c.tcb.snd.UNA = seg.ACK
	c.tcb.snd.WND = seg.WND
	c.traceSnd("ack processed")
	return true
}

// receive buffers the in-order part of seg's payload and consumes its FIN
// when every octet before it was accepted. Any segment occupying sequence
// space is acknowledged. It reports whether a FIN was consumed.
func (c *VTCPConn) receive(seg *Segment) (fin bool) {
	if seg.LEN() == 0 {
		return false
	}
	defer c.sendACK()
	if c.tcb.rcv.NXT.LessThan(seg.SEQ) {
		// No reassembly queue: octets past a gap are left for the peer to resend.
		c.debug("out of order segment", slog.Uint64("seg.seq", uint64(seg.SEQ)), slog.Uint64("rcv.nxt", uint64(c.tcb.rcv.NXT)))
		return false
	}
	skip := int(seg.SEQ.Size(c.tcb.rcv.NXT))
	if skip > len(seg.Payload) {
		return false
	}
	data := seg.Payload[skip:]
	n := minOf(len(data), c.tcb.recv.Available())
	if n > 0 {
		n, _ = c.tcb.recv.Write(data[:n], false)
		c.tcb.rcv.NXT = c.tcb.recv.Next()
	}
	if seg.Flags.HasAny(FlagFIN) && n == len(data) {
		c.tcb.rcv.NXT = c.tcb.rcv.NXT.Add(1)
		fin = true
	}
	c.tcb.updateRecvWindow()
	c.traceRcv("segment received")
	return fin
}

// drain sends queued data as far as the peer's window allows, in segments
// of at most MSS octets, then sends a latched FIN once the queue is empty.
// state is the state the connection is acting in and the one returned when
// no transition follows.
func (c *VTCPConn) drain(state State) State {
	tcb := &c.tcb
	for tcb.send.Count() > 0 {
		n := minOf(tcb.send.Count(), c.stack.cfg.MSS, int(tcb.usableWindow()))
		if n <= 0 {
			break
		}
		seq := tcb.send.First()
		payload := make([]byte, n)
		n, _ = tcb.send.Read(payload, false)
		if n == 0 {
			break
		}
		c.sendSegment(FlagACK, seq, payload[:n])
		tcb.snd.NXT = seq.Add(seqnum.Size(n))
	}
	if tcb.send.Count() > 0 {
		return state
	}
	switch {
	case state == StateEstablished && tcb.finPending:
		tcb.finPending = false
		c.sendFIN()
		return StateFinWait1
	case state == StateCloseWait && (tcb.lastAckPending || tcb.finPending):
		tcb.lastAckPending = false
		tcb.finPending = false
		c.sendFIN()
		return StateLastAck
	}
	return state
}

// windowUpdate recomputes RCV.WND after the application consumed data and
// advertises a window that reopened from zero.
func (c *VTCPConn) windowUpdate() {
	if c.tcb.updateRecvWindow() {
		c.sendACK()
	}
}

// reset aborts the connection after an acceptable RST.
func (c *VTCPConn) reset() State {
	c.info("connection reset", slog.String("state", c.tcb.state.String()))
	return StateClosed
}
