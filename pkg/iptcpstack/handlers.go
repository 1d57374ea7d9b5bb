package iptcpstack

import (
	"log/slog"
	"time"
)

// Each handler runs with the connection mutex held and returns the state the
// connection moves to. Returning the current state means no transition.

func (c *VTCPConn) handleClosed(ev Event, seg *Segment) State {
	switch ev {
	case EventApplicationConnect:
		c.initSend()
		c.tcb.updateRecvWindow()
		c.sendSegment(FlagSYN, c.tcb.snd.ISS, nil)
		return StateSynSent
	case EventCleanup:
		c.tcb.send.Free()
		c.tcb.recv.Free()
		c.freed = true
		c.stack.removeSocket(c.SID)
		c.debug("connection freed")
		return StateClosed
	case EventPacketArrival:
		c.debug("segment for closed connection dropped")
		return StateClosed
	case EventApplicationClose, EventTimeout, EventApplicationReceive:
		return StateClosed
	}
	return c.unexpected(ev)
}

func (c *VTCPConn) handleListen(ev Event, seg *Segment) State {
	switch ev {
	case EventPacketArrival:
		switch {
		case seg.Flags.HasAny(FlagRST):
			return StateListen
		case seg.Flags.HasAny(FlagACK):
			c.logerr("bad ACK in LISTEN", slog.Uint64("seg.ack", uint64(seg.ACK)))
			return StateListen
		case seg.Flags.HasAny(FlagSYN):
			c.initRecv(seg)
			c.initSend()
			c.sendSegment(FlagSYN|FlagACK, c.tcb.snd.ISS, nil)
			return StateSynRcvd
		}
		return StateListen
	case EventApplicationClose:
		return StateClosed
	case EventTimeout:
		return StateListen
	}
	return c.unexpected(ev)
}

func (c *VTCPConn) handleSynSent(ev Event, seg *Segment) State {
	switch ev {
	case EventPacketArrival:
		hasAck := seg.Flags.HasAny(FlagACK)
		if hasAck && (!c.tcb.snd.ISS.LessThan(seg.ACK) || c.tcb.snd.NXT.LessThan(seg.ACK)) {
			c.logerr("bad ACK in SYN-SENT", slog.Uint64("seg.ack", uint64(seg.ACK)), slog.Uint64("iss", uint64(c.tcb.snd.ISS)))
			return StateSynSent
		}
		if seg.Flags.HasAny(FlagRST) {
			if hasAck {
				c.info("connection refused")
				return StateClosed
			}
			return StateSynSent
		}
		if !seg.Flags.HasAny(FlagSYN) {
			return StateSynSent
		}
		c.initRecv(seg)
		if hasAck {
			c.tcb.snd.UNA = seg.ACK
		}
		if c.tcb.snd.ISS.LessThan(c.tcb.snd.UNA) {
			c.sendACK()
			return StateEstablished
		}
		// Simultaneous open.
		c.sendSegment(FlagSYN|FlagACK, c.tcb.snd.ISS, nil)
		return StateSynRcvd
	case EventApplicationClose:
		return StateClosed
	case EventApplicationSend, EventApplicationReceive, EventTimeout:
		return StateSynSent
	}
	return c.unexpected(ev)
}

func (c *VTCPConn) handleSynRcvd(ev Event, seg *Segment) State {
	switch ev {
	case EventPacketArrival:
		if !c.admit(seg) {
			return StateSynRcvd
		}
		if seg.Flags.HasAny(FlagRST) {
			return c.reset()
		}
		if !seg.Flags.HasAny(FlagACK) || c.tcb.classifyAck(seg.ACK) != ackValid || seg.ACK == c.tcb.snd.UNA {
			c.debug("SYN-RECEIVED segment dropped", slog.Uint64("seg.ack", uint64(seg.ACK)))
			return StateSynRcvd
		}
		// The handshake is complete; the rest of the segment is processed
		// as in ESTABLISHED.
		return c.establishedArrival(seg)
	case EventApplicationClose:
		if c.tcb.send.Count() > 0 {
			c.tcb.finPending = true
			return StateSynRcvd
		}
		c.sendFIN()
		return StateFinWait1
	case EventApplicationSend, EventApplicationReceive, EventTimeout:
		return StateSynRcvd
	}
	return c.unexpected(ev)
}

func (c *VTCPConn) handleEstablished(ev Event, seg *Segment) State {
	switch ev {
	case EventApplicationSend:
		return c.drain(StateEstablished)
	case EventApplicationReceive:
		c.windowUpdate()
		return StateEstablished
	case EventApplicationClose:
		if c.tcb.send.Count() > 0 {
			// FIN follows the queued data on a later send.
			c.tcb.finPending = true
			return StateEstablished
		}
		c.sendFIN()
		return StateFinWait1
	case EventPacketArrival:
		if !c.admit(seg) {
			return StateEstablished
		}
		if seg.Flags.HasAny(FlagRST) {
			return c.reset()
		}
		return c.establishedArrival(seg)
	case EventTimeout:
		c.trace("no retransmission timer")
		return StateEstablished
	}
	return c.unexpected(ev)
}

// establishedArrival processes the ACK, data and FIN of an admitted segment
// in ESTABLISHED.
func (c *VTCPConn) establishedArrival(seg *Segment) State {
	if !c.processAck(seg) {
		return StateEstablished
	}
	if c.receive(seg) {
		c.tcb.recv.Close()
		return c.drain(StateCloseWait)
	}
	return c.drain(StateEstablished)
}

func (c *VTCPConn) handleFinWait1(ev Event, seg *Segment) State {
	switch ev {
	case EventApplicationReceive:
		c.windowUpdate()
		return StateFinWait1
	case EventPacketArrival:
		if !c.admit(seg) {
			return StateFinWait1
		}
		if seg.Flags.HasAny(FlagRST) {
			return c.reset()
		}
		if !c.processAck(seg) {
			return StateFinWait1
		}
		finAcked := c.tcb.allAcked()
		fin := c.receive(seg)
		if fin {
			c.tcb.recv.Close()
		}
		switch {
		case fin && finAcked:
			return StateTimeWait
		case fin:
			return StateClosing
		case finAcked:
			return StateFinWait2
		}
		return StateFinWait1
	case EventApplicationSend, EventApplicationClose, EventTimeout:
		return StateFinWait1
	}
	return c.unexpected(ev)
}

func (c *VTCPConn) handleFinWait2(ev Event, seg *Segment) State {
	switch ev {
	case EventApplicationReceive:
		c.windowUpdate()
		return StateFinWait2
	case EventPacketArrival:
		if !c.admit(seg) {
			return StateFinWait2
		}
		if seg.Flags.HasAny(FlagRST) {
			return c.reset()
		}
		if !c.processAck(seg) {
			return StateFinWait2
		}
		if c.receive(seg) {
			c.tcb.recv.Close()
			return StateTimeWait
		}
		return StateFinWait2
	case EventApplicationSend, EventApplicationClose, EventTimeout:
		return StateFinWait2
	}
	return c.unexpected(ev)
}

func (c *VTCPConn) handleClosing(ev Event, seg *Segment) State {
	switch ev {
	case EventPacketArrival:
		if !c.admit(seg) {
			return StateClosing
		}
		if seg.Flags.HasAny(FlagRST) {
			return c.reset()
		}
		if c.processAck(seg) && c.tcb.allAcked() {
			return StateTimeWait
		}
		return StateClosing
	case EventApplicationSend, EventApplicationReceive, EventApplicationClose, EventTimeout:
		return StateClosing
	}
	return c.unexpected(ev)
}

// handleTimeWait moves to CLOSED once the TIME-WAIT period is over. With the
// default zero period that is on the first event after entering the state.
func (c *VTCPConn) handleTimeWait(ev Event, seg *Segment) State {
	if ev == EventPacketArrival && seg.Flags.HasAny(FlagFIN) {
		// Our ACK of the peer's FIN was lost.
		c.sendACK()
	}
	if time.Now().Before(c.timeWaitEnd) {
		return StateTimeWait
	}
	return StateClosed
}

func (c *VTCPConn) handleCloseWait(ev Event, seg *Segment) State {
	switch ev {
	case EventApplicationSend:
		return c.drain(StateCloseWait)
	case EventApplicationClose:
		if c.tcb.send.Count() > 0 {
			c.tcb.lastAckPending = true
			return StateCloseWait
		}
		c.sendFIN()
		return StateLastAck
	case EventApplicationReceive:
		c.tcb.updateRecvWindow()
		return StateCloseWait
	case EventPacketArrival:
		if !c.admit(seg) {
			return StateCloseWait
		}
		if seg.Flags.HasAny(FlagRST) {
			return c.reset()
		}
		if !c.processAck(seg) {
			return StateCloseWait
		}
		return c.drain(StateCloseWait)
	case EventTimeout:
		return StateCloseWait
	}
	return c.unexpected(ev)
}

func (c *VTCPConn) handleLastAck(ev Event, seg *Segment) State {
	switch ev {
	case EventPacketArrival:
		if !c.admit(seg) {
			return StateLastAck
		}
		if seg.Flags.HasAny(FlagRST) {
			return c.reset()
		}
		if c.processAck(seg) && c.tcb.allAcked() {
			return StateClosed
		}
		return StateLastAck
	case EventApplicationSend, EventApplicationReceive, EventApplicationClose, EventTimeout:
		return StateLastAck
	}
	return c.unexpected(ev)
}
