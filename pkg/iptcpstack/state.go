package iptcpstack

import "strconv"

// State enumerates the states of a TCP connection.
type State uint8

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateClosing
	StateTimeWait
	StateCloseWait
	StateLastAck
)

var stateNames = [...]string{
	StateClosed:      "CLOSED",
	StateListen:      "LISTEN",
	StateSynSent:     "SYN-SENT",
	StateSynRcvd:     "SYN-RECEIVED",
	StateEstablished: "ESTABLISHED",
	StateFinWait1:    "FIN-WAIT-1",
	StateFinWait2:    "FIN-WAIT-2",
	StateClosing:     "CLOSING",
	StateTimeWait:    "TIME-WAIT",
	StateCloseWait:   "CLOSE-WAIT",
	StateLastAck:     "LAST-ACK",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// IsSynchronized reports whether the handshake has completed at least once,
// i.e. the connection is past SYN-RECEIVED.
func (s State) IsSynchronized() bool {
	return s >= StateEstablished
}

// IsClosing reports whether a FIN has been sent or received.
func (s State) IsClosing() bool {
	return s > StateEstablished
}

// Event is an input to a connection's state machine. Application events come
// from the socket API, PacketArrival from the network and Timeout from the
// stack's timer.
type Event uint8

const (
	EventApplicationConnect Event = iota
	EventApplicationSend
	EventApplicationReceive
	EventApplicationClose
	EventPacketArrival
	EventTimeout
	// EventCleanup releases a closed connection's resources.
	EventCleanup
)

var eventNames = [...]string{
	EventApplicationConnect: "APPLICATION_CONNECT",
	EventApplicationSend:    "APPLICATION_SEND",
	EventApplicationReceive: "APPLICATION_RECEIVE",
	EventApplicationClose:   "APPLICATION_CLOSE",
	EventPacketArrival:      "PACKET_ARRIVAL",
	EventTimeout:            "TIMEOUT",
	EventCleanup:            "CLEANUP",
}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "Event(" + strconv.Itoa(int(e)) + ")"
}
