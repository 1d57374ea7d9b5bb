package iptcpstack

import (
	"bytes"
	"io"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
)

const (
	testISS       seqnum.Value = 1000
	testIRS       seqnum.Value = 5000
	testLocalPort uint16       = 80
	testPeerPort  uint16       = 5555
)

var (
	testLocal = netip.MustParseAddr("10.0.0.1")
	testPeer  = netip.MustParseAddr("10.0.0.2")
)

// capture is an IPSender recording every packet.
type capture struct {
	mu   sync.Mutex
	pkts [][]byte
}

func (c *capture) SendIP(dst netip.Addr, protocol uint8, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pkts = append(c.pkts, append([]byte(nil), payload...))
	return nil
}

// take returns and forgets the segments sent so far.
func (c *capture) take(t *testing.T) []Segment {
	t.Helper()
	c.mu.Lock()
	pkts := c.pkts
	c.pkts = nil
	c.mu.Unlock()
	segs := make([]Segment, len(pkts))
	for i, b := range pkts {
		seg, err := ParseSegment(testLocal, testPeer, b)
		if err != nil {
			t.Fatalf("sent invalid segment: %v", err)
		}
		segs[i] = seg
	}
	return segs
}

func newTestStack(t *testing.T, cfg Config) (*TCPStack, *capture) {
	t.Helper()
	sink := &capture{}
	cfg.LocalAddr = testLocal
	if cfg.ISS == nil {
		cfg.ISS = func() seqnum.Value { return testISS }
	}
	s, err := InitializeTCP(cfg, sink)
	if err != nil {
		t.Fatal(err)
	}
	return s, sink
}

// newTestConn binds a connection to the test peer in state CLOSED.
func newTestConn(s *TCPStack) *VTCPConn {
	key := fourTuple{localPort: testLocalPort, remoteAddr: testPeer, remotePort: testPeerPort}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.newConn(key)
	c.appOwned = true
	s.conns[key] = c
	s.addSocket(&Socket{SID: c.SID, Conn: c})
	return c
}

// establish puts c in ESTABLISHED as if the handshake had just completed
// with a peer advertising wnd.
func establish(c *VTCPConn, wnd seqnum.Size) {
	c.tcb.state = StateEstablished
	c.tcb.snd = sendSpace{ISS: testISS, UNA: testISS + 1, NXT: testISS + 1, WND: wnd}
	c.tcb.rcv = recvSpace{IRS: testIRS, NXT: testIRS + 1, WND: seqnum.Size(c.tcb.recv.Available())}
	c.tcb.send.SetSeqInitial(testISS + 1)
	c.tcb.recv.SetSeqInitial(testIRS + 1)
	c.synced = true
	close(c.established)
}

func peerSeg(flags Flags, seq, ack seqnum.Value, wnd seqnum.Size, payload string) *Segment {
	seg := &Segment{
		SrcPort: testPeerPort,
		DstPort: testLocalPort,
		SEQ:     seq,
		ACK:     ack,
		WND:     wnd,
		Flags:   flags,
	}
	if payload != "" {
		seg.Payload = []byte(payload)
	}
	return seg
}

func wantState(t *testing.T, c *VTCPConn, want State) {
	t.Helper()
	if got := c.State(); got != want {
		t.Fatalf("state %s, want %s", got, want)
	}
}

func TestActiveOpen(t *testing.T) {
	s, sent := newTestStack(t, Config{BufferSize: 2048})
	c := newTestConn(s)
	c.Dispatch(EventApplicationConnect, nil)
	wantState(t, c, StateSynSent)
	segs := sent.take(t)
	if len(segs) != 1 {
		t.Fatalf("sent %d segments", len(segs))
	}
	syn := segs[0]
	if syn.Flags != FlagSYN || syn.SEQ != testISS || syn.WND != 2048 {
		t.Fatalf("bad SYN %s", &syn)
	}
	if c.tcb.snd.UNA != testISS || c.tcb.snd.NXT != testISS+1 {
		t.Fatalf("una=%d nxt=%d", c.tcb.snd.UNA, c.tcb.snd.NXT)
	}

	c.Dispatch(EventPacketArrival, peerSeg(FlagSYN|FlagACK, testIRS, testISS+1, 3000, ""))
	wantState(t, c, StateEstablished)
	segs = sent.take(t)
	if len(segs) != 1 || segs[0].Flags != FlagACK || segs[0].SEQ != testISS+1 || segs[0].ACK != testIRS+1 {
		t.Fatalf("bad handshake ACK %v", segs)
	}
	if c.tcb.snd.WND != 3000 || c.tcb.rcv.IRS != testIRS || c.tcb.rcv.NXT != testIRS+1 {
		t.Fatalf("tcb not synchronized: %+v %+v", c.tcb.snd, c.tcb.rcv)
	}
	select {
	case <-c.established:
	default:
		t.Fatal("established not signalled")
	}
}

func TestSynSentBadAck(t *testing.T) {
	for _, ack := range []seqnum.Value{testISS, testISS - 10, testISS + 2} {
		s, sent := newTestStack(t, Config{})
		c := newTestConn(s)
		c.Dispatch(EventApplicationConnect, nil)
		sent.take(t)
		c.Dispatch(EventPacketArrival, peerSeg(FlagSYN|FlagACK, testIRS, ack, 1000, ""))
		wantState(t, c, StateSynSent)
		if segs := sent.take(t); len(segs) != 0 {
			t.Fatalf("ack=%d: replied with %v", ack, segs)
		}
	}
}

func TestSimultaneousOpen(t *testing.T) {
	s, sent := newTestStack(t, Config{})
	c := newTestConn(s)
	c.Dispatch(EventApplicationConnect, nil)
	sent.take(t)
	c.Dispatch(EventPacketArrival, peerSeg(FlagSYN, testIRS, 0, 1000, ""))
	wantState(t, c, StateSynRcvd)
	segs := sent.take(t)
	if len(segs) != 1 || segs[0].Flags != FlagSYN|FlagACK || segs[0].SEQ != testISS || segs[0].ACK != testIRS+1 {
		t.Fatalf("bad SYN-ACK %v", segs)
	}
	c.Dispatch(EventPacketArrival, peerSeg(FlagACK, testIRS+1, testISS+1, 1000, ""))
	wantState(t, c, StateEstablished)
}

func TestPassiveOpen(t *testing.T) {
	s, sent := newTestStack(t, Config{})
	l, err := s.VListen(testLocalPort)
	if err != nil {
		t.Fatal(err)
	}
	syn := peerSeg(FlagSYN, testIRS, 0, 4000, "")
	s.HandlePacket(testPeer, testLocal, syn.Marshal(testPeer, testLocal))
	segs := sent.take(t)
	if len(segs) != 1 {
		t.Fatalf("sent %d segments", len(segs))
	}
	if sa := segs[0]; sa.Flags != FlagSYN|FlagACK || sa.SEQ != testISS || sa.ACK != testIRS+1 {
		t.Fatalf("bad SYN-ACK %s", &sa)
	}
	ack := peerSeg(FlagACK, testIRS+1, testISS+1, 4000, "")
	s.HandlePacket(testPeer, testLocal, ack.Marshal(testPeer, testLocal))
	if segs := sent.take(t); len(segs) != 0 {
		t.Fatalf("replied to final handshake ACK: %v", segs)
	}
	select {
	case c := <-l.acceptQ:
		wantState(t, c, StateEstablished)
		if c.tcb.snd.WND != 4000 || c.RemotePort != testPeerPort {
			t.Fatalf("bad accepted conn wnd=%d port=%d", c.tcb.snd.WND, c.RemotePort)
		}
	default:
		t.Fatal("connection not queued for accept")
	}
}

func TestListenRejectsAck(t *testing.T) {
	s, sent := newTestStack(t, Config{})
	c := newTestConn(s)
	c.tcb.state = StateListen
	c.Dispatch(EventPacketArrival, peerSeg(FlagACK, testIRS, testISS, 1000, ""))
	wantState(t, c, StateListen)
	if segs := sent.take(t); len(segs) != 0 {
		t.Fatalf("replied %v", segs)
	}
}

func TestSendSingleSegment(t *testing.T) {
	s, sent := newTestStack(t, Config{})
	c := newTestConn(s)
	establish(c, 1000)
	data := bytes.Repeat([]byte{'x'}, 50)
	c.tcb.send.Write(data, false)
	oldNXT := c.tcb.snd.NXT
	c.Dispatch(EventApplicationSend, nil)
	segs := sent.take(t)
	if len(segs) != 1 {
		t.Fatalf("sent %d segments", len(segs))
	}
	seg := segs[0]
	if seg.SEQ != oldNXT || seg.ACK != c.tcb.rcv.NXT || !seg.Flags.HasAny(FlagACK) || !bytes.Equal(seg.Payload, data) {
		t.Fatalf("bad data segment %s", &seg)
	}
	if c.tcb.snd.NXT != oldNXT+50 {
		t.Fatalf("snd.nxt=%d, want %d", c.tcb.snd.NXT, oldNXT+50)
	}
	if c.tcb.send.Count() != 0 {
		t.Fatal("send buffer not drained")
	}
}

func TestSendSegmentation(t *testing.T) {
	s, sent := newTestStack(t, Config{MSS: 536})
	c := newTestConn(s)
	establish(c, 1000)
	c.tcb.send.Write(make([]byte, 1200), false)
	c.Dispatch(EventApplicationSend, nil)
	segs := sent.take(t)
	if len(segs) != 2 || len(segs[0].Payload) != 536 || len(segs[1].Payload) != 464 {
		t.Fatalf("segments %v", segs)
	}
	if segs[1].SEQ != segs[0].SEQ+536 {
		t.Fatalf("second seq %d", segs[1].SEQ)
	}
	if c.tcb.send.Count() != 200 || c.tcb.usableWindow() != 0 {
		t.Fatalf("queued=%d usable=%d", c.tcb.send.Count(), c.tcb.usableWindow())
	}
	// Opening the window releases the rest.
	c.Dispatch(EventPacketArrival, peerSeg(FlagACK, testIRS+1, c.tcb.snd.NXT, 1000, ""))
	segs = sent.take(t)
	if len(segs) != 1 || len(segs[0].Payload) != 200 {
		t.Fatalf("after ACK sent %v", segs)
	}
}

func TestReceiveInOrder(t *testing.T) {
	s, sent := newTestStack(t, Config{BufferSize: 100})
	c := newTestConn(s)
	establish(c, 1000)
	c.Dispatch(EventPacketArrival, peerSeg(FlagACK, testIRS+1, testISS+1, 1000, "hello"))
	segs := sent.take(t)
	if len(segs) != 1 || segs[0].ACK != testIRS+6 || segs[0].WND != 95 {
		t.Fatalf("bad ACK %v", segs)
	}
	buf := make([]byte, 10)
	n, err := c.VRead(buf)
	if err != nil || string(buf[:n]) != "hello" {
		t.Fatalf("read %q %v", buf[:n], err)
	}
	// Retransmitted prefix is trimmed.
	c.Dispatch(EventPacketArrival, peerSeg(FlagACK, testIRS+4, testISS+1, 1000, "lo world"))
	sent.take(t)
	n, _ = c.VRead(buf)
	if string(buf[:n]) != " world" {
		t.Fatalf("read %q after overlap", buf[:n])
	}
}

func TestReceiveOutOfOrder(t *testing.T) {
	s, sent := newTestStack(t, Config{})
	c := newTestConn(s)
	establish(c, 1000)
	c.Dispatch(EventPacketArrival, peerSeg(FlagACK, testIRS+10, testISS+1, 1000, "later"))
	segs := sent.take(t)
	if len(segs) != 1 || segs[0].ACK != testIRS+1 {
		t.Fatalf("expected duplicate ACK, got %v", segs)
	}
	if c.tcb.recv.Count() != 0 || c.tcb.rcv.NXT != testIRS+1 {
		t.Fatal("out of order data buffered")
	}
}

func TestWindowUpdate(t *testing.T) {
	s, sent := newTestStack(t, Config{BufferSize: 8})
	c := newTestConn(s)
	establish(c, 1000)
	c.Dispatch(EventPacketArrival, peerSeg(FlagACK, testIRS+1, testISS+1, 1000, "12345678"))
	segs := sent.take(t)
	if len(segs) != 1 || segs[0].WND != 0 {
		t.Fatalf("expected zero window ACK, got %v", segs)
	}
	buf := make([]byte, 4)
	c.VRead(buf)
	segs = sent.take(t)
	if len(segs) != 1 || segs[0].WND != 4 || segs[0].ACK != testIRS+9 {
		t.Fatalf("expected window update, got %v", segs)
	}
}

func TestDuplicateAck(t *testing.T) {
	s, sent := newTestStack(t, Config{})
	c := newTestConn(s)
	establish(c, 1000)
	c.tcb.snd.UNA = testISS + 101
	c.tcb.snd.NXT = testISS + 101
	before := c.tcb
	c.Dispatch(EventPacketArrival, peerSeg(FlagACK, testIRS+1, testISS+50, 10, ""))
	wantState(t, c, StateEstablished)
	if c.tcb.snd != before.snd || c.tcb.rcv != before.rcv {
		t.Fatalf("duplicate ACK changed tcb: %+v", c.tcb.snd)
	}
	if segs := sent.take(t); len(segs) != 0 {
		t.Fatalf("replied %v", segs)
	}
}

func TestAckUnsentDropped(t *testing.T) {
	s, sent := newTestStack(t, Config{})
	c := newTestConn(s)
	establish(c, 1000)
	c.Dispatch(EventPacketArrival, peerSeg(FlagACK, testIRS+1, testISS+500, 1000, "data"))
	if c.tcb.snd.UNA != testISS+1 || c.tcb.recv.Count() != 0 {
		t.Fatal("segment acknowledging unsent data was processed")
	}
	if segs := sent.take(t); len(segs) != 0 {
		t.Fatalf("replied %v", segs)
	}
}

func TestUnacceptableSegment(t *testing.T) {
	s, sent := newTestStack(t, Config{BufferSize: 100})
	c := newTestConn(s)
	establish(c, 1000)
	tests := []struct {
		name string
		seq  seqnum.Value
	}{
		{"beyond window", testIRS + 1 + 100},
		{"far beyond", testIRS + 100000},
		{"old", testIRS - 50},
	}
	for _, tc := range tests {
		c.Dispatch(EventPacketArrival, peerSeg(FlagACK, tc.seq, testISS+1, 1000, "abc"))
		wantState(t, c, StateEstablished)
		if segs := sent.take(t); len(segs) != 0 {
			t.Errorf("%s: replied %v", tc.name, segs)
		}
		if c.tcb.recv.Count() != 0 {
			t.Errorf("%s: data buffered", tc.name)
		}
	}
}

func TestActiveCloseLatched(t *testing.T) {
	s, sent := newTestStack(t, Config{})
	c := newTestConn(s)
	establish(c, 0)
	c.tcb.send.Write([]byte("pending"), false)
	if err := c.VClose(); err != nil {
		t.Fatal(err)
	}
	wantState(t, c, StateEstablished)
	if !c.tcb.finPending {
		t.Fatal("close not latched")
	}
	if segs := sent.take(t); len(segs) != 0 {
		t.Fatalf("sent %v into zero window", segs)
	}

	// Window opens: data then FIN.
	c.Dispatch(EventPacketArrival, peerSeg(FlagACK, testIRS+1, testISS+1, 1000, ""))
	wantState(t, c, StateFinWait1)
	segs := sent.take(t)
	if len(segs) != 2 || string(segs[0].Payload) != "pending" || !segs[1].Flags.HasAll(FlagFIN|FlagACK) {
		t.Fatalf("sent %v", segs)
	}
	if segs[1].SEQ != testISS+1+7 || c.tcb.snd.NXT != testISS+1+8 {
		t.Fatalf("FIN seq=%d snd.nxt=%d", segs[1].SEQ, c.tcb.snd.NXT)
	}

	c.Dispatch(EventPacketArrival, peerSeg(FlagACK, testIRS+1, c.tcb.snd.NXT, 1000, ""))
	wantState(t, c, StateFinWait2)

	c.Dispatch(EventPacketArrival, peerSeg(FlagFIN|FlagACK, testIRS+1, c.tcb.snd.NXT, 1000, ""))
	wantState(t, c, StateClosed)
	segs = sent.take(t)
	if len(segs) != 1 || segs[0].ACK != testIRS+2 {
		t.Fatalf("FIN not acknowledged: %v", segs)
	}
	if _, ok := s.FindSocket(c.SID); ok {
		t.Fatal("closed connection still in socket table")
	}
}

func TestCloseWaitsForSend(t *testing.T) {
	tests := []struct {
		name       string
		peerClosed bool
		latched    func(*ControlBlock) bool
		want       State
	}{
		{"established", false, func(tcb *ControlBlock) bool { return tcb.finPending }, StateFinWait1},
		{"close-wait", true, func(tcb *ControlBlock) bool { return tcb.lastAckPending }, StateLastAck},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, sent := newTestStack(t, Config{})
			c := newTestConn(s)
			establish(c, 1000)
			if tc.peerClosed {
				c.Dispatch(EventPacketArrival, peerSeg(FlagFIN|FlagACK, testIRS+1, testISS+1, 1000, ""))
				wantState(t, c, StateCloseWait)
				sent.take(t)
			}
			before := c.State()
			c.tcb.send.Write([]byte("pending"), false)
			if err := c.VClose(); err != nil {
				t.Fatal(err)
			}
			wantState(t, c, before)
			if !tc.latched(&c.tcb) {
				t.Fatal("close not latched")
			}
			if segs := sent.take(t); len(segs) != 0 {
				t.Fatalf("close with queued data sent %v", segs)
			}

			c.Dispatch(EventApplicationSend, nil)
			wantState(t, c, tc.want)
			segs := sent.take(t)
			if len(segs) != 2 || string(segs[0].Payload) != "pending" || segs[0].SEQ != testISS+1 {
				t.Fatalf("sent %v", segs)
			}
			if !segs[1].Flags.HasAll(FlagFIN|FlagACK) || segs[1].SEQ != testISS+8 || c.tcb.snd.NXT != testISS+9 {
				t.Fatalf("FIN %s snd.nxt=%d", &segs[1], c.tcb.snd.NXT)
			}
			if tc.latched(&c.tcb) {
				t.Fatal("latch not cleared after FIN")
			}
		})
	}
}

func TestHandshakeAckCarriesFin(t *testing.T) {
	s, sent := newTestStack(t, Config{})
	c := newTestConn(s)
	c.tcb.state = StateListen
	c.Dispatch(EventPacketArrival, peerSeg(FlagSYN, testIRS, 0, 1000, ""))
	wantState(t, c, StateSynRcvd)
	sent.take(t)
	c.Dispatch(EventPacketArrival, peerSeg(FlagFIN|FlagACK, testIRS+1, testISS+1, 1000, "hi"))
	wantState(t, c, StateCloseWait)
	segs := sent.take(t)
	if len(segs) != 1 || segs[0].ACK != testIRS+4 {
		t.Fatalf("sent %v", segs)
	}
	select {
	case <-c.established:
	default:
		t.Fatal("handshake completion not signalled")
	}
}

func TestPassiveClose(t *testing.T) {
	s, sent := newTestStack(t, Config{})
	c := newTestConn(s)
	establish(c, 1000)
	c.Dispatch(EventPacketArrival, peerSeg(FlagFIN|FlagACK, testIRS+1, testISS+1, 1000, "bye"))
	wantState(t, c, StateCloseWait)
	segs := sent.take(t)
	if len(segs) != 1 || segs[0].ACK != testIRS+1+4 {
		t.Fatalf("FIN not acknowledged: %v", segs)
	}
	buf := make([]byte, 8)
	n, err := c.VRead(buf)
	if string(buf[:n]) != "bye" || err != nil {
		t.Fatalf("read %q %v", buf[:n], err)
	}
	if _, err := c.VRead(buf); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
	c.VClose()
	wantState(t, c, StateLastAck)
	segs = sent.take(t)
	if len(segs) != 1 || !segs[0].Flags.HasAny(FlagFIN) {
		t.Fatalf("expected FIN, got %v", segs)
	}
	c.Dispatch(EventPacketArrival, peerSeg(FlagACK, testIRS+5, c.tcb.snd.NXT, 1000, ""))
	wantState(t, c, StateClosed)
	if !c.freed {
		t.Fatal("connection not cleaned up")
	}
	if _, ok := s.FindSocket(c.SID); ok {
		t.Fatal("socket table entry not removed")
	}
}

func TestSimultaneousClose(t *testing.T) {
	s, sent := newTestStack(t, Config{})
	c := newTestConn(s)
	establish(c, 1000)
	c.VClose()
	wantState(t, c, StateFinWait1)
	finSeq := c.tcb.snd.NXT - 1
	c.Dispatch(EventPacketArrival, peerSeg(FlagFIN|FlagACK, testIRS+1, finSeq, 1000, ""))
	wantState(t, c, StateClosing)
	c.Dispatch(EventPacketArrival, peerSeg(FlagACK, testIRS+2, c.tcb.snd.NXT, 1000, ""))
	wantState(t, c, StateClosed)
	sent.take(t)
}

func TestTimeWaitPeriod(t *testing.T) {
	s, _ := newTestStack(t, Config{TimeWait: 20 * time.Millisecond})
	c := newTestConn(s)
	establish(c, 1000)
	c.VClose()
	c.Dispatch(EventPacketArrival, peerSeg(FlagFIN|FlagACK, testIRS+1, c.tcb.snd.NXT, 1000, ""))
	wantState(t, c, StateTimeWait)
	s.tick()
	wantState(t, c, StateTimeWait)
	time.Sleep(30 * time.Millisecond)
	s.tick()
	wantState(t, c, StateClosed)
}

func TestCloseLatchPerConnection(t *testing.T) {
	s, sent := newTestStack(t, Config{})
	a := newTestConn(s)
	establish(a, 0)
	a.tcb.send.Write([]byte("queued"), false)
	a.VClose()

	key := fourTuple{localPort: testLocalPort + 1, remoteAddr: testPeer, remotePort: testPeerPort}
	s.mu.Lock()
	b := s.newConn(key)
	s.conns[key] = b
	s.mu.Unlock()
	establish(b, 1000)
	b.tcb.send.Write([]byte("data"), false)
	b.Dispatch(EventApplicationSend, nil)
	wantState(t, b, StateEstablished)
	for _, seg := range sent.take(t) {
		if seg.Flags.HasAny(FlagFIN) {
			t.Fatal("close latched on one connection sent FIN on another")
		}
	}
	if b.tcb.finPending || !a.tcb.finPending {
		t.Fatal("latches not independent")
	}
}

func TestResetAborts(t *testing.T) {
	s, _ := newTestStack(t, Config{})
	c := newTestConn(s)
	establish(c, 1000)
	c.Dispatch(EventPacketArrival, peerSeg(FlagRST, testIRS+1, 0, 0, ""))
	wantState(t, c, StateClosed)
	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed")
	}
}
