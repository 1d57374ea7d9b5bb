package iptcpstack_test

import (
	"bytes"
	"context"
	"io"
	"net/netip"
	"testing"
	"time"

	"vtcp/pkg/ipstack"
	"vtcp/pkg/iptcpstack"
)

type host struct {
	ip  *ipstack.IPStack
	tcp *iptcpstack.TCPStack
}

func newHost(t *testing.T, ctx context.Context, hub *ipstack.Hub, vip netip.Addr, link netip.AddrPort, peer ipstack.Neighbor) host {
	t.Helper()
	ip, err := ipstack.New(ipstack.Config{
		Interface: ipstack.Interface{AssignedIP: vip, LinkAddr: link},
		Neighbors: []ipstack.Neighbor{peer},
	}, hub.Attach(link, 1024))
	if err != nil {
		t.Fatal(err)
	}
	tcp, err := iptcpstack.InitializeTCP(iptcpstack.Config{LocalAddr: vip, BufferSize: 1500, MSS: 500}, ip)
	if err != nil {
		t.Fatal(err)
	}
	ip.RegisterRecvHandler(iptcpstack.ProtocolNumber, func(p *ipstack.Packet) {
		tcp.HandlePacket(p.Header.Src, p.Header.Dst, p.Payload)
	})
	go ip.Run(ctx)
	go tcp.Run(ctx)
	return host{ip: ip, tcp: tcp}
}

func TestTCPOverIP(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var (
		vipA, vipB   = netip.MustParseAddr("192.168.0.1"), netip.MustParseAddr("192.168.0.2")
		linkA, linkB = netip.MustParseAddrPort("127.0.0.1:6001"), netip.MustParseAddrPort("127.0.0.1:6002")
	)
	hub := ipstack.NewHub()
	a := newHost(t, ctx, hub, vipA, linkA, ipstack.Neighbor{DestAddr: vipB, LinkAddr: linkB})
	b := newHost(t, ctx, hub, vipB, linkB, ipstack.Neighbor{DestAddr: vipA, LinkAddr: linkA})

	l, err := b.tcp.VListen(80)
	if err != nil {
		t.Fatal(err)
	}
	msg := bytes.Repeat([]byte("0123456789"), 400)
	got := make(chan []byte, 1)
	go func() {
		conn, err := l.VAccept(ctx)
		if err != nil {
			t.Error(err)
			got <- nil
			return
		}
		var buf bytes.Buffer
		p := make([]byte, 256)
		for {
			n, err := conn.VRead(p)
			buf.Write(p[:n])
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Error(err)
				break
			}
		}
		conn.VClose()
		got <- buf.Bytes()
	}()

	conn, err := a.tcp.VConnect(ctx, vipB, 80)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.VWrite(msg); err != nil {
		t.Fatal(err)
	}
	conn.VClose()
	if r := <-got; !bytes.Equal(r, msg) {
		t.Fatalf("received %d bytes, want %d", len(r), len(msg))
	}
	select {
	case <-conn.Done():
	case <-ctx.Done():
		t.Fatalf("client stuck in %s", conn.State())
	}
}

func TestMSSBoundedByIP(t *testing.T) {
	hub := ipstack.NewHub()
	vip := netip.MustParseAddr("192.168.0.1")
	ip, err := ipstack.New(ipstack.Config{
		Interface: ipstack.Interface{AssignedIP: vip},
	}, hub.Attach(netip.MustParseAddrPort("127.0.0.1:6003"), 1))
	if err != nil {
		t.Fatal(err)
	}
	limit := ip.MaxPayload() - 20
	if _, err := iptcpstack.InitializeTCP(iptcpstack.Config{LocalAddr: vip, MSS: limit + 1}, ip); err == nil {
		t.Fatalf("MSS %d accepted over a %d octet payload limit", limit+1, ip.MaxPayload())
	}
	if _, err := iptcpstack.InitializeTCP(iptcpstack.Config{LocalAddr: vip, MSS: limit}, ip); err != nil {
		t.Fatalf("MSS %d: %v", limit, err)
	}
}
