package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"time"

	"vtcp/internal"
	"vtcp/pkg/ipstack"
	"vtcp/pkg/iptcpstack"
	"vtcp/pkg/repl"
	"vtcp/pkg/trace"
)

const traceSize = 1 << 16

func main() {
	var (
		vip      = flag.String("vip", "10.0.0.1", "virtual IPv4 address of this host")
		peerVIP  = flag.String("peer-vip", "10.0.0.2", "virtual IPv4 address of the peer")
		listen   = flag.String("listen", "127.0.0.1:5000", "local UDP address of the link")
		peer     = flag.String("peer", "127.0.0.1:5001", "UDP address of the peer")
		level    = flag.String("log-level", "info", "log level: trace, debug, info, warn or error")
		timeWait = flag.Duration("time-wait", 0, "time spent in TIME-WAIT")
		mss      = flag.Int("mss", iptcpstack.DefaultMSS, "maximum segment payload")
		bufSize  = flag.Int("buffer", iptcpstack.DefaultBufferSize, "send and receive buffer size")
	)
	flag.Parse()
	if err := run(*vip, *peerVIP, *listen, *peer, *level, *timeWait, *mss, *bufSize); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(vip, peerVIP, listen, peer, level string, timeWait time.Duration, mss, bufSize int) error {
	lvl, err := internal.ParseLevel(level)
	if err != nil {
		return err
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))

	localVIP, err := netip.ParseAddr(vip)
	if err != nil {
		return err
	}
	remoteVIP, err := netip.ParseAddr(peerVIP)
	if err != nil {
		return err
	}
	localLink, err := netip.ParseAddrPort(listen)
	if err != nil {
		return err
	}
	remoteLink, err := netip.ParseAddrPort(peer)
	if err != nil {
		return err
	}

	link, err := ipstack.ListenUDP(localLink)
	if err != nil {
		return err
	}
	ip, err := ipstack.New(ipstack.Config{
		Interface: ipstack.Interface{AssignedIP: localVIP, LinkAddr: localLink},
		Neighbors: []ipstack.Neighbor{{DestAddr: remoteVIP, LinkAddr: remoteLink}},
		Logger:    log,
	}, link)
	if err != nil {
		link.Close()
		return err
	}
	sink := trace.New(traceSize, log)
	tcp, err := iptcpstack.InitializeTCP(iptcpstack.Config{
		LocalAddr:  localVIP,
		BufferSize: bufSize,
		MSS:        mss,
		TimeWait:   timeWait,
		Logger:     log,
		Trace:      sink,
	}, ip)
	if err != nil {
		link.Close()
		return err
	}
	ip.RegisterRecvHandler(iptcpstack.ProtocolNumber, func(p *ipstack.Packet) {
		tcp.HandlePacket(p.Header.Src, p.Header.Dst, p.Payload)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	go func() {
		if err := ip.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("ip stack stopped", slog.String("err", err.Error()))
			stop()
		}
	}()
	go tcp.Run(ctx)

	log.Info("host up", slog.String("vip", localVIP.String()), slog.String("link", link.LocalAddr().String()))
	return repl.New(ip, tcp, sink, os.Stdout).Run(ctx, os.Stdin)
}
