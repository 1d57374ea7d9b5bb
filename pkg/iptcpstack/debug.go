package iptcpstack

import (
	"log/slog"

	"vtcp/internal"
)

func (c *VTCPConn) logattrs(lvl slog.Level, msg string, attrs ...slog.Attr) {
	internal.LogAttrs(c.log, lvl, msg, attrs...)
}

func (c *VTCPConn) trace(msg string, attrs ...slog.Attr) {
	c.logattrs(internal.LevelTrace, msg, attrs...)
}

func (c *VTCPConn) debug(msg string, attrs ...slog.Attr) {
	c.logattrs(slog.LevelDebug, msg, attrs...)
}

func (c *VTCPConn) info(msg string, attrs ...slog.Attr) {
	c.logattrs(slog.LevelInfo, msg, attrs...)
}

func (c *VTCPConn) warn(msg string, attrs ...slog.Attr) {
	c.logattrs(slog.LevelWarn, msg, attrs...)
}

func (c *VTCPConn) logerr(msg string, attrs ...slog.Attr) {
	c.logattrs(slog.LevelError, msg, attrs...)
}

func (c *VTCPConn) traceSnd(msg string) {
	if internal.LogEnabled(c.log, internal.LevelTrace) {
		c.trace(msg,
			slog.String("state", c.tcb.state.String()),
			slog.Uint64("snd.una", uint64(c.tcb.snd.UNA)),
			slog.Uint64("snd.nxt", uint64(c.tcb.snd.NXT)),
			slog.Uint64("snd.wnd", uint64(c.tcb.snd.WND)),
			slog.Int("queued", c.tcb.send.Count()),
		)
	}
}

func (c *VTCPConn) traceRcv(msg string) {
	if internal.LogEnabled(c.log, internal.LevelTrace) {
		c.trace(msg,
			slog.String("state", c.tcb.state.String()),
			slog.Uint64("rcv.nxt", uint64(c.tcb.rcv.NXT)),
			slog.Uint64("rcv.wnd", uint64(c.tcb.rcv.WND)),
		)
	}
}

type logger struct {
	log *slog.Logger
}

func (l logger) debug(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelDebug, msg, attrs...)
}

func (l logger) info(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelInfo, msg, attrs...)
}

func (l logger) warn(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelWarn, msg, attrs...)
}
