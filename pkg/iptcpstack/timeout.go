package iptcpstack

import (
	"context"
	"time"
)

// Run delivers a TIMEOUT event to every bound connection each
// TimeoutInterval until ctx is done. Connections lingering in TIME-WAIT
// reach CLOSED on the first tick after their period ends.
func (s *TCPStack) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TimeoutInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *TCPStack) tick() {
	for _, c := range s.connections() {
		c.Dispatch(EventTimeout, nil)
	}
}
