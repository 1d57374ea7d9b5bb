// Package trace keeps a bounded log of the TCP segments a host exchanged,
// one RFC 9293 style line per segment:
//
//	SYN-SENT     --> <SEQ=300><ACK=0>[SYN]
//	SYN-SENT     <-- <SEQ=91><ACK=301>[SYN,ACK]
package trace

import (
	"io"
	"log/slog"
	"sync"

	"github.com/pkg/errors"
	"github.com/smallnest/ringbuffer"

	"vtcp/internal"
)

// Direction of a traced segment relative to the local host.
type Direction uint8

const (
	In Direction = iota
	Out
)

func (d Direction) String() string {
	if d == Out {
		return "out"
	}
	return "in"
}

// Sink stores trace lines in a ring, discarding the oldest lines once full.
// A nil *Sink discards everything.
type Sink struct {
	mu      sync.Mutex
	ring    *ringbuffer.RingBuffer
	log     *slog.Logger
	dropped int
}

// New returns a Sink holding up to size bytes of trace lines.
func New(size int, log *slog.Logger) *Sink {
	if size <= 0 {
		panic("trace: size must be positive")
	}
	return &Sink{ring: ringbuffer.New(size), log: log}
}

// Record appends one exchange line for a segment seen in state.
func (s *Sink) Record(dir Direction, state, seg string) {
	if s == nil {
		return
	}
	line := appendExchange(make([]byte, 0, 64), dir, state, seg)
	internal.LogAttrs(s.log, internal.LevelTrace, "seg",
		slog.String("dir", dir.String()),
		slog.String("state", state),
		slog.String("seg", seg),
	)
	s.mu.Lock()
	defer s.mu.Unlock()
	capacity := s.ring.Capacity()
	if len(line) > capacity {
		line = append(line[:capacity-1], '\n')
	}
	for s.ring.Free() < len(line) {
		s.dropOldest()
	}
	if _, err := s.ring.Write(line); err != nil {
		internal.LogAttrs(s.log, slog.LevelDebug, "trace line lost", slog.String("err", err.Error()))
	}
}

// Dump drains every buffered line into w.
func (s *Sink) Dump(w io.Writer) (int64, error) {
	if s == nil {
		return 0, nil
	}
	s.mu.Lock()
	n := s.ring.Length()
	buf := make([]byte, n)
	if n > 0 {
		n, _ = s.ring.Read(buf)
	}
	dropped := s.dropped
	s.dropped = 0
	s.mu.Unlock()
	if dropped > 0 {
		internal.LogAttrs(s.log, slog.LevelDebug, "trace lines discarded", slog.Int("n", dropped))
	}
	written, err := w.Write(buf[:n])
	return int64(written), errors.Wrap(err, "trace dump")
}

// Len returns the number of buffered bytes.
func (s *Sink) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.Length()
}

// dropOldest discards bytes up to and including the first newline.
func (s *Sink) dropOldest() {
	var b [1]byte
	for s.ring.Length() > 0 {
		if _, err := s.ring.Read(b[:]); err != nil {
			break
		}
		if b[0] == '\n' {
			break
		}
	}
	s.dropped++
}

func appendExchange(buf []byte, dir Direction, state, seg string) []byte {
	const pad = "            "
	buf = append(buf, state...)
	if len(state) < len(pad) {
		buf = append(buf, pad[:len(pad)-len(state)]...)
	}
	if dir == Out {
		buf = append(buf, " --> "...)
	} else {
		buf = append(buf, " <-- "...)
	}
	buf = append(buf, seg...)
	return append(buf, '\n')
}
