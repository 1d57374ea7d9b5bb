// Package buffer implements the fixed-capacity byte ring used for a
// connection's send and receive queues. Reads and writes may block on a
// condition variable until space or data is available, and the ring mirrors
// the TCP sequence numbers of the bytes it holds.
package buffer

import (
	"sync"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"github.com/smallnest/ringbuffer"
)

var (
	// ErrWouldBlock is returned by non-blocking operations that cannot
	// complete immediately.
	ErrWouldBlock = errors.New("buffer: operation would block")
	// ErrClosed is returned by writes on a buffer that is closing.
	ErrClosed = errors.New("buffer: closed")
)

// CircularBuffer is safe for concurrent use. The zero value is not usable,
// create one with New.
//
// Storage is a non-blocking ringbuffer.RingBuffer. All blocking, closing
// and sequence bookkeeping is done here under mu.
type CircularBuffer struct {
	mu   sync.Mutex
	cond sync.Cond

	// ring is nil once the buffer has been freed.
	ring *ringbuffer.RingBuffer

	seqStart seqnum.Value
	seqEnd   seqnum.Value

	closing   bool
	rwPending int
}

// New allocates a buffer holding up to capacity bytes.
func New(capacity int) *CircularBuffer {
	if capacity <= 0 {
		panic("buffer: capacity must be positive")
	}
	b := &CircularBuffer{ring: ringbuffer.New(capacity)}
	b.cond.L = &b.mu
	return b
}

// SetSeqInitial sets the sequence number of the next byte to be written.
// It should be called before any data is written.
func (b *CircularBuffer) SetSeqInitial(seq seqnum.Value) {
	b.mu.Lock()
	b.seqStart = seq
	b.seqEnd = seq
	b.mu.Unlock()
}

// First returns the sequence number of the oldest buffered byte.
func (b *CircularBuffer) First() seqnum.Value {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seqStart
}

// Next returns the sequence number the next written byte will carry.
func (b *CircularBuffer) Next() seqnum.Value {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seqEnd
}

// Write appends p to the buffer.
//
// A non-blocking write either stores all of p or nothing, returning
// ErrWouldBlock when p does not fit. A blocking write stores p piecewise,
// waiting for space as needed; if the buffer is closed while it waits the
// number of bytes stored so far is returned with a nil error.
func (b *CircularBuffer) Write(p []byte, blocking bool) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closing {
		return 0, ErrClosed
	}
	if !blocking {
		if len(p) > b.available() {
			return 0, ErrWouldBlock
		}
		n := b.put(p)
		if n > 0 {
			b.cond.Broadcast()
		}
		return n, nil
	}
	b.rwPending++
	defer b.release()
	n := 0
	for n < len(p) {
		for b.available() == 0 && !b.closing {
			b.cond.Wait()
		}
		if b.closing {
			break
		}
		n += b.put(p[n:])
		b.cond.Broadcast()
	}
	return n, nil
}

// Read moves up to len(p) bytes out of the buffer into p.
// An empty buffer returns ErrWouldBlock when non-blocking, otherwise Read
// waits for data. A closed buffer that has been drained returns 0, nil.
func (b *CircularBuffer) Read(p []byte, blocking bool) (int, error) {
	return b.take(p, blocking, true)
}

// Peek is like Read but leaves the bytes in the buffer.
func (b *CircularBuffer) Peek(p []byte, blocking bool) (int, error) {
	return b.take(p, blocking, false)
}

// Count returns the number of buffered bytes.
func (b *CircularBuffer) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count()
}

// Available returns the free space in bytes.
func (b *CircularBuffer) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available()
}

// Capacity returns the total storage of the buffer, zero once freed.
func (b *CircularBuffer) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ring == nil {
		return 0
	}
	return b.ring.Capacity()
}

// Close marks the buffer as closing, wakes every blocked reader and writer
// and returns once none of them remain inside the buffer. Bytes already
// buffered can still be read.
func (b *CircularBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closing = true
	b.cond.Broadcast()
	for b.rwPending > 0 {
		b.cond.Wait()
	}
}

// Free closes the buffer and releases its storage.
func (b *CircularBuffer) Free() {
	b.Close()
	b.mu.Lock()
	b.ring = nil
	b.seqStart = b.seqEnd
	b.mu.Unlock()
}

func (b *CircularBuffer) take(p []byte, blocking, consume bool) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(p) == 0 {
		return 0, nil
	}
	if b.count() == 0 {
		if b.closing {
			return 0, nil
		}
		if !blocking {
			return 0, ErrWouldBlock
		}
		b.rwPending++
		defer b.release()
		for b.count() == 0 && !b.closing {
			b.cond.Wait()
		}
		if b.count() == 0 {
			return 0, nil
		}
	}
	if !consume {
		return b.peek(p), nil
	}
	n, err := b.ring.Read(p)
	if err != nil {
		return n, errors.Wrap(err, "buffer read")
	}
	b.seqStart = b.seqStart.Add(seqnum.Size(n))
	b.cond.Broadcast()
	return n, nil
}

// release must be called with mu held.
func (b *CircularBuffer) release() {
	b.rwPending--
	b.cond.Broadcast()
}

// count and available must be called with mu held.
func (b *CircularBuffer) count() int {
	if b.ring == nil {
		return 0
	}
	return b.ring.Length()
}

func (b *CircularBuffer) available() int {
	if b.ring == nil {
		return 0
	}
	return b.ring.Free()
}

// put stores as much of p as fits. mu must be held.
func (b *CircularBuffer) put(p []byte) int {
	n := min(len(p), b.available())
	if n == 0 {
		return 0
	}
	n, _ = b.ring.Write(p[:n])
	b.seqEnd = b.seqEnd.Add(seqnum.Size(n))
	return n
}

// peek copies up to len(p) buffered bytes into p without consuming them.
// The ring only reads destructively, so its whole content is drained and
// written back in order. mu must be held and the buffer non-empty.
func (b *CircularBuffer) peek(p []byte) int {
	all := make([]byte, b.ring.Length())
	n, _ := b.ring.Read(all)
	b.ring.Write(all[:n])
	return copy(p, all[:n])
}
