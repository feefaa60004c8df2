// Package ring implements a single-producer/single-consumer byte ring for
// passing variable-length runs between a real-time audio thread and a
// networking thread.
//
// A run is never split across the end of the buffer: when the tail cannot
// hold the next run, the producer parks until the consumer has drained
// enough of the head, freezes the unread tail behind a watermark, and
// restarts at offset zero. Read hands back each region as one contiguous
// borrowed view, so the hot path never allocates or copies twice.
package ring

import (
	"sync/atomic"
	"time"
)

// parkInterval is how long the producer sleeps while waiting for the
// consumer to free space. One frame period is 20 ms, so 1 ms keeps the
// producer comfortably inside a single period.
const parkInterval = time.Millisecond

// Buffer is a lock-free SPSC byte ring with contiguous-run semantics.
// Exactly one goroutine may call Write and exactly one may call Read for
// the lifetime of the buffer.
type Buffer struct {
	buf  []byte
	size int64

	read      atomic.Int64 // advanced only by the consumer
	write     atomic.Int64 // advanced only by the producer
	watermark atomic.Int64 // end of valid pre-wrap data; == write while unwrapped

	// wrapped is owned by the producer: true while post-wrap data at the
	// start of the buffer coexists with unread pre-wrap data at the tail.
	wrapped bool

	closed atomic.Bool
}

// New returns a Buffer with the given capacity in bytes.
func New(capacity int) *Buffer {
	return &Buffer{
		buf:  make([]byte, capacity),
		size: int64(capacity),
	}
}

// Cap returns the buffer capacity in bytes.
func (b *Buffer) Cap() int { return int(b.size) }

// Write copies p into the ring as one contiguous run. It returns false if p
// can never fit (len(p) > capacity). When the ring is too full to accept the
// run it parks until the consumer catches up, so a producer that permanently
// outpaces its consumer will stall — size the ring for the longest expected
// consumer hiccup, and keep the capacity at least twice the largest run so
// the wrap always finds room below the read cursor.
func (b *Buffer) Write(p []byte) bool {
	n := int64(len(p))
	if n > b.size {
		return false
	}
	if n == 0 {
		return true
	}
	for {
		w := b.write.Load()
		r := b.read.Load()
		if b.wrapped {
			if r <= w {
				// Consumer crossed back into the post-wrap region.
				b.wrapped = false
				continue
			}
			// Strictly below the read cursor: letting the cursors collide
			// would make a full region indistinguishable from an empty one.
			if w+n < r {
				copy(b.buf[w:w+n], p)
				b.write.Store(w + n)
				return true
			}
		} else {
			if b.size-w >= n {
				copy(b.buf[w:w+n], p)
				b.watermark.Store(w + n)
				b.write.Store(w + n)
				return true
			}
			if r > n {
				// Wrap: the bytes below the read cursor are free. Freeze
				// the unread tail behind the watermark and restart at zero.
				copy(b.buf[:n], p)
				b.watermark.Store(w)
				b.write.Store(n)
				b.wrapped = true
				return true
			}
		}
		if b.closed.Load() {
			return false
		}
		time.Sleep(parkInterval)
	}
}

// Close releases a parked producer: a Write that cannot proceed returns
// false instead of waiting. Call during shutdown once the consumer is gone;
// already-buffered runs remain readable.
func (b *Buffer) Close() { b.closed.Store(true) }

// Read returns a contiguous view of all bytes currently readable without
// crossing the wrap boundary, or nil when the ring is empty. The view
// aliases the ring's storage. The read cursor is advanced past it before
// Read returns, so the view is only valid until the producer's next Write,
// which may reuse the region.
func (b *Buffer) Read() []byte {
	r := b.read.Load()
	w := b.write.Load()
	if w == r {
		return nil
	}
	if w > r {
		v := b.buf[r:w]
		b.read.Store(w)
		return v
	}
	// Wrapped: drain the frozen pre-wrap tail first, then the head.
	m := b.watermark.Load()
	if m > r {
		v := b.buf[r:m]
		b.read.Store(m)
		return v
	}
	v := b.buf[:w]
	b.read.Store(w)
	return v
}
