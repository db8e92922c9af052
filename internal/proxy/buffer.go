// Package proxy implements the Proxy Session Manager (§4.4), its ring
// buffer and upstream reader (§4.7), and the streaming HTTP server.
//
// Grounded on the donor's lib/acexy/copier.go for the chunk-timeout
// idiom (a timer reset on every write) and on proxy.go for the HTTP
// handler shape, disconnect classification, and buffer-size flag.Value
// pattern — adapted throughout from the donor's single-writer,
// single-reader push model to a ring-buffer fan-out that serves many
// concurrent pull-based readers per content id.
package proxy

import (
	"context"
	"sync"
)

// ringCapacity bounds the buffer to ~1000 chunks, per §4.7.
const ringCapacity = 1000

// RingBuffer is a bounded, absolute-indexed append log. One writer (the
// UpstreamReader) appends; any number of readers poll from an absolute
// index and silently skip whatever prefix has already been evicted.
//
// Wait(ctx, from) cannot be built on sync.Cond: Broadcast wakes every
// waiter, but a waiter's loop condition (no new data, not yet closed)
// may still hold, so it calls Wait again and can miss ctx's
// cancellation entirely if no further Broadcast ever arrives. Instead
// each Append/Close closes and replaces a "generation" channel; Wait
// selects on the current generation channel alongside ctx.Done(),
// which composes correctly with cancellation.
type RingBuffer struct {
	mu     sync.Mutex
	chunks [][]byte
	base   int64 // absolute index of chunks[0]; 0 before anything is appended
	head   int64 // absolute index one past the last appended chunk
	closed bool
	waitCh chan struct{}
}

// NewRingBuffer constructs an empty buffer.
func NewRingBuffer() *RingBuffer {
	return &RingBuffer{waitCh: make(chan struct{})}
}

// Append adds a chunk, evicting the oldest if at capacity. The absolute
// index keeps advancing even as chunks are dropped, so readers can
// detect they've fallen behind.
func (b *RingBuffer) Append(chunk []byte) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.chunks = append(b.chunks, chunk)
	b.head++
	if len(b.chunks) > ringCapacity {
		b.chunks = b.chunks[1:]
		b.base++
	}
	b.wake()
	b.mu.Unlock()
}

// Close marks the buffer permanently done; further Appends are no-ops
// and every blocked Wait returns immediately.
func (b *RingBuffer) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		b.wake()
	}
	b.mu.Unlock()
}

// wake closes the current generation channel and installs a fresh one.
// Must be called with mu held.
func (b *RingBuffer) wake() {
	close(b.waitCh)
	b.waitCh = make(chan struct{})
}

// Head returns the current absolute write position.
func (b *RingBuffer) Head() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head
}

// Closed reports whether the writer has finished.
func (b *RingBuffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Read returns every retained chunk at or after the absolute index
// from, plus the absolute index to resume from on the next call. If
// from is older than the oldest retained chunk, the returned resume
// index silently skips the lost prefix — per §4.7 this is a deliberate
// choice: a live-stream reader that fell behind recovers by skipping
// forward rather than blocking the writer.
func (b *RingBuffer) Read(from int64) ([][]byte, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if from < b.base {
		from = b.base
	}
	if from >= b.head {
		return nil, from
	}
	start := from - b.base
	out := make([][]byte, len(b.chunks[start:]))
	copy(out, b.chunks[start:])
	return out, b.head
}

// Wait blocks until new data is appended past from, the buffer closes,
// or ctx is done — whichever comes first. It returns immediately
// without blocking if data is already available.
func (b *RingBuffer) Wait(ctx context.Context, from int64) {
	b.mu.Lock()
	if b.head > from || b.closed {
		b.mu.Unlock()
		return
	}
	ch := b.waitCh
	b.mu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
	}
}
