package proxy

import (
	"context"
	"testing"
	"time"
)

func TestRingBufferReadReturnsAppendedChunks(t *testing.T) {
	rb := NewRingBuffer()
	rb.Append([]byte("a"))
	rb.Append([]byte("b"))

	chunks, next := rb.Read(0)
	if len(chunks) != 2 || string(chunks[0]) != "a" || string(chunks[1]) != "b" {
		t.Fatalf("unexpected chunks: %v", chunks)
	}
	if next != 2 {
		t.Fatalf("expected next=2, got %d", next)
	}
}

func TestRingBufferEvictsOldestAtCapacity(t *testing.T) {
	rb := NewRingBuffer()
	for i := 0; i < ringCapacity+10; i++ {
		rb.Append([]byte{byte(i)})
	}

	chunks, next := rb.Read(0)
	if len(chunks) != ringCapacity {
		t.Fatalf("expected %d retained chunks, got %d", ringCapacity, len(chunks))
	}
	if next != int64(ringCapacity+10) {
		t.Fatalf("expected head to keep advancing past eviction, got %d", next)
	}
	// The oldest retained chunk should be byte(10), since 0..9 were evicted.
	if chunks[0][0] != 10 {
		t.Fatalf("expected oldest retained chunk to be 10, got %d", chunks[0][0])
	}
}

func TestRingBufferReadFromStaleIndexSkipsForward(t *testing.T) {
	rb := NewRingBuffer()
	for i := 0; i < ringCapacity+5; i++ {
		rb.Append([]byte{byte(i % 256)})
	}

	// Reading from absolute index 0 (long evicted) must not error or
	// block: it silently resumes from the oldest retained chunk.
	chunks, next := rb.Read(0)
	if len(chunks) != ringCapacity {
		t.Fatalf("expected full retained window, got %d chunks", len(chunks))
	}
	if next != int64(ringCapacity+5) {
		t.Fatalf("unexpected next index %d", next)
	}
}

func TestRingBufferWaitWakesOnAppend(t *testing.T) {
	rb := NewRingBuffer()
	done := make(chan struct{})
	go func() {
		rb.Wait(context.Background(), 0)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	rb.Append([]byte("x"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Append")
	}
}

func TestRingBufferWaitReturnsOnContextCancel(t *testing.T) {
	rb := NewRingBuffer()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rb.Wait(ctx, 0)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after context cancellation")
	}
}

func TestRingBufferWaitReturnsImmediatelyWhenDataAlreadyPresent(t *testing.T) {
	rb := NewRingBuffer()
	rb.Append([]byte("a"))

	done := make(chan struct{})
	go func() {
		rb.Wait(context.Background(), 0)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait should return immediately when data is already available")
	}
}

func TestRingBufferCloseWakesWaiters(t *testing.T) {
	rb := NewRingBuffer()
	done := make(chan struct{})
	go func() {
		rb.Wait(context.Background(), 0)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	rb.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Close")
	}
	if !rb.Closed() {
		t.Fatal("expected buffer to report closed")
	}
}
