package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/krinkuto11/acestream-orchestrator/internal/config"
)

func testReaderConfig() *config.Config {
	return &config.Config{
		ProxyConnectTimeout:      time.Second,
		ProxyReadTimeout:         2 * time.Second,
		ProxyBufferChunkSize:     1024,
		ProxyNoDataCheckInterval: 30 * time.Millisecond,
		ProxyNoDataTimeoutChecks: 3,
	}
}

func TestUpstreamReaderAppendsChunksUntilEOF(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		for i := 0; i < 5; i++ {
			fmt.Fprintf(w, "chunk%d", i)
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	buf := NewRingBuffer()
	r := NewUpstreamReader(testReaderConfig(), buf, nil)

	err := r.Run(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !buf.Closed() {
		t.Fatal("expected buffer to be closed after EOF")
	}
	chunks, _ := buf.Read(0)
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk appended")
	}
}

func TestUpstreamReaderEndsOnContextCancel(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.(http.Flusher).Flush()
		<-block
	}))
	defer srv.Close()
	defer close(block)

	buf := NewRingBuffer()
	r := NewUpstreamReader(testReaderConfig(), buf, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, srv.URL) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error on cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestUpstreamReaderFatalOnSustainedNoData(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.(http.Flusher).Flush()
		<-block
	}))
	defer srv.Close()
	defer close(block)

	buf := NewRingBuffer()
	cfg := testReaderConfig()
	r := NewUpstreamReader(cfg, buf, nil)

	err := r.Run(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("expected an error after sustained no-data past the configured timeout")
	}
}
