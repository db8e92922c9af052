package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/krinkuto11/acestream-orchestrator/internal/config"
	"github.com/krinkuto11/acestream-orchestrator/internal/orcherr"
)

// UpstreamReader is the §4.7 single reader per session: one HTTP GET to
// the engine's playback URL, chunked into the session's RingBuffer.
//
// Each iteration spawns exactly one read goroutine and waits for it to
// resolve before starting the next: spawning a fresh goroutine per
// no-data tick (instead of per physical read) would let two goroutines
// call Read on the same response body concurrently, which is a data
// race acestream's engine connection does not tolerate.
type UpstreamReader struct {
	cfg *config.Config
	buf *RingBuffer
	hc  *http.Client
	log *slog.Logger
}

// NewUpstreamReader builds a reader whose HTTP client's dial timeout is
// bounded by cfg.ProxyConnectTimeout.
func NewUpstreamReader(cfg *config.Config, buf *RingBuffer, log *slog.Logger) *UpstreamReader {
	if log == nil {
		log = slog.Default()
	}
	dialer := &net.Dialer{Timeout: cfg.ProxyConnectTimeout}
	return &UpstreamReader{
		cfg: cfg,
		buf: buf,
		log: log,
		hc: &http.Client{
			Transport: &http.Transport{DialContext: dialer.DialContext},
		},
	}
}

type readResult struct {
	data []byte
	err  error
}

// Run opens playbackURL and streams chunks into the buffer until EOF,
// a fatal read error, sustained no-data past
// PROXY_NO_DATA_TIMEOUT_CHECKS x PROXY_NO_DATA_CHECK_INTERVAL, or ctx is
// canceled. It always closes the buffer before returning.
func (r *UpstreamReader) Run(ctx context.Context, playbackURL string) error {
	defer r.buf.Close()

	// The request's context governs the whole response body, so it is
	// ctx itself; the connect timeout is enforced by the client's dialer.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, playbackURL, nil)
	if err != nil {
		return fmt.Errorf("upstream reader: build request: %w", err)
	}
	res, err := r.hc.Do(req)
	if err != nil {
		return fmt.Errorf("upstream reader: connect: %w", err)
	}
	defer res.Body.Close()

	ticker := time.NewTicker(r.cfg.ProxyNoDataCheckInterval)
	defer ticker.Stop()

	chunkSize := r.cfg.ProxyBufferChunkSize
	if chunkSize <= 0 {
		chunkSize = 8 * 1024
	}

	resultCh := make(chan readResult, 1)
	reading := false
	noDataChecks := 0

	startRead := func() {
		reading = true
		go func() {
			chunk := make([]byte, chunkSize)
			n, rerr := res.Body.Read(chunk)
			var data []byte
			if n > 0 {
				data = make([]byte, n)
				copy(data, chunk[:n])
			}
			resultCh <- readResult{data: data, err: rerr}
		}()
	}
	startRead()

	for {
		select {
		case <-ctx.Done():
			return nil

		case rr := <-resultCh:
			reading = false
			if len(rr.data) > 0 {
				r.buf.Append(rr.data)
				noDataChecks = 0
			}
			if rr.err != nil {
				if rr.err == io.EOF {
					return nil
				}
				return r.classifyReadError(rr.err)
			}
			startRead()

		case <-ticker.C:
			noDataChecks++
			if noDataChecks >= r.cfg.ProxyNoDataTimeoutChecks {
				return orcherr.New(orcherr.UpstreamReadTimeout, "no data received within PROXY_NO_DATA_TIMEOUT")
			}
			if !reading {
				startRead()
			}
		}
	}
}

// classifyReadError wraps a read error with orcherr.UpstreamReadTimeout
// when it's a net.Error timeout, so the Session can decide whether to
// log it at INFO (no client waiting) or WARN (client waiting) without
// string-matching the error itself.
func (r *UpstreamReader) classifyReadError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return orcherr.Wrap(orcherr.UpstreamReadTimeout, "read timeout", err)
	}
	return fmt.Errorf("upstream reader: read: %w", err)
}
