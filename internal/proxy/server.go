package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/krinkuto11/acestream-orchestrator/internal/orcherr"
	"github.com/krinkuto11/acestream-orchestrator/lib/acexy"
	"github.com/krinkuto11/acestream-orchestrator/lib/debug"
)

// getstreamPath and statusPath mirror the donor's APIv1_URL routes.
const (
	getstreamPath = "/ace/getstream"
	statusPath    = "/ace/status"
)

// Server is the streaming HTTP front end: it resolves a content id to a
// Session via the Manager and copies the session's ring buffer to the
// response writer, one client at a time.
type Server struct {
	mgr *Manager
	log *slog.Logger
}

// NewServer builds a Server backed by mgr.
func NewServer(mgr *Manager, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{mgr: mgr, log: log}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == getstreamPath, r.URL.Path == getstreamPath+"/":
		s.handleStream(w, r)
	case r.URL.Path == statusPath, r.URL.Path == statusPath+"/":
		s.handleStatus(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	dbg := debug.GetDebugLogger()
	statusCode := http.StatusOK
	var aceIDStr string
	defer func() {
		duration := time.Since(start)
		dbg.LogRequest(r.Method, r.URL.Path, duration, statusCode, aceIDStr)
		if duration > 5*time.Second {
			dbg.LogStressEvent("slow_request", "warning", fmt.Sprintf("request took %.2fs", duration.Seconds()),
				map[string]interface{}{"path": r.URL.Path, "ace_id": aceIDStr, "duration": duration.Seconds()})
		}
	}()

	if r.Method != http.MethodGet {
		statusCode = http.StatusMethodNotAllowed
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	aceID, err := acexy.AceIDFromParams(q)
	if err != nil {
		statusCode = http.StatusBadRequest
		s.log.Error("missing content id", "path", r.URL.Path, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	aceIDStr = aceID.String()
	if _, ok := q["pid"]; ok {
		statusCode = http.StatusBadRequest
		http.Error(w, "pid parameter is not allowed", http.StatusBadRequest)
		return
	}
	_, contentID := aceID.ID()

	sess, err := s.mgr.GetOrCreate(r.Context(), contentID)
	if err != nil {
		statusCode = http.StatusServiceUnavailable
		s.writeStreamError(w, err)
		return
	}
	client := s.mgr.AddClient(sess)
	defer s.mgr.RemoveClient(sess, client.ID)

	w.Header().Set("Content-Type", "video/MP2T")
	w.Header().Set("Transfer-Encoding", "chunked")
	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)

	var bytesCopied int64
	var streamErr error
streamLoop:
	for {
		select {
		case <-r.Context().Done():
			break streamLoop
		default:
		}

		chunks, err := s.mgr.ReadFrom(r.Context(), sess, client)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break streamLoop
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				break streamLoop
			}
			streamErr = err
			break streamLoop
		}
		for _, c := range chunks {
			n, werr := w.Write(c)
			bytesCopied += int64(n)
			if werr != nil {
				streamErr = werr
				break streamLoop
			}
		}
		if canFlush {
			flusher.Flush()
		}
		s.mgr.Heartbeat(sess, client.ID)
	}

	streamDuration := time.Since(start)
	reason := "completed"
	detail := "stream finished normally"
	copied := humanize.Bytes(uint64(bytesCopied))
	if streamErr != nil {
		reason, detail = classifyDisconnectReason(streamErr)
		s.log.Warn("stream ended", "content_id", contentID, "reason", reason, "detail", detail, "bytes_copied", copied, "duration", streamDuration)
	} else {
		s.log.Debug("stream ended", "content_id", contentID, "reason", reason, "bytes_copied", copied, "duration", streamDuration)
	}
	dbg.LogStreamEvent("disconnect", contentID, sess.EngineID, streamDuration, map[string]interface{}{
		"reason": reason, "detail": detail, "bytes_copied": bytesCopied,
	})
}

func (s *Server) writeStreamError(w http.ResponseWriter, err error) {
	kind, ok := orcherr.KindOf(err)
	if !ok {
		s.log.Error("failed to open stream", "error", err)
		http.Error(w, "Failed to start stream: "+err.Error(), http.StatusInternalServerError)
		return
	}
	status := orcherr.HTTPStatus(kind)
	s.log.Warn("failed to open stream", "kind", kind, "error", err)
	http.Error(w, fmt.Sprintf("Service temporarily unavailable: %s", err.Error()), status)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}

// classifyDisconnectReason analyzes a stream-copy error and returns a
// short reason code plus a human-readable detail, the same
// error-string-classification idiom the donor's proxy.go uses to turn
// opaque network errors into actionable disconnect logs.
func classifyDisconnectReason(err error) (reason, detail string) {
	if err == nil {
		return "completed", "stream finished normally"
	}
	low := strings.ToLower(err.Error())

	switch {
	case strings.Contains(low, "broken pipe"):
		return "client_disconnected", "client closed connection (broken pipe)"
	case strings.Contains(low, "connection reset"):
		return "client_disconnected", "connection reset by client or network"
	case strings.Contains(low, "i/o timeout"), strings.Contains(low, "deadline exceeded"):
		return "timeout", "operation timed out"
	case strings.Contains(low, "network is unreachable"), strings.Contains(low, "no route to host"):
		return "network_error", "network unreachable"
	case strings.Contains(low, "unexpected eof"):
		return "eof", "unexpected EOF during read"
	case errors.Is(err, io.EOF):
		return "eof", "unexpected EOF from source stream"
	case errors.Is(err, io.ErrClosedPipe):
		return "closed_pipe", "write to closed pipe"
	case strings.Contains(low, "use of closed network connection"):
		return "closed_connection", "attempted to use closed network connection"
	default:
		return "error", fmt.Sprintf("unclassified error: %s", err.Error())
	}
}
