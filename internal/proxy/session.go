package proxy

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/krinkuto11/acestream-orchestrator/internal/config"
	"github.com/krinkuto11/acestream-orchestrator/internal/engineapi"
	"github.com/krinkuto11/acestream-orchestrator/internal/events"
	"github.com/krinkuto11/acestream-orchestrator/internal/metrics"
	"github.com/krinkuto11/acestream-orchestrator/internal/orcherr"
	"github.com/krinkuto11/acestream-orchestrator/internal/selector"
	"github.com/krinkuto11/acestream-orchestrator/internal/state"
)

// Client is one consumer of a Session's ring buffer.
type Client struct {
	ID          string
	readFrom    int64
	lastSeen    time.Time
}

// Session is one upstream stream, fanned out to zero-or-more Clients.
type Session struct {
	ContentID   string
	EngineID    string
	PID         uuid.UUID
	CommandURL  string
	Buffer      *RingBuffer

	mu         sync.Mutex
	clients    map[string]*Client
	cancel     context.CancelFunc
	teardownAt *time.Timer
	readerErr  error
	readerDone chan struct{}
}

func (s *Session) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Manager is the Proxy Session Manager (§4.4): one Session per content
// id, created exactly once even under concurrent requests.
type Manager struct {
	cfg  *config.Config
	eapi *engineapi.Client
	store *state.Store
	bus  *events.Bus
	met  *metrics.Registry
	log  *slog.Logger

	engines func() []state.Engine
	vpnHealthy selector.VPNHealthFunc

	mu       sync.Mutex
	sessions map[string]*Session
	inflight map[string]chan struct{} // guards concurrent creation per content id
}

// NewManager builds a Session Manager. engines supplies the current
// fleet snapshot for engine selection; vpnHealthy reports VPN health for
// the selector's filter.
func NewManager(cfg *config.Config, eapi *engineapi.Client, store *state.Store, bus *events.Bus, met *metrics.Registry, log *slog.Logger, engines func() []state.Engine, vpnHealthy selector.VPNHealthFunc) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg: cfg, eapi: eapi, store: store, bus: bus, met: met, log: log,
		engines: engines, vpnHealthy: vpnHealthy,
		sessions: make(map[string]*Session),
		inflight: make(map[string]chan struct{}),
	}
}

// GetOrCreate returns the live session for contentID, opening the
// upstream exactly once even if called concurrently by two requests for
// the same content id: the second caller blocks on the first's inflight
// channel rather than racing it to create a second upstream session.
func (m *Manager) GetOrCreate(ctx context.Context, contentID string) (*Session, error) {
	for {
		m.mu.Lock()
		if sess, ok := m.sessions[contentID]; ok {
			m.mu.Unlock()
			return sess, nil
		}
		if ch, ok := m.inflight[contentID]; ok {
			m.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		ch := make(chan struct{})
		m.inflight[contentID] = ch
		m.mu.Unlock()

		sess, err := m.create(ctx, contentID)

		m.mu.Lock()
		delete(m.inflight, contentID)
		if err == nil {
			m.sessions[contentID] = sess
		}
		close(ch)
		m.mu.Unlock()

		return sess, err
	}
}

func (m *Manager) create(ctx context.Context, contentID string) (*Session, error) {
	eng, err := selector.Select(m.engines(), m.vpnHealthy, m.cfg.MaxStreamsPerEngine)
	if err != nil {
		return nil, err
	}

	pid := uuid.New()
	stream, err := m.eapi.GetStream(ctx, eng.Host, eng.ContainerHTTPPort, contentID, pid)
	if err != nil {
		return nil, err
	}

	buf := NewRingBuffer()
	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		ContentID:  contentID,
		EngineID:   eng.ContainerID,
		PID:        pid,
		CommandURL: stream.CommandURL,
		Buffer:     buf,
		clients:    make(map[string]*Client),
		cancel:     cancel,
		readerDone: make(chan struct{}),
	}

	m.store.AddStream(state.Stream{
		ContentID:         contentID,
		EngineContainerID: eng.ContainerID,
		PlaybackURL:       stream.PlaybackURL,
		StatURL:           stream.StatURL,
		CommandURL:        stream.CommandURL,
		PlaybackSessionID: stream.PlaybackSessionID,
		StartedAt:         time.Now(),
		Status:            "started",
	})
	m.store.RecordStreamUsage(eng.ContainerID, contentID, true, time.Now())

	reader := NewUpstreamReader(m.cfg, buf, m.log)
	go func() {
		defer close(sess.readerDone)
		err := reader.Run(sessCtx, stream.PlaybackURL)
		sess.mu.Lock()
		sess.readerErr = err
		sess.mu.Unlock()
		m.logReaderEnd(sess, err)
	}()

	if m.bus != nil {
		m.bus.Publish(events.SessionEvent("started", contentID, map[string]string{"engine": eng.ContainerID}))
	}
	if m.met != nil {
		m.met.ActiveSessions.Inc()
	}
	return sess, nil
}

// logReaderEnd implements §4.7's "ReadTimeout and no client waiting ->
// INFO, otherwise WARN" disconnect-logging rule.
func (m *Manager) logReaderEnd(sess *Session, err error) {
	if err == nil {
		m.log.Debug("upstream reader ended cleanly", "content_id", sess.ContentID)
		return
	}
	kind, _ := orcherr.KindOf(err)
	if kind == orcherr.UpstreamReadTimeout && sess.clientCount() == 0 {
		m.log.Info("upstream reader timed out with no clients waiting", "content_id", sess.ContentID, "error", err)
		return
	}
	m.log.Warn("upstream reader ended", "content_id", sess.ContentID, "error", err)
}

// AddClient registers a new client positioned at the buffer's current
// head, canceling any pending teardown timer.
func (m *Manager) AddClient(sess *Session) *Client {
	c := &Client{ID: uuid.NewString(), readFrom: sess.Buffer.Head(), lastSeen: time.Now()}
	sess.mu.Lock()
	sess.clients[c.ID] = c
	if sess.teardownAt != nil {
		sess.teardownAt.Stop()
		sess.teardownAt = nil
	}
	sess.mu.Unlock()
	if m.bus != nil {
		m.bus.Publish(events.SessionEvent("client_joined", sess.ContentID, map[string]string{"client_id": c.ID}))
	}
	return c
}

// Heartbeat refreshes a client's TTL.
func (m *Manager) Heartbeat(sess *Session, clientID string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if c, ok := sess.clients[clientID]; ok {
		c.lastSeen = time.Now()
	}
}

// RemoveClient drops the client; if the session now has zero clients,
// teardown is scheduled after PROXY_GRACE_PERIOD. A client that arrives
// before the timer fires cancels it via AddClient.
func (m *Manager) RemoveClient(sess *Session, clientID string) {
	sess.mu.Lock()
	delete(sess.clients, clientID)
	empty := len(sess.clients) == 0
	sess.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(events.SessionEvent("client_left", sess.ContentID, map[string]string{"client_id": clientID}))
	}
	if empty {
		m.scheduleTeardown(sess)
	}
}

func (m *Manager) scheduleTeardown(sess *Session) {
	sess.mu.Lock()
	if sess.teardownAt != nil {
		sess.mu.Unlock()
		return
	}
	sess.teardownAt = time.AfterFunc(m.cfg.ProxyGracePeriod, func() {
		sess.mu.Lock()
		stillEmpty := len(sess.clients) == 0
		sess.mu.Unlock()
		if stillEmpty {
			m.teardown(sess)
		}
	})
	sess.mu.Unlock()
}

// teardown stops the reader, best-effort stops the engine's stream, and
// unregisters the session.
func (m *Manager) teardown(sess *Session) {
	m.mu.Lock()
	if m.sessions[sess.ContentID] != sess {
		m.mu.Unlock()
		return // already replaced or torn down
	}
	delete(m.sessions, sess.ContentID)
	m.mu.Unlock()

	sess.cancel()
	<-sess.readerDone

	if sess.CommandURL != "" {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.eapi.Stop(stopCtx, sess.CommandURL); err != nil {
			m.log.Debug("best-effort stop command failed", "content_id", sess.ContentID, "error", err)
		}
		cancel()
	}

	m.store.RemoveStream(sess.ContentID)
	m.store.RecordStreamUsage(sess.EngineID, sess.ContentID, false, time.Now())

	if m.bus != nil {
		m.bus.Publish(events.SessionEvent("ended", sess.ContentID, nil))
	}
	if m.met != nil {
		m.met.ActiveSessions.Dec()
	}
}

// reapGhosts sweeps every session for clients whose TTL
// (GHOST_CLIENT_MULTIPLIER x CLIENT_HEARTBEAT_INTERVAL) has expired,
// removing them exactly like an orderly RemoveClient.
func (m *Manager) reapGhosts() {
	ttl := time.Duration(m.cfg.GhostClientMultiplier) * m.cfg.ClientHeartbeatInterval
	if ttl <= 0 {
		return
	}
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, sess := range sessions {
		sess.mu.Lock()
		var ghosts []string
		for id, c := range sess.clients {
			if now.Sub(c.lastSeen) > ttl {
				ghosts = append(ghosts, id)
			}
		}
		sess.mu.Unlock()
		for _, id := range ghosts {
			m.log.Info("reaping ghost client", "content_id", sess.ContentID, "client_id", id)
			m.RemoveClient(sess, id)
		}
	}
}

// Run periodically reaps ghost clients until ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.ClientHeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapGhosts()
		}
	}
}

// ReadFrom waits for data past the client's current position (bounded by
// INITIAL_DATA_WAIT_TIMEOUT while the buffer has never received a chunk,
// per §4.7's initial data wait), then returns whatever chunks are
// available.
func (m *Manager) ReadFrom(ctx context.Context, sess *Session, c *Client) ([][]byte, error) {
	sess.mu.Lock()
	from := c.readFrom
	sess.mu.Unlock()

	if sess.Buffer.Head() == 0 {
		waitCtx, cancel := context.WithTimeout(ctx, m.cfg.ProxyInitialDataWait)
		sess.Buffer.Wait(waitCtx, from)
		cancel()
		if sess.Buffer.Head() == 0 && sess.Buffer.Closed() {
			return nil, orcherr.New(orcherr.StreamUnavailable, "no data arrived within PROXY_INITIAL_DATA_WAIT_TIMEOUT")
		}
	} else {
		sess.Buffer.Wait(ctx, from)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	chunks, next := sess.Buffer.Read(from)
	sess.mu.Lock()
	c.readFrom = next
	sess.mu.Unlock()

	if len(chunks) == 0 && sess.Buffer.Closed() {
		sess.mu.Lock()
		rerr := sess.readerErr
		sess.mu.Unlock()
		if rerr != nil {
			return nil, rerr
		}
		return nil, io.EOF
	}
	return chunks, nil
}
