// Package state is the in-memory authoritative fleet state: Engine, VPN,
// VPN Fleet, and Stream records. It exposes atomic mutators, each under
// the Store's mutex; reads always return copies, never references into
// the live maps, so callers cannot mutate state out from under the
// Store's own invariants.
package state

import (
	"sync"
	"time"
)

// HealthStatus is an Engine's or VPN's health classification.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Engine is the managed unit: one AceStream container.
type Engine struct {
	ContainerID       string
	Name              string // "acestream-<N>", deterministic
	Host              string
	ContainerHTTPPort int
	ContainerHTTPSPort int
	HostHTTPPort      int
	HostHTTPSPort     int // 0 if not mapped
	VPNID             string // "" means no VPN assigned
	Forwarded         bool
	Health            HealthStatus
	FirstSeen         time.Time
	LastSeen          time.Time
	LastHealthCheck   time.Time
	LastStreamUsage   time.Time
	CacheSizeBytes    int64
	ActiveStreams     map[string]bool // content ids
}

func (e Engine) clone() Engine {
	cp := e
	cp.ActiveStreams = make(map[string]bool, len(e.ActiveStreams))
	for k, v := range e.ActiveStreams {
		cp.ActiveStreams[k] = v
	}
	return cp
}

// ActiveStreamCount reports how many content ids this engine currently
// serves — the primary key in the Engine Selector's sort tuple.
func (e Engine) ActiveStreamCount() int { return len(e.ActiveStreams) }

// VPN is one monitored VPN sidecar entry.
type VPN struct {
	ID                   string
	Health               HealthStatus
	ConsecutiveHealthy   int
	FirstHealthy         time.Time
	UnhealthySince        time.Time // zero means healthy or never unhealthy
	LastRestart          time.Time
	LastRecovery         time.Time
	LastStableForwarded  int // 0 means none observed yet
	CachedForwardedPort  int
	CachedPortExpiry     time.Time
	LastLoggedStatus     string

	RecoveryStabilizationUntil time.Time // zero means not in a stabilization window
	ForceRestartAttempted     bool      // gates repeated restarts until next Healthy
	LastDoubleCheckAt         time.Time // throttles the engine-side connectivity double-check
}

// FleetMode selects how many VPNs the fleet coordinates across.
type FleetMode string

const (
	FleetDisabled  FleetMode = "disabled"
	FleetSingle    FleetMode = "single"
	FleetRedundant FleetMode = "redundant"
)

// EmergencyRecord is set on the VPN Fleet while one VPN of a redundant
// pair is down.
type EmergencyRecord struct {
	FailedVPNID  string
	HealthyVPNID string
	EnteredAt    time.Time
}

// Stream is one open upstream session, as tracked by the state store
// (distinct from the proxy's own Session/Client/RingBuffer records,
// which the Proxy Session Manager owns exclusively).
type Stream struct {
	ContentID         string
	EngineContainerID string
	PlaybackURL       string
	StatURL           string
	CommandURL        string
	PlaybackSessionID string
	StartedAt         time.Time
	Status            string // "started" | "stopped"
}

// Store is the State Store. All mutators are atomic under mu; Snapshot
// methods return copies.
type Store struct {
	mu sync.Mutex

	engines map[string]Engine // by container id
	vpns    map[string]VPN
	streams map[string]Stream // by content id

	fleetMode  FleetMode
	emergency  *EmergencyRecord
	recoveryTarget string
}

// New constructs an empty Store for the given fleet mode.
func New(mode FleetMode) *Store {
	return &Store{
		engines: make(map[string]Engine),
		vpns:    make(map[string]VPN),
		streams: make(map[string]Stream),
		fleetMode: mode,
	}
}

// FleetMode reports the configured VPN fleet mode.
func (s *Store) FleetMode() FleetMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fleetMode
}

// --- Engine mutators -------------------------------------------------

// AddEngine registers a newly provisioned engine. Idempotent: a second
// call with the same container id replaces the record.
func (s *Store) AddEngine(e Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ActiveStreams == nil {
		e.ActiveStreams = make(map[string]bool)
	}
	s.engines[e.ContainerID] = e
}

// RemoveEngine deletes the engine record. No-op if unknown.
func (s *Store) RemoveEngine(containerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.engines, containerID)
}

// GetEngine returns a copy of the engine, or ok=false if unknown.
func (s *Store) GetEngine(containerID string) (Engine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.engines[containerID]
	if !ok {
		return Engine{}, false
	}
	return e.clone(), true
}

// ListEngines returns a snapshot of every tracked engine.
func (s *Store) ListEngines() []Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Engine, 0, len(s.engines))
	for _, e := range s.engines {
		out = append(out, e.clone())
	}
	return out
}

// EngineNames returns every currently-tracked engine name, for the
// Engine Controller's "smallest unused N" naming scheme.
func (s *Store) EngineNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.engines))
	for _, e := range s.engines {
		out = append(out, e.Name)
	}
	return out
}

// SetEngineVPN assigns (or clears, with vpnID="") the engine's VPN id.
func (s *Store) SetEngineVPN(containerID, vpnID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.engines[containerID]; ok {
		e.VPNID = vpnID
		s.engines[containerID] = e
	}
}

// SetForwarded sets or clears the engine's forwarded flag. The caller
// (Engine Controller) is responsible for the "at most one per VPN"
// invariant; SetForwarded itself does not scan other engines, keeping it
// a pure mutator.
func (s *Store) SetForwarded(containerID string, forwarded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.engines[containerID]; ok {
		e.Forwarded = forwarded
		s.engines[containerID] = e
	}
}

// ForwardedEngineOnVPN returns the container id of the engine holding
// forwarded=true on vpnID, if any.
func (s *Store) ForwardedEngineOnVPN(vpnID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.engines {
		if e.VPNID == vpnID && e.Forwarded {
			return id, true
		}
	}
	return "", false
}

// EnginesOnVPN returns the container ids of engines assigned to vpnID.
func (s *Store) EnginesOnVPN(vpnID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, e := range s.engines {
		if e.VPNID == vpnID {
			out = append(out, id)
		}
	}
	return out
}

// CountEnginesPerVPN returns a map of vpn id -> assigned engine count,
// used by provision_engine rule 4 ("pick the VPN with the fewer assigned
// engines").
func (s *Store) CountEnginesPerVPN() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int)
	for _, e := range s.engines {
		if e.VPNID != "" {
			out[e.VPNID]++
		}
	}
	return out
}

// MarkHealth updates an engine's health status and last-health-check
// timestamp.
func (s *Store) MarkHealth(containerID string, health HealthStatus, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.engines[containerID]; ok {
		e.Health = health
		e.LastHealthCheck = at
		s.engines[containerID] = e
	}
}

// RecordStreamUsage stamps LastStreamUsage and adds/removes the content
// id from the engine's active-stream set.
func (s *Store) RecordStreamUsage(containerID, contentID string, active bool, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.engines[containerID]
	if !ok {
		return
	}
	e = e.clone()
	if active {
		e.ActiveStreams[contentID] = true
	} else {
		delete(e.ActiveStreams, contentID)
	}
	e.LastStreamUsage = at
	s.engines[containerID] = e
}

// CountHealthyEngines returns the number of engines with health=healthy.
func (s *Store) CountHealthyEngines() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.engines {
		if e.Health == HealthHealthy {
			n++
		}
	}
	return n
}

// --- VPN mutators ------------------------------------------------------

// AddVPN registers a VPN monitor entry at startup. Never removed while
// the process runs.
func (s *Store) AddVPN(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vpns[id]; !ok {
		s.vpns[id] = VPN{ID: id, Health: HealthUnknown}
	}
}

// GetVPN returns a copy of the VPN record.
func (s *Store) GetVPN(id string) (VPN, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vpns[id]
	return v, ok
}

// ListVPNs returns a snapshot of every tracked VPN.
func (s *Store) ListVPNs() []VPN {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]VPN, 0, len(s.vpns))
	for _, v := range s.vpns {
		out = append(out, v)
	}
	return out
}

// UpdateVPN applies mutate to the named VPN's record atomically. Used by
// the VPN Coordinator, which owns the FSM transition logic itself and
// only needs the Store to persist the resulting fields.
func (s *Store) UpdateVPN(id string, mutate func(*VPN)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.vpns[id]
	v.ID = id
	mutate(&v)
	s.vpns[id] = v
}

// --- VPN Fleet (emergency mode / recovery target) ----------------------

// IsEmergencyMode reports whether the fleet is currently degraded.
func (s *Store) IsEmergencyMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emergency != nil
}

// EmergencyInfo returns the current emergency record, if any.
func (s *Store) EmergencyInfo() (EmergencyRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emergency == nil {
		return EmergencyRecord{}, false
	}
	return *s.emergency, true
}

// EnterEmergencyMode records the exclusive emergency state. No-op
// (returns false) if already in emergency mode.
func (s *Store) EnterEmergencyMode(failedVPN, healthyVPN string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emergency != nil {
		return false
	}
	s.emergency = &EmergencyRecord{FailedVPNID: failedVPN, HealthyVPNID: healthyVPN, EnteredAt: at}
	return true
}

// ExitEmergencyMode clears the emergency record. Returns false if not in
// emergency mode.
func (s *Store) ExitEmergencyMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emergency == nil {
		return false
	}
	s.emergency = nil
	return true
}

// SetRecoveryTarget pins subsequent provisioning to vpnID during
// post-emergency capacity restoration (§4.2.3).
func (s *Store) SetRecoveryTarget(vpnID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recoveryTarget = vpnID
}

// ClearRecoveryTarget clears the pin once restoration completes.
func (s *Store) ClearRecoveryTarget() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recoveryTarget = ""
}

// RecoveryTarget returns the current pin ("" means none).
func (s *Store) RecoveryTarget() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recoveryTarget
}

// --- Stream mutators -----------------------------------------------------

// AddStream registers a newly opened upstream stream.
func (s *Store) AddStream(str Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[str.ContentID] = str
}

// RemoveStream deletes the stream record for contentID.
func (s *Store) RemoveStream(contentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, contentID)
}

// GetStream returns a copy of the stream for contentID.
func (s *Store) GetStream(contentID string) (Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	str, ok := s.streams[contentID]
	return str, ok
}

// StreamsForEngine returns every stream currently attributed to
// containerID.
func (s *Store) StreamsForEngine(containerID string) []Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Stream
	for _, str := range s.streams {
		if str.EngineContainerID == containerID {
			out = append(out, str)
		}
	}
	return out
}

// ClearStreamsForEngine removes every stream attributed to containerID —
// called by stop_engine so a removed engine never appears as the
// "owning engine" of a stale stream record.
func (s *Store) ClearStreamsForEngine(containerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, str := range s.streams {
		if str.EngineContainerID == containerID {
			delete(s.streams, id)
		}
	}
}
