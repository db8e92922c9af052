// Package health implements the Health Manager (§4.3): probes every
// engine, classifies health, and replaces unhealthy engines without ever
// dropping below MIN_REPLICAS healthy engines — "make before break."
//
// Grounded on the donor's engine_failure_tracker.go for the consecutive-
// failure/grace-period classification shape, and on
// original_source/app/services/health_manager.py for the replacement
// loop's priorities (top up a deficit before replacing an eligible
// engine) and the per-VPN balancing interlock.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/krinkuto11/acestream-orchestrator/internal/config"
	"github.com/krinkuto11/acestream-orchestrator/internal/engine"
	"github.com/krinkuto11/acestream-orchestrator/internal/engineapi"
	"github.com/krinkuto11/acestream-orchestrator/internal/events"
	"github.com/krinkuto11/acestream-orchestrator/internal/metrics"
	"github.com/krinkuto11/acestream-orchestrator/internal/state"
)

// VPNStatus is the subset of VPN Coordinator state the Health Manager
// needs: whether a VPN is healthy. The recovery stabilization window is
// reported separately, through StabilizationFunc.
type VPNStatus interface {
	IsHealthy(vpnID string) bool
}

// StabilizationFunc, together with the State Store's recovery target,
// lets the Health Manager apply §4.2.3's interlock without importing the
// vpn package directly (which would create an import cycle back through
// engine.Controller).
type StabilizationFunc func(vpnID string) bool

type trackedEngine struct {
	consecutiveFailures int
	unhealthySince      time.Time // zero until the grace period starts
}

// Manager is the Health Manager.
type Manager struct {
	cfg   *config.Config
	store *state.Store
	eapi  *engineapi.Client
	ctrl  *engine.Controller
	vpns  VPNStatus
	stabilizing StabilizationFunc
	bus   *events.Bus
	met   *metrics.Registry
	log   *slog.Logger

	mu             sync.Mutex
	tracked        map[string]*trackedEngine
	lastReplacement time.Time

	// replacementHealthTimeout bounds how long "make before break" waits
	// for the replacement to report healthy before stopping the old
	// engine regardless. Defaults to 20s; tests shrink it.
	replacementHealthTimeout time.Duration
}

// New constructs a Health Manager. stabilizing may be nil if the fleet
// runs without a VPN (§4.2's interlock is then a no-op).
func New(cfg *config.Config, store *state.Store, eapi *engineapi.Client, ctrl *engine.Controller, vpns VPNStatus, stabilizing StabilizationFunc, bus *events.Bus, met *metrics.Registry, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if stabilizing == nil {
		stabilizing = func(string) bool { return false }
	}
	return &Manager{
		cfg: cfg, store: store, eapi: eapi, ctrl: ctrl, vpns: vpns, stabilizing: stabilizing,
		bus: bus, met: met, log: log, tracked: make(map[string]*trackedEngine),
		replacementHealthTimeout: 20 * time.Second,
	}
}

// Run probes and reconciles at HEALTH_CHECK_INTERVAL_S until ctx is
// canceled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	m.probeAll(ctx)
	m.reconcile(ctx)
}

// probeAll hits each engine's liveness endpoint and updates both the
// per-engine consecutive-failure tracker and the State Store's
// Health field.
func (m *Manager) probeAll(ctx context.Context) {
	for _, eng := range m.store.ListEngines() {
		host := eng.Host
		if eng.VPNID != "" {
			host = eng.VPNID
		}
		connected, err := m.eapi.NetworkConnectionStatus(ctx, host, eng.ContainerHTTPPort)
		failed := err != nil || !connected

		m.mu.Lock()
		t, ok := m.tracked[eng.ContainerID]
		if !ok {
			t = &trackedEngine{}
			m.tracked[eng.ContainerID] = t
		}
		if failed {
			t.consecutiveFailures++
			if t.consecutiveFailures >= m.cfg.HealthFailureThreshold && t.unhealthySince.IsZero() {
				t.unhealthySince = time.Now()
			}
		} else {
			t.consecutiveFailures = 0
			t.unhealthySince = time.Time{}
		}
		failures := t.consecutiveFailures
		m.mu.Unlock()

		health := state.HealthHealthy
		if failures >= m.cfg.HealthFailureThreshold {
			health = state.HealthUnhealthy
		}
		m.store.MarkHealth(eng.ContainerID, health, time.Now())
	}

	for id := range m.tracked {
		if _, ok := m.store.GetEngine(id); !ok {
			m.mu.Lock()
			delete(m.tracked, id)
			m.mu.Unlock()
		}
	}
}

func (m *Manager) eligibleForReplacement(containerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tracked[containerID]
	if !ok || t.unhealthySince.IsZero() {
		return false
	}
	return time.Since(t.unhealthySince) >= m.cfg.HealthUnhealthyGracePeriod
}

func (m *Manager) reconcile(ctx context.Context) {
	engines := m.store.ListEngines()
	var healthy, eligible []state.Engine
	for _, e := range engines {
		if e.Health == state.HealthHealthy {
			healthy = append(healthy, e)
			continue
		}
		if m.eligibleForReplacement(e.ContainerID) {
			eligible = append(eligible, e)
		}
	}

	if len(healthy) < m.cfg.MinReplicas {
		m.topUp(ctx, len(healthy))
		return
	}

	if len(eligible) == 0 {
		return
	}

	m.mu.Lock()
	sinceLast := time.Since(m.lastReplacement)
	m.mu.Unlock()
	if sinceLast < m.cfg.HealthReplacementCooldown {
		return
	}

	m.replaceOne(ctx, eligible[0])
}

// topUp implements the "healthy < MIN_REPLICAS" branch of the
// replacement loop, deferring when the target VPN is stabilizing or
// pinned to recovery restoration (§4.2.3's interlock).
func (m *Manager) topUp(ctx context.Context, healthyCount int) {
	target := m.pickTargetVPN()
	if target != "" {
		if m.stabilizing(target) {
			m.log.Info("health manager deferring: target vpn is stabilizing", "vpn", target)
			return
		}
		if rt := m.store.RecoveryTarget(); rt != "" && rt != target {
			m.log.Info("health manager deferring: recovery target pinned elsewhere", "recovery_target", rt, "target", target)
			return
		}
	}

	deficit := m.cfg.MinReplicas - healthyCount
	for i := 0; i < deficit; i++ {
		if _, err := m.ctrl.ProvisionEngine(ctx, target); err != nil {
			m.log.Warn("health manager top-up provision failed", "error", err)
			return
		}
	}
}

func (m *Manager) replaceOne(ctx context.Context, old state.Engine) {
	target := old.VPNID
	if target != "" && m.vpns != nil && !m.vpns.IsHealthy(target) {
		target = m.pickTargetVPN()
	}

	newEng, err := m.ctrl.ProvisionEngine(ctx, target)
	if err != nil {
		m.log.Warn("health manager replacement provision failed", "old_engine", old.ContainerID, "error", err)
		return
	}

	m.waitHealthy(ctx, newEng.ContainerID, m.replacementHealthTimeout)

	if err := m.ctrl.StopEngine(ctx, old.ContainerID); err != nil {
		m.log.Warn("health manager replacement stop-old failed", "old_engine", old.ContainerID, "error", err)
	}

	m.mu.Lock()
	m.lastReplacement = time.Now()
	delete(m.tracked, old.ContainerID)
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(events.EngineEvent("replaced", old.ContainerID, map[string]string{"replacement": newEng.ContainerID}))
	}
}

func (m *Manager) waitHealthy(ctx context.Context, containerID string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if eng, ok := m.store.GetEngine(containerID); ok && eng.Health == state.HealthHealthy {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// pickTargetVPN mirrors §4.1's VPN-selection priority for provisioning
// decisions the Health Manager makes on its own (no explicit hint
// available): an active recovery target first, then the emergency-mode
// healthy VPN, then the fewer-assigned-engines VPN in redundant mode, the
// single configured VPN otherwise.
func (m *Manager) pickTargetVPN() string {
	if rt := m.store.RecoveryTarget(); rt != "" {
		return rt
	}
	if info, ok := m.store.EmergencyInfo(); ok {
		return info.HealthyVPNID
	}
	switch m.cfg.VPNMode {
	case config.VPNModeRedundant:
		counts := m.store.CountEnginesPerVPN()
		v1, v2 := m.cfg.GluetunContainerName, m.cfg.GluetunContainerName2
		if counts[v2] < counts[v1] {
			return v2
		}
		return v1
	case config.VPNModeSingle:
		return m.cfg.GluetunContainerName
	default:
		return ""
	}
}
