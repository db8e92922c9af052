// Package vpn implements the VPN Coordinator (§4.2): a per-VPN health FSM
// driven by polling the container runtime and the VPN sidecar's local
// HTTP API, the port-forward watcher (§4.2.1), emergency mode for
// redundant fleets (§4.2.2), and post-recovery capacity restoration
// (§4.2.3).
//
// Grounded on original_source's gluetun.py (the FSM transitions, the
// port-forward watcher's "port changed => replace the forwarded engine"
// rule, the health double-check against engine connectivity) and on the
// donor's engine_failure_tracker.go for the Go re-expression of FSM-like
// state machines (a small struct per tracked entity, guarded by one
// mutex, transitions are plain method calls rather than a generic FSM
// library).
package vpn

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
	"github.com/krinkuto11/acestream-orchestrator/internal/runtime"
	"github.com/krinkuto11/acestream-orchestrator/internal/state"
	"github.com/krinkuto11/acestream-orchestrator/internal/vpnapi"
)

// FSMState is one of the VPN Coordinator's five per-VPN states.
type FSMState string

const (
	Unknown    FSMState = "unknown"
	Starting   FSMState = "starting"
	Healthy    FSMState = "healthy"
	Unhealthy  FSMState = "unhealthy"
	Restarting FSMState = "restarting"
)

const recoveryStabilizationWindow = 120 * time.Second
const doubleCheckThrottle = 30 * time.Second
const postRecoveryPortWait = 30 * time.Second
const postRecoveryPortPoll = 2 * time.Second

// BaseURLFunc resolves a VPN id to its local HTTP API base URL
// (e.g. "http://gluetun:8000").
type BaseURLFunc func(vpnID string) string

// Coordinator is the VPN Coordinator.
type Coordinator struct {
	cfg   *config.Config
	store *state.Store
	rt    runtime.Runtime
	vapi  *vpnapi.Client
	eapi  *engineapi.Client
	ctrl  *engine.Controller
	bus   *events.Bus
	met   *metrics.Registry
	log   *slog.Logger
	base  BaseURLFunc

	mu  sync.Mutex
	fsm map[string]FSMState
}

// New constructs a VPN Coordinator. The VPN ids it monitors (one or two,
// per VPN_MODE) are passed to Run.
func New(cfg *config.Config, store *state.Store, rt runtime.Runtime, vapi *vpnapi.Client, eapi *engineapi.Client, ctrl *engine.Controller, bus *events.Bus, met *metrics.Registry, log *slog.Logger, base BaseURLFunc) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		cfg: cfg, store: store, rt: rt, vapi: vapi, eapi: eapi, ctrl: ctrl,
		bus: bus, met: met, log: log, base: base,
		fsm: make(map[string]FSMState),
	}
}

func (c *Coordinator) fsmOf(vpnID string) FSMState {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.fsm[vpnID]
	if !ok {
		return Unknown
	}
	return s
}

func (c *Coordinator) setFSM(vpnID string, s FSMState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fsm[vpnID] = s
}

// Run polls every VPN in vpnIDs at GLUETUN_HEALTH_CHECK_INTERVAL until ctx
// is canceled.
func (c *Coordinator) Run(ctx context.Context, vpnIDs []string) {
	for _, id := range vpnIDs {
		c.store.AddVPN(id)
		c.setFSM(id, Unknown)
	}
	ticker := time.NewTicker(c.cfg.GluetunHealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range vpnIDs {
				c.tick(ctx, id)
			}
		}
	}
}

// IsHealthy reports whether vpnID is currently in the Healthy FSM state —
// the callback the Engine Selector and Engine Controller use.
func (c *Coordinator) IsHealthy(vpnID string) bool {
	return c.fsmOf(vpnID) == Healthy
}

// ForwardedPort returns the currently cached forwarded port for vpnID, if
// any — the callback the Engine Controller uses to assign the forwarded
// flag to a newly provisioned engine.
func (c *Coordinator) ForwardedPort(vpnID string) (int, bool) {
	v, ok := c.store.GetVPN(vpnID)
	if !ok || v.CachedForwardedPort == 0 || time.Now().After(v.CachedPortExpiry) {
		return 0, false
	}
	return v.CachedForwardedPort, true
}

func (c *Coordinator) tick(ctx context.Context, vpnID string) {
	prev := c.fsmOf(vpnID)

	ci, inspectErr := c.rt.Inspect(ctx, vpnID)
	runtimeUp := inspectErr == nil && ci.Running() && (ci.Health == "" || ci.Health == "healthy")

	if inspectErr == nil && ci.Status != "running" {
		c.logDedupStatus(vpnID, ci.Status)
	}

	healthy := runtimeUp
	if !healthy {
		healthy = c.doubleCheck(ctx, vpnID)
	}

	port, portErr := c.vapi.ForwardedPort(ctx, c.base(vpnID))
	var portVal int
	if portErr == nil && port != nil {
		portVal = *port
	}
	// portErr == vpnapi.ErrNotSupported or any other transport failure is
	// treated as "no forwarded port observed this tick"; not an error the
	// FSM acts on directly.

	c.handlePortForward(ctx, vpnID, prev, portVal)

	c.transition(ctx, vpnID, prev, healthy)

	if c.met != nil {
		v := 0.0
		if healthy {
			v = 1.0
		}
		c.met.VPNHealthy.WithLabelValues(vpnID).Set(v)
	}
}

func (c *Coordinator) logDedupStatus(vpnID, status string) {
	v, _ := c.store.GetVPN(vpnID)
	if v.LastLoggedStatus == status {
		return
	}
	c.store.UpdateVPN(vpnID, func(v *state.VPN) { v.LastLoggedStatus = status })
	c.log.Warn("vpn container not running", "vpn", vpnID, "status", status)
}

// doubleCheck probes engines on vpnID for internet connectivity before
// trusting a runtime-reported "unhealthy", throttled per VPN.
func (c *Coordinator) doubleCheck(ctx context.Context, vpnID string) bool {
	v, _ := c.store.GetVPN(vpnID)
	if time.Since(v.LastDoubleCheckAt) < doubleCheckThrottle {
		return false
	}
	c.store.UpdateVPN(vpnID, func(v *state.VPN) { v.LastDoubleCheckAt = time.Now() })

	ids := c.store.EnginesOnVPN(vpnID)
	for _, id := range ids {
		eng, ok := c.store.GetEngine(id)
		if !ok {
			continue
		}
		connected, err := c.eapi.NetworkConnectionStatus(ctx, vpnID, eng.ContainerHTTPPort)
		if err == nil && connected {
			return true
		}
	}
	return false
}

// handlePortForward implements §4.2.1: replace the forwarded engine when
// the cached port transitions from one non-null value to a different
// non-null value, unless the VPN is inside its recovery stabilization
// window (in which case the new observation becomes the baseline instead).
func (c *Coordinator) handlePortForward(ctx context.Context, vpnID string, prevState FSMState, observedPort int) {
	v, _ := c.store.GetVPN(vpnID)

	inStabilization := !v.RecoveryStabilizationUntil.IsZero() && time.Now().Before(v.RecoveryStabilizationUntil)

	if observedPort == 0 {
		c.store.UpdateVPN(vpnID, func(v *state.VPN) {
			v.CachedForwardedPort = 0
			v.CachedPortExpiry = time.Time{}
		})
		return
	}

	changed := v.LastStableForwarded != 0 && v.LastStableForwarded != observedPort

	c.store.UpdateVPN(vpnID, func(v *state.VPN) {
		v.CachedForwardedPort = observedPort
		v.CachedPortExpiry = time.Now().Add(c.cfg.GluetunPortCacheTTL)
	})

	if !changed {
		c.store.UpdateVPN(vpnID, func(v *state.VPN) { v.LastStableForwarded = observedPort })
		return
	}

	if inStabilization {
		// Recovery stabilization suppresses port-change detection: treat
		// this observation as the new baseline instead of tearing down
		// whatever was just provisioned.
		c.store.UpdateVPN(vpnID, func(v *state.VPN) { v.LastStableForwarded = observedPort })
		return
	}

	c.log.Info("vpn forwarded port changed, replacing forwarded engine", "vpn", vpnID, "port", observedPort)
	containerID, ok := c.store.ForwardedEngineOnVPN(vpnID)
	c.store.UpdateVPN(vpnID, func(v *state.VPN) { v.LastStableForwarded = observedPort })
	if !ok {
		return
	}
	// Hide the stale engine from selection before the slow teardown: the
	// selector skips non-healthy engines, and StopEngine, which needs the
	// record to release the engine's ports, removes it from the store.
	c.store.MarkHealth(containerID, state.HealthUnhealthy, time.Now())
	go func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = c.ctrl.StopEngine(stopCtx, containerID)
		if _, err := c.ctrl.ProvisionEngine(stopCtx, vpnID); err != nil {
			c.log.Warn("replacement provision after port change failed", "vpn", vpnID, "error", err)
		}
	}()
}

func (c *Coordinator) transition(ctx context.Context, vpnID string, prev FSMState, healthy bool) {
	if healthy {
		switch prev {
		case Healthy:
			return
		default:
			c.onBecameHealthy(ctx, vpnID, prev)
		}
		return
	}

	switch prev {
	case Healthy:
		c.onBecameUnhealthy(vpnID)
	case Unhealthy, Restarting:
		c.maybeRestart(ctx, vpnID)
	default:
		c.setFSM(vpnID, Unhealthy)
		c.store.UpdateVPN(vpnID, func(v *state.VPN) { v.UnhealthySince = time.Now() })
	}
}

func (c *Coordinator) onBecameHealthy(ctx context.Context, vpnID string, prev FSMState) {
	now := time.Now()
	c.setFSM(vpnID, Healthy)
	c.store.UpdateVPN(vpnID, func(v *state.VPN) {
		if v.FirstHealthy.IsZero() {
			v.FirstHealthy = now
		}
		v.UnhealthySince = time.Time{}
		v.ForceRestartAttempted = false
	})

	go c.logPublicIP(vpnID)

	if prev == Unknown || prev == Starting {
		if c.bus != nil {
			c.bus.Publish(events.VPNEvent("connected", vpnID, nil))
		}
		return
	}

	// Unhealthy/Restarting -> Healthy: a full recovery.
	c.store.UpdateVPN(vpnID, func(v *state.VPN) {
		v.LastRecovery = now
		v.RecoveryStabilizationUntil = now.Add(recoveryStabilizationWindow)
	})
	if c.bus != nil {
		c.bus.Publish(events.VPNEvent("recovered", vpnID, nil))
	}

	if c.cfg.VPNRestartEnginesOnReconnect {
		go c.rollingReplaceEngines(vpnID)
	}

	if c.cfg.VPNMode != config.VPNModeRedundant {
		return
	}
	info, inEmergency := c.store.EmergencyInfo()
	if inEmergency && info.FailedVPNID == vpnID {
		c.store.ExitEmergencyMode()
		c.store.SetRecoveryTarget(vpnID)
		go c.postRecoveryProvision(ctx, vpnID)
	}
}

// rollingReplaceEngines implements the VPN_RESTART_ENGINES_ON_RECONNECT
// supplement: on a full Unhealthy/Restarting -> Healthy recovery, every
// engine still assigned to vpnID is replaced one at a time (stop, then
// provision its successor before moving to the next) so the VPN's
// capacity never drops by more than one engine at a time. Unlike §4.3's
// make-before-break replacement, each engine is stopped before its
// successor is provisioned.
func (c *Coordinator) rollingReplaceEngines(vpnID string) {
	for _, containerID := range c.store.EnginesOnVPN(vpnID) {
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := c.ctrl.StopEngine(stopCtx, containerID)
		cancel()
		if err != nil {
			c.log.Warn("restart-on-reconnect: stop failed", "vpn", vpnID, "container", containerID, "error", err)
			continue
		}
		provisionCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_, err = c.ctrl.ProvisionEngine(provisionCtx, vpnID)
		cancel()
		if err != nil {
			c.log.Warn("restart-on-reconnect: replacement provision failed", "vpn", vpnID, "error", err)
		}
	}
}

// logPublicIP reads through to the VPN sidecar's informational
// public-IP endpoint and surfaces the result as a log field only, per
// SPEC_FULL.md's supplemented-feature note — never persisted or parsed
// into a geolocation-bearing record.
func (c *Coordinator) logPublicIP(vpnID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	info, err := c.vapi.PublicIPInfo(ctx, c.base(vpnID))
	if err != nil {
		c.log.Debug("public ip lookup failed", "vpn", vpnID, "error", err)
		return
	}
	c.log.Info("vpn public ip", "vpn", vpnID, "public_ip", info.PublicIP, "country", info.Country, "city", info.City, "isp", info.ISP)
}

func (c *Coordinator) onBecameUnhealthy(vpnID string) {
	now := time.Now()
	c.setFSM(vpnID, Unhealthy)
	c.store.UpdateVPN(vpnID, func(v *state.VPN) {
		v.UnhealthySince = now
		v.CachedForwardedPort = 0
		v.CachedPortExpiry = time.Time{}
	})
	if c.bus != nil {
		c.bus.Publish(events.VPNEvent("disconnected", vpnID, nil))
	}

	if c.cfg.VPNMode != config.VPNModeRedundant {
		return
	}
	other := c.peerVPN(vpnID)
	if other != "" && c.fsmOf(other) == Healthy {
		if c.store.EnterEmergencyMode(vpnID, other, now) {
			c.log.Warn("entering emergency mode", "failed_vpn", vpnID, "healthy_vpn", other)
			// Reset port-tracking baseline so a future recovery is not
			// spuriously treated as a port change.
			c.store.UpdateVPN(vpnID, func(v *state.VPN) { v.LastStableForwarded = 0 })
			for _, id := range c.store.EnginesOnVPN(vpnID) {
				go func(containerID string) {
					stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
					defer cancel()
					_ = c.ctrl.StopEngine(stopCtx, containerID)
				}(id)
			}
		}
	}
}

func (c *Coordinator) maybeRestart(ctx context.Context, vpnID string) {
	v, _ := c.store.GetVPN(vpnID)
	if v.ForceRestartAttempted {
		return
	}
	if time.Since(v.UnhealthySince) < c.cfg.GluetunUnhealthyRestartTimeout {
		return
	}
	c.log.Warn("restarting unhealthy vpn container", "vpn", vpnID)
	c.setFSM(vpnID, Restarting)
	c.store.UpdateVPN(vpnID, func(v *state.VPN) {
		v.LastRestart = time.Now()
		v.ForceRestartAttempted = true
	})
	if err := c.rt.Restart(ctx, vpnID); err != nil {
		c.log.Error("vpn restart failed", "vpn", vpnID, "error", err)
	}
}

func (c *Coordinator) peerVPN(vpnID string) string {
	if vpnID == c.cfg.GluetunContainerName {
		return c.cfg.GluetunContainerName2
	}
	if vpnID == c.cfg.GluetunContainerName2 {
		return c.cfg.GluetunContainerName
	}
	return ""
}

// postRecoveryProvision implements §4.2.3.
func (c *Coordinator) postRecoveryProvision(ctx context.Context, vpnID string) {
	deadline := time.Now().Add(postRecoveryPortWait)
	for {
		if _, ok := c.ForwardedPort(vpnID); ok {
			break
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			c.store.ClearRecoveryTarget()
			return
		case <-time.After(postRecoveryPortPoll):
		}
	}

	deficit := c.cfg.MinReplicas - len(c.store.ListEngines())
	for i := 0; i < deficit; i++ {
		if _, err := c.ctrl.ProvisionEngine(ctx, vpnID); err != nil {
			c.log.Warn("post-recovery provisioning failed", "vpn", vpnID, "error", err)
			break
		}
	}
	c.store.ClearRecoveryTarget()
}
