// Package engine implements the Engine Controller (§4.1): translating
// "desired fleet" into "actual containers" via the container runtime,
// idempotently.
//
// Grounded on original_source's provisioner.py (start_acestream,
// stop_container, _release_ports_from_labels) for the provisioning
// sequence and label bookkeeping, re-expressed in the donor's Go idiom
// (structured slog logging, explicit error returns, a single mutex
// guarding the allocation+selection critical section as required by
// §4.1's concurrency note).
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/krinkuto11/acestream-orchestrator/internal/config"
	"github.com/krinkuto11/acestream-orchestrator/internal/events"
	"github.com/krinkuto11/acestream-orchestrator/internal/metrics"
	"github.com/krinkuto11/acestream-orchestrator/internal/orcherr"
	"github.com/krinkuto11/acestream-orchestrator/internal/ports"
	"github.com/krinkuto11/acestream-orchestrator/internal/runtime"
	"github.com/krinkuto11/acestream-orchestrator/internal/state"
)

// Container labels, per §6's table.
const (
	LabelAcestreamHTTP  = "acestream.http_port"
	LabelAcestreamHTTPS = "acestream.https_port"
	LabelHostHTTP       = "host.http_port"
	LabelHostHTTPS      = "host.https_port"
	LabelForwarded      = "acestream.forwarded"
	LabelVPNContainer   = "acestream.vpn_container"
)

// Controller is the Engine Controller.
type Controller struct {
	cfg     *config.Config
	rt      runtime.Runtime
	alloc   *ports.Allocator
	store   *state.Store
	breaker interface {
		Allow(string) bool
		RecordSuccess(string)
		RecordFailure(string)
	}
	bus *events.Bus
	met *metrics.Registry
	log *slog.Logger

	mu               sync.Mutex // guards VPN selection + port allocation, per §4.1
	pendingForwarded map[string]bool

	// VPNHealthy and VPNForwardedPort are supplied by the composition
	// root (backed by the VPN Coordinator / State Store); nil means "no
	// VPN configured; treat every target as healthy with no forwarded
	// port".
	VPNHealthy       func(vpnID string) bool
	VPNForwardedPort func(vpnID string) (int, bool)
}

// New constructs an Engine Controller.
func New(cfg *config.Config, rt runtime.Runtime, alloc *ports.Allocator, store *state.Store, br interface {
	Allow(string) bool
	RecordSuccess(string)
	RecordFailure(string)
}, bus *events.Bus, met *metrics.Registry, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		cfg: cfg, rt: rt, alloc: alloc, store: store, breaker: br, bus: bus, met: met, log: log,
		pendingForwarded: make(map[string]bool),
	}
}

// provisionPlan is computed under Controller.mu, then executed without
// holding the lock — so provision_engine is not serialized globally,
// only its allocation+selection critical section is (§4.1).
type provisionPlan struct {
	name         string
	vpnID        string
	hostHTTP     int
	hostHTTPS    int
	containerHTTP int
	containerHTTPS int
	forwarded    bool
	forwardedPort int
	usingPendingForwarded bool
}

// pickTargetVPN implements the five-step rule of §4.1.
func (c *Controller) pickTargetVPN(vpnHint string) string {
	if vpnHint != "" {
		return vpnHint
	}
	if rt := c.store.RecoveryTarget(); rt != "" {
		return rt
	}
	if info, ok := c.store.EmergencyInfo(); ok {
		return info.HealthyVPNID
	}
	switch c.store.FleetMode() {
	case state.FleetRedundant:
		counts := c.store.CountEnginesPerVPN()
		v1, v2 := c.cfg.GluetunContainerName, c.cfg.GluetunContainerName2
		if counts[v2] < counts[v1] {
			return v2
		}
		return v1 // ties -> VPN1
	case state.FleetSingle:
		return c.cfg.GluetunContainerName
	default:
		return ""
	}
}

func (c *Controller) vpnHealthy(vpnID string) bool {
	if vpnID == "" {
		return true
	}
	if c.VPNHealthy == nil {
		return true
	}
	return c.VPNHealthy(vpnID)
}

// ProvisionEngine allocates ports, picks a target VPN, starts the
// container for the configured engine variant, waits for it to reach
// "running", and registers it in the State Store.
func (c *Controller) ProvisionEngine(ctx context.Context, vpnHint string) (state.Engine, error) {
	if !c.breaker.Allow("general") {
		return state.Engine{}, orcherr.New(orcherr.BreakerOpen, "provisioning circuit breaker is open")
	}

	plan, err := c.plan(vpnHint)
	if err != nil {
		c.breaker.RecordFailure("general")
		if c.met != nil {
			c.met.ProvisionFailures.Inc()
		}
		return state.Engine{}, err
	}

	spec, err := c.buildSpec(&plan)
	if err != nil {
		c.releasePlan(plan)
		c.breaker.RecordFailure("general")
		if c.met != nil {
			c.met.ProvisionFailures.Inc()
		}
		return state.Engine{}, err
	}

	containerID, err := c.rt.Run(ctx, spec)
	if err != nil {
		c.releasePlan(plan)
		c.breaker.RecordFailure("general")
		if c.met != nil {
			c.met.ProvisionFailures.Inc()
		}
		return state.Engine{}, orcherr.Wrap(orcherr.RuntimeTimeout, "container run failed", err)
	}

	if err := c.waitRunning(ctx, containerID); err != nil {
		_ = c.rt.Remove(ctx, containerID, true)
		c.releasePlan(plan)
		c.breaker.RecordFailure("general")
		if c.met != nil {
			c.met.ProvisionFailures.Inc()
		}
		return state.Engine{}, err
	}

	now := time.Now()
	eng := state.Engine{
		ContainerID:        containerID,
		Name:               plan.name,
		Host:               plan.name,
		ContainerHTTPPort:  plan.containerHTTP,
		ContainerHTTPSPort: plan.containerHTTPS,
		HostHTTPPort:       plan.hostHTTP,
		HostHTTPSPort:      plan.hostHTTPS,
		VPNID:              plan.vpnID,
		Forwarded:          plan.forwarded,
		Health:             state.HealthUnknown,
		FirstSeen:          now,
		LastSeen:           now,
	}
	c.store.AddEngine(eng)

	c.mu.Lock()
	delete(c.pendingForwarded, plan.vpnID)
	c.mu.Unlock()

	c.breaker.RecordSuccess("general")
	if c.met != nil {
		c.met.ProvisionsTotal.Inc()
	}
	if c.bus != nil {
		c.bus.Publish(events.EngineEvent("added", containerID, map[string]string{"name": plan.name, "vpn_id": plan.vpnID}))
	}
	c.log.Info("provisioned engine", "id", containerID, "name", plan.name, "vpn", plan.vpnID, "forwarded", plan.forwarded)
	return eng, nil
}

// plan computes target VPN, ports, and the forwarded decision under
// Controller.mu.
func (c *Controller) plan(vpnHint string) (provisionPlan, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	vpnID := c.pickTargetVPN(vpnHint)
	if vpnID != "" && !c.vpnHealthy(vpnID) {
		return provisionPlan{}, orcherr.New(orcherr.VPNUnavailable, fmt.Sprintf("target VPN %q is not healthy", vpnID))
	}

	name := nextContainerName(c.store.EngineNames())

	plan := provisionPlan{name: name, vpnID: vpnID}

	var err error
	if vpnID == "" {
		if plan.hostHTTP, err = c.alloc.Alloc(ports.PoolHost); err != nil {
			return provisionPlan{}, orcherr.Wrap(orcherr.PortExhausted, "host port", err)
		}
	}
	if plan.containerHTTP, err = c.alloc.Alloc(ports.PoolContainerHTTP); err != nil {
		c.alloc.Free(ports.PoolHost, plan.hostHTTP)
		return provisionPlan{}, orcherr.Wrap(orcherr.PortExhausted, "container http port", err)
	}
	if plan.containerHTTPS, err = c.alloc.AllocAvoiding(ports.PoolContainerHTTPS, plan.containerHTTP); err != nil {
		c.alloc.Free(ports.PoolHost, plan.hostHTTP)
		c.alloc.Free(ports.PoolContainerHTTP, plan.containerHTTP)
		return provisionPlan{}, orcherr.Wrap(orcherr.PortExhausted, "container https port", err)
	}
	if c.cfg.AceMapHTTPS && vpnID == "" {
		if plan.hostHTTPS, err = c.alloc.Alloc(ports.PoolHost); err != nil {
			c.releasePlan(plan)
			return provisionPlan{}, orcherr.Wrap(orcherr.PortExhausted, "host https port", err)
		}
	}

	if vpnID != "" && !c.pendingForwarded[vpnID] {
		if _, hasForwarded := c.store.ForwardedEngineOnVPN(vpnID); !hasForwarded {
			if c.VPNForwardedPort != nil {
				if port, ok := c.VPNForwardedPort(vpnID); ok {
					plan.forwarded = true
					plan.forwardedPort = port
					c.pendingForwarded[vpnID] = true
					plan.usingPendingForwarded = true
				}
			}
		}
	}

	return plan, nil
}

func (c *Controller) releasePlan(plan provisionPlan) {
	c.alloc.Free(ports.PoolHost, plan.hostHTTP)
	c.alloc.Free(ports.PoolHost, plan.hostHTTPS)
	c.alloc.Free(ports.PoolContainerHTTP, plan.containerHTTP)
	c.alloc.Free(ports.PoolContainerHTTPS, plan.containerHTTPS)
	if plan.usingPendingForwarded {
		c.mu.Lock()
		delete(c.pendingForwarded, plan.vpnID)
		c.mu.Unlock()
	}
}

func (c *Controller) buildSpec(plan *provisionPlan) (runtime.ContainerSpec, error) {
	if c.cfg.EngineVariant == "env_conf" && c.cfg.UserConf != "" {
		if err := c.applyUserConf(plan); err != nil {
			return runtime.ContainerSpec{}, err
		}
	}

	key, val := c.cfg.OpsLabel()
	labels := map[string]string{
		key:                 val,
		LabelAcestreamHTTP:  strconv.Itoa(plan.containerHTTP),
		LabelAcestreamHTTPS: strconv.Itoa(plan.containerHTTPS),
	}
	if plan.vpnID != "" {
		labels[LabelVPNContainer] = plan.vpnID
	}
	if plan.hostHTTP != 0 {
		labels[LabelHostHTTP] = strconv.Itoa(plan.hostHTTP)
	}
	if plan.hostHTTPS != 0 {
		labels[LabelHostHTTPS] = strconv.Itoa(plan.hostHTTPS)
	}
	if plan.forwarded {
		labels[LabelForwarded] = "true"
	}

	env := map[string]string{}
	var cmd []string
	switch c.cfg.EngineVariant {
	case "env_args":
		args := fmt.Sprintf("--http-port=%d --https-port=%d --bind-all", plan.containerHTTP, plan.containerHTTPS)
		if plan.forwarded {
			args += fmt.Sprintf(" --port %d", plan.forwardedPort)
		}
		env["ACESTREAM_ARGS"] = args
	case "cmd":
		cmd = []string{"--http-port", strconv.Itoa(plan.containerHTTP), "--https-port", strconv.Itoa(plan.containerHTTPS)}
		if plan.forwarded {
			cmd = append(cmd, "--port", strconv.Itoa(plan.forwardedPort))
		}
	default: // "env_conf"
		if c.cfg.UserConf != "" {
			env["CONF"] = c.cfg.UserConf
		} else {
			env["CONF"] = BuildDefaultConf(plan.containerHTTP, plan.containerHTTPS)
		}
		env["HTTP_PORT"] = strconv.Itoa(plan.containerHTTP)
		env["HTTPS_PORT"] = strconv.Itoa(plan.containerHTTPS)
		if plan.forwarded {
			env["P2P_PORT"] = strconv.Itoa(plan.forwardedPort)
		}
	}

	spec := runtime.ContainerSpec{
		Image:         c.cfg.TargetImage,
		Name:          plan.name,
		Env:           env,
		Labels:        labels,
		Cmd:           cmd,
		RestartPolicy: "unless-stopped",
	}
	if plan.vpnID != "" {
		spec.NetworkMode = "container:" + plan.vpnID
	} else {
		spec.NetworkMode = c.cfg.DockerNetwork
		spec.PortBindings = map[string]int{
			fmt.Sprintf("%d/tcp", plan.containerHTTP): plan.hostHTTP,
		}
		if plan.hostHTTPS != 0 {
			spec.PortBindings[fmt.Sprintf("%d/tcp", plan.containerHTTPS)] = plan.hostHTTPS
		}
	}
	return spec, nil
}

// applyUserConf implements §4.1's operator-CONF-wins rule: an
// operator-supplied CONF string's --http-port/--https-port take
// precedence over the allocator's provisional picks. The provisional
// ports are freed and, when the operator's ports fall within the
// managed range, reserved instead (mirrors provisioner.py's
// _reserve_user_ports, which only reserves ports it actually manages).
func (c *Controller) applyUserConf(plan *provisionPlan) error {
	httpPort, httpsPort := ParseConfPorts(c.cfg.UserConf)
	if httpPort == nil && httpsPort == nil {
		return nil
	}
	if err := ValidateUserPorts(httpPort, httpsPort); err != nil {
		return orcherr.Wrap(orcherr.InvalidConfig, "operator-supplied CONF", err)
	}
	if httpPort != nil {
		c.alloc.Free(ports.PoolContainerHTTP, plan.containerHTTP)
		plan.containerHTTP = *httpPort
		if c.alloc.InRange(ports.PoolContainerHTTP, plan.containerHTTP) {
			c.alloc.Reserve(ports.PoolContainerHTTP, plan.containerHTTP)
		}
	}
	if httpsPort != nil {
		c.alloc.Free(ports.PoolContainerHTTPS, plan.containerHTTPS)
		plan.containerHTTPS = *httpsPort
		if c.alloc.InRange(ports.PoolContainerHTTPS, plan.containerHTTPS) {
			c.alloc.Reserve(ports.PoolContainerHTTPS, plan.containerHTTPS)
		}
	}
	return nil
}

func (c *Controller) waitRunning(ctx context.Context, containerID string) error {
	deadline := time.Now().Add(c.cfg.StartupTimeout)
	for {
		info, err := c.rt.Inspect(ctx, containerID)
		if err == nil && info.Running() {
			return nil
		}
		if time.Now().After(deadline) {
			return orcherr.New(orcherr.RuntimeTimeout, fmt.Sprintf("container failed to start within %s", c.cfg.StartupTimeout))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// StopEngine best-effort stops then removes containerID, releasing its
// ports and clearing any streams attributed to it.
func (c *Controller) StopEngine(ctx context.Context, containerID string) error {
	eng, ok := c.store.GetEngine(containerID)
	if !ok {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.rt.Stop(stopCtx, containerID); err != nil {
		c.log.Warn("stop engine: best-effort stop failed", "id", containerID, "error", err)
	}
	if err := c.rt.Remove(ctx, containerID, false); err != nil {
		c.log.Warn("stop engine: remove failed", "id", containerID, "error", err)
	}

	c.releaseEnginePorts(eng)
	c.store.ClearStreamsForEngine(containerID)
	c.store.RemoveEngine(containerID)

	if c.bus != nil {
		c.bus.Publish(events.EngineEvent("removed", containerID, map[string]string{"name": eng.Name}))
	}
	c.log.Info("stopped engine", "id", containerID, "name", eng.Name)
	return nil
}

func (c *Controller) releaseEnginePorts(eng state.Engine) {
	if eng.VPNID == "" {
		c.alloc.Free(ports.PoolHost, eng.HostHTTPPort)
		c.alloc.Free(ports.PoolHost, eng.HostHTTPSPort)
	}
	c.alloc.Free(ports.PoolContainerHTTP, eng.ContainerHTTPPort)
	c.alloc.Free(ports.PoolContainerHTTPS, eng.ContainerHTTPSPort)
}

// Reindex enumerates every managed container, reconciles the State
// Store with observed reality, and re-reserves their ports. Called at
// startup and on runtime transient-unavailability.
func (c *Controller) Reindex(ctx context.Context) error {
	key, val := c.cfg.OpsLabel()
	observed, err := c.rt.List(ctx, key, val)
	if err != nil {
		return orcherr.Wrap(orcherr.RuntimeTimeout, "reindex: list containers", err)
	}

	forwardedSeen := make(map[string]bool) // per-VPN: only the first observed wins
	now := time.Now()

	for _, ci := range observed {
		hostHTTP, _ := strconv.Atoi(ci.Labels[LabelHostHTTP])
		hostHTTPS, _ := strconv.Atoi(ci.Labels[LabelHostHTTPS])
		containerHTTP, _ := strconv.Atoi(ci.Labels[LabelAcestreamHTTP])
		containerHTTPS, _ := strconv.Atoi(ci.Labels[LabelAcestreamHTTPS])
		vpnID := ci.Labels[LabelVPNContainer]

		forwarded := ci.Labels[LabelForwarded] == "true"
		if forwarded && vpnID != "" {
			if forwardedSeen[vpnID] {
				forwarded = false // second claim on the same VPN loses, in-memory only
			} else {
				forwardedSeen[vpnID] = true
			}
		}

		health := state.HealthUnknown
		switch ci.Health {
		case "healthy":
			health = state.HealthHealthy
		case "unhealthy":
			health = state.HealthUnhealthy
		}

		c.store.AddEngine(state.Engine{
			ContainerID:        ci.ID,
			Name:               ci.Name,
			Host:               ci.Name,
			ContainerHTTPPort:  containerHTTP,
			ContainerHTTPSPort: containerHTTPS,
			HostHTTPPort:       hostHTTP,
			HostHTTPSPort:      hostHTTPS,
			VPNID:              vpnID,
			Forwarded:          forwarded,
			Health:             health,
			FirstSeen:          now,
			LastSeen:           now,
		})

		if vpnID == "" {
			c.alloc.Reserve(ports.PoolHost, hostHTTP)
			if hostHTTPS != 0 {
				c.alloc.Reserve(ports.PoolHost, hostHTTPS)
			}
		}
		c.alloc.Reserve(ports.PoolContainerHTTP, containerHTTP)
		c.alloc.Reserve(ports.PoolContainerHTTPS, containerHTTPS)
	}
	c.log.Info("reindexed engines", "count", len(observed))
	return nil
}

// nextContainerName finds the smallest positive integer not currently
// used by any acestream-<N> name — closes gaps left by removed
// engines, never returning N > active_count+1.
func nextContainerName(names []string) string {
	used := make(map[int]bool, len(names))
	for _, n := range names {
		var i int
		if _, err := fmt.Sscanf(n, "acestream-%d", &i); err == nil {
			used[i] = true
		}
	}
	n := 1
	for used[n] {
		n++
	}
	return fmt.Sprintf("acestream-%d", n)
}
