package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/krinkuto11/acestream-orchestrator/internal/breaker"
	"github.com/krinkuto11/acestream-orchestrator/internal/config"
	"github.com/krinkuto11/acestream-orchestrator/internal/events"
	"github.com/krinkuto11/acestream-orchestrator/internal/ports"
	"github.com/krinkuto11/acestream-orchestrator/internal/runtime"
	"github.com/krinkuto11/acestream-orchestrator/internal/state"
)

// fakeRuntime is an in-memory runtime.Runtime double; no container ever
// actually runs.
type fakeRuntime struct {
	containers map[string]runtime.ContainerInfo
	specs      map[string]runtime.ContainerSpec
	nextID     int
	runErr     error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: map[string]runtime.ContainerInfo{}, specs: map[string]runtime.ContainerSpec{}}
}

func (f *fakeRuntime) Run(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	if f.runErr != nil {
		return "", f.runErr
	}
	f.nextID++
	id := fmt.Sprintf("c%d", f.nextID)
	f.containers[id] = runtime.ContainerInfo{ID: id, Name: spec.Name, Status: "running", Labels: spec.Labels}
	f.specs[id] = spec
	return id, nil
}

func (f *fakeRuntime) Inspect(ctx context.Context, id string) (runtime.ContainerInfo, error) {
	ci, ok := f.containers[id]
	if !ok {
		return runtime.ContainerInfo{}, fmt.Errorf("no such container %s", id)
	}
	return ci, nil
}

func (f *fakeRuntime) Restart(ctx context.Context, id string) error { return nil }
func (f *fakeRuntime) Stop(ctx context.Context, id string) error    { return nil }

func (f *fakeRuntime) Remove(ctx context.Context, id string, force bool) error {
	delete(f.containers, id)
	delete(f.specs, id)
	return nil
}

func (f *fakeRuntime) List(ctx context.Context, labelKey, labelValue string) ([]runtime.ContainerInfo, error) {
	var out []runtime.ContainerInfo
	for _, ci := range f.containers {
		if ci.Labels[labelKey] == labelValue {
			out = append(out, ci)
		}
	}
	return out, nil
}

func testConfig() *config.Config {
	return &config.Config{
		TargetImage:    "acestream/engine:latest",
		ContainerLabel: "acestream-orchestrator.managed=true",
		StartupTimeout: 2 * time.Second,
		EngineVariant:  "env_conf",
	}
}

func newTestController(t *testing.T) (*Controller, *fakeRuntime) {
	t.Helper()
	cfg := testConfig()
	alloc := ports.New()
	alloc.AddPool(ports.PoolHost, 19000, 19010)
	alloc.AddPool(ports.PoolContainerHTTP, 40000, 40010)
	alloc.AddPool(ports.PoolContainerHTTPS, 45000, 45010)
	store := state.New(state.FleetDisabled)
	br := breaker.New(5, time.Minute)
	bus := events.New(8)
	rt := newFakeRuntime()
	return New(cfg, rt, alloc, store, br, bus, nil, nil), rt
}

func TestProvisionEngineAssignsSmallestUnusedName(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	first, err := c.ProvisionEngine(ctx, "")
	if err != nil {
		t.Fatalf("provision 1: %v", err)
	}
	if first.Name != "acestream-1" {
		t.Fatalf("expected acestream-1, got %s", first.Name)
	}

	second, err := c.ProvisionEngine(ctx, "")
	if err != nil {
		t.Fatalf("provision 2: %v", err)
	}
	if second.Name != "acestream-2" {
		t.Fatalf("expected acestream-2, got %s", second.Name)
	}

	if err := c.StopEngine(ctx, first.ContainerID); err != nil {
		t.Fatalf("stop: %v", err)
	}

	third, err := c.ProvisionEngine(ctx, "")
	if err != nil {
		t.Fatalf("provision 3: %v", err)
	}
	if third.Name != "acestream-1" {
		t.Fatalf("expected the freed name acestream-1 to be reused, got %s", third.Name)
	}
}

func TestProvisionEngineAllocatesDistinctPorts(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	a, err := c.ProvisionEngine(ctx, "")
	if err != nil {
		t.Fatalf("provision a: %v", err)
	}
	b, err := c.ProvisionEngine(ctx, "")
	if err != nil {
		t.Fatalf("provision b: %v", err)
	}

	if a.ContainerHTTPPort == b.ContainerHTTPPort {
		t.Fatal("expected distinct container http ports")
	}
	if a.ContainerHTTPPort == a.ContainerHTTPSPort {
		t.Fatal("expected http and https ports on the same engine to differ")
	}
}

func TestProvisionEngineHonorsOperatorSuppliedConf(t *testing.T) {
	c, rt := newTestController(t)
	c.cfg.UserConf = "--http-port=40500\n--https-port=45500\n--bind-all"
	ctx := context.Background()

	eng, err := c.ProvisionEngine(ctx, "")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if eng.ContainerHTTPPort != 40500 {
		t.Fatalf("expected operator-supplied HTTP port 40500, got %d", eng.ContainerHTTPPort)
	}
	if eng.ContainerHTTPSPort != 45500 {
		t.Fatalf("expected operator-supplied HTTPS port 45500, got %d", eng.ContainerHTTPSPort)
	}

	spec := rt.specs[eng.ContainerID]
	if spec.Env["CONF"] != c.cfg.UserConf {
		t.Fatalf("expected the operator's CONF string to pass through verbatim, got %q", spec.Env["CONF"])
	}
	if spec.Labels[LabelAcestreamHTTP] != "40500" {
		t.Fatalf("expected labels to reflect the operator-supplied port, got %q", spec.Labels[LabelAcestreamHTTP])
	}

	// The allocator's own pool range (40000-40010) should remain
	// untouched by an out-of-range operator port: the provisional pick
	// (40000) was freed and only advanced the cursor, so the next
	// allocation continues at 40001.
	if next, err := c.alloc.Alloc(ports.PoolContainerHTTP); err != nil || next != 40001 {
		t.Fatalf("expected the pool's cursor to be unaffected by the out-of-range operator port, got %d, %v", next, err)
	}
}

func TestProvisionEngineRejectsInvalidOperatorConf(t *testing.T) {
	c, _ := newTestController(t)
	c.cfg.UserConf = "--http-port=40000\n--https-port=40000"
	ctx := context.Background()

	_, err := c.ProvisionEngine(ctx, "")
	if err == nil {
		t.Fatal("expected an error for colliding operator-supplied ports")
	}
}

func TestStopEngineReleasesPortsForReuse(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	eng, err := c.ProvisionEngine(ctx, "")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	usedHTTP := eng.ContainerHTTPPort

	if err := c.StopEngine(ctx, eng.ContainerID); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// The pool spans exactly 11 ports (40000-40010). If usedHTTP had not
	// been released by StopEngine, only 10 distinct ports would be
	// allocatable here.
	seen := map[int]bool{}
	for {
		p, err := c.alloc.Alloc(ports.PoolContainerHTTP)
		if err != nil {
			break
		}
		seen[p] = true
	}
	if !seen[usedHTTP] {
		t.Fatalf("expected freed port %d to be reallocatable, got %v", usedHTTP, seen)
	}
	if len(seen) != 11 {
		t.Fatalf("expected all 11 pool ports allocatable, got %d", len(seen))
	}

	if _, ok := c.store.GetEngine(eng.ContainerID); ok {
		t.Fatal("expected engine to be removed from the store after stop")
	}
}

func TestReindexReconcilesObservedContainers(t *testing.T) {
	c, rt := newTestController(t)
	ctx := context.Background()

	key, val := c.cfg.OpsLabel()
	rt.containers["external-1"] = runtime.ContainerInfo{
		ID:     "external-1",
		Name:   "acestream-7",
		Status: "running",
		Health: "healthy",
		Labels: map[string]string{
			key:                val,
			LabelAcestreamHTTP:  "40003",
			LabelAcestreamHTTPS: "45003",
			LabelHostHTTP:       "19003",
		},
	}

	if err := c.Reindex(ctx); err != nil {
		t.Fatalf("reindex: %v", err)
	}

	eng, ok := c.store.GetEngine("external-1")
	if !ok {
		t.Fatal("expected reindex to register the externally observed container")
	}
	if eng.Name != "acestream-7" || eng.ContainerHTTPPort != 40003 {
		t.Fatalf("unexpected reindexed engine: %+v", eng)
	}

	if _, err := c.alloc.Alloc(ports.PoolContainerHTTP); err != nil {
		t.Fatalf("alloc after reindex: %v", err)
	}
}

func TestProvisionEngineFailsWhenBreakerOpen(t *testing.T) {
	c, rt := newTestController(t)
	rt.runErr = fmt.Errorf("daemon unreachable")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := c.ProvisionEngine(ctx, ""); err == nil {
			t.Fatal("expected provisioning to fail while the runtime is erroring")
		}
	}

	if _, err := c.ProvisionEngine(ctx, ""); err == nil {
		t.Fatal("expected the circuit breaker to be open after repeated failures")
	}
}
