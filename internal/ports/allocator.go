// Package ports implements the Port Allocator (§4.6): partitioned
// integer-range pools, each finding the lowest free port at or after a
// monotonically advancing cursor, wrapping at the pool end. Grounded on
// original_source's PortAllocator (ports.py), generalized from its
// fixed host/http/https/per-VPN fields into a map of named pools so the
// same code handles single- and redundant-VPN mode.
package ports

import (
	"fmt"
	"sync"

	"github.com/krinkuto11/acestream-orchestrator/internal/orcherr"
)

// Names of the fixed pools every engine draws from; VPN pools are named
// dynamically ("vpn:<id>").
const (
	PoolHost          = "host"
	PoolContainerHTTP = "container_http"
	PoolContainerHTTPS = "container_https"
)

// VPNPool returns the pool name for the forwarded-port range of vpnID.
func VPNPool(vpnID string) string { return "vpn:" + vpnID }

type pool struct {
	min, max int
	next     int
	used     map[int]bool
}

func newPool(min, max int) *pool {
	return &pool{min: min, max: max, next: min, used: make(map[int]bool)}
}

// nextIn scans at most (max-min+1) ports starting at p.next, wrapping at
// p.max, skipping used ports. Mirrors ports.py's _next_in.
func (p *pool) nextIn(avoid int, hasAvoid bool) (int, error) {
	span := p.max - p.min + 1
	cur := p.next
	for i := 0; i < span; i++ {
		if cur > p.max {
			cur = p.min
		}
		if !p.used[cur] && !(hasAvoid && cur == avoid) {
			return cur, nil
		}
		cur++
	}
	return 0, orcherr.New(orcherr.PortExhausted, "no free ports in range")
}

// Allocator hands out and reclaims ports from partitioned pools under a
// single allocator-wide mutex — allocation is not a hot path, per §4.6.
type Allocator struct {
	mu    sync.Mutex
	pools map[string]*pool
}

// New constructs an empty Allocator. Pools are added with AddPool before
// use; an unregistered pool name is a programmer error (panics), since
// the set of pools is fixed at composition-root wiring time.
func New() *Allocator {
	return &Allocator{pools: make(map[string]*pool)}
}

// AddPool registers a pool spanning [min, max]. Calling it twice for the
// same name resets that pool's allocations.
func (a *Allocator) AddPool(name string, min, max int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pools[name] = newPool(min, max)
}

// HasPool reports whether name was registered via AddPool.
func (a *Allocator) HasPool(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.pools[name]
	return ok
}

func (a *Allocator) mustPool(name string) *pool {
	p, ok := a.pools[name]
	if !ok {
		panic(fmt.Sprintf("ports: pool %q was never registered", name))
	}
	return p
}

// Alloc returns the lowest free port in pool, advancing its cursor.
func (a *Allocator) Alloc(poolName string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.mustPool(poolName)
	port, err := p.nextIn(0, false)
	if err != nil {
		return 0, err
	}
	p.used[port] = true
	p.next = port + 1
	return port, nil
}

// AllocAvoiding is Alloc, but skips the given port — used to keep a
// container's HTTPS port distinct from its already-allocated HTTP port.
func (a *Allocator) AllocAvoiding(poolName string, avoid int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.mustPool(poolName)
	for {
		port, err := p.nextIn(avoid, true)
		if err != nil {
			return 0, err
		}
		p.used[port] = true
		p.next = port + 1
		return port, nil
	}
}

// Reserve marks a specific port used without advancing the cursor's
// search order, used on reindex to reconcile ports already held by
// containers observed in the runtime. Idempotent.
func (a *Allocator) Reserve(poolName string, port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.mustPool(poolName)
	p.used[port] = true
}

// Free releases port back to the pool. Idempotent; a no-op if the port
// was not marked used, or if poolName was never registered (a removed
// VPN's pool, say).
func (a *Allocator) Free(poolName string, port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pools[poolName]
	if !ok {
		return
	}
	delete(p.used, port)
}

// InRange reports whether port falls within poolName's configured
// bounds — used to decide whether an operator-supplied CONF port should
// be reserved in the allocator at all (original_source's
// _reserve_user_ports only reserves ports inside the managed range).
func (a *Allocator) InRange(poolName string, port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pools[poolName]
	if !ok {
		return false
	}
	return port >= p.min && port <= p.max
}
