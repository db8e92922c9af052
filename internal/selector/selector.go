// Package selector implements the Engine Selector (§4.5): pick the best
// engine for a new stream request without mutating state.
//
// Grounded on the donor's orchestrator_events.go SelectBestEngine, which
// caches engine state and sorts candidates by a comparator; the filter
// and sort key here follow spec §4.5 exactly (health + VPN health +
// stream-limit filter, then (active_stream_count ASC, forwarded DESC,
// last_stream_usage ASC)), which differs from the donor's own
// healthy-first comparator — the donor client folds "healthy" into the
// sort key, while §4.5 treats it as a hard filter instead.
package selector

import (
	"sort"

	"github.com/krinkuto11/acestream-orchestrator/internal/orcherr"
	"github.com/krinkuto11/acestream-orchestrator/internal/state"
)

// VPNHealthFunc reports whether a VPN id is currently healthy. An empty
// vpnID (engine has no VPN assigned) is always considered healthy.
type VPNHealthFunc func(vpnID string) bool

// Select filters engines to those healthy, on a healthy VPN (if any),
// and under maxStreamsPerEngine (0 = unlimited), then returns the best
// candidate by the §4.5 sort tuple. Returns orcherr.EngineUnhealthy-kind
// error when no candidate survives the filter — callers decide whether
// to provision on demand.
func Select(engines []state.Engine, vpnHealthy VPNHealthFunc, maxStreamsPerEngine int) (state.Engine, error) {
	candidates := make([]state.Engine, 0, len(engines))
	for _, e := range engines {
		if e.Health != state.HealthHealthy {
			continue
		}
		if e.VPNID != "" && vpnHealthy != nil && !vpnHealthy(e.VPNID) {
			continue
		}
		if maxStreamsPerEngine > 0 && e.ActiveStreamCount() >= maxStreamsPerEngine {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return state.Engine{}, orcherr.New(orcherr.EngineUnhealthy, "no eligible engine available")
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.ActiveStreamCount() != b.ActiveStreamCount() {
			return a.ActiveStreamCount() < b.ActiveStreamCount()
		}
		if a.Forwarded != b.Forwarded {
			return a.Forwarded // true sorts before false: forwarded DESC
		}
		return a.LastStreamUsage.Before(b.LastStreamUsage)
	})
	return candidates[0], nil
}
