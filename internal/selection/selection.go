package selection

import (
	"sort"

	"github.com/polyfetch/polyfetch/internal/descriptor"
	"github.com/polyfetch/polyfetch/internal/reputation"
)

// Policy picks a bounded subset of candidate peers for a download.
type Policy struct {
	engine   *reputation.Engine
	maxPeers int
	minTrust float64
}

// Result is the outcome of one selection pass.
type Result struct {
	Peers []descriptor.PeerRef
	// SingleSource is set when fewer than 2 eligible peers remain; the
	// session then bypasses the multi-peer scheduler entirely.
	SingleSource bool
}

func NewPolicy(engine *reputation.Engine, maxPeers int, minTrust float64) *Policy {
	if maxPeers <= 0 {
		maxPeers = 3
	}
	return &Policy{
		engine:   engine,
		maxPeers: maxPeers,
		minTrust: minTrust,
	}
}

// Select filters candidates below the trust threshold, ranks the rest by
// composite score and picks the top maxPeers. When multiple protocols are
// present, one slot per distinct protocol is reserved for fallback before
// the remaining slots are filled purely by score.
func (p *Policy) Select(candidates []descriptor.PeerRef) Result {
	eligible := make([]descriptor.PeerRef, 0, len(candidates))
	for _, c := range candidates {
		if p.engine.GetScore(c.PeerID) >= p.minTrust {
			eligible = append(eligible, c)
		}
	}

	p.sortByScore(eligible)

	if len(eligible) < 2 {
		return Result{Peers: eligible, SingleSource: true}
	}

	protocols := distinctProtocols(eligible)
	selected := make([]descriptor.PeerRef, 0, p.maxPeers)
	taken := make(map[string]bool)

	if len(protocols) > 1 {
		// Best-scored peer of each protocol claims a reserved slot.
		seen := make(map[string]bool)
		for _, c := range eligible {
			if len(selected) >= p.maxPeers {
				break
			}
			if seen[c.Protocol] {
				continue
			}
			seen[c.Protocol] = true
			taken[c.PeerID] = true
			selected = append(selected, c)
		}
	}

	for _, c := range eligible {
		if len(selected) >= p.maxPeers {
			break
		}
		if taken[c.PeerID] {
			continue
		}
		taken[c.PeerID] = true
		selected = append(selected, c)
	}

	p.sortByScore(selected)
	return Result{Peers: selected, SingleSource: len(selected) < 2}
}

// Backfill re-runs selection over the remaining pool after a selected peer
// was permanently removed, excluding peers already active or burned.
func (p *Policy) Backfill(pool []descriptor.PeerRef, exclude map[string]bool) Result {
	remaining := make([]descriptor.PeerRef, 0, len(pool))
	for _, c := range pool {
		if !exclude[c.PeerID] {
			remaining = append(remaining, c)
		}
	}
	return p.Select(remaining)
}

// sortByScore orders by effective score so bandwidth and uptime count,
// not just the incremental bonus/penalty tally.
func (p *Policy) sortByScore(peers []descriptor.PeerRef) {
	sort.Slice(peers, func(i, j int) bool {
		si, sj := p.engine.EffectiveScore(peers[i].PeerID), p.engine.EffectiveScore(peers[j].PeerID)
		if si != sj {
			return si > sj
		}
		return peers[i].PeerID < peers[j].PeerID
	})
}

func distinctProtocols(peers []descriptor.PeerRef) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range peers {
		if !seen[p.Protocol] {
			seen[p.Protocol] = true
			out = append(out, p.Protocol)
		}
	}
	return out
}
