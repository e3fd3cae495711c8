package selection

import (
	"testing"

	"github.com/polyfetch/polyfetch/internal/descriptor"
	"github.com/polyfetch/polyfetch/internal/reputation"
)

// raiseScore pushes a peer's score up by repeated full-bonus successes.
func raiseScore(e *reputation.Engine, peerID string, target float64) {
	for e.GetScore(peerID) < target {
		e.RecordSuccess(peerID, 5*1024*1024, 50)
	}
}

// sinkScore drives a peer's score down with repeated failures.
func sinkScore(e *reputation.Engine, peerID string, target float64) {
	for e.GetScore(peerID) > target {
		e.RecordFailure(peerID, "timeout")
	}
}

func httpPeer(id string) descriptor.PeerRef {
	return descriptor.PeerRef{PeerID: id, Protocol: "http", Address: "http://" + id}
}

func TestSelectPicksTopScorers(t *testing.T) {
	e := reputation.NewEngine(reputation.DefaultOptions(), nil)
	raiseScore(e, "p90", 90)
	raiseScore(e, "p70", 70)
	// p50 stays at the neutral default.

	p := NewPolicy(e, 2, 20)
	result := p.Select([]descriptor.PeerRef{httpPeer("p50"), httpPeer("p90"), httpPeer("p70")})

	if result.SingleSource {
		t.Fatalf("expected multi-source selection")
	}
	if len(result.Peers) != 2 {
		t.Fatalf("expected 2 selected peers, got %d", len(result.Peers))
	}
	if result.Peers[0].PeerID != "p90" || result.Peers[1].PeerID != "p70" {
		t.Errorf("expected [p90 p70], got [%s %s]", result.Peers[0].PeerID, result.Peers[1].PeerID)
	}
}

func TestSelectPrefersFasterPeerAtEqualScore(t *testing.T) {
	e := reputation.NewEngine(reputation.DefaultOptions(), nil)
	e.RecordSuccess("slow", 5*1024*1024, 60000)
	e.RecordSuccess("fast", 5*1024*1024, 100)

	p := NewPolicy(e, 2, 20)
	result := p.Select([]descriptor.PeerRef{httpPeer("slow"), httpPeer("fast")})

	if len(result.Peers) != 2 {
		t.Fatalf("expected both peers selected, got %d", len(result.Peers))
	}
	if result.Peers[0].PeerID != "fast" {
		t.Errorf("expected the higher-bandwidth peer ordered first, got %s", result.Peers[0].PeerID)
	}
}

func TestSelectFiltersBelowThreshold(t *testing.T) {
	e := reputation.NewEngine(reputation.DefaultOptions(), nil)
	sinkScore(e, "shady", 15)

	p := NewPolicy(e, 3, 20)
	result := p.Select([]descriptor.PeerRef{httpPeer("shady"), httpPeer("ok-a"), httpPeer("ok-b")})

	for _, peer := range result.Peers {
		if peer.PeerID == "shady" {
			t.Errorf("peer below the trust threshold must not be selected")
		}
	}
	if len(result.Peers) != 2 {
		t.Errorf("expected 2 eligible peers, got %d", len(result.Peers))
	}
}

func TestSelectSingleCandidateIsSingleSource(t *testing.T) {
	e := reputation.NewEngine(reputation.DefaultOptions(), nil)
	p := NewPolicy(e, 3, 20)

	result := p.Select([]descriptor.PeerRef{httpPeer("only")})
	if !result.SingleSource {
		t.Errorf("expected single-source mode with one candidate")
	}
	if len(result.Peers) != 1 || result.Peers[0].PeerID != "only" {
		t.Errorf("expected the lone candidate selected")
	}
}

func TestSelectNoEligiblePeers(t *testing.T) {
	e := reputation.NewEngine(reputation.DefaultOptions(), nil)
	sinkScore(e, "bad-a", 10)
	sinkScore(e, "bad-b", 10)

	p := NewPolicy(e, 3, 20)
	result := p.Select([]descriptor.PeerRef{httpPeer("bad-a"), httpPeer("bad-b")})
	if len(result.Peers) != 0 {
		t.Errorf("expected no eligible peers, got %d", len(result.Peers))
	}
	if !result.SingleSource {
		t.Errorf("an empty selection still reports single-source")
	}
}

func TestSelectReservesProtocolSlots(t *testing.T) {
	e := reputation.NewEngine(reputation.DefaultOptions(), nil)
	raiseScore(e, "http-1", 95)
	raiseScore(e, "http-2", 90)
	raiseScore(e, "http-3", 85)
	// The webrtc peer scores lowest but still gets its protocol slot.
	candidates := []descriptor.PeerRef{
		httpPeer("http-1"),
		httpPeer("http-2"),
		httpPeer("http-3"),
		{PeerID: "rtc-1", Protocol: "webrtc", Address: "rtc-1"},
	}

	p := NewPolicy(e, 3, 20)
	result := p.Select(candidates)

	if len(result.Peers) != 3 {
		t.Fatalf("expected 3 selected peers, got %d", len(result.Peers))
	}
	protocols := make(map[string]bool)
	for _, peer := range result.Peers {
		protocols[peer.Protocol] = true
	}
	if !protocols["webrtc"] {
		t.Errorf("expected a reserved slot for the webrtc fallback peer")
	}
	if !protocols["http"] {
		t.Errorf("expected the http peers to keep their slots")
	}
}

func TestBackfillExcludesBurnedPeers(t *testing.T) {
	e := reputation.NewEngine(reputation.DefaultOptions(), nil)
	pool := []descriptor.PeerRef{httpPeer("a"), httpPeer("b"), httpPeer("c")}

	p := NewPolicy(e, 2, 20)
	result := p.Backfill(pool, map[string]bool{"a": true})

	for _, peer := range result.Peers {
		if peer.PeerID == "a" {
			t.Errorf("excluded peer must not come back via backfill")
		}
	}
	if len(result.Peers) != 2 {
		t.Errorf("expected backfill to select 2 peers, got %d", len(result.Peers))
	}
}
