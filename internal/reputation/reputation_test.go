package reputation

import (
	"math"
	"testing"
	"time"
)

func newTestEngine() *Engine {
	return NewEngine(DefaultOptions(), nil)
}

func TestUnknownPeerIsNeutral(t *testing.T) {
	e := newTestEngine()
	if got := e.GetScore("stranger"); got != NeutralScore {
		t.Errorf("expected neutral score %v for unknown peer, got %v", NeutralScore, got)
	}
}

func TestSuccessRaisesScoreCapped(t *testing.T) {
	e := newTestEngine()
	for i := 0; i < 30; i++ {
		e.RecordSuccess("peer-a", 5*1024*1024, 100) // full 5-point bonus each
	}
	if got := e.GetScore("peer-a"); got != 100 {
		t.Errorf("expected score capped at 100, got %v", got)
	}
}

func TestSmallTransferSmallBonus(t *testing.T) {
	e := newTestEngine()
	e.RecordSuccess("peer-a", 512*1024, 100) // 0.5MB → 0.5 bonus
	got := e.GetScore("peer-a")
	if math.Abs(got-50.5) > 0.001 {
		t.Errorf("expected 50.5 after half-megabyte success, got %v", got)
	}
}

func TestFailureLowersScoreFloored(t *testing.T) {
	e := newTestEngine()
	for i := 0; i < 20; i++ {
		e.RecordFailure("peer-b", "timeout")
	}
	if got := e.GetScore("peer-b"); got != 0 {
		t.Errorf("expected score floored at 0, got %v", got)
	}

	rec, ok := e.GetRecord("peer-b")
	if !ok {
		t.Fatalf("expected record for peer-b")
	}
	if rec.FailureCount != 20 {
		t.Errorf("expected 20 failures recorded, got %d", rec.FailureCount)
	}
}

func TestDecayLaw(t *testing.T) {
	e := newTestEngine()
	base := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return base }

	lastSeen := base.Add(-48 * time.Hour)
	got := e.Decay(80, lastSeen)
	want := 80 * math.Pow(0.95, 2)
	if math.Abs(got-want) > 0.001 {
		t.Errorf("expected decayed score %v, got %v", want, got)
	}
}

func TestDecayNeverDropsBelowFloor(t *testing.T) {
	e := newTestEngine()
	base := time.Now()
	e.now = func() time.Time { return base }

	got := e.Decay(80, base.Add(-365*24*time.Hour))
	if got != e.opts.ScoreFloor {
		t.Errorf("expected long decay to bottom out at floor %v, got %v", e.opts.ScoreFloor, got)
	}
}

func TestDecayNeverRaisesAScore(t *testing.T) {
	e := newTestEngine()
	base := time.Now()
	e.now = func() time.Time { return base }

	// A peer penalized below the floor must not be resurrected to it.
	if got := e.Decay(4, base.Add(-72*time.Hour)); got > 4 {
		t.Errorf("expected decay to leave a sub-floor score at or below 4, got %v", got)
	}

	for i := 0; i < 20; i++ {
		e.RecordFailure("burned", "timeout")
	}
	e.now = func() time.Time { return base.Add(72 * time.Hour) }
	if got := e.GetScore("burned"); got != 0 {
		t.Errorf("expected a failed-out peer to stay at 0 after decay, got %v", got)
	}
}

func TestDecaySkipsNegligibleElapsed(t *testing.T) {
	e := newTestEngine()
	base := time.Now()
	e.now = func() time.Time { return base }

	if got := e.Decay(100, base.Add(-30*time.Second)); got != 100 {
		t.Errorf("expected a seconds-old score returned untouched, got %v", got)
	}
}

func TestDecayIgnoresZeroLastSeen(t *testing.T) {
	e := newTestEngine()
	if got := e.Decay(70, time.Time{}); got != 70 {
		t.Errorf("expected zero last-seen to skip decay, got %v", got)
	}
}

func TestCompositeOfEmptyRecordIsNeutral(t *testing.T) {
	e := newTestEngine()
	rec := &PeerRecord{PeerID: "fresh"}
	got := e.Composite(rec)
	// 0.3·0.5 + 0.2·0 + 0.2·1.0 + 0.3·0.5 = 0.5 → 50
	if math.Abs(got-50) > 0.001 {
		t.Errorf("expected composite 50 for empty record, got %v", got)
	}
}

func TestCompositeRewardsBandwidth(t *testing.T) {
	e := newTestEngine()
	slow := &PeerRecord{PeerID: "slow", SuccessCount: 10, AvgBandwidthBps: 1024}
	fast := &PeerRecord{PeerID: "fast", SuccessCount: 10, AvgBandwidthBps: e.opts.ReferenceBandwidthBps * 2}
	if e.Composite(fast) <= e.Composite(slow) {
		t.Errorf("expected faster peer to score higher")
	}
	// Speed score saturates at the reference bandwidth.
	faster := &PeerRecord{PeerID: "faster", SuccessCount: 10, AvgBandwidthBps: e.opts.ReferenceBandwidthBps * 10}
	if e.Composite(faster) != e.Composite(fast) {
		t.Errorf("expected speed score to saturate at reference bandwidth")
	}
}

func TestEffectiveScorePrefersFasterPeer(t *testing.T) {
	e := newTestEngine()
	e.RecordSuccess("slow", 5*1024*1024, 60000) // 5MB over a minute
	e.RecordSuccess("fast", 5*1024*1024, 100)

	if e.GetScore("slow") != e.GetScore("fast") {
		t.Fatalf("expected identical incremental scores, got %v vs %v",
			e.GetScore("slow"), e.GetScore("fast"))
	}
	if e.EffectiveScore("fast") <= e.EffectiveScore("slow") {
		t.Errorf("expected bandwidth to lift the effective score: fast=%v slow=%v",
			e.EffectiveScore("fast"), e.EffectiveScore("slow"))
	}
	if got := e.Rank([]string{"slow", "fast"}); got[0] != "fast" {
		t.Errorf("expected the faster peer ranked first, got %v", got)
	}
}

func TestEffectiveScoreReflectsUptime(t *testing.T) {
	e := newTestEngine()
	for i := 0; i < 3; i++ {
		e.RecordConnect("steady", true)
	}
	e.RecordConnect("flaky", true)
	for i := 0; i < 3; i++ {
		e.RecordConnect("flaky", false)
	}

	if e.EffectiveScore("flaky") >= e.EffectiveScore("steady") {
		t.Errorf("expected failed connects to drag the effective score down: flaky=%v steady=%v",
			e.EffectiveScore("flaky"), e.EffectiveScore("steady"))
	}
	if e.EffectiveScore("stranger") != NeutralScore {
		t.Errorf("expected neutral effective score for unknown peer, got %v", e.EffectiveScore("stranger"))
	}
}

func TestTrustBands(t *testing.T) {
	cases := []struct {
		score float64
		want  TrustLevel
	}{
		{95, TrustTrusted},
		{80, TrustTrusted},
		{79.9, TrustHigh},
		{60, TrustHigh},
		{59, TrustMedium},
		{40, TrustMedium},
		{39, TrustLow},
		{20, TrustLow},
		{19, TrustUnknown},
		{0, TrustUnknown},
	}
	for _, c := range cases {
		if got := Trust(c.score); got != c.want {
			t.Errorf("Trust(%v) = %s, want %s", c.score, got, c.want)
		}
	}
}

func TestRankDeterministic(t *testing.T) {
	e := newTestEngine()
	for i := 0; i < 8; i++ {
		e.RecordSuccess("high", 5*1024*1024, 50)
	}
	for i := 0; i < 2; i++ {
		e.RecordSuccess("mid", 5*1024*1024, 50)
	}
	e.RecordFailure("low", "corrupt_chunk")

	got := e.Rank([]string{"low", "tie-b", "mid", "high", "tie-a"})
	want := []string{"high", "mid", "tie-a", "tie-b", "low"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rank mismatch at %d: got %v, want %v", i, got, want)
		}
	}
}

func TestRecentWindowBounded(t *testing.T) {
	e := newTestEngine()
	for i := 0; i < recentWindow+15; i++ {
		e.RecordSuccess("peer-c", 1024, 10)
	}
	rec, _ := e.GetRecord("peer-c")
	if len(rec.Recent) != recentWindow {
		t.Errorf("expected recent window of %d, got %d", recentWindow, len(rec.Recent))
	}
}

func TestConnectFeedsUptime(t *testing.T) {
	e := newTestEngine()
	e.RecordConnect("peer-d", true)
	e.RecordConnect("peer-d", false)
	e.RecordConnect("peer-d", true)

	rec, _ := e.GetRecord("peer-d")
	if rec.ConnectAttempts != 3 || rec.ConnectOK != 2 {
		t.Errorf("expected 3 attempts / 2 ok, got %d/%d", rec.ConnectAttempts, rec.ConnectOK)
	}
	// A failed connect must not carry the transfer penalty.
	if got := e.GetScore("peer-d"); got != NeutralScore {
		t.Errorf("expected connect bookkeeping to leave score at %v, got %v", NeutralScore, got)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dbPath := t.TempDir()

	store, err := OpenStore(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	e := NewEngine(DefaultOptions(), store)
	e.RecordSuccess("peer-e", 2*1024*1024, 200)
	e.RecordFailure("peer-e", "timeout")
	scoreBefore := e.GetScore("peer-e")
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	store2, err := OpenStore(dbPath)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer store2.Close()

	e2 := NewEngine(DefaultOptions(), store2)
	rec, ok := e2.GetRecord("peer-e")
	if !ok {
		t.Fatalf("expected peer-e to survive restart")
	}
	if rec.SuccessCount != 1 || rec.FailureCount != 1 {
		t.Errorf("expected counters 1/1, got %d/%d", rec.SuccessCount, rec.FailureCount)
	}
	if math.Abs(e2.GetScore("peer-e")-scoreBefore) > 0.5 {
		t.Errorf("expected restored score near %v, got %v", scoreBefore, e2.GetScore("peer-e"))
	}
}
