package reputation

import (
	"math"
	"sort"
	"sync"
	"time"
)

// TrustLevel is the discretized band of a peer's composite score.
type TrustLevel string

const (
	TrustTrusted TrustLevel = "trusted"
	TrustHigh    TrustLevel = "high"
	TrustMedium  TrustLevel = "medium"
	TrustLow     TrustLevel = "low"
	TrustUnknown TrustLevel = "unknown"
)

const (
	// NeutralScore is where peers with no history start.
	NeutralScore = 50.0

	// recentWindow is how many of the latest transfer outcomes feed the
	// recent-success component.
	recentWindow = 20

	// ewmaAlpha weights the latest latency/bandwidth sample.
	ewmaAlpha = 0.3

	failurePenalty = 8.0
	maxSizeBonus   = 5.0

	// decayEpsilonDays is the idle time below which decay is a no-op;
	// sub-minute gaps between updates must not erode a score.
	decayEpsilonDays = 1.0 / (24 * 60)
)

// PeerRecord tracks a peer's transfer history and derived score.
type PeerRecord struct {
	PeerID          string    `json:"peer_id"`
	Protocol        string    `json:"protocol"`
	SuccessCount    int64     `json:"success_count"`
	FailureCount    int64     `json:"failure_count"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	AvgBandwidthBps float64   `json:"avg_bandwidth_bps"`
	ConnectAttempts int64     `json:"connect_attempts"`
	ConnectOK       int64     `json:"connect_ok"`
	Recent          []bool    `json:"recent"` // latest transfer outcomes, oldest first
	Score           float64   `json:"score"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
}

// Options tune score computation and decay.
type Options struct {
	ReferenceBandwidthBps float64 // bandwidth that earns a full speed score
	DecayRate             float64 // per-day multiplicative decay
	ScoreFloor            float64 // decay never drops a score below this
}

// DefaultOptions mirror the config defaults.
func DefaultOptions() Options {
	return Options{
		ReferenceBandwidthBps: 10 * 1024 * 1024,
		DecayRate:             0.05,
		ScoreFloor:            10.0,
	}
}

// Engine maintains composite reputation scores for every known peer.
// Records are never deleted while a session still references them.
type Engine struct {
	opts  Options
	store *Store // optional persistence, may be nil
	peers map[string]*PeerRecord
	now   func() time.Time
	mu    sync.RWMutex
}

func NewEngine(opts Options, store *Store) *Engine {
	e := &Engine{
		opts:  opts,
		store: store,
		peers: make(map[string]*PeerRecord),
		now:   time.Now,
	}
	if store != nil {
		if records, err := store.LoadAll(); err == nil {
			for _, rec := range records {
				e.peers[rec.PeerID] = rec
			}
		}
	}
	return e
}

// successRate defaults to 0.5 with zero interactions to avoid division by zero.
func successRate(rec *PeerRecord) float64 {
	total := rec.SuccessCount + rec.FailureCount
	if total == 0 {
		return 0.5
	}
	return float64(rec.SuccessCount) / float64(total)
}

func recentSuccess(rec *PeerRecord) float64 {
	if len(rec.Recent) == 0 {
		return 0.5
	}
	ok := 0
	for _, s := range rec.Recent {
		if s {
			ok++
		}
	}
	return float64(ok) / float64(len(rec.Recent))
}

func uptimeRatio(rec *PeerRecord) float64 {
	if rec.ConnectAttempts == 0 {
		return 1.0
	}
	return float64(rec.ConnectOK) / float64(rec.ConnectAttempts)
}

// Composite computes the weighted score model for a record:
// 100 × (0.3·successRate + 0.2·speedScore + 0.2·uptimeRatio + 0.3·recentSuccess).
func (e *Engine) Composite(rec *PeerRecord) float64 {
	speedScore := 0.0
	if e.opts.ReferenceBandwidthBps > 0 {
		speedScore = math.Min(1.0, rec.AvgBandwidthBps/e.opts.ReferenceBandwidthBps)
	}
	return 100 * (0.3*successRate(rec) + 0.2*speedScore + 0.2*uptimeRatio(rec) + 0.3*recentSuccess(rec))
}

// Decay applies the time-decay law to a stored score:
// score(t) = score₀ · (1 − decayRate)^daysSinceLastSeen, bounded below by
// the floor. Decay only ever lowers a score: one already under the floor
// (a failure-penalized peer) stays where the penalties left it.
func (e *Engine) Decay(score float64, lastSeen time.Time) float64 {
	if lastSeen.IsZero() {
		return score
	}
	days := e.now().Sub(lastSeen).Hours() / 24
	if days < decayEpsilonDays {
		return score
	}
	decayed := score * math.Pow(1-e.opts.DecayRate, days)
	return math.Max(math.Min(e.opts.ScoreFloor, score), decayed)
}

func (e *Engine) getOrCreate(peerID string) *PeerRecord {
	rec, exists := e.peers[peerID]
	if !exists {
		rec = &PeerRecord{
			PeerID:      peerID,
			Score:       NeutralScore,
			FirstSeenAt: e.now(),
		}
		e.peers[peerID] = rec
	}
	return rec
}

// RecordSuccess credits a peer for a completed transfer. The bonus scales
// with transfer size and the score is capped at 100.
func (e *Engine) RecordSuccess(peerID string, bytes int64, durationMs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec := e.getOrCreate(peerID)
	rec.Score = e.Decay(rec.Score, rec.LastSeenAt)
	rec.SuccessCount++
	rec.LastSeenAt = e.now()
	pushRecent(rec, true)

	if durationMs > 0 {
		bandwidth := float64(bytes) / (float64(durationMs) / 1000.0)
		if rec.AvgBandwidthBps == 0 {
			rec.AvgBandwidthBps = bandwidth
		} else {
			rec.AvgBandwidthBps = ewmaAlpha*bandwidth + (1-ewmaAlpha)*rec.AvgBandwidthBps
		}
		if rec.AvgLatencyMs == 0 {
			rec.AvgLatencyMs = float64(durationMs)
		} else {
			rec.AvgLatencyMs = ewmaAlpha*float64(durationMs) + (1-ewmaAlpha)*rec.AvgLatencyMs
		}
	}

	bonus := math.Min(maxSizeBonus, float64(bytes)/(1024*1024))
	rec.Score = math.Min(100, rec.Score+bonus)

	e.persist(rec)
}

// RecordFailure debits a peer by a fixed penalty, floored at 0.
func (e *Engine) RecordFailure(peerID string, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec := e.getOrCreate(peerID)
	rec.Score = e.Decay(rec.Score, rec.LastSeenAt)
	rec.FailureCount++
	rec.LastSeenAt = e.now()
	pushRecent(rec, false)

	rec.Score = math.Max(0, rec.Score-failurePenalty)

	e.persist(rec)
}

// RecordConnect tracks connect attempts, which feed the uptime ratio. A
// failed connect does not carry the transfer-failure penalty.
func (e *Engine) RecordConnect(peerID string, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec := e.getOrCreate(peerID)
	rec.ConnectAttempts++
	if ok {
		rec.ConnectOK++
		rec.LastSeenAt = e.now()
	}
	e.persist(rec)
}

// GetScore returns a peer's current score with time decay applied. Unknown
// peers report the neutral default.
func (e *Engine) GetScore(peerID string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rec, exists := e.peers[peerID]
	if !exists {
		return NeutralScore
	}
	return e.Decay(rec.Score, rec.LastSeenAt)
}

// EffectiveScore blends the decayed incremental score with the composite
// model, so bandwidth, uptime and the recent-success window pull on peer
// ordering alongside the bonus/penalty bookkeeping. Unknown peers report
// the neutral default.
func (e *Engine) EffectiveScore(peerID string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rec, exists := e.peers[peerID]
	if !exists {
		return NeutralScore
	}
	base := e.Decay(rec.Score, rec.LastSeenAt)
	return 0.5*base + 0.5*e.Composite(rec)
}

// GetRecord returns a copy of the stored record for a peer.
func (e *Engine) GetRecord(peerID string) (PeerRecord, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rec, exists := e.peers[peerID]
	if !exists {
		return PeerRecord{}, false
	}
	return *rec, true
}

// Trust maps a score to its trust level band.
func Trust(score float64) TrustLevel {
	switch {
	case score >= 80:
		return TrustTrusted
	case score >= 60:
		return TrustHigh
	case score >= 40:
		return TrustMedium
	case score >= 20:
		return TrustLow
	default:
		return TrustUnknown
	}
}

// Rank sorts peer ids by descending effective score, breaking ties by
// peer id so the order is deterministic.
func (e *Engine) Rank(peerIDs []string) []string {
	ranked := make([]string, len(peerIDs))
	copy(ranked, peerIDs)

	scores := make(map[string]float64, len(ranked))
	for _, id := range ranked {
		scores[id] = e.EffectiveScore(id)
	}

	sort.Slice(ranked, func(i, j int) bool {
		si, sj := scores[ranked[i]], scores[ranked[j]]
		if si != sj {
			return si > sj
		}
		return ranked[i] < ranked[j]
	})
	return ranked
}

func pushRecent(rec *PeerRecord, ok bool) {
	rec.Recent = append(rec.Recent, ok)
	if len(rec.Recent) > recentWindow {
		rec.Recent = rec.Recent[len(rec.Recent)-recentWindow:]
	}
}

func (e *Engine) persist(rec *PeerRecord) {
	if e.store == nil {
		return
	}
	// Persistence failures must not block transfer bookkeeping.
	_ = e.store.Put(rec)
}
