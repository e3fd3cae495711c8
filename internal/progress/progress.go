package progress

import (
	"sync"
	"time"

	"github.com/polyfetch/polyfetch/internal/events"
)

// speedWindow is the sliding window over which instantaneous per-peer
// speed is measured.
const speedWindow = time.Second

// PeerStats is a read-only view of one peer's contribution.
type PeerStats struct {
	PeerID          string  `json:"peer_id"`
	ChunksAssigned  int     `json:"chunks_assigned"`
	ChunksCompleted int     `json:"chunks_completed"`
	ChunksFailed    int     `json:"chunks_failed"`
	BytesDownloaded int64   `json:"bytes_downloaded"`
	SpeedBps        float64 `json:"speed_bps"`
}

type sample struct {
	at    time.Time
	bytes int64
}

type peerCounters struct {
	assigned  int
	completed int
	failed    int
	bytes     int64
	inFlight  int
	samples   []sample
}

// Aggregator derives speed, ETA and overall progress from scheduler
// events. Observers read throttled snapshots; the latest value wins.
type Aggregator struct {
	fileHash    string
	totalChunks int
	totalBytes  int64

	completedChunks int
	downloadedBytes int64
	peers           map[string]*peerCounters
	now             func() time.Time
	mu              sync.RWMutex
}

func NewAggregator(fileHash string, totalChunks int, totalBytes int64) *Aggregator {
	return &Aggregator{
		fileHash:    fileHash,
		totalChunks: totalChunks,
		totalBytes:  totalBytes,
		peers:       make(map[string]*peerCounters),
		now:         time.Now,
	}
}

func (a *Aggregator) peer(peerID string) *peerCounters {
	pc, exists := a.peers[peerID]
	if !exists {
		pc = &peerCounters{}
		a.peers[peerID] = pc
	}
	return pc
}

// RecordAssigned notes a chunk handed to a peer.
func (a *Aggregator) RecordAssigned(peerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pc := a.peer(peerID)
	pc.assigned++
	pc.inFlight++
}

// RecordCompleted notes a verified chunk received from a peer.
func (a *Aggregator) RecordCompleted(peerID string, bytes int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pc := a.peer(peerID)
	pc.completed++
	pc.bytes += bytes
	if pc.inFlight > 0 {
		pc.inFlight--
	}
	pc.samples = append(pc.samples, sample{at: a.now(), bytes: bytes})
	a.trim(pc)

	a.completedChunks++
	a.downloadedBytes += bytes
}

// RecordFailed notes a failed fetch; the chunk goes back to the pool.
func (a *Aggregator) RecordFailed(peerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pc := a.peer(peerID)
	pc.failed++
	if pc.inFlight > 0 {
		pc.inFlight--
	}
}

// RecordReleased returns a peer's in-flight chunks to the pool without
// blaming the peer, used on disconnect.
func (a *Aggregator) RecordReleased(peerID string, chunks int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pc := a.peer(peerID)
	pc.inFlight -= chunks
	if pc.inFlight < 0 {
		pc.inFlight = 0
	}
}

// SeedCompleted pre-marks chunks restored from a resume snapshot.
func (a *Aggregator) SeedCompleted(chunks int, bytes int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.completedChunks += chunks
	a.downloadedBytes += bytes
}

func (a *Aggregator) trim(pc *peerCounters) {
	cutoff := a.now().Add(-speedWindow)
	firstLive := 0
	for firstLive < len(pc.samples) && pc.samples[firstLive].at.Before(cutoff) {
		firstLive++
	}
	pc.samples = pc.samples[firstLive:]
}

func (a *Aggregator) speed(pc *peerCounters) float64 {
	a.trim(pc)
	var total int64
	for _, s := range pc.samples {
		total += s.bytes
	}
	return float64(total) / speedWindow.Seconds()
}

// PeerSnapshot returns the current per-peer counters.
func (a *Aggregator) PeerSnapshot() []PeerStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := make([]PeerStats, 0, len(a.peers))
	for id, pc := range a.peers {
		stats = append(stats, PeerStats{
			PeerID:          id,
			ChunksAssigned:  pc.assigned,
			ChunksCompleted: pc.completed,
			ChunksFailed:    pc.failed,
			BytesDownloaded: pc.bytes,
			SpeedBps:        a.speed(pc),
		})
	}
	return stats
}

// ContributingPeers lists every peer that completed at least one chunk,
// with its byte total. Feeds the payment hook on session completion.
func (a *Aggregator) ContributingPeers() map[string]int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]int64)
	for id, pc := range a.peers {
		if pc.completed > 0 {
			out[id] = pc.bytes
		}
	}
	return out
}

// Snapshot derives the overall progress update. ETA is -1 ("unknown")
// while overall speed is zero.
func (a *Aggregator) Snapshot() events.ProgressUpdate {
	a.mu.Lock()
	defer a.mu.Unlock()

	var speedBps float64
	activeSources := 0
	for _, pc := range a.peers {
		speedBps += a.speed(pc)
		if pc.inFlight > 0 {
			activeSources++
		}
	}

	eta := -1.0
	remaining := a.totalBytes - a.downloadedBytes
	if speedBps > 0 && remaining > 0 {
		eta = float64(remaining) / speedBps
	} else if remaining <= 0 {
		eta = 0
	}

	return events.ProgressUpdate{
		FileHash:        a.fileHash,
		DownloadedBytes: a.downloadedBytes,
		TotalBytes:      a.totalBytes,
		CompletedChunks: a.completedChunks,
		TotalChunks:     a.totalChunks,
		ActiveSources:   activeSources,
		SpeedBps:        speedBps,
		EtaSeconds:      eta,
	}
}

// Percent is completedChunks over totalChunks.
func (a *Aggregator) Percent() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.totalChunks == 0 {
		return 0
	}
	return float64(a.completedChunks) / float64(a.totalChunks) * 100.0
}
