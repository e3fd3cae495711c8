package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/polyfetch/polyfetch/internal/assemble"
	"github.com/polyfetch/polyfetch/internal/descriptor"
	"github.com/polyfetch/polyfetch/internal/dlerror"
	"github.com/polyfetch/polyfetch/internal/events"
	"github.com/polyfetch/polyfetch/internal/progress"
	"github.com/polyfetch/polyfetch/internal/selection"
	"github.com/polyfetch/polyfetch/internal/staging"
	"github.com/polyfetch/polyfetch/internal/transport"
	"github.com/polyfetch/polyfetch/internal/verify"
	"github.com/polyfetch/polyfetch/pkg/logging"
)

// Status is the session state machine:
// Queued → Initializing → Downloading → Verifying → {Completed | Failed},
// with Downloading ⇄ Paused and any state → Canceled.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusInitializing Status = "initializing"
	StatusDownloading  Status = "downloading"
	StatusVerifying    Status = "verifying"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCanceled     Status = "canceled"
	StatusPaused       Status = "paused"
)

// Terminal reports whether a session in this state is finished for good.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// consecutiveFailLimit is how many back-to-back fetch failures get a peer
// permanently removed from the session.
const consecutiveFailLimit = 3

// Config tunes one download session.
type Config struct {
	MaxPeers      int
	MinTrust      float64
	MaxRetries    int
	PerPeerWindow int
	FetchTimeout  time.Duration
	SnapshotEvery int
	ProgressTick  time.Duration
	StagingDir    string
	// ScoreFn orders peers for weighted round-robin assignment. Optional.
	ScoreFn func(peerID string) float64
}

func (c Config) withDefaults() Config {
	if c.MaxPeers <= 0 {
		c.MaxPeers = 3
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.PerPeerWindow <= 0 {
		c.PerPeerWindow = 4
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = 8
	}
	if c.ProgressTick <= 0 {
		c.ProgressTick = 500 * time.Millisecond
	}
	if c.StagingDir == "" {
		c.StagingDir = "./data"
	}
	return c
}

// Hooks carry transfer events out to the reputation engine and the
// payment collaborator.
type Hooks struct {
	OnConnect         func(peerID string, ok bool)
	OnTransferSuccess func(peerID string, bytes, durationMs int64)
	OnTransferFailure func(peerID string, reason string)
}

func (h Hooks) connect(peerID string, ok bool) {
	if h.OnConnect != nil {
		h.OnConnect(peerID, ok)
	}
}

func (h Hooks) success(peerID string, bytes, durationMs int64) {
	if h.OnTransferSuccess != nil {
		h.OnTransferSuccess(peerID, bytes, durationMs)
	}
}

func (h Hooks) failure(peerID, reason string) {
	if h.OnTransferFailure != nil {
		h.OnTransferFailure(peerID, reason)
	}
}

// SnapshotState is the minimal session state handed to the resume layer.
type SnapshotState struct {
	FileHash      string
	Descriptor    *descriptor.FileDescriptor
	Bitmap        []byte
	AssignedPeers []string
}

type commandKind int

const (
	cmdPause commandKind = iota
	cmdResume
	cmdCancel
	cmdPeerGone
)

type command struct {
	kind   commandKind
	peerID string
}

type fetchResult struct {
	chunkIndex int
	peerID     string
	bytes      int64
	durationMs int64
	err        error
}

type peerSlot struct {
	ref              descriptor.PeerRef
	tr               transport.Transport
	handle           transport.Handle
	cancels          map[int]context.CancelFunc
	consecutiveFails int
}

// Session coordinates one multi-source download. A single goroutine owns
// and serializes every mutation of the chunk table; fetches run in their
// own goroutines and report back over the results channel.
type Session struct {
	ID         string
	fd         *descriptor.FileDescriptor
	outputPath string
	password   string
	cfg        Config

	table    *Table
	agg      *progress.Aggregator
	verifier *verify.Verifier
	part     *staging.PartFile
	policy   *selection.Policy
	registry *transport.Registry
	hooks    Hooks
	log      *logrus.Entry

	emit       func(events.Event)
	onSnapshot func(SnapshotState)
	onTerminal func(*Session)

	cmds    chan command
	results chan fetchResult
	done    chan struct{} // closed when the session reaches a terminal state

	termOnce sync.Once

	// loop-owned; never touched outside the run goroutine
	slots         map[string]*peerSlot
	burned        map[string]bool
	paused        bool
	startPaused   bool
	sinceSnapshot int

	mu        sync.RWMutex
	status    Status
	lastErr   error
	runCancel context.CancelFunc
	startTime time.Time
}

// Options wires a session to its collaborators.
type Options struct {
	Policy     *selection.Policy
	Registry   *transport.Registry
	Hooks      Hooks
	Emit       func(events.Event)
	OnSnapshot func(SnapshotState)
	OnTerminal func(*Session)
	// ResumeBitmap pre-marks completed chunks; a session restored from a
	// snapshot starts Paused and is never auto-resumed.
	ResumeBitmap []byte
}

func NewSession(fd *descriptor.FileDescriptor, outputPath, password string, cfg Config, opts Options) (*Session, error) {
	if err := fd.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	part, err := staging.Create(cfg.StagingDir, fd.FileHash, fd.FileSize)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:         uuid.New().String(),
		fd:         fd,
		outputPath: outputPath,
		password:   password,
		cfg:        cfg,
		table:      NewTable(fd.NumChunks, cfg.MaxRetries),
		agg:        progress.NewAggregator(fd.FileHash, fd.NumChunks, fd.FileSize),
		verifier:   verify.NewVerifier(fd),
		part:       part,
		policy:     opts.Policy,
		registry:   opts.Registry,
		hooks:      opts.Hooks,
		emit:       opts.Emit,
		onSnapshot: opts.OnSnapshot,
		onTerminal: opts.OnTerminal,
		log:        logging.WithSession(fd.FileHash),
		cmds:       make(chan command, 16),
		results:    make(chan fetchResult, cfg.MaxPeers*cfg.PerPeerWindow+8),
		done:       make(chan struct{}),
		slots:      make(map[string]*peerSlot),
		burned:     make(map[string]bool),
		status:     StatusQueued,
		startTime:  time.Now(),
	}
	if s.emit == nil {
		s.emit = func(events.Event) {}
	}

	if len(opts.ResumeBitmap) > 0 {
		s.table.RestoreBitmap(opts.ResumeBitmap)
		var seededBytes int64
		seeded := 0
		for index := 0; index < fd.NumChunks; index++ {
			if s.table.State(index).Status == ChunkCompleted {
				_, length := fd.ChunkRange(index)
				seededBytes += length
				seeded++
			}
		}
		s.agg.SeedCompleted(seeded, seededBytes)
		s.startPaused = true
		s.setStatus(StatusPaused)
	}
	return s, nil
}

// Status returns the session state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Err returns the terminal error, if any.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// FileHash returns the session's content address.
func (s *Session) FileHash() string {
	return s.fd.FileHash
}

// Progress returns the latest aggregate snapshot.
func (s *Session) Progress() events.ProgressUpdate {
	return s.agg.Snapshot()
}

// PeerStats returns per-peer transfer counters.
func (s *Session) PeerStats() []progress.PeerStats {
	return s.agg.PeerSnapshot()
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Pause stops new fetch issuance but keeps all assignment state.
func (s *Session) Pause() {
	s.post(command{kind: cmdPause})
}

// Resume re-issues fetches for chunks that are not yet completed.
func (s *Session) Resume() {
	s.post(command{kind: cmdResume})
}

// Cancel aborts every in-flight fetch and discards unverified bytes.
func (s *Session) Cancel() {
	s.mu.RLock()
	cancel := s.runCancel
	s.mu.RUnlock()
	s.post(command{kind: cmdCancel})
	if cancel != nil {
		cancel()
	}
}

// NotifyPeerGone releases a disconnected peer's chunks back to Pending.
// A bare disconnect carries no reputation penalty.
func (s *Session) NotifyPeerGone(peerID string) {
	s.post(command{kind: cmdPeerGone, peerID: peerID})
}

// post delivers a command to the run loop, blocking until it is accepted.
// Commands are never dropped under a burst; a finished session discards
// them instead of blocking the caller forever.
func (s *Session) post(cmd command) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.cmds <- cmd:
	case <-s.done:
	}
}

// Run drives the session to a terminal state. It is the single writer for
// the chunk table.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.runCancel = cancel
	s.startTime = time.Now()
	s.mu.Unlock()

	s.setStatus(StatusInitializing)

	candidates := s.supportedCandidates()
	if len(candidates) == 0 {
		s.fail(dlerror.Newf(dlerror.KindNoPeersAvailable, "no candidate peers speak a registered transport"))
		return
	}

	result := s.policy.Select(candidates)
	if len(result.Peers) == 0 {
		s.fail(dlerror.Newf(dlerror.KindInsufficientReputationPeers, "all %d candidates are below the trust threshold", len(candidates)))
		return
	}

	if result.SingleSource {
		s.runSingleSource(ctx, result.Peers[0])
		return
	}

	for _, ref := range result.Peers {
		s.connectPeer(ctx, ref)
	}
	if len(s.slots) == 0 {
		s.fail(dlerror.Newf(dlerror.KindNoPeersAvailable, "could not connect to any selected peer"))
		return
	}
	if len(s.slots) == 1 {
		// The pool collapsed during connect; degrade to single-source.
		for _, slot := range s.slots {
			ref := slot.ref
			s.disconnectAll()
			s.runSingleSource(ctx, ref)
			return
		}
	}

	s.loop(ctx)
}

func (s *Session) supportedCandidates() []descriptor.PeerRef {
	var out []descriptor.PeerRef
	for _, ref := range s.fd.Peers {
		if s.registry.Supports(ref.Protocol) {
			out = append(out, ref)
		}
	}
	return out
}

func (s *Session) connectPeer(ctx context.Context, ref descriptor.PeerRef) {
	tr, err := s.registry.ForProtocol(ref.Protocol)
	if err != nil {
		s.log.Warnf("peer %s: %v", ref.PeerID, err)
		return
	}
	handle, err := tr.Connect(ctx, ref)
	s.hooks.connect(ref.PeerID, err == nil)
	if err != nil {
		s.log.Warnf("failed to connect to peer %s: %v", ref.PeerID, err)
		s.burned[ref.PeerID] = true
		return
	}
	s.slots[ref.PeerID] = &peerSlot{
		ref:     ref,
		tr:      tr,
		handle:  handle,
		cancels: make(map[int]context.CancelFunc),
	}
}

func (s *Session) loop(ctx context.Context) {
	if s.startPaused {
		s.paused = true
		s.setStatus(StatusPaused)
	} else {
		s.setStatus(StatusDownloading)
	}

	ticker := time.NewTicker(s.cfg.ProgressTick)
	defer ticker.Stop()

	for {
		if !s.paused {
			s.fill(ctx)
		}

		if !s.paused && s.table.AllCompleted() && s.drained() {
			s.finalize()
			return
		}
		if !s.paused && s.stalled() {
			s.failStalled()
			return
		}

		select {
		case res := <-s.results:
			if s.handleResult(ctx, res) {
				return
			}
		case cmd := <-s.cmds:
			if s.handleCommand(ctx, cmd) {
				return
			}
		case <-ticker.C:
			s.emit(s.agg.Snapshot())
		case <-ctx.Done():
			s.doCancel()
			return
		}
	}
}

func (s *Session) drained() bool {
	_, inFlight, _, _ := s.table.Counts()
	return inFlight == 0
}

func (s *Session) stalled() bool {
	peerIDs := make([]string, 0, len(s.slots))
	for id := range s.slots {
		peerIDs = append(peerIDs, id)
	}
	return s.table.Stalled(peerIDs)
}

// fill performs weighted round-robin assignment: slots ordered by score
// take turns claiming the next pending chunk until every in-flight window
// is full or nothing is assignable.
func (s *Session) fill(ctx context.Context) {
	order := s.slotOrder()
	for {
		assigned := false
		for _, slot := range order {
			if s.table.InFlightFor(slot.ref.PeerID) >= s.cfg.PerPeerWindow {
				continue
			}
			index := s.table.NextPending(slot.ref.PeerID)
			if index < 0 {
				continue
			}
			if err := s.table.Assign(index, slot.ref.PeerID); err != nil {
				s.log.Errorf("assign chunk %d: %v", index, err)
				continue
			}
			s.agg.RecordAssigned(slot.ref.PeerID)
			s.dispatch(ctx, slot, index)
			assigned = true
		}
		if !assigned {
			return
		}
	}
}

func (s *Session) slotOrder() []*peerSlot {
	order := make([]*peerSlot, 0, len(s.slots))
	for _, slot := range s.slots {
		order = append(order, slot)
	}
	sort.Slice(order, func(i, j int) bool {
		if s.cfg.ScoreFn != nil {
			si, sj := s.cfg.ScoreFn(order[i].ref.PeerID), s.cfg.ScoreFn(order[j].ref.PeerID)
			if si != sj {
				return si > sj
			}
		}
		return order[i].ref.PeerID < order[j].ref.PeerID
	})
	return order
}

func (s *Session) dispatch(ctx context.Context, slot *peerSlot, index int) {
	fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	slot.cancels[index] = cancel

	go func() {
		defer cancel()
		start := time.Now()
		data, err := slot.tr.FetchChunk(fctx, slot.handle, s.fd, index)
		durationMs := time.Since(start).Milliseconds()

		if err == nil {
			if verr := s.verifier.VerifyChunk(index, data); verr != nil {
				err = verr
			} else {
				offset, _ := s.fd.ChunkRange(index)
				err = s.part.WriteChunkAt(data, offset)
			}
		}

		s.results <- fetchResult{
			chunkIndex: index,
			peerID:     slot.ref.PeerID,
			bytes:      int64(len(data)),
			durationMs: durationMs,
			err:        err,
		}
	}()
}

// handleResult returns true when the loop must exit.
func (s *Session) handleResult(ctx context.Context, res fetchResult) bool {
	if slot, ok := s.slots[res.peerID]; ok {
		if cancel, ok := slot.cancels[res.chunkIndex]; ok {
			cancel()
			delete(slot.cancels, res.chunkIndex)
		}
	}

	// The chunk may have been released or reassigned while this fetch was
	// in the air (pause, peer removal). Only the current assignee's result
	// moves the state machine.
	state := s.table.State(res.chunkIndex)
	if state.Status != ChunkInFlight || state.AssignedPeer != res.peerID {
		return false
	}

	if res.err == nil {
		s.completeChunk(res)
		return false
	}

	kind := dlerror.KindOf(res.err)
	if kind == "" {
		kind = dlerror.KindConnectionLost
	}
	if kind == dlerror.KindCanceled {
		// Aborted fetch: back to Pending, nobody's fault.
		if err := s.table.Release(res.chunkIndex); err == nil {
			s.agg.RecordReleased(res.peerID, 1)
		}
		return false
	}
	if kind == dlerror.KindStorageError {
		s.fail(res.err)
		return true
	}
	s.failChunk(ctx, res, kind)
	return false
}

func (s *Session) completeChunk(res fetchResult) {
	if err := s.table.Complete(res.chunkIndex); err != nil {
		s.log.Errorf("complete chunk %d: %v", res.chunkIndex, err)
		return
	}
	s.agg.RecordCompleted(res.peerID, res.bytes)
	s.hooks.success(res.peerID, res.bytes, res.durationMs)
	if slot, ok := s.slots[res.peerID]; ok {
		slot.consecutiveFails = 0
	}

	s.sinceSnapshot++
	if s.sinceSnapshot >= s.cfg.SnapshotEvery {
		s.snapshot()
	}
}

func (s *Session) failChunk(ctx context.Context, res fetchResult, kind dlerror.Kind) {
	s.log.WithFields(logrus.Fields{
		"chunk": res.chunkIndex,
		"peer":  res.peerID,
		"kind":  string(kind),
	}).Warn("chunk fetch failed")

	if dlerror.PenalizesPeer(kind) {
		s.hooks.failure(res.peerID, string(kind))
	}

	requeued, err := s.table.Fail(res.chunkIndex, res.peerID)
	if err != nil {
		s.log.Errorf("fail chunk %d: %v", res.chunkIndex, err)
		return
	}
	s.agg.RecordFailed(res.peerID)
	if !requeued {
		s.log.Warnf("chunk %d exhausted its retry budget", res.chunkIndex)
	}

	if slot, ok := s.slots[res.peerID]; ok {
		slot.consecutiveFails++
		if slot.consecutiveFails >= consecutiveFailLimit {
			s.log.Warnf("peer %s removed after %d consecutive failures", res.peerID, slot.consecutiveFails)
			s.removePeer(res.peerID)
			if !s.paused {
				s.backfill(ctx)
			}
		}
	}
}

// handleCommand returns true when the loop must exit.
func (s *Session) handleCommand(ctx context.Context, cmd command) bool {
	switch cmd.kind {
	case cmdPause:
		if s.paused {
			return false
		}
		s.paused = true
		s.abortInFlight()
		s.snapshot()
		s.setStatus(StatusPaused)
		s.log.Info("session paused")
	case cmdResume:
		if !s.paused {
			return false
		}
		s.paused = false
		s.setStatus(StatusDownloading)
		s.log.Info("session resumed")
		s.backfill(ctx)
	case cmdCancel:
		s.doCancel()
		return true
	case cmdPeerGone:
		s.log.Infof("peer %s disconnected, releasing its chunks", cmd.peerID)
		s.removePeer(cmd.peerID)
		if !s.paused {
			s.backfill(ctx)
		}
	}
	return false
}

func (s *Session) abortInFlight() {
	for _, slot := range s.slots {
		for index, cancel := range slot.cancels {
			cancel()
			delete(slot.cancels, index)
		}
	}
}

// removePeer permanently drops a peer from the session: its in-flight
// chunks go back to Pending and selection backfills from the pool.
func (s *Session) removePeer(peerID string) {
	slot, ok := s.slots[peerID]
	if !ok {
		return
	}
	for index, cancel := range slot.cancels {
		cancel()
		delete(slot.cancels, index)
	}
	released := s.table.ReleasePeer(peerID)
	if len(released) > 0 {
		s.agg.RecordReleased(peerID, len(released))
	}
	slot.tr.Disconnect(slot.handle)
	delete(s.slots, peerID)
	s.burned[peerID] = true
}

// backfill re-invokes the selection policy to replace removed peers.
func (s *Session) backfill(ctx context.Context) {
	free := s.cfg.MaxPeers - len(s.slots)
	if free <= 0 {
		return
	}
	exclude := make(map[string]bool, len(s.burned)+len(s.slots))
	for id := range s.burned {
		exclude[id] = true
	}
	for id := range s.slots {
		exclude[id] = true
	}
	result := s.policy.Backfill(s.supportedCandidates(), exclude)
	for _, ref := range result.Peers {
		if len(s.slots) >= s.cfg.MaxPeers {
			break
		}
		s.connectPeer(ctx, ref)
	}
}

func (s *Session) snapshot() {
	s.sinceSnapshot = 0
	if s.onSnapshot == nil {
		return
	}
	assigned := make([]string, 0, len(s.slots))
	for id := range s.slots {
		assigned = append(assigned, id)
	}
	sort.Strings(assigned)
	s.onSnapshot(SnapshotState{
		FileHash:      s.fd.FileHash,
		Descriptor:    s.fd,
		Bitmap:        s.table.Bitmap(),
		AssignedPeers: assigned,
	})
}

func (s *Session) finalize() {
	s.setStatus(StatusVerifying)
	s.disconnectAll()

	if err := assemble.Finalize(s.fd, s.part, s.outputPath, s.password); err != nil {
		s.log.Errorf("finalize failed: %v", err)
		s.mu.Lock()
		s.status = StatusFailed
		s.lastErr = err
		s.mu.Unlock()
		s.emit(events.DownloadFailed{FileHash: s.fd.FileHash, Error: err.Error()})
		s.terminal()
		return
	}

	s.setStatus(StatusCompleted)
	s.emit(s.agg.Snapshot())
	s.emit(events.DownloadCompleted{FileHash: s.fd.FileHash, OutputPath: s.outputPath})
	for peerID, bytes := range s.agg.ContributingPeers() {
		s.emit(events.PaymentDue{FileHash: s.fd.FileHash, PeerID: peerID, Bytes: bytes})
	}
	s.log.Info("download completed")
	s.terminal()
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.status = StatusFailed
	s.lastErr = err
	s.mu.Unlock()

	s.abortInFlight()
	s.disconnectAll()
	s.part.Close()
	s.emit(events.DownloadFailed{FileHash: s.fd.FileHash, Error: err.Error()})
	s.log.Errorf("download failed: %v", err)
	s.terminal()
}

func (s *Session) failStalled() {
	_, _, completed, exhausted := s.table.Counts()
	s.fail(dlerror.Newf(dlerror.KindNoPeersAvailable,
		"no peer can serve the remaining chunks (%d/%d completed, %d exhausted)",
		completed, s.table.Len(), exhausted))
}

func (s *Session) doCancel() {
	s.setStatus(StatusCanceled)
	s.abortInFlight()
	s.disconnectAll()
	// Partial, unverified bytes are discarded on cancel.
	s.part.Discard()
	s.log.Info("session canceled")
	s.terminal()
}

func (s *Session) disconnectAll() {
	for id, slot := range s.slots {
		slot.tr.Disconnect(slot.handle)
		delete(s.slots, id)
	}
}

func (s *Session) terminal() {
	s.termOnce.Do(func() { close(s.done) })
	if s.onTerminal != nil {
		s.onTerminal(s)
	}
}

// runSingleSource is the degraded path for a pool of one eligible peer.
// It fetches chunks in index order, retrying each up to the budget, and
// never touches the multi-peer assignment machinery.
func (s *Session) runSingleSource(ctx context.Context, ref descriptor.PeerRef) {
	s.log.Infof("running single-source from peer %s", ref.PeerID)

	tr, err := s.registry.ForProtocol(ref.Protocol)
	if err != nil {
		s.fail(dlerror.New(dlerror.KindNoPeersAvailable, err))
		return
	}
	handle, err := tr.Connect(ctx, ref)
	s.hooks.connect(ref.PeerID, err == nil)
	if err != nil {
		s.fail(dlerror.New(dlerror.KindNoPeersAvailable,
			fmt.Errorf("single source %s unreachable: %w", ref.PeerID, err)))
		return
	}
	defer tr.Disconnect(handle)

	if s.startPaused {
		s.paused = true
		s.setStatus(StatusPaused)
	} else {
		s.setStatus(StatusDownloading)
	}

	ticker := time.NewTicker(s.cfg.ProgressTick)
	defer ticker.Stop()

	for index := 0; index < s.fd.NumChunks; index++ {
		if s.table.State(index).Status == ChunkCompleted {
			continue
		}
		if done := s.waitWhilePaused(ctx, ticker); done {
			return
		}

		if err := s.fetchSingle(ctx, tr, handle, ref.PeerID, index); err != nil {
			if dlerror.KindOf(err) == dlerror.KindCanceled {
				s.doCancel()
				return
			}
			s.fail(err)
			return
		}

		select {
		case <-ticker.C:
			s.emit(s.agg.Snapshot())
		default:
		}
	}

	if done := s.waitWhilePaused(ctx, ticker); done {
		return
	}
	s.finalize()
}

// waitWhilePaused services commands between fetches; returns true when
// the session ended.
func (s *Session) waitWhilePaused(ctx context.Context, ticker *time.Ticker) bool {
	for {
		var cmd command
		if s.paused {
			// Paused: block until someone resumes, cancels, or the
			// context ends.
			select {
			case cmd = <-s.cmds:
			case <-ticker.C:
				s.emit(s.agg.Snapshot())
				continue
			case <-ctx.Done():
				s.doCancel()
				return true
			}
		} else {
			select {
			case cmd = <-s.cmds:
			case <-ctx.Done():
				s.doCancel()
				return true
			default:
				return false
			}
		}

		switch cmd.kind {
		case cmdPause:
			s.paused = true
			s.snapshot()
			s.setStatus(StatusPaused)
		case cmdResume:
			s.paused = false
			s.setStatus(StatusDownloading)
		case cmdCancel:
			s.doCancel()
			return true
		case cmdPeerGone:
			// Single source gone: nothing to reassign to.
			s.fail(dlerror.Newf(dlerror.KindNoPeersAvailable, "single source %s disconnected", cmd.peerID))
			return true
		}
	}
}

func (s *Session) fetchSingle(ctx context.Context, tr transport.Transport, handle transport.Handle, peerID string, index int) error {
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		if err := s.table.Assign(index, peerID); err != nil {
			return err
		}
		s.agg.RecordAssigned(peerID)

		fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
		start := time.Now()
		data, err := tr.FetchChunk(fctx, handle, s.fd, index)
		cancel()
		durationMs := time.Since(start).Milliseconds()

		if err == nil {
			if verr := s.verifier.VerifyChunk(index, data); verr != nil {
				err = verr
			} else {
				offset, _ := s.fd.ChunkRange(index)
				err = s.part.WriteChunkAt(data, offset)
			}
		}

		if err == nil {
			if cerr := s.table.Complete(index); cerr != nil {
				return cerr
			}
			s.agg.RecordCompleted(peerID, int64(len(data)))
			s.hooks.success(peerID, int64(len(data)), durationMs)
			s.sinceSnapshot++
			if s.sinceSnapshot >= s.cfg.SnapshotEvery {
				s.snapshot()
			}
			return nil
		}

		kind := dlerror.KindOf(err)
		if kind == dlerror.KindCanceled || kind == dlerror.KindStorageError {
			return err
		}
		if dlerror.PenalizesPeer(kind) {
			s.hooks.failure(peerID, string(kind))
		}
		s.agg.RecordFailed(peerID)
		// Requeue regardless of distinct-peer accounting: there is only
		// one peer to retry against.
		if _, ferr := s.table.Fail(index, peerID); ferr != nil {
			return ferr
		}
		if st := s.table.State(index); st.Status == ChunkFailed {
			lastErr = err
			break
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("chunk %d failed after %d attempts", index, s.cfg.MaxRetries)
	}
	return dlerror.Chunk(dlerror.KindNoPeersAvailable, index, peerID,
		fmt.Errorf("single source exhausted retries: %w", lastErr))
}
