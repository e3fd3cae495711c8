package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/polyfetch/polyfetch/internal/descriptor"
	"github.com/polyfetch/polyfetch/internal/dlerror"
	"github.com/polyfetch/polyfetch/internal/events"
	"github.com/polyfetch/polyfetch/internal/reputation"
	"github.com/polyfetch/polyfetch/internal/resume"
	"github.com/polyfetch/polyfetch/internal/scheduler"
	"github.com/polyfetch/polyfetch/internal/selection"
	"github.com/polyfetch/polyfetch/internal/transport"
	"github.com/polyfetch/polyfetch/pkg/logging"
)

// Config tunes the coordinator and the sessions it spawns.
type Config struct {
	MaxConcurrentDownloads int
	ResolveTimeout         time.Duration
	SnapshotMaxAge         time.Duration
	Session                scheduler.Config
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentDownloads <= 0 {
		c.MaxConcurrentDownloads = 3
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = 10 * time.Second
	}
	if c.SnapshotMaxAge <= 0 {
		c.SnapshotMaxAge = 24 * time.Hour
	}
	return c
}

// Coordinator owns every download session: it resolves descriptors,
// enforces the global concurrency bound, fans events out to observers and
// feeds transfer outcomes into the reputation engine.
type Coordinator struct {
	cfg      Config
	resolver descriptor.Resolver
	registry *transport.Registry
	engine   *reputation.Engine
	policy   *selection.Policy
	snaps    *resume.Store // optional, may be nil

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	sessions    map[string]*scheduler.Session
	outputs     map[string]string // fileHash -> output path, for snapshots
	queue       []string          // fileHashes waiting for a slot
	started     map[string]bool   // fileHashes whose run goroutine exists
	active      int
	subscribers []chan events.Event
}

func New(cfg Config, resolver descriptor.Resolver, registry *transport.Registry, engine *reputation.Engine, snaps *resume.Store) *Coordinator {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:      cfg,
		resolver: resolver,
		registry: registry,
		engine:   engine,
		policy:   selection.NewPolicy(engine, cfg.Session.MaxPeers, cfg.Session.MinTrust),
		snaps:    snaps,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*scheduler.Session),
		outputs:  make(map[string]string),
		started:  make(map[string]bool),
	}
}

// Subscribe returns a read-only event stream and its unsubscribe func.
// Slow observers lose events rather than blocking sessions.
func (c *Coordinator) Subscribe() (<-chan events.Event, func()) {
	ch := make(chan events.Event, 64)
	c.mu.Lock()
	c.subscribers = append(c.subscribers, ch)
	c.mu.Unlock()

	unsubscribe := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, sub := range c.subscribers {
			if sub == ch {
				c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
				break
			}
		}
	}
	return ch, unsubscribe
}

func (c *Coordinator) publish(ev events.Event) {
	c.mu.Lock()
	subs := make([]chan events.Event, len(c.subscribers))
	copy(subs, c.subscribers)
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (c *Coordinator) hooks() scheduler.Hooks {
	return scheduler.Hooks{
		OnConnect: func(peerID string, ok bool) {
			c.engine.RecordConnect(peerID, ok)
		},
		OnTransferSuccess: func(peerID string, bytes, durationMs int64) {
			c.engine.RecordSuccess(peerID, bytes, durationMs)
		},
		OnTransferFailure: func(peerID, reason string) {
			c.engine.RecordFailure(peerID, reason)
		},
	}
}

// Download resolves a file descriptor and queues a session for it. The
// session starts immediately when a slot is free, otherwise it waits in
// Queued state.
func (c *Coordinator) Download(ctx context.Context, fileHash, outputPath, password string) (*scheduler.Session, error) {
	fd, err := c.resolver.Resolve(ctx, fileHash, c.cfg.ResolveTimeout)
	if err != nil {
		return nil, err
	}
	return c.startSession(fd, outputPath, password, nil)
}

func (c *Coordinator) startSession(fd *descriptor.FileDescriptor, outputPath, password string, bitmap []byte) (*scheduler.Session, error) {
	c.mu.Lock()
	if _, exists := c.sessions[fd.FileHash]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("a session for %s already exists", logging.ShortHash(fd.FileHash))
	}
	c.mu.Unlock()

	cfg := c.cfg.Session
	cfg.ScoreFn = c.engine.EffectiveScore

	sess, err := scheduler.NewSession(fd, outputPath, password, cfg, scheduler.Options{
		Policy:       c.policy,
		Registry:     c.registry,
		Hooks:        c.hooks(),
		Emit:         c.publish,
		OnSnapshot:   c.saveSnapshot,
		OnTerminal:   c.sessionDone,
		ResumeBitmap: bitmap,
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.sessions[fd.FileHash] = sess
	c.outputs[fd.FileHash] = outputPath
	restored := len(bitmap) > 0
	if !restored {
		c.queue = append(c.queue, fd.FileHash)
	}
	c.mu.Unlock()

	if !restored {
		c.runNext()
	}
	return sess, nil
}

// runNext starts queued sessions while slots are free.
func (c *Coordinator) runNext() {
	for {
		c.mu.Lock()
		if c.active >= c.cfg.MaxConcurrentDownloads || len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		fileHash := c.queue[0]
		c.queue = c.queue[1:]
		sess, exists := c.sessions[fileHash]
		if !exists {
			c.mu.Unlock()
			continue
		}
		c.started[fileHash] = true
		c.active++
		c.mu.Unlock()

		go sess.Run(c.ctx)
	}
}

func (c *Coordinator) saveSnapshot(state scheduler.SnapshotState) {
	if c.snaps == nil {
		return
	}
	c.mu.Lock()
	outputPath := c.outputs[state.FileHash]
	c.mu.Unlock()

	snap := &resume.Snapshot{
		FileHash:      state.FileHash,
		Descriptor:    state.Descriptor,
		Bitmap:        state.Bitmap,
		AssignedPeers: state.AssignedPeers,
		OutputPath:    outputPath,
	}
	if err := c.snaps.Put(snap); err != nil {
		logging.WithSession(state.FileHash).Warnf("failed to persist resume snapshot: %v", err)
	}
}

// sessionDone frees the slot and clears the snapshot when the session
// ended for good (Completed/Canceled). Failed sessions keep theirs so a
// later restart can pick up the completed chunks.
func (c *Coordinator) sessionDone(sess *scheduler.Session) {
	status := sess.Status()
	if c.snaps != nil && (status == scheduler.StatusCompleted || status == scheduler.StatusCanceled) {
		if err := c.snaps.Delete(sess.FileHash()); err != nil {
			logging.WithSession(sess.FileHash()).Warnf("failed to delete resume snapshot: %v", err)
		}
	}

	c.mu.Lock()
	if c.active > 0 {
		c.active--
	}
	c.mu.Unlock()

	c.runNext()
}

// RestoreSessions loads fresh snapshots and recreates their sessions in
// Paused state. Nothing is fetched until a session is explicitly resumed.
func (c *Coordinator) RestoreSessions() ([]*scheduler.Session, error) {
	if c.snaps == nil {
		return nil, nil
	}
	snapshots, err := c.snaps.LoadFresh(c.cfg.SnapshotMaxAge)
	if err != nil {
		return nil, err
	}

	var restored []*scheduler.Session
	for _, snap := range snapshots {
		if snap.Descriptor == nil {
			continue
		}
		sess, err := c.startSession(snap.Descriptor, snap.OutputPath, "", snap.Bitmap)
		if err != nil {
			logging.WithSession(snap.FileHash).Warnf("failed to restore session: %v", err)
			continue
		}
		restored = append(restored, sess)
	}
	return restored, nil
}

// Session returns the session for a file hash.
func (c *Coordinator) Session(fileHash string) (*scheduler.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, exists := c.sessions[fileHash]
	return sess, exists
}

// Sessions lists every known session.
func (c *Coordinator) Sessions() []*scheduler.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*scheduler.Session, 0, len(c.sessions))
	for _, sess := range c.sessions {
		out = append(out, sess)
	}
	return out
}

// Pause pauses a running session.
func (c *Coordinator) Pause(fileHash string) error {
	sess, exists := c.Session(fileHash)
	if !exists {
		return dlerror.Newf(dlerror.KindNotFound, "no session for %s", fileHash)
	}
	sess.Pause()
	return nil
}

// Resume resumes a paused session. A restored session whose run goroutine
// never started is scheduled here for the first time, subject to the
// concurrency bound. A session that already has a run goroutine (paused or
// still queued) only gets the resume command; it must never be re-run.
func (c *Coordinator) Resume(fileHash string) error {
	sess, exists := c.Session(fileHash)
	if !exists {
		return dlerror.Newf(dlerror.KindNotFound, "no session for %s", fileHash)
	}

	c.mu.Lock()
	schedule := !c.started[fileHash] && !c.isQueuedLocked(fileHash)
	if schedule {
		c.queue = append(c.queue, fileHash)
	}
	c.mu.Unlock()

	sess.Resume()
	if schedule {
		c.runNext()
	}
	return nil
}

// isQueuedLocked reports whether a session is waiting for a slot.
// Caller holds c.mu.
func (c *Coordinator) isQueuedLocked(fileHash string) bool {
	for _, h := range c.queue {
		if h == fileHash {
			return true
		}
	}
	return false
}

// Cancel aborts a session.
func (c *Coordinator) Cancel(fileHash string) error {
	sess, exists := c.Session(fileHash)
	if !exists {
		return dlerror.Newf(dlerror.KindNotFound, "no session for %s", fileHash)
	}
	sess.Cancel()
	return nil
}

// Remove forgets a terminal session and deletes its snapshot.
func (c *Coordinator) Remove(fileHash string) error {
	sess, exists := c.Session(fileHash)
	if !exists {
		return dlerror.Newf(dlerror.KindNotFound, "no session for %s", fileHash)
	}
	if !sess.Status().Terminal() {
		return fmt.Errorf("session %s is still %s", logging.ShortHash(fileHash), sess.Status())
	}

	c.mu.Lock()
	delete(c.sessions, fileHash)
	delete(c.outputs, fileHash)
	delete(c.started, fileHash)
	c.mu.Unlock()

	if c.snaps != nil {
		return c.snaps.Delete(fileHash)
	}
	return nil
}

// Close cancels every session and stops the coordinator.
func (c *Coordinator) Close() {
	c.cancel()
}
