package scheduler

import (
	"fmt"
)

// ChunkStatus is the per-chunk state machine:
// Pending → InFlight → Completed, or InFlight → Failed → Pending
// (reassigned), or Failed for good once enough distinct peers failed it.
type ChunkStatus uint8

const (
	ChunkPending ChunkStatus = iota
	ChunkInFlight
	ChunkCompleted
	ChunkFailed
)

func (s ChunkStatus) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkInFlight:
		return "in_flight"
	case ChunkCompleted:
		return "completed"
	case ChunkFailed:
		return "failed"
	}
	return "unknown"
}

// ChunkState is one slot in the assignment arena.
type ChunkState struct {
	Status       ChunkStatus
	AssignedPeer string
	RetryCount   int
	FailedPeers  map[string]bool
}

// Table is the chunk assignment arena: a fixed array indexed by chunk
// index plus a peer → assigned-chunks side index for O(1) release on
// disconnect. All mutations go through the owning session goroutine, so
// the table itself carries no locks.
type Table struct {
	chunks     []ChunkState
	peerChunks map[string]map[int]struct{}
	maxRetries int

	pending   int
	inFlight  int
	completed int
	exhausted int
}

func NewTable(numChunks, maxRetries int) *Table {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Table{
		chunks:     make([]ChunkState, numChunks),
		peerChunks: make(map[string]map[int]struct{}),
		maxRetries: maxRetries,
		pending:    numChunks,
	}
}

// Len returns the total chunk count.
func (t *Table) Len() int {
	return len(t.chunks)
}

// State returns a copy of one chunk's state.
func (t *Table) State(index int) ChunkState {
	return t.chunks[index]
}

// Assign moves a Pending chunk to InFlight for a peer. The single-InFlight
// invariant is enforced here: assigning a chunk that is not Pending is a
// programming error.
func (t *Table) Assign(index int, peerID string) error {
	cs := &t.chunks[index]
	if cs.Status != ChunkPending {
		return fmt.Errorf("chunk %d is %s, cannot assign", index, cs.Status)
	}
	cs.Status = ChunkInFlight
	cs.AssignedPeer = peerID

	if t.peerChunks[peerID] == nil {
		t.peerChunks[peerID] = make(map[int]struct{})
	}
	t.peerChunks[peerID][index] = struct{}{}

	t.pending--
	t.inFlight++
	return nil
}

// Complete marks an InFlight chunk verified and done.
func (t *Table) Complete(index int) error {
	cs := &t.chunks[index]
	if cs.Status != ChunkInFlight {
		return fmt.Errorf("chunk %d is %s, cannot complete", index, cs.Status)
	}
	t.detach(index, cs.AssignedPeer)
	cs.Status = ChunkCompleted
	cs.AssignedPeer = ""

	t.inFlight--
	t.completed++
	return nil
}

// MarkCompleted force-completes a chunk restored from a resume snapshot.
func (t *Table) MarkCompleted(index int) {
	cs := &t.chunks[index]
	if cs.Status == ChunkCompleted {
		return
	}
	if cs.Status == ChunkPending {
		t.pending--
	}
	cs.Status = ChunkCompleted
	t.completed++
}

// Fail records a fetch failure against the serving peer. The chunk is
// requeued to Pending while fewer than maxRetries distinct peers have
// failed it; beyond that it stays Failed (exhausted). Returns whether the
// chunk was requeued.
func (t *Table) Fail(index int, peerID string) (requeued bool, err error) {
	cs := &t.chunks[index]
	if cs.Status != ChunkInFlight {
		return false, fmt.Errorf("chunk %d is %s, cannot fail", index, cs.Status)
	}
	t.detach(index, cs.AssignedPeer)
	cs.Status = ChunkFailed
	cs.AssignedPeer = ""
	cs.RetryCount++
	if cs.FailedPeers == nil {
		cs.FailedPeers = make(map[string]bool)
	}
	cs.FailedPeers[peerID] = true
	t.inFlight--

	if len(cs.FailedPeers) < t.maxRetries {
		cs.Status = ChunkPending
		t.pending++
		return true, nil
	}
	t.exhausted++
	return false, nil
}

// Release returns an InFlight chunk to Pending without blaming anyone,
// used for aborted fetches (pause, peer disconnect).
func (t *Table) Release(index int) error {
	cs := &t.chunks[index]
	if cs.Status != ChunkInFlight {
		return fmt.Errorf("chunk %d is %s, cannot release", index, cs.Status)
	}
	t.detach(index, cs.AssignedPeer)
	cs.Status = ChunkPending
	cs.AssignedPeer = ""
	t.inFlight--
	t.pending++
	return nil
}

// ReleasePeer returns every InFlight chunk assigned to a peer back to
// Pending and reports which chunks were released.
func (t *Table) ReleasePeer(peerID string) []int {
	assigned := t.peerChunks[peerID]
	if len(assigned) == 0 {
		return nil
	}
	released := make([]int, 0, len(assigned))
	for index := range assigned {
		released = append(released, index)
	}
	for _, index := range released {
		// Release also detaches from the side index.
		_ = t.Release(index)
	}
	return released
}

func (t *Table) detach(index int, peerID string) {
	if set := t.peerChunks[peerID]; set != nil {
		delete(set, index)
		if len(set) == 0 {
			delete(t.peerChunks, peerID)
		}
	}
}

// NextPending finds the lowest Pending chunk this peer has not already
// failed. Returns -1 when none is eligible.
func (t *Table) NextPending(peerID string) int {
	if t.pending == 0 {
		return -1
	}
	for index := range t.chunks {
		cs := &t.chunks[index]
		if cs.Status == ChunkPending && !cs.FailedPeers[peerID] {
			return index
		}
	}
	return -1
}

// InFlightFor returns how many chunks a peer currently holds.
func (t *Table) InFlightFor(peerID string) int {
	return len(t.peerChunks[peerID])
}

// Counts reports (pending, inFlight, completed, exhausted).
func (t *Table) Counts() (pending, inFlight, completed, exhausted int) {
	return t.pending, t.inFlight, t.completed, t.exhausted
}

// AllCompleted reports whether every chunk is done.
func (t *Table) AllCompleted() bool {
	return t.completed == len(t.chunks)
}

// Stalled reports whether no remaining peer can serve any Pending chunk
// and nothing is in flight: the session cannot make further progress.
func (t *Table) Stalled(peerIDs []string) bool {
	if t.inFlight > 0 {
		return false
	}
	if t.AllCompleted() {
		return false
	}
	if t.pending == 0 {
		// Everything left is exhausted.
		return true
	}
	for _, id := range peerIDs {
		if t.NextPending(id) >= 0 {
			return false
		}
	}
	return true
}

// Bitmap packs completion state into a bit per chunk, index order,
// LSB-first within each byte.
func (t *Table) Bitmap() []byte {
	bitmap := make([]byte, (len(t.chunks)+7)/8)
	for index := range t.chunks {
		if t.chunks[index].Status == ChunkCompleted {
			bitmap[index/8] |= 1 << (index % 8)
		}
	}
	return bitmap
}

// RestoreBitmap marks chunks completed from a snapshot bitmap.
func (t *Table) RestoreBitmap(bitmap []byte) {
	for index := range t.chunks {
		if index/8 >= len(bitmap) {
			break
		}
		if bitmap[index/8]&(1<<(index%8)) != 0 {
			t.MarkCompleted(index)
		}
	}
}
