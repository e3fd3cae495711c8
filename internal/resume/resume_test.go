package resume

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/polyfetch/polyfetch/internal/descriptor"
)

// putRaw writes a snapshot without the version/time stamping Put applies.
func putRaw(s *Store, snap *Snapshot) error {
	val, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(sessionKeyPrefix+snap.FileHash), val)
	})
}

func testDescriptor(fileHash string, numChunks int) *descriptor.FileDescriptor {
	hashes := make([]string, numChunks)
	for i := range hashes {
		hashes[i] = "hash"
	}
	return &descriptor.FileDescriptor{
		FileHash:    fileHash,
		FileSize:    int64(numChunks) * 100,
		ChunkSize:   100,
		NumChunks:   numChunks,
		ChunkHashes: hashes,
		RootHash:    "root",
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := openTestStore(t)

	snap := &Snapshot{
		FileHash:      "file-1",
		Descriptor:    testDescriptor("file-1", 10),
		Bitmap:        []byte{0b00001111, 0b00000001},
		AssignedPeers: []string{"peer-a", "peer-b"},
		OutputPath:    "/downloads/file.bin",
	}
	if err := store.Put(snap); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.Get("file-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != SnapshotVersion {
		t.Errorf("expected stamped version %d, got %d", SnapshotVersion, got.Version)
	}
	if got.SavedAt == 0 {
		t.Errorf("expected stamped save time")
	}
	if got.OutputPath != snap.OutputPath {
		t.Errorf("output path mismatch: %s", got.OutputPath)
	}
	if len(got.AssignedPeers) != 2 {
		t.Errorf("expected 2 assigned peers, got %d", len(got.AssignedPeers))
	}
	if got.CompletedChunks() != 5 {
		t.Errorf("expected 5 completed chunks from bitmap, got %d", got.CompletedChunks())
	}
	if got.Descriptor == nil || got.Descriptor.NumChunks != 10 {
		t.Errorf("descriptor did not survive the round trip")
	}
}

func TestDelete(t *testing.T) {
	store := openTestStore(t)

	store.Put(&Snapshot{FileHash: "gone", Descriptor: testDescriptor("gone", 1)})
	if err := store.Delete("gone"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get("gone"); err == nil {
		t.Errorf("expected deleted snapshot to be unreadable")
	}
}

func TestLoadFreshDropsStale(t *testing.T) {
	store := openTestStore(t)

	fresh := &Snapshot{
		FileHash:   "fresh",
		Descriptor: testDescriptor("fresh", 4),
		SavedAt:    time.Now().Add(-2 * time.Hour).Unix(),
	}
	stale := &Snapshot{
		FileHash:   "stale",
		Descriptor: testDescriptor("stale", 4),
		SavedAt:    time.Now().Add(-48 * time.Hour).Unix(),
	}
	if err := store.Put(fresh); err != nil {
		t.Fatalf("put fresh: %v", err)
	}
	if err := store.Put(stale); err != nil {
		t.Fatalf("put stale: %v", err)
	}

	loaded, err := store.LoadFresh(24 * time.Hour)
	if err != nil {
		t.Fatalf("load fresh: %v", err)
	}
	if len(loaded) != 1 || loaded[0].FileHash != "fresh" {
		t.Fatalf("expected only the fresh snapshot, got %d", len(loaded))
	}

	// The stale snapshot must be gone from the store entirely.
	if _, err := store.Get("stale"); err == nil {
		t.Errorf("expected stale snapshot deleted")
	}
	if _, err := store.Get("fresh"); err != nil {
		t.Errorf("fresh snapshot must survive: %v", err)
	}
}

func TestGetRejectsNewerVersion(t *testing.T) {
	store := openTestStore(t)

	snap := &Snapshot{FileHash: "future", Descriptor: testDescriptor("future", 1)}
	if err := store.Put(snap); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Rewrite the record claiming a future layout version.
	snap.Version = SnapshotVersion + 1
	raw := *snap
	raw.SavedAt = time.Now().Unix()
	if err := putRaw(store, &raw); err != nil {
		t.Fatalf("raw put: %v", err)
	}

	if _, err := store.Get("future"); err == nil {
		t.Errorf("expected newer-version snapshot to be rejected")
	}
}

func TestCompletedChunksBounded(t *testing.T) {
	snap := &Snapshot{
		Descriptor: testDescriptor("x", 3),
		Bitmap:     []byte{0xFF}, // more bits set than chunks exist
	}
	if got := snap.CompletedChunks(); got != 3 {
		t.Errorf("expected count bounded by chunk count, got %d", got)
	}
	if (&Snapshot{Bitmap: []byte{0xFF}}).CompletedChunks() != 0 {
		t.Errorf("expected zero without a descriptor")
	}
}
