package resume

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/polyfetch/polyfetch/internal/descriptor"
)

// SnapshotVersion is bumped when the record layout changes. Readers accept
// any version up to their own, so older snapshots stay loadable.
const SnapshotVersion = 1

const sessionKeyPrefix = "session:"

// Snapshot is the minimal durable state of an in-progress session.
type Snapshot struct {
	Version       int                        `json:"version"`
	FileHash      string                     `json:"file_hash"`
	Descriptor    *descriptor.FileDescriptor `json:"descriptor"`
	Bitmap        []byte                     `json:"bitmap"`
	AssignedPeers []string                   `json:"assigned_peers"`
	OutputPath    string                     `json:"output_path"`
	SavedAt       int64                      `json:"saved_at"` // Unix timestamp
}

// CompletedChunks counts set bits, bounded by the descriptor chunk count.
func (s *Snapshot) CompletedChunks() int {
	if s.Descriptor == nil {
		return 0
	}
	count := 0
	for index := 0; index < s.Descriptor.NumChunks; index++ {
		if index/8 < len(s.Bitmap) && s.Bitmap[index/8]&(1<<(index%8)) != 0 {
			count++
		}
	}
	return count
}

// Store persists session snapshots in BadgerDB.
type Store struct {
	db *badger.DB
}

// OpenStore opens (or creates) a BadgerDB at the given path.
func OpenStore(dbPath string) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(dbPath).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %v", err)
	}
	return &Store{db: db}, nil
}

// Close closes the BadgerDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores a snapshot, stamping the version and save time.
func (s *Store) Put(snap *Snapshot) error {
	snap.Version = SnapshotVersion
	if snap.SavedAt == 0 {
		snap.SavedAt = time.Now().Unix()
	}
	key := []byte(sessionKeyPrefix + snap.FileHash)
	val, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

// Get retrieves a snapshot by file hash.
func (s *Store) Get(fileHash string) (*Snapshot, error) {
	key := []byte(sessionKeyPrefix + fileHash)
	var snap Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	if err != nil {
		return nil, err
	}
	if snap.Version > SnapshotVersion {
		return nil, fmt.Errorf("snapshot for %s has unsupported version %d", fileHash, snap.Version)
	}
	return &snap, nil
}

// Delete removes a snapshot, called when its session reaches a terminal
// state or on explicit removal.
func (s *Store) Delete(fileHash string) error {
	key := []byte(sessionKeyPrefix + fileHash)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// LoadFresh returns every snapshot younger than maxAge and deletes the
// stale ones. Restored sessions always start Paused.
func (s *Store) LoadFresh(maxAge time.Duration) ([]*Snapshot, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	var fresh []*Snapshot
	var stale []string

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(sessionKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var snap Snapshot
				if err := json.Unmarshal(val, &snap); err != nil {
					return err
				}
				if snap.Version > SnapshotVersion {
					// Written by a newer build; leave it alone.
					return nil
				}
				if snap.SavedAt < cutoff {
					stale = append(stale, snap.FileHash)
					return nil
				}
				fresh = append(fresh, &snap)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, fileHash := range stale {
		if derr := s.Delete(fileHash); derr != nil {
			return fresh, derr
		}
	}
	return fresh, nil
}
