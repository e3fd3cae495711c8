package reputation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

const peerKeyPrefix = "peer:"

// Store persists peer records in BadgerDB so reputation survives restarts.
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

// Put stores a peer record.
func (s *Store) Put(rec *PeerRecord) error {
	key := []byte(peerKeyPrefix + rec.PeerID)
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

// Get retrieves a peer record by id.
func (s *Store) Get(peerID string) (*PeerRecord, error) {
	key := []byte(peerKeyPrefix + peerID)
	var rec PeerRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// LoadAll retrieves every stored peer record.
func (s *Store) LoadAll() ([]*PeerRecord, error) {
	var records []*PeerRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(peerKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if !strings.HasPrefix(string(item.Key()), peerKeyPrefix) {
				continue
			}
			err := item.Value(func(val []byte) error {
				var rec PeerRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				records = append(records, &rec)
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
	return records, nil
}
