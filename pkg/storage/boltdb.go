package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/stratus/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketIntents = []byte("quota_intents")
	bucketMeta    = []byte("meta")
)

// ErrNotFound is returned for missing keys
var ErrNotFound = errors.New("not found")

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens the journal database in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	return OpenBoltStore(filepath.Join(dataDir, "journal.db"))
}

// OpenBoltStore opens the journal database at path
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketIntents, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Quota intent operations
func (s *BoltStore) PutIntent(intent *types.QuotaIntent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIntents)
		data, err := json.Marshal(intent)
		if err != nil {
			return err
		}
		return b.Put([]byte(intent.ID), data)
	})
}

func (s *BoltStore) GetIntent(id string) (*types.QuotaIntent, error) {
	var intent types.QuotaIntent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIntents)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("quota intent %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &intent)
	})
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

// ListIntents returns the pending intents oldest first
func (s *BoltStore) ListIntents() ([]*types.QuotaIntent, error) {
	var intents []*types.QuotaIntent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIntents)
		return b.ForEach(func(k, v []byte) error {
			var intent types.QuotaIntent
			if err := json.Unmarshal(v, &intent); err != nil {
				return err
			}
			intents = append(intents, &intent)
			return nil
		})
	})
	sort.SliceStable(intents, func(i, j int) bool {
		return intents[i].Created.Before(intents[j].Created)
	})
	return intents, err
}

func (s *BoltStore) DeleteIntent(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIntents)
		return b.Delete([]byte(id))
	})
}

// Metadata operations
func (s *BoltStore) SetMeta(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(key), []byte(value))
	})
}

func (s *BoltStore) GetMeta(key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("meta %s: %w", key, ErrNotFound)
		}
		value = string(data)
		return nil
	})
	return value, err
}
