package storage

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"
)

var bucketItems = []byte("items")

// BoltStorage persists items in a single BoltDB bucket
type BoltStorage struct {
	db *bbolt.DB
}

// NewBoltStorage opens (or creates) the BoltDB file at dbPath
func NewBoltStorage(dbPath string) (*BoltStorage, error) {
	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketItems); err != nil {
			return fmt.Errorf("failed to create items bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return &BoltStorage{db: db}, nil
}

// Close closes the database file
func (s *BoltStorage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltStorage) GetItem(_ context.Context, key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketItems)
		if bucket == nil {
			return fmt.Errorf("items bucket not found")
		}
		// Bolt values are only valid inside the transaction
		if raw := bucket.Get([]byte(key)); raw != nil {
			value = string(raw)
			found = true
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to get item %s: %w", key, err)
	}
	return value, found, nil
}

func (s *BoltStorage) SetItem(_ context.Context, key, value string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketItems)
		if bucket == nil {
			return fmt.Errorf("items bucket not found")
		}
		if err := bucket.Put([]byte(key), []byte(value)); err != nil {
			return fmt.Errorf("failed to set item %s: %w", key, err)
		}
		return nil
	})
}

func (s *BoltStorage) RemoveItem(_ context.Context, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketItems)
		if bucket == nil {
			return fmt.Errorf("items bucket not found")
		}
		if err := bucket.Delete([]byte(key)); err != nil {
			return fmt.Errorf("failed to remove item %s: %w", key, err)
		}
		return nil
	})
}
