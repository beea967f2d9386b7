package services

import (
	"context"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the CredentialStore interface using a BoltDB backend. Values are kept in a single
// bucket, so it only ever holds a handful of small entries.
type BoltDB struct {
	db *bolt.DB
}

var credentialsBucket = []byte("credentials")

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with the credentials bucket and returns an error if the database cannot be opened or initialized.
// The database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(credentialsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Get returns the value stored under key, and whether there is one.
func (b BoltDB) Get(_ context.Context, key string) (string, bool, error) {
	var value string
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(credentialsBucket)
		if bucket == nil {
			return nil
		}

		v := bucket.Get([]byte(key))
		if v == nil {
			return nil
		}
		// v is only valid during the transaction.
		value = string(v)
		found = true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, found, nil
}

// Set stores value under key, replacing any previous value.
func (b BoltDB) Set(_ context.Context, key, value string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(credentialsBucket)
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		return bucket.Put([]byte(key), []byte(value))
	})
}

// Remove deletes the value stored under key. Removing a missing key is not an error.
func (b BoltDB) Remove(_ context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(credentialsBucket)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}

// Close closes the database.
func (b BoltDB) Close() error {
	return b.db.Close()
}
