// Package db opens the local bbolt file that holds persisted client state.
package db

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// FileName is the database file created inside the data directory.
const FileName = "heritage-client.db"

// Bucket names used throughout the application.
var (
	BucketCredentials = []byte("credentials")
)

func Open(dataDir string) (*bolt.DB, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, FileName)
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}

	// Create all buckets on startup.
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			BucketCredentials,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	slog.Debug("database ready", "path", dbPath)
	return db, nil
}
