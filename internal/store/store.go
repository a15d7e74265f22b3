// Package store persists users' defaults, projects, conversations,
// messages, daily usage counters and memory items in a single BoltDB file.
// Each dataset lives in its own bucket with JSON-encoded values.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned for missing records and for records owned by a
// different user; callers can't tell the two apart.
var ErrNotFound = errors.New("not found")

var (
	bucketUsers         = []byte("users")
	bucketProjects      = []byte("projects")
	bucketConversations = []byte("conversations")
	bucketMessages      = []byte("messages")
	bucketUsage         = []byte("usage_daily")
	bucketMemory        = []byte("memory_items")
)

// Store wraps the BoltDB handle. All methods are safe for concurrent use;
// bbolt serializes writers.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and makes sure every
// bucket exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating storage dir: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketUsers, bucketProjects, bucketConversations, bucketMessages, bucketUsage, bucketMemory} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the database file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// itob encodes an id big-endian so byte order matches numeric order and
// cursors iterate oldest first.
func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func compositeKey(owner int64, rest []byte) []byte {
	return append(itob(owner), rest...)
}

func getJSON(b *bolt.Bucket, key []byte, v any) error {
	raw := b.Get(key)
	if raw == nil {
		return ErrNotFound
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding record %x: %w", key, err)
	}
	return nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, raw)
}

func nextID(b *bolt.Bucket) (int64, error) {
	seq, err := b.NextSequence()
	if err != nil {
		return 0, err
	}
	return int64(seq), nil
}
