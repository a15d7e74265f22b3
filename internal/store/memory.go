package store

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// MemoryItem is one remembered fact about a user.
type MemoryItem struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	Content        string    `json:"content"`
	Kind           string    `json:"kind"`   // identity, preference, profile, goal, note
	Source         string    `json:"source"` // "user" or "assistant"
	ConversationID *int64    `json:"conversation_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// AddMemory stores item unless the user already has an item with the same
// content (case-insensitive). It reports whether the item was added.
func (s *Store) AddMemory(ctx context.Context, item MemoryItem) (*MemoryItem, bool, error) {
	added := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMemory)
		prefix := itob(item.UserID)

		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var existing MemoryItem
			if err := json.Unmarshal(v, &existing); err != nil {
				continue
			}
			if strings.EqualFold(existing.Content, item.Content) {
				item = existing
				return nil
			}
		}

		id, err := nextID(b)
		if err != nil {
			return err
		}
		item.ID = id
		item.CreatedAt = s.now()
		added = true
		return putJSON(b, compositeKey(item.UserID, itob(id)), &item)
	})
	if err != nil {
		return nil, false, err
	}
	return &item, added, nil
}

// ListMemory returns a user's memory items, oldest first.
func (s *Store) ListMemory(ctx context.Context, userID int64) ([]MemoryItem, error) {
	var out []MemoryItem
	prefix := itob(userID)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMemory).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var item MemoryItem
			if err := json.Unmarshal(v, &item); err != nil {
				continue
			}
			out = append(out, item)
		}
		return nil
	})
	return out, err
}
