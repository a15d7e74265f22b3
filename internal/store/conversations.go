package store

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"

	bolt "go.etcd.io/bbolt"
)

// DefaultConversationTitle is used for conversations created implicitly by
// a chat turn.
const DefaultConversationTitle = "New chat"

// Conversation is an ordered message thread owned by one user. Provider and
// Model are the pinned pair, empty until the first turn pins them.
type Conversation struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	ProjectID *int64    `json:"project_id"`
	Title     string    `json:"title"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one persisted turn. Usage is only set on assistant messages.
type Message struct {
	ID             int64          `json:"id"`
	ConversationID int64          `json:"conversation_id"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	Provider       string         `json:"provider,omitempty"`
	Model          string         `json:"model,omitempty"`
	Usage          map[string]int `json:"usage,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// CreateConversation creates a conversation. projectID must already be
// checked for ownership by the caller.
func (s *Store) CreateConversation(ctx context.Context, userID int64, projectID *int64, title string) (*Conversation, error) {
	if title == "" {
		title = DefaultConversationTitle
	}
	now := s.now()
	conv := &Conversation{UserID: userID, ProjectID: projectID, Title: title, CreatedAt: now, UpdatedAt: now}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		id, err := nextID(b)
		if err != nil {
			return err
		}
		conv.ID = id
		return putJSON(b, itob(id), conv)
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// GetConversation returns the conversation if it exists and userID owns it.
func (s *Store) GetConversation(ctx context.Context, userID, id int64) (*Conversation, error) {
	var conv Conversation
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketConversations), itob(id), &conv)
	})
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID {
		return nil, ErrNotFound
	}
	return &conv, nil
}

// EnsureConversation returns the requested conversation when userID owns
// it, and otherwise creates a fresh one. A projectID the user doesn't own
// is dropped rather than rejected.
func (s *Store) EnsureConversation(ctx context.Context, userID int64, conversationID, projectID *int64) (*Conversation, error) {
	if conversationID != nil {
		conv, err := s.GetConversation(ctx, userID, *conversationID)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	var owned *int64
	if projectID != nil {
		if _, err := s.GetProject(ctx, userID, *projectID); err == nil {
			owned = projectID
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return s.CreateConversation(ctx, userID, owned, "")
}

// ListConversations returns userID's conversations, most recently active
// first.
func (s *Store) ListConversations(ctx context.Context, userID int64) ([]Conversation, error) {
	var out []Conversation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConversations).ForEach(func(_, v []byte) error {
			var conv Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				return nil // skip malformed
			}
			if conv.UserID == userID {
				out = append(out, conv)
			}
			return nil
		})
	})
	slices.SortFunc(out, func(a, b Conversation) int {
		return cmp.Or(b.UpdatedAt.Compare(a.UpdatedAt), cmp.Compare(b.ID, a.ID))
	})
	return out, err
}

// PinConversationModel records the provider/model pair for id unless a
// pair is already pinned. It reports whether the pin was written.
func (s *Store) PinConversationModel(ctx context.Context, id int64, providerID, model string) (bool, error) {
	pinned := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		var conv Conversation
		if err := getJSON(b, itob(id), &conv); err != nil {
			return err
		}
		if conv.Provider != "" || conv.Model != "" {
			return nil
		}
		conv.Provider, conv.Model = providerID, model
		pinned = true
		return putJSON(b, itob(id), &conv)
	})
	return pinned, err
}

// AppendMessage stores m at the end of its conversation and bumps the
// conversation's UpdatedAt. ID and CreatedAt are assigned here.
func (s *Store) AppendMessage(ctx context.Context, m Message) (*Message, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		convs := tx.Bucket(bucketConversations)
		var conv Conversation
		if err := getJSON(convs, itob(m.ConversationID), &conv); err != nil {
			return err
		}

		msgs := tx.Bucket(bucketMessages)
		id, err := nextID(msgs)
		if err != nil {
			return err
		}
		m.ID = id
		m.CreatedAt = s.now()
		if err := putJSON(msgs, compositeKey(m.ConversationID, itob(id)), &m); err != nil {
			return err
		}

		conv.UpdatedAt = m.CreatedAt
		return putJSON(convs, itob(conv.ID), &conv)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns a conversation's messages in append order.
func (s *Store) ListMessages(ctx context.Context, conversationID int64) ([]Message, error) {
	var out []Message
	prefix := itob(conversationID)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMessages).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				continue
			}
			out = append(out, m)
		}
		return nil
	})
	return out, err
}
