package store

import (
	"context"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
)

// UserSettings holds a user's preferred provider/model pair.
type UserSettings struct {
	UserID          int64  `json:"user_id"`
	DefaultProvider string `json:"default_provider,omitempty"`
	DefaultModel    string `json:"default_model,omitempty"`
}

// Project groups conversations and can carry a default pair.
type Project struct {
	ID              int64     `json:"id"`
	UserID          int64     `json:"user_id"`
	Name            string    `json:"name"`
	DefaultProvider string    `json:"default_provider,omitempty"`
	DefaultModel    string    `json:"default_model,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// GetUserSettings returns the user's settings, or zero defaults if none
// were ever saved.
func (s *Store) GetUserSettings(ctx context.Context, userID int64) (UserSettings, error) {
	settings := UserSettings{UserID: userID}
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketUsers), itob(userID), &settings)
	})
	if errors.Is(err, ErrNotFound) {
		return UserSettings{UserID: userID}, nil
	}
	return settings, err
}

// PutUserSettings replaces the user's settings.
func (s *Store) PutUserSettings(ctx context.Context, settings UserSettings) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketUsers), itob(settings.UserID), &settings)
	})
}

// CreateProject stores a new project owned by p.UserID.
func (s *Store) CreateProject(ctx context.Context, p Project) (*Project, error) {
	p.CreatedAt = s.now()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		id, err := nextID(b)
		if err != nil {
			return err
		}
		p.ID = id
		return putJSON(b, itob(id), &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProject returns the project if it exists and userID owns it.
func (s *Store) GetProject(ctx context.Context, userID, id int64) (*Project, error) {
	var p Project
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketProjects), itob(id), &p)
	})
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, ErrNotFound
	}
	return &p, nil
}
