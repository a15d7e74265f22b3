package store

import (
	"context"
	"errors"

	bolt "go.etcd.io/bbolt"
)

// DayFormat is the layout of the day key for daily counters (UTC).
const DayFormat = "2006-01-02"

// DailyUsage holds one user's counters for one UTC day.
type DailyUsage struct {
	UserID       int64  `json:"user_id"`
	Day          string `json:"day"`
	MessagesUsed int    `json:"messages_used"`
	TokensUsed   int    `json:"tokens_used"`
}

func usageKey(userID int64, day string) []byte {
	return compositeKey(userID, []byte(day))
}

// GetDailyUsage returns the counters for userID on day, zero if unset.
func (s *Store) GetDailyUsage(ctx context.Context, userID int64, day string) (DailyUsage, error) {
	u := DailyUsage{UserID: userID, Day: day}
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketUsage), usageKey(userID, day), &u)
	})
	if errors.Is(err, ErrNotFound) {
		return DailyUsage{UserID: userID, Day: day}, nil
	}
	return u, err
}

// AddDailyUsage atomically adds to the counters for userID on day and
// returns the new totals.
func (s *Store) AddDailyUsage(ctx context.Context, userID int64, day string, messages, tokens int) (DailyUsage, error) {
	u := DailyUsage{UserID: userID, Day: day}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsage)
		key := usageKey(userID, day)
		if err := getJSON(b, key, &u); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		u.MessagesUsed += messages
		u.TokensUsed += tokens
		return putJSON(b, key, &u)
	})
	return u, err
}
