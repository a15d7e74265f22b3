// Package quota enforces per-user daily message and token limits.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/omniplexity/omniai/internal/store"
)

// ErrQuotaExceeded is returned by Check when the user has no budget left
// for today.
var ErrQuotaExceeded = errors.New("daily quota exceeded")

// Limits are the daily budgets. Zero means unlimited.
type Limits struct {
	MessagesPerDay int
	TokensPerDay   int
}

// UsageStore is the slice of the store the quota service needs.
type UsageStore interface {
	GetDailyUsage(ctx context.Context, userID int64, day string) (store.DailyUsage, error)
	AddDailyUsage(ctx context.Context, userID int64, day string, messages, tokens int) (store.DailyUsage, error)
}

// Service checks and records daily usage. Days roll over at UTC midnight.
type Service struct {
	usage  UsageStore
	limits Limits
	now    func() time.Time
}

func NewService(usage UsageStore, limits Limits) *Service {
	return &Service{usage: usage, limits: limits, now: time.Now}
}

func (s *Service) today() string {
	return s.now().UTC().Format(store.DayFormat)
}

// CheckMessageQuota fails with ErrQuotaExceeded when either daily budget
// is used up. Storage errors are returned as-is; callers treat any error
// as "don't start the turn".
func (s *Service) CheckMessageQuota(ctx context.Context, userID int64) error {
	u, err := s.usage.GetDailyUsage(ctx, userID, s.today())
	if err != nil {
		return fmt.Errorf("reading daily usage: %w", err)
	}
	if s.limits.MessagesPerDay > 0 && u.MessagesUsed >= s.limits.MessagesPerDay {
		return ErrQuotaExceeded
	}
	if s.limits.TokensPerDay > 0 && u.TokensUsed >= s.limits.TokensPerDay {
		return ErrQuotaExceeded
	}
	return nil
}

// IncrementMessages counts one persisted user message.
func (s *Service) IncrementMessages(ctx context.Context, userID int64) error {
	_, err := s.usage.AddDailyUsage(ctx, userID, s.today(), 1, 0)
	return err
}

// AddTokenUsage adds tokens to today's counter. Non-positive values are
// ignored.
func (s *Service) AddTokenUsage(ctx context.Context, userID int64, tokens int) error {
	if tokens <= 0 {
		return nil
	}
	_, err := s.usage.AddDailyUsage(ctx, userID, s.today(), 0, tokens)
	return err
}

// Today returns the caller's usage for the current day.
func (s *Service) Today(ctx context.Context, userID int64) (store.DailyUsage, error) {
	return s.usage.GetDailyUsage(ctx, userID, s.today())
}
