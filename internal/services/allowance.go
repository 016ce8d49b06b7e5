package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrAllowanceExhausted = errors.New("monthly chat allowance exhausted")

// Allowance meters chat function calls per user per calendar month (UTC).
// A limit of zero or less disables metering.
type Allowance struct {
	redis redis.Cmdable
	limit int
	now   func() time.Time
}

func NewAllowance(client redis.Cmdable, limit int) *Allowance {
	return &Allowance{redis: client, limit: limit, now: time.Now}
}

// Consume charges one message to userID and returns how many remain.
// An exhausted allowance is not charged.
func (a *Allowance) Consume(ctx context.Context, userID uuid.UUID) (int, error) {
	if a.limit <= 0 {
		return -1, nil
	}

	now := a.now().UTC()
	key := allowanceKey(userID, now)

	used, err := a.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to charge allowance: %w", err)
	}
	if used == 1 {
		if err := a.redis.ExpireAt(ctx, key, allowanceExpiry(now)).Err(); err != nil {
			return 0, fmt.Errorf("failed to set allowance expiry: %w", err)
		}
	}

	if used > int64(a.limit) {
		a.redis.Decr(ctx, key)
		return 0, ErrAllowanceExhausted
	}
	return a.limit - int(used), nil
}

func allowanceKey(userID uuid.UUID, now time.Time) string {
	return fmt.Sprintf("chat_allowance:%s:%s", userID, now.Format("2006-01"))
}

// allowanceExpiry keeps the counter one day past the end of its month.
func allowanceExpiry(now time.Time) time.Time {
	firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return firstOfMonth.AddDate(0, 1, 1)
}
