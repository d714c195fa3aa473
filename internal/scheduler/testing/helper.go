package testing

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/coachpay/internal/clock"
	"github.com/smallbiznis/coachpay/internal/outbox"
	subscriptiondomain "github.com/smallbiznis/coachpay/internal/subscription/domain"
	"gorm.io/gorm"
)

// TimeAccelerator moves subscription terms and outbox schedules so scheduler
// jobs pick them up without waiting.
type TimeAccelerator struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewTimeAccelerator(db *gorm.DB, clk clock.Clock) *TimeAccelerator {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &TimeAccelerator{db: db, clock: clk}
}

// LapseSubscription moves the end date of an active subscription one minute
// into the past.
func (ta *TimeAccelerator) LapseSubscription(ctx context.Context, userID string) error {
	now := ta.clock.Now().UTC()
	return ta.db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET end_date = ?, updated_at = ?
		 WHERE user_id = ? AND status = ?`,
		now.Add(-time.Minute),
		now,
		userID,
		subscriptiondomain.SubscriptionStatusActive,
	).Error
}

// MakeOutboxDue clears the backoff and lease of a pending message.
func (ta *TimeAccelerator) MakeOutboxDue(ctx context.Context, id snowflake.ID) error {
	now := ta.clock.Now().UTC()
	return ta.db.WithContext(ctx).Exec(
		`UPDATE notification_outbox
		 SET next_attempt_at = ?, locked_until = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		now,
		now,
		id,
		outbox.StatusPending,
	).Error
}

// MakeAllOutboxDue clears backoff on every pending message.
func (ta *TimeAccelerator) MakeAllOutboxDue(ctx context.Context) (int64, error) {
	now := ta.clock.Now().UTC()
	result := ta.db.WithContext(ctx).Exec(
		`UPDATE notification_outbox
		 SET next_attempt_at = ?, locked_until = NULL, updated_at = ?
		 WHERE status = ? AND next_attempt_at > ?`,
		now,
		now,
		outbox.StatusPending,
		now,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// SubscriptionInfo shows the current term for debugging.
type SubscriptionInfo struct {
	UserID       string
	Status       subscriptiondomain.SubscriptionStatus
	EndDate      time.Time
	TimeUntilEnd time.Duration
	CanExpire    bool
}

func (ta *TimeAccelerator) GetSubscriptionInfo(ctx context.Context, userID string) (*SubscriptionInfo, error) {
	var row struct {
		UserID  string
		Status  subscriptiondomain.SubscriptionStatus
		EndDate time.Time
	}
	err := ta.db.WithContext(ctx).Raw(
		`SELECT user_id, status, end_date
		 FROM subscriptions
		 WHERE user_id = ?`,
		userID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.UserID == "" {
		return nil, nil
	}

	now := ta.clock.Now().UTC()
	return &SubscriptionInfo{
		UserID:       row.UserID,
		Status:       row.Status,
		EndDate:      row.EndDate,
		TimeUntilEnd: row.EndDate.Sub(now),
		CanExpire:    now.After(row.EndDate) && row.Status == subscriptiondomain.SubscriptionStatusActive,
	}, nil
}
