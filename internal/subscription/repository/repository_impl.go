package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/coachpay/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Upsert writes the user's subscription in one statement; a second purchase
// replaces the tier and term of the existing row instead of adding one.
func (r *repo) Upsert(ctx context.Context, db *gorm.DB, s *domain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, user_id, badge_type, status, price, currency,
			start_date, end_date, auto_renew, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			badge_type = excluded.badge_type,
			status = excluded.status,
			price = excluded.price,
			currency = excluded.currency,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			auto_renew = excluded.auto_renew,
			updated_at = excluded.updated_at`,
		s.ID,
		s.UserID,
		s.BadgeType,
		s.Status,
		s.Price,
		s.Currency,
		s.StartDate,
		s.EndDate,
		s.AutoRenew,
		s.CreatedAt,
		s.UpdatedAt,
	).Error
}

func (r *repo) FindByUserID(ctx context.Context, db *gorm.DB, userID string) (*domain.Subscription, error) {
	var item domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, badge_type, status, price, currency,
			start_date, end_date, auto_renew, created_at, updated_at
		 FROM subscriptions
		 WHERE user_id = ?
		 LIMIT 1`,
		userID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) UpdateTerm(ctx context.Context, db *gorm.DB, userID string, endDate time.Time, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET end_date = ?, status = ?, updated_at = ?
		 WHERE user_id = ?`,
		endDate,
		domain.SubscriptionStatusActive,
		now,
		userID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, userID string, from domain.SubscriptionStatus, to domain.SubscriptionStatus, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, updated_at = ?
		 WHERE user_id = ? AND status = ?`,
		to,
		now,
		userID,
		from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ExpireDue(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, updated_at = ?
		 WHERE status = ? AND end_date < ?`,
		domain.SubscriptionStatusExpired,
		now,
		domain.SubscriptionStatusActive,
		now,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
