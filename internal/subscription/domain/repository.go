package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByUserID(ctx context.Context, db *gorm.DB, userID string) (*Subscription, error)
	UpdateTerm(ctx context.Context, db *gorm.DB, userID string, endDate time.Time, now time.Time) (bool, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, userID string, from SubscriptionStatus, to SubscriptionStatus, now time.Time) (bool, error)
	ExpireDue(ctx context.Context, db *gorm.DB, now time.Time) (int64, error)
}
