package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
)

// Subscription is the single badge subscription a user holds.
// Price is in minor currency units.
type Subscription struct {
	ID        snowflake.ID       `json:"id" gorm:"primaryKey"`
	UserID    string             `json:"user_id" gorm:"type:text;not null;uniqueIndex"`
	BadgeType string             `json:"badge_type" gorm:"type:text;not null"`
	Status    SubscriptionStatus `json:"status" gorm:"type:text;not null"`
	Price     int64              `json:"price" gorm:"not null"`
	Currency  string             `json:"currency" gorm:"type:text;not null"`
	StartDate time.Time          `json:"start_date" gorm:"not null"`
	EndDate   time.Time          `json:"end_date" gorm:"not null"`
	AutoRenew bool               `json:"auto_renew" gorm:"not null;default:false"`
	CreatedAt time.Time          `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time          `json:"updated_at" gorm:"not null"`
}

func (Subscription) TableName() string { return "subscriptions" }

// TermEnd returns the end of one yearly term starting at start.
func TermEnd(start time.Time) time.Time {
	return start.AddDate(1, 0, 0)
}
