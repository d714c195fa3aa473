package domain

import (
	"context"
	"errors"
	"time"
)

type Service interface {
	GetByUserID(ctx context.Context, userID string) (Subscription, error)
	Renew(ctx context.Context, userID string) (Subscription, error)
	Cancel(ctx context.Context, userID string) (Subscription, error)
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
}

var (
	ErrInvalidUser          = errors.New("invalid_user")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrInvalidTransition    = errors.New("invalid_transition")
)
