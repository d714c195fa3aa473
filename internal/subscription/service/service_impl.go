package service

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/coachpay/internal/clock"
	"github.com/smallbiznis/coachpay/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("subscription.service"),
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) GetByUserID(ctx context.Context, userID string) (domain.Subscription, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Subscription{}, domain.ErrInvalidUser
	}
	return s.load(ctx, s.db, userID)
}

// Renew extends the term by one year from the later of now and the current
// end date, reactivating cancelled or expired subscriptions.
func (s *Service) Renew(ctx context.Context, userID string) (domain.Subscription, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Subscription{}, domain.ErrInvalidUser
	}

	var out domain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.load(ctx, tx, userID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		from := current.EndDate
		if from.Before(now) {
			from = now
		}
		endDate := domain.TermEnd(from)

		if _, err := s.repo.UpdateTerm(ctx, tx, userID, endDate, now); err != nil {
			return err
		}
		out, err = s.load(ctx, tx, userID)
		return err
	})
	if err != nil {
		return domain.Subscription{}, err
	}

	s.log.Info("subscription renewed",
		zap.String("user_id", userID),
		zap.String("badge_type", out.BadgeType),
		zap.Time("end_date", out.EndDate),
	)
	return out, nil
}

// Cancel stops an active subscription. Cancelling twice is not an error.
func (s *Service) Cancel(ctx context.Context, userID string) (domain.Subscription, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Subscription{}, domain.ErrInvalidUser
	}

	current, err := s.load(ctx, s.db, userID)
	if err != nil {
		return domain.Subscription{}, err
	}
	switch current.Status {
	case domain.SubscriptionStatusCancelled:
		return current, nil
	case domain.SubscriptionStatusActive:
	default:
		return domain.Subscription{}, domain.ErrInvalidTransition
	}

	updated, err := s.repo.UpdateStatus(ctx, s.db, userID, domain.SubscriptionStatusActive, domain.SubscriptionStatusCancelled, s.clock.Now())
	if err != nil {
		return domain.Subscription{}, err
	}
	if !updated {
		// Lost a race with expiry or another cancel; report what is stored.
		return s.load(ctx, s.db, userID)
	}

	s.log.Info("subscription cancelled", zap.String("user_id", userID))
	return s.load(ctx, s.db, userID)
}

func (s *Service) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	return s.repo.ExpireDue(ctx, s.db, now.UTC())
}

func (s *Service) load(ctx context.Context, db *gorm.DB, userID string) (domain.Subscription, error) {
	item, err := s.repo.FindByUserID(ctx, db, userID)
	if err != nil {
		return domain.Subscription{}, err
	}
	if item == nil {
		return domain.Subscription{}, domain.ErrSubscriptionNotFound
	}
	return *item, nil
}
