package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/coachpay/internal/clock"
	"github.com/smallbiznis/coachpay/internal/migration"
	"github.com/smallbiznis/coachpay/internal/subscription/domain"
	"github.com/smallbiznis/coachpay/internal/subscription/repository"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNode, _ = snowflake.NewNode(7)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migration.ApplySQLiteSchema(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB, now time.Time) (*Service, *clock.FakeClock) {
	t.Helper()
	fake := clock.NewFakeClock(now)
	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: fake,
		Repo:  repository.Provide(),
	}).(*Service)
	return svc, fake
}

func seedSubscription(t *testing.T, db *gorm.DB, userID string, status domain.SubscriptionStatus, start time.Time) {
	t.Helper()
	sub := domain.Subscription{
		ID:        testNode.Generate(),
		UserID:    userID,
		BadgeType: "gold",
		Status:    status,
		Price:     29900,
		Currency:  "TRY",
		StartDate: start,
		EndDate:   domain.TermEnd(start),
		CreatedAt: start,
		UpdatedAt: start,
	}
	if err := repository.Provide().Upsert(context.Background(), db, &sub); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
}

func TestUpsertReplacesExistingSubscription(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := repository.Provide()
	start := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

	seedSubscription(t, db, "u1", domain.SubscriptionStatusActive, start)

	later := start.AddDate(0, 3, 0)
	replacement := domain.Subscription{
		ID:        99,
		UserID:    "u1",
		BadgeType: "blue",
		Status:    domain.SubscriptionStatusActive,
		Price:     9900,
		Currency:  "TRY",
		StartDate: later,
		EndDate:   domain.TermEnd(later),
		CreatedAt: later,
		UpdatedAt: later,
	}
	require.NoError(t, repo.Upsert(ctx, db, &replacement))

	var count int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM subscriptions WHERE user_id = ?`, "u1").Scan(&count).Error)
	require.EqualValues(t, 1, count)

	got, err := repo.FindByUserID(ctx, db, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "blue", got.BadgeType)
	require.EqualValues(t, 9900, got.Price)
	require.NotEqual(t, snowflake.ID(99), got.ID, "upsert must keep the original row id")
	require.True(t, got.EndDate.Equal(domain.TermEnd(later)))
}

func TestRenewExtendsFromCurrentEndDate(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	start := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	seedSubscription(t, db, "u1", domain.SubscriptionStatusActive, start)

	svc, _ := newTestService(t, db, start.AddDate(0, 6, 0))

	got, err := svc.Renew(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, domain.SubscriptionStatusActive, got.Status)
	require.True(t, got.EndDate.Equal(start.AddDate(2, 0, 0)), "unexpected end date %s", got.EndDate)
}

func TestRenewAfterExpiryStartsFromNow(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	start := time.Date(2022, 1, 10, 12, 0, 0, 0, time.UTC)
	seedSubscription(t, db, "u1", domain.SubscriptionStatusExpired, start)

	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, db, now)

	got, err := svc.Renew(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, domain.SubscriptionStatusActive, got.Status)
	require.True(t, got.EndDate.Equal(now.AddDate(1, 0, 0)), "unexpected end date %s", got.EndDate)
}

func TestCancelTransitions(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	start := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	seedSubscription(t, db, "u1", domain.SubscriptionStatusActive, start)
	seedSubscription(t, db, "u2", domain.SubscriptionStatusExpired, start)

	svc, _ := newTestService(t, db, start.AddDate(0, 1, 0))

	got, err := svc.Cancel(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, domain.SubscriptionStatusCancelled, got.Status)

	again, err := svc.Cancel(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, domain.SubscriptionStatusCancelled, again.Status)

	_, err = svc.Cancel(ctx, "u2")
	require.True(t, errors.Is(err, domain.ErrInvalidTransition), "got %v", err)

	_, err = svc.Cancel(ctx, "missing")
	require.True(t, errors.Is(err, domain.ErrSubscriptionNotFound), "got %v", err)
}

func TestExpireDueOnlyTouchesLapsedActiveRows(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	old := time.Date(2022, 1, 10, 12, 0, 0, 0, time.UTC)
	fresh := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	seedSubscription(t, db, "lapsed", domain.SubscriptionStatusActive, old)
	seedSubscription(t, db, "current", domain.SubscriptionStatusActive, fresh)
	seedSubscription(t, db, "cancelled", domain.SubscriptionStatusCancelled, old)

	svc, _ := newTestService(t, db, fresh)

	expired, err := svc.ExpireDue(ctx, fresh.AddDate(0, 1, 0))
	require.NoError(t, err)
	require.EqualValues(t, 1, expired)

	lapsed, err := svc.GetByUserID(ctx, "lapsed")
	require.NoError(t, err)
	require.Equal(t, domain.SubscriptionStatusExpired, lapsed.Status)

	cancelled, err := svc.GetByUserID(ctx, "cancelled")
	require.NoError(t, err)
	require.Equal(t, domain.SubscriptionStatusCancelled, cancelled.Status)
}

func TestGetByUserIDValidatesInput(t *testing.T) {
	svc, _ := newTestService(t, setupTestDB(t), time.Now())

	_, err := svc.GetByUserID(context.Background(), "  ")
	require.ErrorIs(t, err, domain.ErrInvalidUser)
}
