package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/coachpay/internal/config"
)

const (
	keyStatusPoll   = "coachpay:status:ip:%s"
	keyConfirmToken = "coachpay:confirm:lock:%s"
)

// PaymentLimiter guards the public payment endpoints. A nil or disabled
// limiter allows everything.
type PaymentLimiter struct {
	enabled bool

	bucket *TokenBucket
	locker *Locker

	statusRate  float64
	statusBurst int
	lockTTL     time.Duration
}

func NewPaymentLimiter(client *redis.Client, cfg config.Config) *PaymentLimiter {
	if client == nil {
		return &PaymentLimiter{}
	}

	perMinute := cfg.RateLimit.StatusPollPerMinute
	if perMinute <= 0 {
		perMinute = 30
	}
	lockTTL := cfg.RateLimit.ConfirmLockTTL
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}

	return &PaymentLimiter{
		enabled:     true,
		bucket:      NewTokenBucket(client),
		locker:      NewLocker(client),
		statusRate:  float64(perMinute) / 60,
		statusBurst: perMinute,
		lockTTL:     lockTTL,
	}
}

func (l *PaymentLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// AllowStatusPoll applies the per-client budget for the transaction status endpoint.
func (l *PaymentLimiter) AllowStatusPoll(ctx context.Context, clientIP string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyStatusPoll, strings.TrimSpace(clientIP)), l.statusRate, l.statusBurst)
}

// TryLockToken serialises provider verification for one checkout token.
// Without Redis it always succeeds and the database compare-and-swap is the
// only guard.
func (l *PaymentLimiter) TryLockToken(ctx context.Context, token string) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	return l.locker.TryLock(ctx, fmt.Sprintf(keyConfirmToken, strings.TrimSpace(token)), l.lockTTL)
}

func (l *PaymentLimiter) ReleaseToken(ctx context.Context, token, owner string) error {
	if !l.Enabled() {
		return nil
	}
	return l.locker.Release(ctx, fmt.Sprintf(keyConfirmToken, strings.TrimSpace(token)), owner)
}
