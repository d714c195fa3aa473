package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/coachpay/internal/clock"
	"github.com/smallbiznis/coachpay/internal/config"
	obslogger "github.com/smallbiznis/coachpay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/coachpay/internal/observability/metrics"
	"github.com/smallbiznis/coachpay/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxErrorLength = 1024

// Dispatcher delivers one message. Returning an error wrapped with Permanent
// dead-letters the message immediately.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) error
}

type Config struct {
	BatchSize    int
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	LockDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 30 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Hour
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.LockDuration <= 0 {
		c.LockDuration = 2 * time.Minute
	}
	return c
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		BatchSize:    cfg.Outbox.BatchSize,
		MaxAttempts:  cfg.Outbox.MaxAttempts,
		BaseBackoff:  cfg.Outbox.BaseBackoff,
		MaxBackoff:   cfg.Outbox.MaxBackoff,
		LockDuration: cfg.Outbox.LockDuration,
	}.withDefaults()
}

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Repo       Repository
	Dispatcher Dispatcher
	Config     Config
	Metrics    *obsmetrics.Metrics `optional:"true"`
}

type Worker struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	repo       Repository
	dispatcher Dispatcher
	cfg        Config
	metrics    *obsmetrics.Metrics
}

func NewWorker(p Params) *Worker {
	return &Worker{
		db:         p.DB,
		log:        p.Log.Named("outbox.worker"),
		clock:      p.Clock,
		repo:       p.Repo,
		dispatcher: p.Dispatcher,
		cfg:        p.Config.withDefaults(),
		metrics:    p.Metrics,
	}
}

// Stats summarises one RunOnce pass.
type Stats struct {
	Claimed int `json:"claimed"`
	Sent    int `json:"sent"`
	Retried int `json:"retried"`
	Dead    int `json:"dead"`
}

func (s Stats) Processed() int {
	return s.Sent + s.Retried + s.Dead
}

// RunOnce claims up to BatchSize due messages and dispatches each of them.
// Delivery is at-least-once: a worker that dies after dispatching but before
// MarkSent leaves the lease to expire and the message is sent again.
func (w *Worker) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	if w.dispatcher == nil {
		return stats, errors.New("outbox dispatcher not configured")
	}

	now := w.clock.Now()
	due, err := w.repo.ListDue(ctx, w.db, now, w.cfg.BatchSize)
	if err != nil {
		return stats, err
	}

	var runErr error
	for _, msg := range due {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		claimed, err := w.repo.Claim(ctx, w.db, msg.ID, now, now.Add(w.cfg.LockDuration))
		if err != nil {
			runErr = errors.Join(runErr, err)
			continue
		}
		if !claimed {
			continue
		}
		stats.Claimed++

		switch outcome, err := w.deliver(ctx, msg); outcome {
		case StatusSent:
			stats.Sent++
		case StatusDead:
			stats.Dead++
		default:
			stats.Retried++
			if err != nil && !isDispatchError(err) {
				runErr = errors.Join(runErr, err)
			}
		}
	}

	return stats, runErr
}

type dispatchError struct{ error }

func isDispatchError(err error) bool {
	var d dispatchError
	return errors.As(err, &d)
}

func (w *Worker) deliver(parent context.Context, msg Message) (Status, error) {
	ctx := correlation.ContextFromCarrier(parent, msg.Carrier())
	log := obslogger.WithContext(ctx, w.log).With(
		zap.String("outbox_id", msg.ID.String()),
		zap.String("kind", string(msg.Kind)),
		zap.String("aggregate_id", msg.AggregateID.String()),
		zap.String("correlation_id", msg.CorrelationID),
		zap.Int("attempts", msg.Attempts),
	)

	dispatchErr := w.dispatcher.Dispatch(ctx, msg)
	now := w.clock.Now()

	if dispatchErr == nil {
		if err := w.repo.MarkSent(ctx, w.db, msg.ID, now); err != nil {
			log.Error("outbox.mark_sent.failed", zap.Error(err))
			return StatusPending, err
		}
		w.metrics.RecordNotification(ctx, string(msg.Kind), "sent")
		log.Info("outbox.dispatched")
		return StatusSent, nil
	}

	attempts := msg.Attempts + 1
	lastError := truncate(dispatchErr.Error(), maxErrorLength)

	if IsPermanent(dispatchErr) || attempts >= w.cfg.MaxAttempts {
		if err := w.repo.MarkDead(ctx, w.db, msg.ID, attempts, lastError, now); err != nil {
			log.Error("outbox.mark_dead.failed", zap.Error(err))
			return StatusPending, err
		}
		w.metrics.RecordNotification(ctx, string(msg.Kind), "dead")
		log.Error("outbox.dead_lettered", zap.Int("attempts", attempts), zap.Error(dispatchErr))
		return StatusDead, nil
	}

	next := now.Add(Backoff(w.cfg.BaseBackoff, w.cfg.MaxBackoff, msg.Attempts))
	if err := w.repo.MarkRetry(ctx, w.db, msg.ID, attempts, next, lastError, now); err != nil {
		log.Error("outbox.mark_retry.failed", zap.Error(err))
		return StatusPending, err
	}
	w.metrics.RecordNotification(ctx, string(msg.Kind), "retry")
	log.Warn("outbox.dispatch.failed",
		zap.Time("next_attempt_at", next),
		zap.Error(dispatchErr),
	)
	return StatusPending, dispatchError{dispatchErr}
}

// Backoff returns base * 2^attempts capped at max.
func Backoff(base, max time.Duration, attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	delay := base
	for i := 0; i < attempts; i++ {
		if delay >= max/2 {
			return max
		}
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}

// NewInvoiceEmail builds the pending message for an issued invoice, carrying
// the correlation and trace identity of ctx.
func NewInvoiceEmail(ctx context.Context, id snowflake.ID, payload InvoiceEmailPayload, now time.Time) (*Message, error) {
	if payload.UserID == "" || payload.PaymentID == 0 {
		return nil, ErrInvalidMessage
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	carrier := correlation.CarrierFromContext(ctx)
	return &Message{
		ID:            id,
		Kind:          KindInvoiceEmail,
		AggregateID:   payload.PaymentID,
		UserID:        payload.UserID,
		Payload:       datatypes.JSON(body),
		Status:        StatusPending,
		NextAttemptAt: now,
		CorrelationID: carrier.CorrelationID,
		TraceID:       carrier.TraceID,
		SpanID:        carrier.SpanID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
