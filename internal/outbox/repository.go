package outbox

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const messageColumns = `id, kind, aggregate_id, user_id, payload, status, attempts, next_attempt_at,
	locked_until, COALESCE(last_error, '') AS last_error, COALESCE(correlation_id, '') AS correlation_id,
	COALESCE(trace_id, '') AS trace_id, COALESCE(span_id, '') AS span_id, created_at, updated_at, sent_at`

type Repository interface {
	// Enqueue returns false when a message for the same kind and aggregate
	// already exists.
	Enqueue(ctx context.Context, db *gorm.DB, msg *Message) (bool, error)
	ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Message, error)
	// Claim leases a pending message until lockUntil. False means another
	// worker holds it or it is no longer pending.
	Claim(ctx context.Context, db *gorm.DB, id snowflake.ID, now, lockUntil time.Time) (bool, error)
	MarkSent(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
	MarkRetry(ctx context.Context, db *gorm.DB, id snowflake.ID, attempts int, next time.Time, lastError string, now time.Time) error
	MarkDead(ctx context.Context, db *gorm.DB, id snowflake.ID, attempts int, lastError string, now time.Time) error
	FindByAggregate(ctx context.Context, db *gorm.DB, kind Kind, aggregateID snowflake.ID) (*Message, error)
	CountByStatus(ctx context.Context, db *gorm.DB, status Status) (int64, error)
}

type repo struct{}

func NewRepository() Repository {
	return &repo{}
}

func (r *repo) Enqueue(ctx context.Context, db *gorm.DB, msg *Message) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO notification_outbox (
			id, kind, aggregate_id, user_id, payload, status, attempts, next_attempt_at,
			last_error, correlation_id, trace_id, span_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (kind, aggregate_id) DO NOTHING`,
		msg.ID,
		msg.Kind,
		msg.AggregateID,
		msg.UserID,
		msg.Payload,
		msg.Status,
		msg.Attempts,
		msg.NextAttemptAt,
		msg.LastError,
		msg.CorrelationID,
		msg.TraceID,
		msg.SpanID,
		msg.CreatedAt,
		msg.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Message, error) {
	var rows []Message
	err := db.WithContext(ctx).Raw(
		`SELECT `+messageColumns+`
		FROM notification_outbox
		WHERE status = ?
			AND next_attempt_at <= ?
			AND (locked_until IS NULL OR locked_until < ?)
		ORDER BY next_attempt_at ASC, id ASC
		LIMIT ?`,
		StatusPending,
		now,
		now,
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) Claim(ctx context.Context, db *gorm.DB, id snowflake.ID, now, lockUntil time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE notification_outbox
		SET locked_until = ?, updated_at = ?
		WHERE id = ?
			AND status = ?
			AND (locked_until IS NULL OR locked_until < ?)`,
		lockUntil,
		now,
		id,
		StatusPending,
		now,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkSent(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE notification_outbox
		SET status = ?, attempts = attempts + 1, locked_until = NULL, last_error = '',
			sent_at = ?, updated_at = ?
		WHERE id = ?`,
		StatusSent,
		now,
		now,
		id,
	).Error
}

func (r *repo) MarkRetry(ctx context.Context, db *gorm.DB, id snowflake.ID, attempts int, next time.Time, lastError string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE notification_outbox
		SET attempts = ?, next_attempt_at = ?, locked_until = NULL, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		attempts,
		next,
		lastError,
		now,
		id,
		StatusPending,
	).Error
}

func (r *repo) MarkDead(ctx context.Context, db *gorm.DB, id snowflake.ID, attempts int, lastError string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE notification_outbox
		SET status = ?, attempts = ?, locked_until = NULL, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusDead,
		attempts,
		lastError,
		now,
		id,
		StatusPending,
	).Error
}

func (r *repo) FindByAggregate(ctx context.Context, db *gorm.DB, kind Kind, aggregateID snowflake.ID) (*Message, error) {
	var row Message
	err := db.WithContext(ctx).Raw(
		`SELECT `+messageColumns+`
		FROM notification_outbox
		WHERE kind = ? AND aggregate_id = ?
		LIMIT 1`,
		kind,
		aggregateID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) CountByStatus(ctx context.Context, db *gorm.DB, status Status) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM notification_outbox WHERE status = ?`,
		status,
	).Scan(&count).Error
	return count, err
}
