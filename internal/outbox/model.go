package outbox

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/coachpay/pkg/telemetry/correlation"
	"gorm.io/datatypes"
)

type Kind string

const KindInvoiceEmail Kind = "invoice_email"

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusDead    Status = "dead"
)

// Message is one durable side effect recorded in the same transaction as the
// state change that caused it. (Kind, AggregateID) is unique.
type Message struct {
	ID            snowflake.ID   `json:"id" gorm:"primaryKey"`
	Kind          Kind           `json:"kind" gorm:"type:text;not null"`
	AggregateID   snowflake.ID   `json:"aggregate_id" gorm:"not null"`
	UserID        string         `json:"user_id" gorm:"type:text;not null"`
	Payload       datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	Status        Status         `json:"status" gorm:"type:text;not null"`
	Attempts      int            `json:"attempts" gorm:"not null"`
	NextAttemptAt time.Time      `json:"next_attempt_at" gorm:"not null"`
	LockedUntil   *time.Time     `json:"locked_until,omitempty"`
	LastError     string         `json:"last_error,omitempty" gorm:"type:text"`
	CorrelationID string         `json:"correlation_id,omitempty" gorm:"type:text"`
	TraceID       string         `json:"trace_id,omitempty" gorm:"type:text"`
	SpanID        string         `json:"span_id,omitempty" gorm:"type:text"`
	CreatedAt     time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt     time.Time      `json:"updated_at" gorm:"not null"`
	SentAt        *time.Time     `json:"sent_at,omitempty"`
}

func (Message) TableName() string { return "notification_outbox" }

func (m Message) Carrier() correlation.Carrier {
	return correlation.Carrier{
		CorrelationID: m.CorrelationID,
		TraceID:       m.TraceID,
		SpanID:        m.SpanID,
	}
}

// InvoiceEmailPayload is the body of a KindInvoiceEmail message.
type InvoiceEmailPayload struct {
	UserID    string       `json:"user_id"`
	PaymentID snowflake.ID `json:"payment_id"`
	InvoiceID snowflake.ID `json:"invoice_id"`
	BadgeType string       `json:"badge_type"`
	Amount    int64        `json:"amount"`
	Currency  string       `json:"currency"`
}

func DecodeInvoiceEmail(m Message) (InvoiceEmailPayload, error) {
	var p InvoiceEmailPayload
	if m.Kind != KindInvoiceEmail {
		return p, Permanent(ErrUnknownKind)
	}
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return p, Permanent(err)
	}
	return p, nil
}

var (
	ErrInvalidMessage = errors.New("invalid_outbox_message")
	ErrUnknownKind    = errors.New("unknown_outbox_kind")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a dispatch error that retrying cannot fix. The message is
// dead-lettered on first occurrence.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
