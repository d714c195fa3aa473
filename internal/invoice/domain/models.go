package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type InvoiceStatus string

const InvoiceStatusPaid InvoiceStatus = "paid"

// Invoice is issued once per confirmed payment.
// Amounts are minor currency units and TotalAmount = Amount + TaxAmount.
type Invoice struct {
	ID            snowflake.ID  `json:"id" gorm:"primaryKey"`
	PaymentID     snowflake.ID  `json:"payment_id" gorm:"not null;uniqueIndex"`
	UserID        string        `json:"user_id" gorm:"type:text;not null"`
	InvoiceNumber string        `json:"invoice_number" gorm:"type:text;not null"`
	Amount        int64         `json:"amount" gorm:"not null"`
	TaxRate       float64       `json:"tax_rate" gorm:"type:numeric(6,4);not null"`
	TaxAmount     int64         `json:"tax_amount" gorm:"not null"`
	TotalAmount   int64         `json:"total_amount" gorm:"not null"`
	Currency      string        `json:"currency" gorm:"type:text;not null"`
	Status        InvoiceStatus `json:"status" gorm:"type:text;not null"`
	Sent          bool          `json:"sent" gorm:"not null;default:false"`
	SentAt        *time.Time    `json:"sent_at,omitempty"`
	IssuedAt      time.Time     `json:"issued_at" gorm:"not null"`
	CreatedAt     time.Time     `json:"created_at" gorm:"not null"`
}

func (Invoice) TableName() string { return "invoices" }

type IssueRequest struct {
	PaymentID snowflake.ID
	UserID    string
	Amount    int64
	Currency  string
	IssuedAt  time.Time
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, invoice *Invoice) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	FindByPaymentID(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) (*Invoice, error)
	FindLatestByUserID(ctx context.Context, db *gorm.DB, userID string) (*Invoice, error)
	MarkSent(ctx context.Context, db *gorm.DB, id snowflake.ID, sentAt time.Time) error
}

type Service interface {
	Issue(ctx context.Context, tx *gorm.DB, req IssueRequest) (*Invoice, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Invoice, error)
	GetByPaymentID(ctx context.Context, paymentID snowflake.ID) (*Invoice, error)
	LatestForUser(ctx context.Context, userID string) (*Invoice, error)
	MarkSent(ctx context.Context, id snowflake.ID) error
}

var (
	ErrInvalidInvoice  = errors.New("invalid_invoice")
	ErrInvoiceNotFound = errors.New("invoice_not_found")
)
