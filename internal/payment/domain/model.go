package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/coachpay/internal/invoice/domain"
	subscriptiondomain "github.com/smallbiznis/coachpay/internal/subscription/domain"
	"gorm.io/datatypes"
)

const ProviderIyzico = "iyzico"

type TransactionStatus string

const (
	TransactionStatusPending TransactionStatus = "pending"
	TransactionStatusSuccess TransactionStatus = "success"
	TransactionStatusFailed  TransactionStatus = "failed"
)

// Source identifies the entry point that delivered a confirmation.
type Source string

const (
	SourceCallback Source = "callback"
	SourceWebhook  Source = "webhook"
	SourceCheckout Source = "checkout"
)

const MetadataBadgeType = "badge_type"

// Transaction is one checkout attempt keyed by the provider token.
// It leaves pending exactly once.
type Transaction struct {
	ID                snowflake.ID      `json:"id" gorm:"primaryKey"`
	Provider          string            `json:"provider" gorm:"type:text;not null"`
	ProviderToken     string            `json:"provider_token" gorm:"type:text;not null;uniqueIndex"`
	ConversationID    string            `json:"conversation_id" gorm:"type:text"`
	UserID            string            `json:"user_id" gorm:"type:text;not null;index"`
	Status            TransactionStatus `json:"status" gorm:"type:text;not null"`
	Amount            int64             `json:"amount" gorm:"not null"`
	Currency          string            `json:"currency" gorm:"type:text;not null"`
	Metadata          datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:jsonb"`
	ProviderPaymentID string            `json:"provider_payment_id,omitempty" gorm:"type:text"`
	ErrorCode         string            `json:"error_code,omitempty" gorm:"type:text"`
	ErrorMessage      string            `json:"error_message,omitempty" gorm:"type:text"`
	CreatedAt         time.Time         `json:"created_at" gorm:"not null"`
	UpdatedAt         time.Time         `json:"updated_at" gorm:"not null"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
}

func (Transaction) TableName() string { return "payment_transactions" }

// BadgeType returns the tier recorded on the transaction when checkout started.
func (t Transaction) BadgeType() string {
	if t.Metadata == nil {
		return ""
	}
	if v, ok := t.Metadata[MetadataBadgeType].(string); ok {
		return v
	}
	return ""
}

const (
	PaymentMethodCreditCard = "credit_card"
	PaymentStatusCompleted  = "completed"
)

// Payment is the append-only record of money received for a transaction.
type Payment struct {
	ID                snowflake.ID  `json:"id" gorm:"primaryKey"`
	UserID            string        `json:"user_id" gorm:"type:text;not null"`
	SubscriptionID    *snowflake.ID `json:"subscription_id,omitempty"`
	TransactionID     string        `json:"transaction_id" gorm:"type:text;not null;uniqueIndex"`
	ProviderPaymentID string        `json:"provider_payment_id,omitempty" gorm:"type:text"`
	Amount            int64         `json:"amount" gorm:"not null"`
	Currency          string        `json:"currency" gorm:"type:text;not null"`
	Method            string        `json:"method" gorm:"type:text;not null"`
	Status            string        `json:"status" gorm:"type:text;not null"`
	PaidAt            time.Time     `json:"paid_at" gorm:"not null"`
	CreatedAt         time.Time     `json:"created_at" gorm:"not null"`
}

func (Payment) TableName() string { return "payments" }

// CallbackLog is a raw provider delivery kept for audit.
type CallbackLog struct {
	ID         snowflake.ID   `json:"id" gorm:"primaryKey"`
	Source     Source         `json:"source" gorm:"type:text;not null"`
	Token      string         `json:"token" gorm:"type:text"`
	UserID     string         `json:"user_id" gorm:"type:text"`
	Outcome    string         `json:"outcome" gorm:"type:text;not null"`
	Payload    datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	ReceivedAt time.Time      `json:"received_at" gorm:"not null"`
}

func (CallbackLog) TableName() string { return "payment_callback_logs" }

type ConfirmRequest struct {
	Token  string
	UserID string
	Source Source
	// Raw is the inbound delivery, stored in the callback log.
	Raw []byte
}

// ConfirmResult is the outcome of a successful confirmation. AlreadyProcessed
// is set when the rows were produced by an earlier delivery.
type ConfirmResult struct {
	Transaction      Transaction
	Subscription     subscriptiondomain.Subscription
	Payment          Payment
	Invoice          invoicedomain.Invoice
	AlreadyProcessed bool
}

type InitiateRequest struct {
	UserID    string
	BadgeType string
	Locale    string
	Email     string
	BuyerIP   string
}

type InitiateResult struct {
	Token          string       `json:"token"`
	PaymentPageURL string       `json:"paymentPageUrl"`
	TransactionID  snowflake.ID `json:"transactionId"`
	BadgeType      string       `json:"badgeType"`
	Amount         int64        `json:"amount"`
	Currency       string       `json:"currency"`
}

// Polling statuses reported to clients waiting on a checkout.
const (
	PollStatusPending   = "pending"
	PollStatusCompleted = "completed"
	PollStatusFailed    = "failed"
)

type StatusView struct {
	Token     string `json:"token"`
	Status    string `json:"status"`
	BadgeType string `json:"badgeType,omitempty"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	ErrorCode string `json:"errorCode,omitempty"`
}
