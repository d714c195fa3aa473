package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertTransaction(ctx context.Context, db *gorm.DB, tx *Transaction) (bool, error)
	FindTransactionByToken(ctx context.Context, db *gorm.DB, token string) (*Transaction, error)
	// MarkSucceeded and MarkFailed only move pending rows; false means another
	// delivery already finalized the transaction.
	MarkSucceeded(ctx context.Context, db *gorm.DB, token string, providerPaymentID string, amount int64, currency string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, db *gorm.DB, token string, code string, message string, at time.Time) (bool, error)

	InsertPayment(ctx context.Context, db *gorm.DB, payment *Payment) (bool, error)
	FindPaymentByTransactionID(ctx context.Context, db *gorm.DB, transactionID string) (*Payment, error)
	FindPaymentByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)

	InsertCallbackLog(ctx context.Context, db *gorm.DB, log *CallbackLog) error
}
