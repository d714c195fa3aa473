package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/coachpay/internal/payment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, t *domain.Transaction) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payment_transactions (
			id, provider, provider_token, conversation_id, user_id, status,
			amount, currency, metadata, provider_payment_id, error_code, error_message,
			created_at, updated_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider_token) DO NOTHING`,
		t.ID,
		t.Provider,
		t.ProviderToken,
		t.ConversationID,
		t.UserID,
		t.Status,
		t.Amount,
		t.Currency,
		t.Metadata,
		t.ProviderPaymentID,
		t.ErrorCode,
		t.ErrorMessage,
		t.CreatedAt,
		t.UpdatedAt,
		t.CompletedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindTransactionByToken(ctx context.Context, db *gorm.DB, token string) (*domain.Transaction, error) {
	var item domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, provider_token,
			COALESCE(conversation_id, '') AS conversation_id,
			user_id, status, amount, currency,
			COALESCE(metadata, '{}') AS metadata,
			COALESCE(provider_payment_id, '') AS provider_payment_id,
			COALESCE(error_code, '') AS error_code,
			COALESCE(error_message, '') AS error_message,
			created_at, updated_at, completed_at
		 FROM payment_transactions
		 WHERE provider_token = ?
		 LIMIT 1`,
		token,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) MarkSucceeded(ctx context.Context, db *gorm.DB, token string, providerPaymentID string, amount int64, currency string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_transactions
		 SET status = ?, provider_payment_id = ?, amount = ?, currency = ?,
			error_code = '', error_message = '', updated_at = ?, completed_at = ?
		 WHERE provider_token = ? AND status = ?`,
		domain.TransactionStatusSuccess,
		providerPaymentID,
		amount,
		currency,
		at,
		at,
		token,
		domain.TransactionStatusPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, token string, code string, message string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_transactions
		 SET status = ?, error_code = ?, error_message = ?, updated_at = ?, completed_at = ?
		 WHERE provider_token = ? AND status = ?`,
		domain.TransactionStatusFailed,
		code,
		message,
		at,
		at,
		token,
		domain.TransactionStatusPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

const paymentColumns = `id, user_id, subscription_id, transaction_id,
	COALESCE(provider_payment_id, '') AS provider_payment_id,
	amount, currency, method, status, paid_at, created_at`

func (r *repo) InsertPayment(ctx context.Context, db *gorm.DB, p *domain.Payment) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payments (
			id, user_id, subscription_id, transaction_id, provider_payment_id,
			amount, currency, method, status, paid_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (transaction_id) DO NOTHING`,
		p.ID,
		p.UserID,
		p.SubscriptionID,
		p.TransactionID,
		p.ProviderPaymentID,
		p.Amount,
		p.Currency,
		p.Method,
		p.Status,
		p.PaidAt,
		p.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindPaymentByTransactionID(ctx context.Context, db *gorm.DB, transactionID string) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE transaction_id = ?
		 LIMIT 1`,
		transactionID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindPaymentByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) InsertCallbackLog(ctx context.Context, db *gorm.DB, log *domain.CallbackLog) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_callback_logs (id, source, token, user_id, outcome, payload, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		log.ID,
		log.Source,
		log.Token,
		log.UserID,
		log.Outcome,
		log.Payload,
		log.ReceivedAt,
	).Error
}
