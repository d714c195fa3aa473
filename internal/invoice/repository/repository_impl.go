package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/coachpay/internal/invoice/domain"
	"gorm.io/gorm"
)

const invoiceColumns = `id, payment_id, user_id, invoice_number, amount, tax_rate, tax_amount,
	total_amount, currency, status, sent, sent_at, issued_at, created_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, inv *domain.Invoice) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO invoices (`+invoiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (payment_id) DO NOTHING`,
		inv.ID,
		inv.PaymentID,
		inv.UserID,
		inv.InvoiceNumber,
		inv.Amount,
		inv.TaxRate,
		inv.TaxAmount,
		inv.TotalAmount,
		inv.Currency,
		inv.Status,
		inv.Sent,
		inv.SentAt,
		inv.IssuedAt,
		inv.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Invoice, error) {
	return r.findOne(ctx, db, `WHERE id = ?`, id)
}

func (r *repo) FindByPaymentID(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) (*domain.Invoice, error) {
	return r.findOne(ctx, db, `WHERE payment_id = ?`, paymentID)
}

func (r *repo) FindLatestByUserID(ctx context.Context, db *gorm.DB, userID string) (*domain.Invoice, error) {
	return r.findOne(ctx, db, `WHERE user_id = ? ORDER BY issued_at DESC, id DESC`, userID)
}

func (r *repo) MarkSent(ctx context.Context, db *gorm.DB, id snowflake.ID, sentAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET sent = ?, sent_at = ?
		 WHERE id = ?`,
		true,
		sentAt,
		id,
	).Error
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, clause string, args ...any) (*domain.Invoice, error) {
	var item domain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+` FROM invoices `+clause+` LIMIT 1`,
		args...,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}
