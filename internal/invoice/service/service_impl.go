package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/coachpay/internal/clock"
	"github.com/smallbiznis/coachpay/internal/invoice/domain"
	"github.com/smallbiznis/coachpay/internal/invoice/format"
	"github.com/smallbiznis/coachpay/internal/tax"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
	Tax   *tax.Resolver
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
	tax   *tax.Resolver
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("invoice.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
		tax:   p.Tax,
	}
}

// Issue creates the paid invoice for a payment inside tx. Issuing twice for
// the same payment returns the stored invoice.
func (s *Service) Issue(ctx context.Context, tx *gorm.DB, req domain.IssueRequest) (*domain.Invoice, error) {
	if req.PaymentID == 0 || strings.TrimSpace(req.UserID) == "" || req.Amount <= 0 {
		return nil, domain.ErrInvalidInvoice
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		return nil, domain.ErrInvalidInvoice
	}
	issuedAt := req.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = s.clock.Now()
	}
	issuedAt = issuedAt.UTC()

	number, err := format.FormatInvoiceNumber(format.DefaultInvoiceNumberTemplate, issuedAt, req.UserID, int64(req.PaymentID))
	if err != nil {
		return nil, err
	}

	breakdown := tax.Exclusive(req.Amount, s.tax.Rate())
	inv := &domain.Invoice{
		ID:            s.genID.Generate(),
		PaymentID:     req.PaymentID,
		UserID:        req.UserID,
		InvoiceNumber: number,
		Amount:        breakdown.Subtotal,
		TaxRate:       breakdown.Rate,
		TaxAmount:     breakdown.Tax,
		TotalAmount:   breakdown.Total,
		Currency:      currency,
		Status:        domain.InvoiceStatusPaid,
		IssuedAt:      issuedAt,
		CreatedAt:     issuedAt,
	}

	inserted, err := s.repo.Insert(ctx, tx, inv)
	if err != nil {
		return nil, err
	}
	if inserted {
		return inv, nil
	}

	stored, err := s.repo.FindByPaymentID(ctx, tx, req.PaymentID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, domain.ErrInvoiceNotFound
	}
	return stored, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*domain.Invoice, error) {
	inv, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, domain.ErrInvoiceNotFound
	}
	return inv, nil
}

func (s *Service) GetByPaymentID(ctx context.Context, paymentID snowflake.ID) (*domain.Invoice, error) {
	inv, err := s.repo.FindByPaymentID(ctx, s.db, paymentID)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, domain.ErrInvoiceNotFound
	}
	return inv, nil
}

func (s *Service) LatestForUser(ctx context.Context, userID string) (*domain.Invoice, error) {
	inv, err := s.repo.FindLatestByUserID(ctx, s.db, strings.TrimSpace(userID))
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, domain.ErrInvoiceNotFound
	}
	return inv, nil
}

func (s *Service) MarkSent(ctx context.Context, id snowflake.ID) error {
	return s.repo.MarkSent(ctx, s.db, id, s.clock.Now())
}
