package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/coachpay/internal/clock"
	"github.com/smallbiznis/coachpay/internal/config"
	invoicedomain "github.com/smallbiznis/coachpay/internal/invoice/domain"
	obslogger "github.com/smallbiznis/coachpay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/coachpay/internal/observability/metrics"
	"github.com/smallbiznis/coachpay/internal/outbox"
	"github.com/smallbiznis/coachpay/internal/providers/email"
	subscriptiondomain "github.com/smallbiznis/coachpay/internal/subscription/domain"
	"github.com/smallbiznis/coachpay/internal/tax"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidRequest     = errors.New("invalid_notification_request")
	ErrUserNotFound       = errors.New("user_not_found")
	ErrEmailNotConfigured = errors.New("email_not_configured")
)

// Request asks for the invoice email of a user. Zero fields are filled from
// the user's subscription and latest invoice.
type Request struct {
	UserID    string
	BadgeType string
	Amount    int64
	Currency  string
	InvoiceID snowflake.ID
}

type Result struct {
	Recipient     string `json:"recipient"`
	InvoiceNumber string `json:"invoiceNumber,omitempty"`
	Subject       string `json:"subject"`
}

type Params struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	Clock            clock.Clock
	Config           config.Config
	Email            email.Provider
	Users            UserRepository
	SubscriptionRepo subscriptiondomain.Repository
	InvoiceSvc       invoicedomain.Service
	Tax              *tax.Resolver
	Metrics          *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db               *gorm.DB
	log              *zap.Logger
	clock            clock.Clock
	email            email.Provider
	users            UserRepository
	subscriptionRepo subscriptiondomain.Repository
	invoiceSvc       invoicedomain.Service
	tax              *tax.Resolver
	metrics          *obsmetrics.Metrics
	dashboardURL     string
}

func NewService(p Params) *Service {
	dashboard := ""
	if base := strings.TrimRight(p.Config.AppBaseURL, "/"); base != "" {
		dashboard = base + "/dashboard"
	}
	return &Service{
		db:               p.DB,
		log:              p.Log.Named("notification.service"),
		clock:            p.Clock,
		email:            p.Email,
		users:            p.Users,
		subscriptionRepo: p.SubscriptionRepo,
		invoiceSvc:       p.InvoiceSvc,
		tax:              p.Tax,
		metrics:          p.Metrics,
		dashboardURL:     dashboard,
	}
}

// SendInvoiceEmail renders and delivers the invoice and welcome email. The
// invoice is marked sent only after the provider accepted the message.
func (s *Service) SendInvoiceEmail(ctx context.Context, req Request) (*Result, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, ErrInvalidRequest
	}
	log := obslogger.WithContext(ctx, s.log).With(zap.String("user_id", userID))

	recipient, err := s.users.FindRecipient(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if recipient == nil || strings.TrimSpace(recipient.Email) == "" {
		return nil, ErrUserNotFound
	}

	sub, err := s.subscriptionRepo.FindByUserID(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	inv, err := s.findInvoice(ctx, userID, req.InvoiceID)
	if err != nil {
		return nil, err
	}

	data := s.buildData(recipient, sub, inv, req)
	body, err := renderInvoiceEmail(data)
	if err != nil {
		return nil, err
	}

	if err := s.email.Send(ctx, []string{recipient.Email}, data.Subject, body); err != nil {
		if errors.Is(err, email.ErrNotConfigured) {
			s.metrics.RecordNotification(ctx, string(outbox.KindInvoiceEmail), "not_configured")
			log.Warn("invoice email skipped, smtp not configured")
			return nil, ErrEmailNotConfigured
		}
		s.metrics.RecordNotification(ctx, string(outbox.KindInvoiceEmail), "failed")
		return nil, fmt.Errorf("send invoice email: %w", err)
	}

	if inv != nil {
		if err := s.invoiceSvc.MarkSent(ctx, inv.ID); err != nil {
			log.Warn("mark invoice sent failed", zap.String("invoice_id", inv.ID.String()), zap.Error(err))
		}
	}

	log.Info("invoice email sent",
		zap.String("recipient", recipient.Email),
		zap.String("invoice_number", data.InvoiceNumber),
	)
	return &Result{
		Recipient:     recipient.Email,
		InvoiceNumber: data.InvoiceNumber,
		Subject:       data.Subject,
	}, nil
}

func (s *Service) findInvoice(ctx context.Context, userID string, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var (
		inv *invoicedomain.Invoice
		err error
	)
	if id != 0 {
		inv, err = s.invoiceSvc.GetByID(ctx, id)
	} else {
		inv, err = s.invoiceSvc.LatestForUser(ctx, userID)
	}
	if errors.Is(err, invoicedomain.ErrInvoiceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if inv.UserID != userID {
		return nil, ErrInvalidRequest
	}
	return inv, nil
}

func (s *Service) buildData(
	recipient *Recipient,
	sub *subscriptiondomain.Subscription,
	inv *invoicedomain.Invoice,
	req Request,
) invoiceEmailData {
	name := strings.TrimSpace(recipient.FullName)
	if name == "" {
		name = recipient.Email
	}

	badge := strings.TrimSpace(req.BadgeType)
	validUntil := ""
	if sub != nil {
		if badge == "" {
			badge = sub.BadgeType
		}
		validUntil = sub.EndDate.UTC().Format("2006-01-02")
	}

	data := invoiceEmailData{
		Name:         name,
		BadgeLabel:   badgeLabel(badge),
		ValidUntil:   validUntil,
		DashboardURL: s.dashboardURL,
	}

	if inv != nil {
		data.InvoiceNumber = inv.InvoiceNumber
		data.IssuedAt = inv.IssuedAt.UTC().Format("2006-01-02")
		data.Amount = formatMinor(inv.Amount)
		data.Tax = formatMinor(inv.TaxAmount)
		data.Total = formatMinor(inv.TotalAmount)
		data.Currency = inv.Currency
		data.TaxPercent = formatPercent(inv.TaxRate)
		data.Subject = fmt.Sprintf("Your %s badge invoice %s", data.BadgeLabel, inv.InvoiceNumber)
		return data
	}

	amount := req.Amount
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if sub != nil {
		if amount <= 0 {
			amount = sub.Price
		}
		if currency == "" {
			currency = sub.Currency
		}
	}
	breakdown := tax.Exclusive(amount, s.tax.Rate())
	data.IssuedAt = s.clock.Now().Format("2006-01-02")
	data.Amount = formatMinor(breakdown.Subtotal)
	data.Tax = formatMinor(breakdown.Tax)
	data.Total = formatMinor(breakdown.Total)
	data.Currency = currency
	data.TaxPercent = formatPercent(breakdown.Rate)
	data.Subject = fmt.Sprintf("Your %s badge is active", data.BadgeLabel)
	return data
}

// Dispatch delivers outbox messages. Missing users and malformed payloads
// cannot succeed on retry.
func (s *Service) Dispatch(ctx context.Context, msg outbox.Message) error {
	payload, err := outbox.DecodeInvoiceEmail(msg)
	if err != nil {
		return err
	}
	_, err = s.SendInvoiceEmail(ctx, Request{
		UserID:    payload.UserID,
		BadgeType: payload.BadgeType,
		Amount:    payload.Amount,
		Currency:  payload.Currency,
		InvoiceID: payload.InvoiceID,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUserNotFound), errors.Is(err, ErrInvalidRequest):
		return outbox.Permanent(err)
	default:
		return err
	}
}

var _ outbox.Dispatcher = (*Service)(nil)

func asDispatcher(s *Service) outbox.Dispatcher { return s }
