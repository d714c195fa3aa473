package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/coachpay/internal/clock"
	"github.com/smallbiznis/coachpay/internal/config"
	invoicedomain "github.com/smallbiznis/coachpay/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/coachpay/internal/invoice/repository"
	invoiceservice "github.com/smallbiznis/coachpay/internal/invoice/service"
	"github.com/smallbiznis/coachpay/internal/migration"
	"github.com/smallbiznis/coachpay/internal/outbox"
	"github.com/smallbiznis/coachpay/internal/providers/email"
	"github.com/smallbiznis/coachpay/internal/seed"
	subscriptionrepo "github.com/smallbiznis/coachpay/internal/subscription/repository"
	"github.com/smallbiznis/coachpay/internal/tax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNode, _ = snowflake.NewNode(9)

type sentMail struct {
	to      []string
	subject string
	body    string
}

type recordingProvider struct {
	sent []sentMail
	err  error
}

func (p *recordingProvider) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, sentMail{to: to, subject: subject, body: htmlBody})
	return nil
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migration.ApplySQLiteSchema(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB, provider email.Provider) (*Service, invoicedomain.Service) {
	t.Helper()

	clk := clock.NewFakeClock(time.Date(2024, 3, 7, 10, 0, 0, 0, time.UTC))
	resolver := tax.NewResolver(config.NewStaticPricingHolder(config.DefaultPricingConfig()))
	invoiceSvc := invoiceservice.NewService(invoiceservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: testNode,
		Clock: clk,
		Repo:  invoicerepo.Provide(),
		Tax:   resolver,
	})
	svc := NewService(Params{
		DB:               db,
		Log:              zap.NewNop(),
		Clock:            clk,
		Config:           config.Config{AppBaseURL: "https://coachpay.example"},
		Email:            provider,
		Users:            NewUserRepository(),
		SubscriptionRepo: subscriptionrepo.Provide(),
		InvoiceSvc:       invoiceSvc,
		Tax:              resolver,
	})
	return svc, invoiceSvc
}

func issueInvoice(t *testing.T, db *gorm.DB, svc invoicedomain.Service, userID string) *invoicedomain.Invoice {
	t.Helper()
	inv, err := svc.Issue(context.Background(), db, invoicedomain.IssueRequest{
		PaymentID: testNode.Generate(),
		UserID:    userID,
		Amount:    29900,
		Currency:  "TRY",
	})
	require.NoError(t, err)
	return inv
}

func TestSendInvoiceEmailDeliversAndMarksSent(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	require.NoError(t, seed.EnsureUser(ctx, db, "u1", "coach@example.com", "Ayşe Coach"))

	provider := &recordingProvider{}
	svc, invoiceSvc := newTestService(t, db, provider)
	inv := issueInvoice(t, db, invoiceSvc, "u1")

	res, err := svc.SendInvoiceEmail(ctx, Request{UserID: "u1", BadgeType: "gold"})
	require.NoError(t, err)
	assert.Equal(t, "coach@example.com", res.Recipient)
	assert.Equal(t, inv.InvoiceNumber, res.InvoiceNumber)

	require.Len(t, provider.sent, 1)
	mail := provider.sent[0]
	assert.Equal(t, []string{"coach@example.com"}, mail.to)
	assert.Contains(t, mail.subject, inv.InvoiceNumber)
	assert.Contains(t, mail.body, "Gold")
	assert.Contains(t, mail.body, "299.00 TRY")
	assert.Contains(t, mail.body, "53.82 TRY")
	assert.Contains(t, mail.body, "352.82 TRY")
	assert.Contains(t, mail.body, "Tax (18%)")
	assert.Contains(t, mail.body, "https://coachpay.example/dashboard")

	stored, err := invoiceSvc.GetByID(ctx, inv.ID)
	require.NoError(t, err)
	assert.True(t, stored.Sent)
	assert.NotNil(t, stored.SentAt)
}

func TestSendInvoiceEmailWithoutInvoiceComputesTax(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	require.NoError(t, seed.EnsureUser(ctx, db, "u1", "coach@example.com", ""))

	provider := &recordingProvider{}
	svc, _ := newTestService(t, db, provider)

	res, err := svc.SendInvoiceEmail(ctx, Request{UserID: "u1", BadgeType: "blue", Amount: 9900, Currency: "try"})
	require.NoError(t, err)
	assert.Empty(t, res.InvoiceNumber)
	require.Len(t, provider.sent, 1)
	assert.Contains(t, provider.sent[0].body, "116.82 TRY")
	assert.Contains(t, provider.sent[0].body, "coach@example.com")
}

func TestSendInvoiceEmailMissingUser(t *testing.T) {
	db := setupTestDB(t)
	svc, _ := newTestService(t, db, &recordingProvider{})

	_, err := svc.SendInvoiceEmail(context.Background(), Request{UserID: "ghost"})
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = svc.SendInvoiceEmail(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSendInvoiceEmailNotConfiguredIsNotSuccess(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	require.NoError(t, seed.EnsureUser(ctx, db, "u1", "coach@example.com", "Coach"))

	svc, invoiceSvc := newTestService(t, db, &email.DisabledProvider{})
	inv := issueInvoice(t, db, invoiceSvc, "u1")

	_, err := svc.SendInvoiceEmail(ctx, Request{UserID: "u1"})
	assert.ErrorIs(t, err, ErrEmailNotConfigured)

	stored, err := invoiceSvc.GetByID(ctx, inv.ID)
	require.NoError(t, err)
	assert.False(t, stored.Sent)
}

func TestDispatchClassifiesErrors(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	require.NoError(t, seed.EnsureUser(ctx, db, "u1", "coach@example.com", "Coach"))

	provider := &recordingProvider{}
	svc, _ := newTestService(t, db, provider)

	missing, err := outbox.NewInvoiceEmail(ctx, testNode.Generate(), outbox.InvoiceEmailPayload{UserID: "ghost", PaymentID: 1}, time.Now())
	require.NoError(t, err)
	err = svc.Dispatch(ctx, *missing)
	assert.True(t, outbox.IsPermanent(err), "expected permanent error, got %v", err)

	ok, err := outbox.NewInvoiceEmail(ctx, testNode.Generate(), outbox.InvoiceEmailPayload{UserID: "u1", PaymentID: 2, Amount: 29900, Currency: "TRY"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, svc.Dispatch(ctx, *ok))
	assert.Len(t, provider.sent, 1)

	provider.err = errors.New("421 try again later")
	err = svc.Dispatch(ctx, *ok)
	require.Error(t, err)
	assert.False(t, outbox.IsPermanent(err))
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "299.00", formatMinor(29900))
	assert.Equal(t, "0.05", formatMinor(5))
	assert.Equal(t, "18", formatPercent(0.18))
	assert.Equal(t, "10", formatPercent(0.1))
	assert.Equal(t, "7.5", formatPercent(0.075))
	assert.Equal(t, "Gold", badgeLabel("GOLD"))
	assert.True(t, strings.HasPrefix(badgeLabel(""), "Coach"))
}
