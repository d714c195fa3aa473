package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/coachpay/internal/clock"
	"github.com/smallbiznis/coachpay/internal/config"
	invoicedomain "github.com/smallbiznis/coachpay/internal/invoice/domain"
	obslogger "github.com/smallbiznis/coachpay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/coachpay/internal/observability/metrics"
	"github.com/smallbiznis/coachpay/internal/outbox"
	paymentdomain "github.com/smallbiznis/coachpay/internal/payment/domain"
	"github.com/smallbiznis/coachpay/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/coachpay/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	outcomeConfirmed        = "confirmed"
	outcomeAlreadyProcessed = "already_processed"
	outcomeProviderFailed   = "provider_failed"
	outcomeInProgress       = "in_progress"
	outcomeError            = "error"
)

const webhookPath = "/api/payments/iyzico/webhook"

var errAlreadyFinalized = errors.New("transaction already finalized")

type Params struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	GenID            *snowflake.Node
	Clock            clock.Clock
	Config           config.Config
	Pricing          *config.PricingConfigHolder
	Repo             paymentdomain.Repository
	Gateways         paymentdomain.Gateways
	SubscriptionRepo subscriptiondomain.Repository
	InvoiceSvc       invoicedomain.Service
	Outbox           outbox.Repository
	Limiter          *ratelimit.PaymentLimiter `optional:"true"`
	Metrics          *obsmetrics.Metrics       `optional:"true"`
}

type Service struct {
	db               *gorm.DB
	log              *zap.Logger
	genID            *snowflake.Node
	clock            clock.Clock
	pricing          *config.PricingConfigHolder
	repo             paymentdomain.Repository
	gateways         paymentdomain.Gateways
	subscriptionRepo subscriptiondomain.Repository
	invoiceSvc       invoicedomain.Service
	outbox           outbox.Repository
	limiter          *ratelimit.PaymentLimiter
	metrics          *obsmetrics.Metrics
	callbackURL      string
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:               p.DB,
		log:              p.Log.Named("payment.service"),
		genID:            p.GenID,
		clock:            p.Clock,
		pricing:          p.Pricing,
		repo:             p.Repo,
		gateways:         p.Gateways,
		subscriptionRepo: p.SubscriptionRepo,
		invoiceSvc:       p.InvoiceSvc,
		outbox:           p.Outbox,
		limiter:          p.Limiter,
		metrics:          p.Metrics,
		callbackURL:      providerReturnURL(p.Config),
	}
}

// providerReturnURL is where the hosted checkout form sends the buyer's
// browser once the payment is finished.
func providerReturnURL(cfg config.Config) string {
	base := cfg.Supabase.URL
	if base == "" {
		base = cfg.AppBaseURL
	}
	return strings.TrimRight(base, "/") + webhookPath
}

// Confirm verifies the checkout token with the provider and, on success,
// activates the subscription and records payment, invoice and invoice email
// in one database transaction. Repeated deliveries for the same token return
// the stored outcome.
func (s *Service) Confirm(ctx context.Context, req paymentdomain.ConfirmRequest) (*paymentdomain.ConfirmResult, error) {
	token := strings.TrimSpace(req.Token)
	userID := strings.TrimSpace(req.UserID)
	source := req.Source
	if source == "" {
		source = paymentdomain.SourceCallback
	}
	if token == "" {
		return nil, paymentdomain.ErrInvalidToken
	}
	if source == paymentdomain.SourceCallback && userID == "" {
		return nil, paymentdomain.ErrInvalidUser
	}

	gateway := s.gateways.For(source)
	if gateway == nil {
		return nil, paymentdomain.ErrProviderNotConfigured
	}

	log := obslogger.WithContext(ctx, s.log).With(
		zap.String("source", string(source)),
		zap.String("token", token),
		zap.String("user_id", userID),
	)

	owner, locked, err := s.limiter.TryLockToken(ctx, token)
	switch {
	case err != nil:
		log.Warn("confirmation lock unavailable, relying on status guard", zap.Error(err))
	case !locked:
		s.finish(ctx, req, source, token, userID, outcomeInProgress)
		return nil, paymentdomain.ErrConfirmationInProgress
	}
	if owner != "" {
		defer func() {
			if err := s.limiter.ReleaseToken(context.WithoutCancel(ctx), token, owner); err != nil {
				log.Warn("release confirmation lock failed", zap.Error(err))
			}
		}()
	}

	result, err := s.confirm(ctx, log, gateway, token, userID)

	var providerErr *paymentdomain.ProviderError
	switch {
	case err == nil && result.AlreadyProcessed:
		s.finish(ctx, req, source, token, result.Transaction.UserID, outcomeAlreadyProcessed)
	case err == nil:
		s.finish(ctx, req, source, token, result.Transaction.UserID, outcomeConfirmed)
	case errors.As(err, &providerErr):
		s.finish(ctx, req, source, token, userID, outcomeProviderFailed)
	default:
		s.finish(ctx, req, source, token, userID, outcomeError)
	}
	return result, err
}

func (s *Service) confirm(
	ctx context.Context,
	log *zap.Logger,
	gateway paymentdomain.ProviderGateway,
	token string,
	userID string,
) (*paymentdomain.ConfirmResult, error) {
	txn, err := s.repo.FindTransactionByToken(ctx, s.db, token)
	if err != nil {
		return nil, err
	}
	if txn == nil && userID == "" {
		return nil, paymentdomain.ErrTransactionNotFound
	}

	conversationID := ""
	if txn != nil {
		if userID != "" && txn.UserID != userID {
			log.Warn("confirmation user does not own transaction", zap.String("owner_id", txn.UserID))
			return nil, paymentdomain.ErrUserMismatch
		}
		switch txn.Status {
		case paymentdomain.TransactionStatusSuccess:
			return s.storedResult(ctx, txn)
		case paymentdomain.TransactionStatusFailed:
			return nil, &paymentdomain.ProviderError{Code: txn.ErrorCode, Message: txn.ErrorMessage}
		}
		conversationID = txn.ConversationID
	}

	res, err := gateway.RetrieveCheckoutForm(ctx, token, conversationID)
	if err != nil {
		return nil, err
	}

	if !res.Succeeded() {
		code, message := res.ErrorCode, res.ErrorMessage
		if code == "" && message == "" {
			message = fmt.Sprintf("payment status %s", res.PaymentStatus)
		}
		// Tokens unknown before verification leave nothing behind on failure.
		if txn == nil {
			log.Info("unrecorded payment rejected by provider",
				zap.String("error_code", code),
				zap.String("error_message", message),
			)
			return nil, &paymentdomain.ProviderError{Code: code, Message: message}
		}
		updated, err := s.repo.MarkFailed(ctx, s.db, token, code, message, s.clock.Now())
		if err != nil {
			return nil, err
		}
		if !updated {
			return s.finalizedOutcome(ctx, token)
		}
		log.Info("payment rejected by provider",
			zap.String("error_code", code),
			zap.String("error_message", message),
		)
		return nil, &paymentdomain.ProviderError{Code: code, Message: message}
	}

	if txn == nil {
		if txn, err = s.recordTransaction(ctx, token, userID); err != nil {
			return nil, err
		}
		if txn.UserID != userID {
			log.Warn("confirmation user does not own transaction", zap.String("owner_id", txn.UserID))
			return nil, paymentdomain.ErrUserMismatch
		}
	}

	result, err := s.activate(ctx, txn, res)
	if errors.Is(err, errAlreadyFinalized) {
		return s.finalizedOutcome(ctx, token)
	}
	if err != nil {
		log.Error("payment activation failed", zap.Error(err))
		return nil, err
	}

	log.Info("payment confirmed",
		zap.String("badge_type", result.Subscription.BadgeType),
		zap.Int64("amount", result.Payment.Amount),
		zap.String("payment_id", result.Payment.ID.String()),
		zap.String("invoice_number", result.Invoice.InvoiceNumber),
	)
	return result, nil
}

// recordTransaction stores a pending transaction for a verified token that
// checkout never recorded. A concurrent delivery may have stored it first.
func (s *Service) recordTransaction(ctx context.Context, token, userID string) (*paymentdomain.Transaction, error) {
	now := s.clock.Now()
	created := &paymentdomain.Transaction{
		ID:            s.genID.Generate(),
		Provider:      paymentdomain.ProviderIyzico,
		ProviderToken: token,
		UserID:        userID,
		Status:        paymentdomain.TransactionStatusPending,
		Currency:      s.pricing.Get().Currency,
		Metadata:      datatypes.JSONMap{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := s.repo.InsertTransaction(ctx, s.db, created); err != nil {
		return nil, err
	}

	txn, err := s.repo.FindTransactionByToken(ctx, s.db, token)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, paymentdomain.ErrTransactionNotFound
	}
	return txn, nil
}

func (s *Service) activate(ctx context.Context, txn *paymentdomain.Transaction, res paymentdomain.ProviderResult) (*paymentdomain.ConfirmResult, error) {
	amount := res.ChargedAmount()
	currency := strings.ToUpper(strings.TrimSpace(res.Currency))
	if currency == "" {
		currency = txn.Currency
	}

	tier, ok := s.resolveTier(txn, res)
	if !ok {
		return nil, paymentdomain.ErrUnresolvedBadgeType
	}

	var out paymentdomain.ConfirmResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()

		updated, err := s.repo.MarkSucceeded(ctx, tx, txn.ProviderToken, res.PaymentID, amount, currency, now)
		if err != nil {
			return err
		}
		if !updated {
			return errAlreadyFinalized
		}

		sub := subscriptiondomain.Subscription{
			ID:        s.genID.Generate(),
			UserID:    txn.UserID,
			BadgeType: tier.Code,
			Status:    subscriptiondomain.SubscriptionStatusActive,
			Price:     amount,
			Currency:  currency,
			StartDate: now,
			EndDate:   subscriptiondomain.TermEnd(now),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.subscriptionRepo.Upsert(ctx, tx, &sub); err != nil {
			return err
		}
		stored, err := s.subscriptionRepo.FindByUserID(ctx, tx, txn.UserID)
		if err != nil {
			return err
		}
		if stored == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}

		payment := paymentdomain.Payment{
			ID:                s.genID.Generate(),
			UserID:            txn.UserID,
			SubscriptionID:    &stored.ID,
			TransactionID:     txn.ProviderToken,
			ProviderPaymentID: res.PaymentID,
			Amount:            amount,
			Currency:          currency,
			Method:            paymentdomain.PaymentMethodCreditCard,
			Status:            paymentdomain.PaymentStatusCompleted,
			PaidAt:            now,
			CreatedAt:         now,
		}
		if _, err := s.repo.InsertPayment(ctx, tx, &payment); err != nil {
			return err
		}
		storedPayment, err := s.repo.FindPaymentByTransactionID(ctx, tx, txn.ProviderToken)
		if err != nil {
			return err
		}
		if storedPayment == nil {
			return paymentdomain.ErrTransactionNotFound
		}

		inv, err := s.invoiceSvc.Issue(ctx, tx, invoicedomain.IssueRequest{
			PaymentID: storedPayment.ID,
			UserID:    txn.UserID,
			Amount:    amount,
			Currency:  currency,
			IssuedAt:  now,
		})
		if err != nil {
			return err
		}

		msg, err := outbox.NewInvoiceEmail(ctx, s.genID.Generate(), outbox.InvoiceEmailPayload{
			UserID:    txn.UserID,
			PaymentID: storedPayment.ID,
			InvoiceID: inv.ID,
			BadgeType: tier.Code,
			Amount:    amount,
			Currency:  currency,
		}, now)
		if err != nil {
			return err
		}
		if _, err := s.outbox.Enqueue(ctx, tx, msg); err != nil {
			return err
		}

		finalTxn, err := s.repo.FindTransactionByToken(ctx, tx, txn.ProviderToken)
		if err != nil {
			return err
		}
		if finalTxn == nil {
			return paymentdomain.ErrTransactionNotFound
		}

		out = paymentdomain.ConfirmResult{
			Transaction:  *finalTxn,
			Subscription: *stored,
			Payment:      *storedPayment,
			Invoice:      *inv,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// resolveTier prefers the tier recorded at checkout, then the basket id the
// provider echoes back, then the catalog entry priced at the charged amount.
func (s *Service) resolveTier(txn *paymentdomain.Transaction, res paymentdomain.ProviderResult) (config.BadgeTier, bool) {
	pricing := s.pricing.Get()
	if tier, ok := pricing.Lookup(txn.BadgeType()); ok {
		return tier, true
	}
	if tier, ok := pricing.Lookup(res.BasketID); ok {
		return tier, true
	}
	return pricing.ByAmount(res.ChargedAmount())
}

// finalizedOutcome reports what another delivery stored for token after this
// one lost the pending-to-terminal race.
func (s *Service) finalizedOutcome(ctx context.Context, token string) (*paymentdomain.ConfirmResult, error) {
	txn, err := s.repo.FindTransactionByToken(ctx, s.db, token)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, paymentdomain.ErrTransactionNotFound
	}
	switch txn.Status {
	case paymentdomain.TransactionStatusSuccess:
		return s.storedResult(ctx, txn)
	case paymentdomain.TransactionStatusFailed:
		return nil, &paymentdomain.ProviderError{Code: txn.ErrorCode, Message: txn.ErrorMessage}
	default:
		return nil, paymentdomain.ErrConfirmationInProgress
	}
}

func (s *Service) storedResult(ctx context.Context, txn *paymentdomain.Transaction) (*paymentdomain.ConfirmResult, error) {
	payment, err := s.repo.FindPaymentByTransactionID(ctx, s.db, txn.ProviderToken)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, paymentdomain.ErrTransactionNotFound
	}
	sub, err := s.subscriptionRepo.FindByUserID(ctx, s.db, txn.UserID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	inv, err := s.invoiceSvc.GetByPaymentID(ctx, payment.ID)
	if err != nil {
		return nil, err
	}

	return &paymentdomain.ConfirmResult{
		Transaction:      *txn,
		Subscription:     *sub,
		Payment:          *payment,
		Invoice:          *inv,
		AlreadyProcessed: true,
	}, nil
}

func (s *Service) finish(ctx context.Context, req paymentdomain.ConfirmRequest, source paymentdomain.Source, token, userID, outcome string) {
	s.metrics.RecordConfirmation(ctx, string(source), outcome)

	entry := &paymentdomain.CallbackLog{
		ID:         s.genID.Generate(),
		Source:     source,
		Token:      token,
		UserID:     userID,
		Outcome:    outcome,
		Payload:    callbackPayload(req.Raw),
		ReceivedAt: s.clock.Now(),
	}
	if err := s.repo.InsertCallbackLog(context.WithoutCancel(ctx), s.db, entry); err != nil {
		obslogger.WithContext(ctx, s.log).Warn("write callback log failed",
			zap.String("source", string(source)),
			zap.String("token", token),
			zap.Error(err),
		)
	}
}

func callbackPayload(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return datatypes.JSON(`{}`)
	}
	if json.Valid(raw) {
		return datatypes.JSON(raw)
	}
	wrapped, err := json.Marshal(map[string]string{"body": string(raw)})
	if err != nil {
		return datatypes.JSON(`{}`)
	}
	return datatypes.JSON(wrapped)
}

// Initiate creates a hosted checkout form for the requested badge and records
// the pending transaction the confirmation paths will finalize.
func (s *Service) Initiate(ctx context.Context, req paymentdomain.InitiateRequest) (*paymentdomain.InitiateResult, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, paymentdomain.ErrInvalidUser
	}
	pricing := s.pricing.Get()
	tier, ok := pricing.Lookup(req.BadgeType)
	if !ok {
		return nil, paymentdomain.ErrInvalidBadgeType
	}
	gateway := s.gateways.For(paymentdomain.SourceCheckout)
	if gateway == nil {
		return nil, paymentdomain.ErrProviderNotConfigured
	}

	conversationID := uuid.NewString()
	session, err := gateway.InitializeCheckoutForm(ctx, paymentdomain.CheckoutInit{
		ConversationID: conversationID,
		Locale:         strings.TrimSpace(req.Locale),
		Amount:         tier.Amount,
		Currency:       pricing.Currency,
		BasketID:       tier.Code,
		ItemName:       fmt.Sprintf("%s badge (1 year)", tier.Code),
		CallbackURL:    s.callbackURL,
		Buyer: paymentdomain.Buyer{
			ID:    userID,
			Email: strings.TrimSpace(req.Email),
			IP:    strings.TrimSpace(req.BuyerIP),
		},
	})
	if err != nil {
		s.metrics.RecordConfirmation(ctx, string(paymentdomain.SourceCheckout), outcomeError)
		return nil, err
	}

	now := s.clock.Now()
	txn := &paymentdomain.Transaction{
		ID:             s.genID.Generate(),
		Provider:       paymentdomain.ProviderIyzico,
		ProviderToken:  session.Token,
		ConversationID: conversationID,
		UserID:         userID,
		Status:         paymentdomain.TransactionStatusPending,
		Amount:         tier.Amount,
		Currency:       pricing.Currency,
		Metadata: datatypes.JSONMap{
			paymentdomain.MetadataBadgeType: tier.Code,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	inserted, err := s.repo.InsertTransaction(ctx, s.db, txn)
	if err != nil {
		return nil, err
	}
	if !inserted {
		existing, err := s.repo.FindTransactionByToken(ctx, s.db, session.Token)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, paymentdomain.ErrTransactionNotFound
		}
		txn = existing
	}

	obslogger.WithContext(ctx, s.log).Info("checkout initiated",
		zap.String("user_id", userID),
		zap.String("badge_type", tier.Code),
		zap.String("token", session.Token),
		zap.String("conversation_id", conversationID),
	)

	return &paymentdomain.InitiateResult{
		Token:          session.Token,
		PaymentPageURL: session.PaymentPageURL,
		TransactionID:  txn.ID,
		BadgeType:      tier.Code,
		Amount:         tier.Amount,
		Currency:       pricing.Currency,
	}, nil
}

// Status reports the polling view of a checkout token.
func (s *Service) Status(ctx context.Context, token string) (*paymentdomain.StatusView, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, paymentdomain.ErrInvalidToken
	}
	txn, err := s.repo.FindTransactionByToken(ctx, s.db, token)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, paymentdomain.ErrTransactionNotFound
	}

	view := &paymentdomain.StatusView{
		Token:     txn.ProviderToken,
		Status:    paymentdomain.PollStatusPending,
		BadgeType: txn.BadgeType(),
		Amount:    txn.Amount,
		Currency:  txn.Currency,
	}
	switch txn.Status {
	case paymentdomain.TransactionStatusSuccess:
		view.Status = paymentdomain.PollStatusCompleted
		if view.BadgeType == "" {
			if sub, err := s.subscriptionRepo.FindByUserID(ctx, s.db, txn.UserID); err == nil && sub != nil {
				view.BadgeType = sub.BadgeType
			}
		}
	case paymentdomain.TransactionStatusFailed:
		view.Status = paymentdomain.PollStatusFailed
		view.ErrorCode = txn.ErrorCode
	}
	return view, nil
}

var _ paymentdomain.Service = (*Service)(nil)
