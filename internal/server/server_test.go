package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/coachpay/internal/clock"
	"github.com/smallbiznis/coachpay/internal/config"
	invoicerepo "github.com/smallbiznis/coachpay/internal/invoice/repository"
	invoiceservice "github.com/smallbiznis/coachpay/internal/invoice/service"
	"github.com/smallbiznis/coachpay/internal/migration"
	"github.com/smallbiznis/coachpay/internal/notification"
	"github.com/smallbiznis/coachpay/internal/outbox"
	paymentdomain "github.com/smallbiznis/coachpay/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/coachpay/internal/payment/repository"
	paymentservice "github.com/smallbiznis/coachpay/internal/payment/service"
	"github.com/smallbiznis/coachpay/internal/providers/email"
	"github.com/smallbiznis/coachpay/internal/seed"
	subscriptiondomain "github.com/smallbiznis/coachpay/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/coachpay/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/coachpay/internal/subscription/service"
	"github.com/smallbiznis/coachpay/internal/tax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNode, _ = snowflake.NewNode(17)

const serviceRoleKey = "service-role-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type stubPaymentService struct {
	mu       sync.Mutex
	confirms []paymentdomain.ConfirmRequest
	result   *paymentdomain.ConfirmResult
	err      error
	status   *paymentdomain.StatusView
}

func (s *stubPaymentService) Confirm(ctx context.Context, req paymentdomain.ConfirmRequest) (*paymentdomain.ConfirmResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirms = append(s.confirms, req)
	return s.result, s.err
}

func (s *stubPaymentService) Initiate(ctx context.Context, req paymentdomain.InitiateRequest) (*paymentdomain.InitiateResult, error) {
	if req.BadgeType != "gold" {
		return nil, paymentdomain.ErrInvalidBadgeType
	}
	return &paymentdomain.InitiateResult{
		Token:          "tok_new",
		PaymentPageURL: "https://sandbox.iyzipay.com/pay/tok_new",
		TransactionID:  1,
		BadgeType:      "gold",
		Amount:         29900,
		Currency:       "TRY",
	}, nil
}

func (s *stubPaymentService) Status(ctx context.Context, token string) (*paymentdomain.StatusView, error) {
	if s.status == nil {
		return nil, paymentdomain.ErrTransactionNotFound
	}
	return s.status, nil
}

func (s *stubPaymentService) requests() []paymentdomain.ConfirmRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]paymentdomain.ConfirmRequest(nil), s.confirms...)
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

func newTestServer(t *testing.T, p ServerParams) *Server {
	t.Helper()
	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())
	p.Gin = engine
	if p.Log == nil {
		p.Log = zap.NewNop()
	}
	if p.Cfg.AppBaseURL == "" {
		p.Cfg.AppBaseURL = "https://coachpay.example"
	}
	p.Cfg.Supabase.ServiceRoleKey = serviceRoleKey
	srv := NewServer(p)
	srv.RegisterPaymentRoutes()
	srv.RegisterInternalRoutes()
	srv.RegisterAdminRoutes()
	return srv
}

func doRequest(srv *Server, method, target, contentType, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestCallbackRejectsMalformedJSON(t *testing.T) {
	stub := &stubPaymentService{}
	srv := newTestServer(t, ServerParams{PaymentSvc: stub})

	rec := doRequest(srv, http.MethodPost, "/api/payments/iyzico/callback", "application/json", `{"token":`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "invalid request", body["error"])
	assert.Equal(t, "malformed JSON body", body["details"])
	assert.Empty(t, stub.requests())
}

func TestCallbackMissingFieldsIsBadRequest(t *testing.T) {
	stub := &stubPaymentService{err: paymentdomain.ErrInvalidUser}
	srv := newTestServer(t, ServerParams{PaymentSvc: stub})

	rec := doRequest(srv, http.MethodPost, "/api/payments/iyzico/callback", "application/json", `{"token":"tok_1"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "userId is required", decode(t, rec)["details"])
}

func TestCallbackRelaysProviderFailure(t *testing.T) {
	stub := &stubPaymentService{err: &paymentdomain.ProviderError{Code: "5056", Message: "Card is expired"}}
	srv := newTestServer(t, ServerParams{PaymentSvc: stub})

	rec := doRequest(srv, http.MethodPost, "/api/payments/iyzico/callback", "application/json", `{"token":"tok_1","userId":"u1"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "5056", body["errorCode"])
	assert.Equal(t, "Card is expired", body["details"])
	assert.Equal(t, false, body["success"])
}

func TestCallbackHidesUnexpectedErrors(t *testing.T) {
	stub := &stubPaymentService{err: fmt.Errorf("dial tcp: connection refused")}
	srv := newTestServer(t, ServerParams{PaymentSvc: stub})

	rec := doRequest(srv, http.MethodGet, "/api/payments/iyzico/callback?token=tok_1&userId=u1", "", "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
	reqs := stub.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "tok_1", reqs[0].Token)
	assert.Equal(t, "u1", reqs[0].UserID)
	assert.Equal(t, paymentdomain.SourceCallback, reqs[0].Source)
}

func TestCallbackAcceptsFormFields(t *testing.T) {
	stub := &stubPaymentService{err: paymentdomain.ErrProviderNotConfigured}
	srv := newTestServer(t, ServerParams{PaymentSvc: stub})

	form := url.Values{"token": {"tok_form"}, "userId": {"u9"}}
	rec := doRequest(srv, http.MethodPost, "/api/payments/iyzico/callback", "application/x-www-form-urlencoded", form.Encode())

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	reqs := stub.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "tok_form", reqs[0].Token)
	assert.Equal(t, "u9", reqs[0].UserID)
}

func TestWebhookRendersPageAndConfirmsInBackground(t *testing.T) {
	stub := &stubPaymentService{err: paymentdomain.ErrTransactionNotFound}
	srv := newTestServer(t, ServerParams{PaymentSvc: stub})

	rec := doRequest(srv, http.MethodPost, "/api/payments/iyzico/webhook", "application/x-www-form-urlencoded", "token=tok_hook")
	srv.background.Wait()

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Payment received")
	assert.Contains(t, rec.Body.String(), "https://coachpay.example/dashboard?payment=success")
	reqs := stub.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "tok_hook", reqs[0].Token)
	assert.Equal(t, paymentdomain.SourceWebhook, reqs[0].Source)
}

func TestWebhookWithoutTokenRendersErrorPage(t *testing.T) {
	stub := &stubPaymentService{}
	srv := newTestServer(t, ServerParams{PaymentSvc: stub})

	rec := doRequest(srv, http.MethodGet, "/api/payments/iyzico/webhook", "", "")
	srv.background.Wait()

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Payment could not be confirmed")
	assert.Empty(t, stub.requests())
}

func TestCheckoutValidatesBody(t *testing.T) {
	srv := newTestServer(t, ServerParams{PaymentSvc: &stubPaymentService{}})

	rec := doRequest(srv, http.MethodPost, "/api/payments/checkout", "application/json", `{"userId":"u1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(srv, http.MethodPost, "/api/payments/checkout", "application/json", `{"userId":"u1","badgeType":"silver"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unknown badge type", decode(t, rec)["details"])

	rec = doRequest(srv, http.MethodPost, "/api/payments/checkout", "application/json", `{"userId":"u1","badgeType":"gold"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "tok_new", body["token"])
	assert.Equal(t, "https://sandbox.iyzipay.com/pay/tok_new", body["paymentPageUrl"])
}

func TestTransactionStatus(t *testing.T) {
	stub := &stubPaymentService{}
	srv := newTestServer(t, ServerParams{PaymentSvc: stub})

	rec := doRequest(srv, http.MethodGet, "/api/payments/transactions/tok_x/status", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	stub.status = &paymentdomain.StatusView{Token: "tok_x", Status: paymentdomain.PollStatusCompleted, BadgeType: "gold"}
	rec = doRequest(srv, http.MethodGet, "/api/payments/transactions/tok_x/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "gold", body["badgeType"])
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestAdminRoutesRequireServiceRole(t *testing.T) {
	db := setupTestDB(t)
	subs := subscriptionservice.NewService(subscriptionservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clock.NewFakeClock(time.Date(2024, 3, 7, 10, 0, 0, 0, time.UTC)),
		Repo:  subscriptionrepo.Provide(),
	})
	srv := newTestServer(t, ServerParams{DB: db, SubscriptionSvc: subs})

	rec := doRequest(srv, http.MethodGet, "/admin/subscriptions/u1", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(srv, http.MethodGet, "/admin/subscriptions/u1", "", "", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(srv, http.MethodGet, "/admin/subscriptions/u1", "", "", "Authorization", "Bearer "+serviceRoleKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminDrainWithoutSchedulerIsUnavailable(t *testing.T) {
	srv := newTestServer(t, ServerParams{})

	rec := doRequest(srv, http.MethodPost, "/admin/outbox/drain", "", "", "Authorization", "Bearer "+serviceRoleKey)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type scriptedGateway struct {
	mu     sync.Mutex
	result paymentdomain.ProviderResult
	calls  int
}

func (g *scriptedGateway) RetrieveCheckoutForm(ctx context.Context, token string, conversationID string) (paymentdomain.ProviderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	res := g.result
	res.Token = token
	return res, nil
}

func (g *scriptedGateway) InitializeCheckoutForm(ctx context.Context, req paymentdomain.CheckoutInit) (paymentdomain.CheckoutSession, error) {
	return paymentdomain.CheckoutSession{}, nil
}

func newPaymentStack(t *testing.T, result paymentdomain.ProviderResult) (*gorm.DB, *Server, *scriptedGateway) {
	t.Helper()

	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 3, 7, 10, 0, 0, 0, time.UTC))
	pricing := config.NewStaticPricingHolder(config.DefaultPricingConfig())
	gateway := &scriptedGateway{result: result}
	subRepo := subscriptionrepo.Provide()
	invoiceSvc := invoiceservice.NewService(invoiceservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: testNode,
		Clock: clk,
		Repo:  invoicerepo.Provide(),
		Tax:   tax.NewResolver(pricing),
	})
	paymentSvc := paymentservice.NewService(paymentservice.Params{
		DB:               db,
		Log:              zap.NewNop(),
		GenID:            testNode,
		Clock:            clk,
		Config:           config.Config{AppBaseURL: "https://coachpay.example"},
		Pricing:          pricing,
		Repo:             paymentrepo.Provide(),
		Gateways:         paymentdomain.Gateways{Callback: gateway, Webhook: gateway},
		SubscriptionRepo: subRepo,
		InvoiceSvc:       invoiceSvc,
		Outbox:           outbox.NewRepository(),
	})
	srv := newTestServer(t, ServerParams{DB: db, PaymentSvc: paymentSvc})
	return db, srv, gateway
}

func countRows(t *testing.T, db *gorm.DB, table string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Raw("SELECT COUNT(*) FROM "+table).Scan(&n).Error)
	return n
}

func TestCallbackThenWebhookActivatesOnce(t *testing.T) {
	db, srv, gateway := newPaymentStack(t, paymentdomain.ProviderResult{
		Status:        "success",
		PaymentStatus: "SUCCESS",
		PaymentID:     "pay_1",
		Price:         29900,
		PaidPrice:     29900,
		Currency:      "TRY",
	})

	rec := doRequest(srv, http.MethodPost, "/api/payments/iyzico/callback", "application/json", `{"token":"tok_abc123","userId":"u1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, false, body["alreadyProcessed"])
	sub := body["subscription"].(map[string]any)
	assert.Equal(t, "gold", sub["badgeType"])
	assert.Equal(t, string(subscriptiondomain.SubscriptionStatusActive), sub["status"])
	invoice := body["invoice"].(map[string]any)
	assert.EqualValues(t, 5382, invoice["taxAmount"])
	assert.EqualValues(t, 35282, invoice["totalAmount"])

	rec = doRequest(srv, http.MethodGet, "/api/payments/iyzico/webhook?token=tok_abc123", "", "")
	srv.background.Wait()
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(srv, http.MethodPost, "/api/payments/iyzico/callback", "application/json", `{"token":"tok_abc123","userId":"u1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["alreadyProcessed"])

	assert.EqualValues(t, 1, countRows(t, db, "payments"))
	assert.EqualValues(t, 1, countRows(t, db, "invoices"))
	assert.EqualValues(t, 1, countRows(t, db, "notification_outbox"))
	assert.EqualValues(t, 1, countRows(t, db, "subscriptions"))
	assert.Equal(t, 1, gateway.calls)

	rec = doRequest(srv, http.MethodGet, "/api/payments/transactions/tok_abc123/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", decode(t, rec)["status"])
}

func TestCallbackProviderFailureWritesNoRows(t *testing.T) {
	db, srv, _ := newPaymentStack(t, paymentdomain.ProviderResult{
		Status:       "failure",
		ErrorCode:    "5056",
		ErrorMessage: "Card is expired",
	})

	rec := doRequest(srv, http.MethodPost, "/api/payments/iyzico/callback", "application/json", `{"token":"tok_fail","userId":"u1"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "5056", decode(t, rec)["errorCode"])
	assert.EqualValues(t, 0, countRows(t, db, "payments"))
	assert.EqualValues(t, 0, countRows(t, db, "subscriptions"))
	assert.EqualValues(t, 0, countRows(t, db, "invoices"))
	assert.EqualValues(t, 0, countRows(t, db, "payment_transactions"))

	rec = doRequest(srv, http.MethodGet, "/api/payments/transactions/tok_fail/status", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBackgroundRunnerStopRejectsNewWork(t *testing.T) {
	runner := NewBackgroundRunner(zap.NewNop(), 1, time.Second)
	done := make(chan struct{})
	require.True(t, runner.Go(context.Background(), "first", func(ctx context.Context) error {
		close(done)
		return nil
	}))
	<-done

	require.NoError(t, runner.Stop(context.Background()))
	assert.False(t, runner.Go(context.Background(), "late", func(ctx context.Context) error { return nil }))
}

func TestBackgroundRunnerDetachesFromCaller(t *testing.T) {
	runner := NewBackgroundRunner(zap.NewNop(), 1, time.Second)
	parent, cancel := context.WithCancel(context.Background())
	cancel()

	var seen error
	runner.Go(parent, "detached", func(ctx context.Context) error {
		seen = ctx.Err()
		return nil
	})
	runner.Wait()
	assert.NoError(t, seen)
}

type recordingProvider struct {
	mu     sync.Mutex
	sent   [][]string
	bodies []string
}

func (p *recordingProvider) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, to)
	p.bodies = append(p.bodies, htmlBody)
	return nil
}

func newNotificationServer(t *testing.T, provider email.Provider) (*gorm.DB, *Server) {
	t.Helper()

	db := setupTestDB(t)
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
	svc := notification.NewService(notification.Params{
		DB:               db,
		Log:              zap.NewNop(),
		Clock:            clk,
		Config:           config.Config{AppBaseURL: "https://coachpay.example"},
		Email:            provider,
		Users:            notification.NewUserRepository(),
		SubscriptionRepo: subscriptionrepo.Provide(),
		InvoiceSvc:       invoiceSvc,
		Tax:              resolver,
	})
	return db, newTestServer(t, ServerParams{DB: db, NotificationSvc: svc})
}

func TestInvoiceEmailEndpoint(t *testing.T) {
	provider := &recordingProvider{}
	db, srv := newNotificationServer(t, provider)
	require.NoError(t, seed.EnsureUser(context.Background(), db, "u1", "coach@example.com", "Ayse Coach"))
	auth := []string{"Authorization", "Bearer " + serviceRoleKey}

	rec := doRequest(srv, http.MethodPost, "/internal/notifications/invoice-email", "application/json", `{"userId":"u1","amount":299.0,"currency":"TRY","badgeType":"gold"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(srv, http.MethodPost, "/internal/notifications/invoice-email", "application/json", `{"amount":29900}`, auth...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(srv, http.MethodPost, "/internal/notifications/invoice-email", "application/json", `{"userId":"u1","currency":"T1Y"}`, auth...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(srv, http.MethodPost, "/internal/notifications/invoice-email", "application/json", `{"userId":"ghost"}`, auth...)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, false, decode(t, rec)["success"])

	rec = doRequest(srv, http.MethodPost, "/internal/notifications/invoice-email", "application/json", `{"userId":"u1","amount":-5}`, auth...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(srv, http.MethodPost, "/internal/notifications/invoice-email", "application/json", `{"userId":"u1","amount":299.0,"currency":"TRY","badgeType":"gold"}`, auth...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "coach@example.com", body["recipient"])
	require.Len(t, provider.sent, 1)
	assert.Equal(t, []string{"coach@example.com"}, provider.sent[0])
	assert.Contains(t, provider.bodies[0], "299.00 TRY")
	assert.Contains(t, provider.bodies[0], "352.82 TRY")

	rec = doRequest(srv, http.MethodPost, "/internal/notifications/invoice-email", "application/json", `{"userId":"u1","amount":352.82,"currency":"TRY"}`, auth...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, provider.bodies, 2)
	assert.Contains(t, provider.bodies[1], "352.82 TRY")
}

func TestInvoiceEmailEndpointReportsMissingSMTP(t *testing.T) {
	db, srv := newNotificationServer(t, &email.DisabledProvider{})
	require.NoError(t, seed.EnsureUser(context.Background(), db, "u1", "coach@example.com", "Ayse Coach"))

	rec := doRequest(srv, http.MethodPost, "/internal/notifications/invoice-email", "application/json", `{"userId":"u1"}`, "Authorization", "Bearer "+serviceRoleKey)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "email delivery is not configured", body["message"])
}
