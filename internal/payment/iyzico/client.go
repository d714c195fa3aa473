package iyzico

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	obsmetrics "github.com/smallbiznis/coachpay/internal/observability/metrics"
	"github.com/smallbiznis/coachpay/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/coachpay/internal/payment/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const maxResponseBytes = 1 << 20

type Config struct {
	BaseURL string
	Locale  string
	Timeout time.Duration

	HTTPClient *http.Client
	Log        *zap.Logger
	Metrics    *obsmetrics.Metrics
}

// Client is a minimal iyzico checkout-form client.
type Client struct {
	baseURL string
	locale  string
	http    *http.Client
	auth    Authorizer
	log     *zap.Logger
	metrics *obsmetrics.Metrics
	tracer  trace.Tracer
}

var _ paymentdomain.ProviderGateway = (*Client)(nil)

func NewClient(cfg Config, auth Authorizer) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("iyzico: base url is required")
	}
	if auth == nil {
		return nil, errors.New("iyzico: authorizer is required")
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	locale := strings.TrimSpace(cfg.Locale)
	if locale == "" {
		locale = "tr"
	}

	return &Client{
		baseURL: baseURL,
		locale:  locale,
		http:    client,
		auth:    auth,
		log:     log.Named("iyzico").With(zap.String("auth_scheme", auth.Scheme())),
		metrics: cfg.Metrics,
		tracer:  otel.Tracer("coachpay/iyzico"),
	}, nil
}

// RetrieveCheckoutForm asks iyzico for the outcome of a checkout form token.
// A provider-level failure is returned as a result, not an error.
func (c *Client) RetrieveCheckoutForm(ctx context.Context, token string, conversationID string) (paymentdomain.ProviderResult, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return paymentdomain.ProviderResult{}, paymentdomain.ErrInvalidToken
	}

	var resp checkoutFormResponse
	err := c.post(ctx, "retrieve_checkout_form", retrievePath, retrieveRequest{
		Locale:         c.locale,
		ConversationID: conversationID,
		Token:          token,
	}, &resp)
	if err != nil {
		return paymentdomain.ProviderResult{}, err
	}

	price, err := ParseAmount(resp.Price)
	if err != nil {
		return paymentdomain.ProviderResult{}, err
	}
	paidPrice, err := ParseAmount(resp.PaidPrice)
	if err != nil {
		return paymentdomain.ProviderResult{}, err
	}

	result := paymentdomain.ProviderResult{
		Status:         resp.Status,
		PaymentStatus:  resp.PaymentStatus,
		ErrorCode:      resp.ErrorCode,
		ErrorMessage:   resp.ErrorMessage,
		PaymentID:      resp.PaymentID,
		Price:          price,
		PaidPrice:      paidPrice,
		Currency:       strings.ToUpper(resp.Currency),
		BasketID:       resp.BasketID,
		ConversationID: resp.ConversationID,
		Token:          resp.Token,
	}
	if result.Token == "" {
		result.Token = token
	}
	return result, nil
}

// InitializeCheckoutForm creates a hosted checkout form for one badge item.
func (c *Client) InitializeCheckoutForm(ctx context.Context, req paymentdomain.CheckoutInit) (paymentdomain.CheckoutSession, error) {
	locale := req.Locale
	if locale == "" {
		locale = c.locale
	}
	price := FormatAmount(req.Amount)
	name, surname := splitName(req.Buyer.Name)

	body := initializeRequest{
		Locale:              locale,
		ConversationID:      req.ConversationID,
		Price:               price,
		PaidPrice:           price,
		Currency:            strings.ToUpper(req.Currency),
		BasketID:            req.BasketID,
		PaymentGroup:        "SUBSCRIPTION",
		CallbackURL:         req.CallbackURL,
		EnabledInstallments: []int{1},
		Buyer: buyer{
			ID:                  req.Buyer.ID,
			Name:                name,
			Surname:             surname,
			Email:               req.Buyer.Email,
			IdentityNumber:      "11111111111",
			RegistrationAddress: "N/A",
			City:                "Istanbul",
			Country:             "Turkey",
			IP:                  req.Buyer.IP,
		},
		BillingAddress: address{
			ContactName: strings.TrimSpace(name + " " + surname),
			City:        "Istanbul",
			Country:     "Turkey",
			Address:     "N/A",
		},
		BasketItems: []basketItem{{
			ID:        req.BasketID,
			Name:      req.ItemName,
			Category1: "Badge",
			ItemType:  "VIRTUAL",
			Price:     price,
		}},
	}

	var resp initializeResponse
	if err := c.post(ctx, "initialize_checkout_form", initializePath, body, &resp); err != nil {
		return paymentdomain.CheckoutSession{}, err
	}
	if !strings.EqualFold(resp.Status, "success") || resp.Token == "" {
		return paymentdomain.CheckoutSession{}, &paymentdomain.ProviderError{Code: resp.ErrorCode, Message: resp.ErrorMessage}
	}

	return paymentdomain.CheckoutSession{
		Token:          resp.Token,
		PaymentPageURL: resp.PaymentPageURL,
		TokenExpiresIn: resp.TokenExpireTime,
	}, nil
}

func (c *Client) post(ctx context.Context, endpoint string, path string, payload any, out any) (err error) {
	ctx, span := c.tracer.Start(ctx, "iyzico."+endpoint, trace.WithSpanKind(trace.SpanKindClient))
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "error"
			span.RecordError(tracing.SafeError(err))
			span.SetStatus(codes.Error, "iyzico request failed")
		}
		c.metrics.RecordProviderRequest(ctx, paymentdomain.ProviderIyzico, endpoint, outcome)
		span.End()
	}()
	span.SetAttributes(tracing.SafeAttributes(
		attribute.String("provider", paymentdomain.ProviderIyzico),
		attribute.String("endpoint", endpoint),
	)...)

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("iyzico: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("iyzico: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if err := c.auth.Authorize(req, path, body); err != nil {
		return fmt.Errorf("iyzico: authorize request: %w", err)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("iyzico: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("iyzico: read response: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	c.log.Debug("iyzico response",
		zap.String("endpoint", endpoint),
		zap.Int("status_code", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(raw)}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("iyzico: decode %s response: %w", endpoint, err)
	}
	return nil
}

func splitName(full string) (string, string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "Coach", "Member"
	case 1:
		return parts[0], parts[0]
	default:
		return strings.Join(parts[:len(parts)-1], " "), parts[len(parts)-1]
	}
}
