package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obslogger "github.com/smallbiznis/coachpay/internal/observability/logger"
	paymentdomain "github.com/smallbiznis/coachpay/internal/payment/domain"
	"go.uber.org/zap"
)

//go:embed templates/*.html
var pageFS embed.FS

var pages = template.Must(template.ParseFS(pageFS, "templates/*.html"))

const maxCallbackBody = 64 << 10

type checkoutRequest struct {
	UserID    string `json:"userId" binding:"required"`
	BadgeType string `json:"badgeType" binding:"required"`
	Locale    string `json:"locale"`
	Email     string `json:"email" binding:"omitempty,email"`
}

type confirmationResponse struct {
	Success          bool             `json:"success"`
	Message          string           `json:"message"`
	AlreadyProcessed bool             `json:"alreadyProcessed"`
	Subscription     subscriptionView `json:"subscription"`
	Payment          paymentView      `json:"payment"`
	Invoice          *invoiceView     `json:"invoice,omitempty"`
}

type paymentView struct {
	ID            string `json:"id"`
	TransactionID string `json:"transactionId"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Method        string `json:"method"`
	Status        string `json:"status"`
	PaidAt        string `json:"paidAt"`
}

type invoiceView struct {
	ID            string  `json:"id"`
	InvoiceNumber string  `json:"invoiceNumber"`
	Amount        int64   `json:"amount"`
	TaxRate       float64 `json:"taxRate"`
	TaxAmount     int64   `json:"taxAmount"`
	TotalAmount   int64   `json:"totalAmount"`
	Currency      string  `json:"currency"`
}

type webhookPage struct {
	Message     string
	RedirectURL string
}

func (s *Server) registerPaymentRoutes() {
	payments := s.engine.Group("/api/payments")

	payments.POST("/checkout", s.CreateCheckout)
	payments.Any("/iyzico/callback", s.HandleIyzicoCallback)
	payments.GET("/iyzico/webhook", s.HandleIyzicoWebhook)
	payments.POST("/iyzico/webhook", s.HandleIyzicoWebhook)
	payments.GET("/transactions/:token/status", s.StatusPollRateLimit(), s.GetTransactionStatus)
}

func (s *Server) CreateCheckout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortPaymentError(c, invalidRequestError())
		return
	}

	result, err := s.paymentSvc.Initiate(c.Request.Context(), paymentdomain.InitiateRequest{
		UserID:    strings.TrimSpace(req.UserID),
		BadgeType: strings.TrimSpace(req.BadgeType),
		Locale:    strings.TrimSpace(req.Locale),
		Email:     strings.TrimSpace(req.Email),
		BuyerIP:   c.ClientIP(),
	})
	if err != nil {
		abortPaymentError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// HandleIyzicoCallback confirms a checkout on the redirect path. The token and
// user arrive as JSON, form fields or query parameters.
func (s *Server) HandleIyzicoCallback(c *gin.Context) {
	raw, err := readBody(c)
	if err != nil {
		abortPaymentError(c, invalidRequestError())
		return
	}

	token, userID, err := callbackParams(c, raw)
	if err != nil {
		abortPaymentError(c, newValidationError("body", "malformed_json", "malformed JSON body"))
		return
	}

	result, err := s.paymentSvc.Confirm(c.Request.Context(), paymentdomain.ConfirmRequest{
		Token:  token,
		UserID: userID,
		Source: paymentdomain.SourceCallback,
		Raw:    raw,
	})
	if err != nil {
		abortPaymentError(c, err)
		return
	}

	c.JSON(http.StatusOK, newConfirmationResponse(result))
}

// HandleIyzicoWebhook always answers with a page so the provider does not
// retry, then confirms the token in the background.
func (s *Server) HandleIyzicoWebhook(c *gin.Context) {
	raw, _ := readBody(c)
	token := webhookToken(c, raw)
	if token == "" {
		s.renderPage(c, "payment_error.html", webhookPage{
			Message:     "The payment token is missing.",
			RedirectURL: s.dashboardURL(""),
		})
		return
	}

	req := paymentdomain.ConfirmRequest{
		Token:  token,
		Source: paymentdomain.SourceWebhook,
		Raw:    raw,
	}
	scheduled := s.background.Go(c.Request.Context(), "iyzico_webhook", func(ctx context.Context) error {
		return s.confirmWebhook(ctx, req)
	})
	if !scheduled {
		obslogger.WithContext(c.Request.Context(), s.log).Warn("webhook confirmation not scheduled, server stopping",
			zap.String("token", token),
		)
	}

	s.renderPage(c, "payment_received.html", webhookPage{
		RedirectURL: s.dashboardURL("success"),
	})
}

func (s *Server) confirmWebhook(ctx context.Context, req paymentdomain.ConfirmRequest) error {
	log := obslogger.WithContext(ctx, s.log).With(zap.String("token", req.Token))

	result, err := s.paymentSvc.Confirm(ctx, req)
	var providerErr *paymentdomain.ProviderError
	switch {
	case err == nil:
		log.Info("webhook confirmation finished",
			zap.String("user_id", result.Transaction.UserID),
			zap.Bool("already_processed", result.AlreadyProcessed),
		)
		return nil
	case errors.As(err, &providerErr):
		log.Info("webhook confirmation rejected by provider",
			zap.String("error_code", providerErr.Code),
		)
		return nil
	case errors.Is(err, paymentdomain.ErrTransactionNotFound),
		errors.Is(err, paymentdomain.ErrConfirmationInProgress):
		log.Warn("webhook confirmation skipped", zap.Error(err))
		return nil
	default:
		return err
	}
}

func (s *Server) GetTransactionStatus(c *gin.Context) {
	view, err := s.paymentSvc.Status(c.Request.Context(), c.Param("token"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, view)
}

func (s *Server) renderPage(c *gin.Context, name string, data webhookPage) {
	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, name, data); err != nil {
		obslogger.WithContext(c.Request.Context(), s.log).Error("render page failed", zap.String("page", name), zap.Error(err))
		c.String(http.StatusOK, "OK")
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}

func (s *Server) dashboardURL(payment string) string {
	base := strings.TrimRight(s.cfg.AppBaseURL, "/")
	if base == "" {
		return ""
	}
	if payment == "" {
		return base + "/dashboard"
	}
	return base + "/dashboard?payment=" + payment
}

func readBody(c *gin.Context) ([]byte, error) {
	if c.Request.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		return nil, err
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func isJSONBody(c *gin.Context, raw []byte) bool {
	if strings.Contains(strings.ToLower(c.ContentType()), "json") {
		return true
	}
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

type tokenPayload struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// callbackParams fails only when a JSON body cannot be decoded.
func callbackParams(c *gin.Context, raw []byte) (string, string, error) {
	if len(bytes.TrimSpace(raw)) > 0 && isJSONBody(c, raw) {
		var payload tokenPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return "", "", err
		}
		return strings.TrimSpace(payload.Token), strings.TrimSpace(payload.UserID), nil
	}
	token := firstNonEmpty(c.PostForm("token"), c.Query("token"))
	userID := firstNonEmpty(c.PostForm("userId"), c.Query("userId"))
	return token, userID, nil
}

func webhookToken(c *gin.Context, raw []byte) string {
	if token := strings.TrimSpace(c.Query("token")); token != "" {
		return token
	}
	if len(bytes.TrimSpace(raw)) > 0 && isJSONBody(c, raw) {
		var payload tokenPayload
		if err := json.Unmarshal(raw, &payload); err == nil {
			return strings.TrimSpace(payload.Token)
		}
		return ""
	}
	return strings.TrimSpace(c.PostForm("token"))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func newConfirmationResponse(result *paymentdomain.ConfirmResult) confirmationResponse {
	message := "Payment confirmed, your badge is active."
	if result.AlreadyProcessed {
		message = "Payment was already confirmed."
	}
	resp := confirmationResponse{
		Success:          true,
		Message:          message,
		AlreadyProcessed: result.AlreadyProcessed,
		Subscription:     newSubscriptionView(result.Subscription),
		Payment: paymentView{
			ID:            result.Payment.ID.String(),
			TransactionID: result.Payment.TransactionID,
			Amount:        result.Payment.Amount,
			Currency:      result.Payment.Currency,
			Method:        result.Payment.Method,
			Status:        result.Payment.Status,
			PaidAt:        result.Payment.PaidAt.UTC().Format(timeLayout),
		},
	}
	if result.Invoice.ID != 0 {
		resp.Invoice = &invoiceView{
			ID:            result.Invoice.ID.String(),
			InvoiceNumber: result.Invoice.InvoiceNumber,
			Amount:        result.Invoice.Amount,
			TaxRate:       result.Invoice.TaxRate,
			TaxAmount:     result.Invoice.TaxAmount,
			TotalAmount:   result.Invoice.TotalAmount,
			Currency:      result.Invoice.Currency,
		}
	}
	return resp
}
