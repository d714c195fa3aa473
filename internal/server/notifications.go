package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/coachpay/internal/notification"
	"github.com/smallbiznis/coachpay/internal/payment/iyzico"
)

// invoiceEmailRequest carries the amount in major units as the provider
// reports it ("299", 299.0, 352.82).
type invoiceEmailRequest struct {
	UserID    string      `json:"userId" binding:"required"`
	Amount    json.Number `json:"amount"`
	Currency  string      `json:"currency" binding:"omitempty,currency"`
	BadgeType string      `json:"badgeType"`
}

// SendInvoiceEmail sends the invoice email on demand. A missing SMTP
// configuration is reported as a failure, never as success.
func (s *Server) SendInvoiceEmail(c *gin.Context) {
	var req invoiceEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	amount, err := iyzico.ParseAmount(req.Amount)
	if err != nil || amount < 0 {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.notificationSvc.SendInvoiceEmail(c.Request.Context(), notification.Request{
		UserID:    strings.TrimSpace(req.UserID),
		BadgeType: strings.TrimSpace(req.BadgeType),
		Amount:    amount,
		Currency:  strings.TrimSpace(req.Currency),
	})
	if err != nil {
		status, _ := mapError(err)
		_ = c.Error(err)
		c.AbortWithStatusJSON(status, gin.H{
			"success": false,
			"message": notificationFailureMessage(status),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"message":       "invoice email sent",
		"recipient":     result.Recipient,
		"invoiceNumber": result.InvoiceNumber,
	})
}

func notificationFailureMessage(status int) string {
	switch status {
	case http.StatusNotFound:
		return "user not found"
	case http.StatusServiceUnavailable:
		return "email delivery is not configured"
	case http.StatusBadRequest:
		return "invalid request"
	default:
		return "invoice email could not be sent"
	}
}
