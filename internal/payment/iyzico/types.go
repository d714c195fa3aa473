package iyzico

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	retrievePath   = "/payment/iyzipos/checkoutform/auth/ecom/detail"
	initializePath = "/payment/iyzipos/checkoutform/initialize/auth/ecom"
)

type retrieveRequest struct {
	Locale         string `json:"locale,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Token          string `json:"token"`
}

type checkoutFormResponse struct {
	Status         string      `json:"status"`
	ErrorCode      string      `json:"errorCode"`
	ErrorMessage   string      `json:"errorMessage"`
	Locale         string      `json:"locale"`
	ConversationID string      `json:"conversationId"`
	Token          string      `json:"token"`
	PaymentStatus  string      `json:"paymentStatus"`
	PaymentID      string      `json:"paymentId"`
	Price          json.Number `json:"price"`
	PaidPrice      json.Number `json:"paidPrice"`
	Currency       string      `json:"currency"`
	BasketID       string      `json:"basketId"`
}

type buyer struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Surname             string `json:"surname"`
	Email               string `json:"email"`
	IdentityNumber      string `json:"identityNumber"`
	RegistrationAddress string `json:"registrationAddress"`
	City                string `json:"city"`
	Country             string `json:"country"`
	IP                  string `json:"ip,omitempty"`
}

type address struct {
	ContactName string `json:"contactName"`
	City        string `json:"city"`
	Country     string `json:"country"`
	Address     string `json:"address"`
}

type basketItem struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Category1 string `json:"category1"`
	ItemType  string `json:"itemType"`
	Price     string `json:"price"`
}

type initializeRequest struct {
	Locale              string       `json:"locale,omitempty"`
	ConversationID      string       `json:"conversationId,omitempty"`
	Price               string       `json:"price"`
	PaidPrice           string       `json:"paidPrice"`
	Currency            string       `json:"currency"`
	BasketID            string       `json:"basketId"`
	PaymentGroup        string       `json:"paymentGroup"`
	CallbackURL         string       `json:"callbackUrl"`
	EnabledInstallments []int        `json:"enabledInstallments"`
	Buyer               buyer        `json:"buyer"`
	BillingAddress      address      `json:"billingAddress"`
	BasketItems         []basketItem `json:"basketItems"`
}

type initializeResponse struct {
	Status              string `json:"status"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`
	Token               string `json:"token"`
	CheckoutFormContent string `json:"checkoutFormContent"`
	PaymentPageURL      string `json:"paymentPageUrl"`
	TokenExpireTime     int    `json:"tokenExpireTime"`
}

// APIError is a non-2xx HTTP response from iyzico.
type APIError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("iyzico: http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// ParseAmount converts a decimal major-unit amount ("299", "299.0",
// "352.82") into minor units without going through floating point.
func ParseAmount(value json.Number) (int64, error) {
	raw := strings.TrimSpace(value.String())
	if raw == "" {
		return 0, nil
	}
	negative := strings.HasPrefix(raw, "-")
	raw = strings.TrimPrefix(raw, "-")

	whole, frac, _ := strings.Cut(raw, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 2 {
		if strings.Trim(frac[2:], "0") != "" {
			return 0, fmt.Errorf("iyzico: amount %q has more than two decimals", value)
		}
		frac = frac[:2]
	}
	for len(frac) < 2 {
		frac += "0"
	}

	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("iyzico: invalid amount %q: %w", value, err)
	}
	cents, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("iyzico: invalid amount %q: %w", value, err)
	}

	out := units*100 + cents
	if negative {
		out = -out
	}
	return out, nil
}

// FormatAmount renders minor units the way iyzico expects prices ("299.00").
func FormatAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}
