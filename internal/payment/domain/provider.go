package domain

import (
	"context"
	"strings"
)

// ProviderResult is the provider's view of a checkout form token.
// Amounts are minor units.
type ProviderResult struct {
	Status         string
	PaymentStatus  string
	ErrorCode      string
	ErrorMessage   string
	PaymentID      string
	Price          int64
	PaidPrice      int64
	Currency       string
	BasketID       string
	ConversationID string
	Token          string
}

// Succeeded reports a settled payment: the API call succeeded and the
// payment itself, when reported, is SUCCESS.
func (r ProviderResult) Succeeded() bool {
	if !strings.EqualFold(r.Status, "success") {
		return false
	}
	return r.PaymentStatus == "" || strings.EqualFold(r.PaymentStatus, "SUCCESS")
}

// ChargedAmount is the basket price. PaidPrice can include installment
// fees and is only used when the basket price is missing.
func (r ProviderResult) ChargedAmount() int64 {
	if r.Price > 0 {
		return r.Price
	}
	return r.PaidPrice
}

type Buyer struct {
	ID    string
	Email string
	Name  string
	IP    string
}

type CheckoutInit struct {
	ConversationID string
	Locale         string
	Amount         int64
	Currency       string
	BasketID       string
	ItemName       string
	CallbackURL    string
	Buyer          Buyer
}

type CheckoutSession struct {
	Token          string
	PaymentPageURL string
	TokenExpiresIn int
}

// ProviderGateway talks to the payment provider.
type ProviderGateway interface {
	RetrieveCheckoutForm(ctx context.Context, token string, conversationID string) (ProviderResult, error)
	InitializeCheckoutForm(ctx context.Context, req CheckoutInit) (CheckoutSession, error)
}

// Gateways holds one gateway per entry point; they differ only in the
// authorization scheme used against the provider.
type Gateways struct {
	Callback ProviderGateway
	Webhook  ProviderGateway
}

func (g Gateways) For(source Source) ProviderGateway {
	if source == SourceWebhook {
		return g.Webhook
	}
	return g.Callback
}
