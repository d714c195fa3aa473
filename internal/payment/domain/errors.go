package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidToken           = errors.New("invalid_token")
	ErrInvalidUser            = errors.New("invalid_user")
	ErrInvalidBadgeType       = errors.New("invalid_badge_type")
	ErrUserMismatch           = errors.New("user_mismatch")
	ErrTransactionNotFound    = errors.New("transaction_not_found")
	ErrProviderNotConfigured  = errors.New("provider_not_configured")
	ErrConfirmationInProgress = errors.New("confirmation_in_progress")
	ErrUnresolvedBadgeType    = errors.New("unresolved_badge_type")
)

// ProviderError carries the provider's own failure code and message back to
// the caller untouched.
type ProviderError struct {
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider rejected payment: %s %s", e.Code, e.Message)
}
