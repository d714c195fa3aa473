package email

import (
	"context"
	"errors"
)

var ErrNotConfigured = errors.New("email_not_configured")

type Provider interface {
	Send(ctx context.Context, to []string, subject string, htmlBody string) error
}

// DisabledProvider is used when no SMTP host is configured. It never
// pretends delivery succeeded.
type DisabledProvider struct{}

func (p *DisabledProvider) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	return ErrNotConfigured
}
