package email

import (
	"context"
	"errors"
	"strings"

	"gopkg.in/gomail.v2"
)

type Config struct {
	Host     string
	Port     int
	Secure   bool
	Username string
	Password string
	From     string
}

type sender interface {
	DialAndSend(m ...*gomail.Message) error
}

type SMTPProvider struct {
	cfg    Config
	sender sender
}

func NewSMTP(cfg Config) *SMTPProvider {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	// SMTP_SECURE selects implicit TLS (usually port 465); otherwise STARTTLS is negotiated when offered.
	d.SSL = cfg.Secure
	return &SMTPProvider{cfg: cfg, sender: d}
}

func (p *SMTPProvider) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	if len(to) == 0 {
		return errors.New("email_missing_recipient")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := p.buildMessage(to, subject, htmlBody)

	done := make(chan error, 1)
	go func() {
		done <- p.sender.DialAndSend(msg)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *SMTPProvider) buildMessage(to []string, subject string, htmlBody string) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", p.cfg.From)
	m.SetHeader("To", to...)
	m.SetHeader("Subject", strings.TrimSpace(subject))
	m.SetBody("text/html", htmlBody)
	return m
}
