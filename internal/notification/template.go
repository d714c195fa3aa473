package notification

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"math"
	"strconv"
	"strings"
)

//go:embed templates/*.html
var templateFS embed.FS

var invoiceEmailTemplate = template.Must(template.ParseFS(templateFS, "templates/invoice_email.html"))

type invoiceEmailData struct {
	Subject       string
	Name          string
	BadgeLabel    string
	ValidUntil    string
	InvoiceNumber string
	IssuedAt      string
	Amount        string
	Tax           string
	Total         string
	Currency      string
	TaxPercent    string
	DashboardURL  string
}

func renderInvoiceEmail(data invoiceEmailData) (string, error) {
	var buf bytes.Buffer
	if err := invoiceEmailTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render invoice email: %w", err)
	}
	return buf.String(), nil
}

// formatMinor renders minor currency units as a decimal major amount.
func formatMinor(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}

func formatPercent(rate float64) string {
	return strconv.FormatFloat(math.Round(rate*10000)/100, 'f', -1, 64)
}

func badgeLabel(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return "Coach"
	}
	return strings.ToUpper(code[:1]) + strings.ToLower(code[1:])
}
