package format

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

var (
	userPadRe = regexp.MustCompile(`\{USER(\d+)\}`)
)

// DefaultInvoiceNumberTemplate ends with {PAY} so two users sharing a
// user code in the same millisecond still get distinct numbers.
const DefaultInvoiceNumberTemplate = "INV-{YYYY}{MM}{DD}-{UNIXMS}-{USER8}-{PAY}"

// FormatInvoiceNumber formats a human-readable invoice number
// based on a template, invoice issue time, the paying user and the payment id.
//
// This function is PURE:
// - No side effects
// - No DB access
// - Fully deterministic
//
// A user id without ASCII letters or digits falls back to the payment code,
// so any paid payment can be invoiced.
func FormatInvoiceNumber(
	template string,
	issuedAt time.Time,
	userID string,
	paymentID int64,
) (string, error) {

	if template == "" {
		return "", fmt.Errorf("invoice number template is empty")
	}
	if paymentID <= 0 {
		return "", fmt.Errorf("invalid invoice payment id: %d", paymentID)
	}

	pay := strings.ToUpper(strconv.FormatInt(paymentID, 36))
	user := userCode(userID)
	if user == "" {
		user = pay
	}

	issuedAt = issuedAt.UTC()
	out := template

	// Date tokens
	out = strings.ReplaceAll(out, "{YYYY}", issuedAt.Format("2006"))
	out = strings.ReplaceAll(out, "{YY}", issuedAt.Format("06"))
	out = strings.ReplaceAll(out, "{MM}", issuedAt.Format("01"))
	out = strings.ReplaceAll(out, "{DD}", issuedAt.Format("02"))
	out = strings.ReplaceAll(out, "{UNIXMS}", strconv.FormatInt(issuedAt.UnixMilli(), 10))

	out = strings.ReplaceAll(out, "{USER}", user)
	out = strings.ReplaceAll(out, "{PAY}", pay)

	// Truncated user code
	out = userPadRe.ReplaceAllStringFunc(out, func(m string) string {
		match := userPadRe.FindStringSubmatch(m)
		if len(match) != 2 {
			return m
		}

		width, err := strconv.Atoi(match[1])
		if err != nil || width <= 0 {
			return m
		}
		if len(user) <= width {
			return user
		}
		return user[:width]
	})

	// Final safety check: unresolved tokens
	if strings.Contains(out, "{") || strings.Contains(out, "}") {
		return "", fmt.Errorf("unresolved token in invoice format: %s", out)
	}

	return out, nil
}

// userCode keeps the ASCII letters and digits of a user id, upper-cased.
func userCode(userID string) string {
	var b strings.Builder
	for _, r := range userID {
		if r > unicode.MaxASCII {
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}
