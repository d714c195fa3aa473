package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("source", "callback"),
		attribute.String("user_id", "u1"),
		attribute.String("token", "tok_abc123"),
		attribute.String("outcome", "confirmed"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "user_id" || attr.Key == "token" {
			t.Fatalf("expected %s to be dropped", attr.Key)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordConfirmation(ctx, "webhook", "confirmed")
	m.RecordProviderRequest(ctx, "iyzico", "checkout_form_detail", "success")
	m.RecordNotification(ctx, "invoice_email", "sent")
	m.RecordRateLimitAllowed(ctx, "status")
	m.RecordRateLimitDenied(ctx, "status", "exhausted")
}

func TestNewRegistersInstrumentsOnNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "coachpay"}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.RecordConfirmation(context.Background(), "callback", "duplicate")
}
