package correlation

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestEnsureCorrelationIDKeepsExisting(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "req-1")
	_, cid := EnsureCorrelationID(ctx)
	if cid != "req-1" {
		t.Fatalf("expected existing id, got %q", cid)
	}

	_, generated := EnsureCorrelationID(context.Background())
	if len(generated) != 26 {
		t.Fatalf("expected a ulid, got %q", generated)
	}
}

func TestCarrierRoundTripRestoresRemoteSpan(t *testing.T) {
	carrier := Carrier{
		CorrelationID: "req-2",
		TraceID:       "4bf92f3577b34da6a3ce929d0e0e4736",
		SpanID:        "00f067aa0ba902b7",
	}

	ctx := ContextFromCarrier(context.Background(), carrier)

	if got := ExtractCorrelationID(ctx); got != "req-2" {
		t.Fatalf("expected correlation id req-2, got %q", got)
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsRemote() || sc.TraceID().String() != carrier.TraceID {
		t.Fatalf("expected remote span with trace %s, got %v", carrier.TraceID, sc)
	}
}

func TestContextWithRemoteSpanIgnoresGarbage(t *testing.T) {
	ctx := ContextWithRemoteSpan(context.Background(), "not-hex", "00f067aa0ba902b7")
	if trace.SpanContextFromContext(ctx).IsValid() {
		t.Fatal("expected invalid ids to be ignored")
	}
}
