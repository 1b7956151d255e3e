package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("event_type", "invoice_paid"),
		attribute.String("subscription_id", "sub_123"),
		attribute.String("outcome", "applied"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "subscription_id" {
			t.Fatalf("expected subscription_id to be dropped")
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordWebhookEvent(context.Background(), "invoice_paid", "applied")
	m.RecordLedgerEntry(context.Background(), "payment")
	m.RecordGatewayCall(context.Background(), "create_customer", errors.New("boom"))

	NewNop().RecordSubscription(context.Background(), "subscribe")
}

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{context.DeadlineExceeded, SchedulerJobReasonDeadlineExceeded},
		{fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey), SchedulerJobReasonUniqueViolation},
		{ErrLockUnavailable, SchedulerJobReasonLockUnavailable},
		{errors.New("boom"), SchedulerJobReasonUnknown},
	}
	for _, tc := range cases {
		if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
			t.Fatalf("%v: expected %q, got %q", tc.err, tc.want, got)
		}
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newSchedulerMetrics(registry, Config{ServiceName: "patronage", Environment: "test"})

	m.AddBatchProcessed("replay_deferred", "webhook_events", 3)

	got := testutil.ToFloat64(m.batchProcessed.WithLabelValues("replay_deferred", "webhook_events"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}

func TestHTTPMetricsRegisterTwice(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := newHTTPMetrics(registry, Config{})
	second := newHTTPMetrics(registry, Config{})
	if first.requests != second.requests {
		t.Fatalf("expected the existing collector to be reused")
	}
}
