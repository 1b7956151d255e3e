package tracing

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/patronage/internal/apperr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSafeAttributesDropsCredentials(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/webhooks/billing"),
		attribute.String("stripe_signature", "t=1,v1=abc"),
		attribute.String("client_secret", "pi_1_secret"),
	)
	if len(attrs) != 1 || attrs[0].Key != "http.route" {
		t.Fatalf("unexpected attributes: %v", attrs)
	}
}

func TestSafeErrorKeepsOnlyCode(t *testing.T) {
	sentinel := apperr.New(apperr.KindUpstreamUnavailable, "gateway_unavailable")
	err := SafeError(fmt.Errorf("create customer cus_123: %w", sentinel))
	if err.Error() != "gateway_unavailable" {
		t.Fatalf("expected classified code, got %q", err.Error())
	}
	if SafeError(errors.New("raw body leaked")).Error() != "internal_error" {
		t.Fatalf("unclassified errors must be masked")
	}
	if SafeError(nil) != nil {
		t.Fatalf("nil stays nil")
	}
}

func TestGinMiddlewareNamesSpanByRoute(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	defer otel.SetTracerProvider(prev)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinMiddleware())
	r.GET("/api/users/:id", func(c *gin.Context) {
		_ = c.Error(apperr.New(apperr.KindUpstreamUnavailable, "gateway_unavailable"))
		c.Status(http.StatusServiceUnavailable)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/users/42", nil))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected one span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "GET /api/users/:id" {
		t.Fatalf("unexpected span name %q", span.Name())
	}
	if span.Status().Code != codes.Error {
		t.Fatalf("5xx should mark the span as errored")
	}
	if len(span.Events()) != 1 {
		t.Fatalf("expected one recorded error, got %d", len(span.Events()))
	}
	for _, attr := range span.Events()[0].Attributes {
		if attr.Key == "exception.message" && attr.Value.AsString() != "gateway_unavailable" {
			t.Fatalf("error message leaked: %q", attr.Value.AsString())
		}
	}
}
