package stripe

import (
	"context"
	"errors"
	"net/http"
	"testing"

	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/smallbiznis/patronage/internal/gateway/domain"
	"github.com/stretchr/testify/assert"
	stripelib "github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"
)

func TestMapError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"missing", &stripelib.Error{HTTPStatusCode: http.StatusNotFound, Code: stripelib.ErrorCodeResourceMissing}, domain.ErrNotFound},
		{"server", &stripelib.Error{HTTPStatusCode: http.StatusBadGateway}, domain.ErrUpstreamUnavailable},
		{"throttled", &stripelib.Error{HTTPStatusCode: http.StatusTooManyRequests}, domain.ErrUpstreamUnavailable},
		{"rejected", &stripelib.Error{HTTPStatusCode: http.StatusBadRequest, Code: stripelib.ErrorCodeParameterMissing}, domain.ErrRejected},
		{"network", errors.New("dial tcp: connection refused"), domain.ErrUpstreamUnavailable},
		{"deadline", context.DeadlineExceeded, domain.ErrUpstreamUnavailable},
		{"open", gobreaker.ErrOpenState, domain.ErrUpstreamUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, mapError("op", tc.err), tc.want)
		})
	}
	assert.NoError(t, mapError("op", nil))
}

func TestBreakerOpensAfterUpstreamFailures(t *testing.T) {
	cb := newBreaker("test", 2, 0, zapNop())
	fail := func() (string, error) { return "", &stripelib.Error{HTTPStatusCode: http.StatusServiceUnavailable} }

	for i := 0; i < 2; i++ {
		_, err := call(cb, fail)
		assert.Error(t, err)
	}
	_, err := call(cb, func() (string, error) { return "ok", nil })
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.ErrorIs(t, mapError("op", err), domain.ErrUpstreamUnavailable)
}

func TestBreakerIgnoresRejections(t *testing.T) {
	cb := newBreaker("test", 1, 0, zapNop())
	_, err := call(cb, func() (string, error) {
		return "", &stripelib.Error{HTTPStatusCode: http.StatusBadRequest}
	})
	assert.Error(t, err)

	out, err := call(cb, func() (string, error) { return "ok", nil })
	assert.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func zapNop() *zap.Logger { return zap.NewNop() }
