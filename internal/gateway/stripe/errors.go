package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/smallbiznis/patronage/internal/gateway/domain"
	stripelib "github.com/stripe/stripe-go/v82"
)

// mapError classifies a processor error into the gateway error taxonomy.
// Network failures, throttling and 5xx responses are upstream outages;
// other 4xx responses are rejections of the request itself.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w: circuit open", op, domain.ErrUpstreamUnavailable)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %v", op, domain.ErrUpstreamUnavailable, err)
	}

	var serr *stripelib.Error
	if !errors.As(err, &serr) {
		return fmt.Errorf("%s: %w: %v", op, domain.ErrUpstreamUnavailable, err)
	}
	switch {
	case serr.Code == stripelib.ErrorCodeResourceMissing || serr.HTTPStatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	case serr.HTTPStatusCode == http.StatusTooManyRequests || serr.HTTPStatusCode >= 500 || serr.HTTPStatusCode == 0:
		return fmt.Errorf("%s: %w: status %d", op, domain.ErrUpstreamUnavailable, serr.HTTPStatusCode)
	default:
		return fmt.Errorf("%s: %w: %s", op, domain.ErrRejected, serr.Code)
	}
}

// countsAsFailure reports whether err should move the breaker toward open.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	var serr *stripelib.Error
	if errors.As(err, &serr) {
		return serr.HTTPStatusCode == 0 || serr.HTTPStatusCode == http.StatusTooManyRequests || serr.HTTPStatusCode >= 500
	}
	return true
}
