package domain

import (
	"context"
	"net/http"

	"github.com/smallbiznis/patronage/internal/apperr"
)

type Service interface {
	// Ingest authenticates and applies one delivery. Duplicates and events
	// that must wait for their subscription return nil.
	Ingest(ctx context.Context, payload []byte, headers http.Header) error
	ReplayReference(ctx context.Context, reference string) error
	ReplayDue(ctx context.Context, limit int) (ReplayReport, error)
	PurgeExpired(ctx context.Context) (int64, error)
}

type ReplayReport struct {
	Applied   int
	Pending   int
	Abandoned int
}

// Outcomes recorded per delivery.
const (
	OutcomeApplied   = "applied"
	OutcomeNoop      = "noop"
	OutcomeDuplicate = "duplicate"
	OutcomeDeferred  = "deferred"
	OutcomeIgnored   = "ignored"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

var (
	ErrEmptyPayload = apperr.New(apperr.KindValidation, "empty_webhook_payload")
	ErrInvalidEvent = apperr.New(apperr.KindValidation, "invalid_webhook_event")
)
