package service

import (
	"context"
	"errors"
	"strings"
	"time"

	gatewaydomain "github.com/smallbiznis/patronage/internal/gateway/domain"
	obslogger "github.com/smallbiznis/patronage/internal/observability/logger"
	"github.com/smallbiznis/patronage/internal/webhook/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errReplayRaced = errors.New("deferred event applied concurrently")

type replayResult int

const (
	replayApplied replayResult = iota
	replayPending
	replayAbandoned
)

// ReplayReference retries every parked event waiting on reference.
func (p *Processor) ReplayReference(ctx context.Context, reference string) error {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil
	}
	rows, err := p.repo.ListPendingByReference(ctx, p.db, reference)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := p.replayOne(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// ReplayDue retries parked events whose backoff has elapsed.
func (p *Processor) ReplayDue(ctx context.Context, limit int) (domain.ReplayReport, error) {
	var report domain.ReplayReport
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.repo.ListDue(ctx, p.db, p.clock.Now(), limit)
	if err != nil {
		return report, err
	}
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res, err := p.replayOne(ctx, row)
		if err != nil {
			return report, err
		}
		switch res {
		case replayApplied:
			report.Applied++
		case replayPending:
			report.Pending++
		case replayAbandoned:
			report.Abandoned++
		}
	}
	return report, nil
}

func (p *Processor) replayOne(ctx context.Context, row domain.DeferredEvent) (replayResult, error) {
	log := obslogger.WithExternalIDs(p.log,
		"external_event_id", row.ExternalEventID,
		"reference", row.Reference,
	)

	ev, decodeErr := gatewaydomain.Decode(row.Kind, row.Payload)
	if decodeErr != nil {
		now := p.clock.Now()
		log.Error("deferred event cannot be decoded, abandoning", zap.String("kind", row.Kind), zap.Error(decodeErr))
		if err := p.repo.RecordAttempt(ctx, p.db, row.ID, decodeErr.Error(), now, &now); err != nil {
			return replayPending, err
		}
		p.obsMetrics.RecordDeferredEvent(ctx, "abandoned")
		return replayAbandoned, nil
	}

	_, err := p.apply(ctx, ev, true, func(tx *gorm.DB) error {
		marked, err := p.repo.MarkApplied(ctx, tx, row.ID, p.clock.Now())
		if err != nil {
			return err
		}
		if !marked {
			return errReplayRaced
		}
		return nil
	})
	if errors.Is(err, errReplayRaced) {
		log.Debug("deferred event already applied by another worker")
		return replayApplied, nil
	}
	if err == nil {
		p.obsMetrics.RecordDeferredEvent(ctx, "replayed")
		log.Info("deferred event applied", zap.String("kind", row.Kind), zap.Int("attempts", row.Attempts+1))
		return replayApplied, nil
	}
	if ctx.Err() != nil {
		return replayPending, ctx.Err()
	}

	now := p.clock.Now()
	attempts := row.Attempts + 1
	var abandonedAt *time.Time
	if limit := p.policy.Get().DeferredMaxAttempts; limit > 0 && attempts >= limit {
		abandonedAt = &now
	}
	if rerr := p.repo.RecordAttempt(ctx, p.db, row.ID, err.Error(), now.Add(backoff(attempts)), abandonedAt); rerr != nil {
		return replayPending, rerr
	}

	if abandonedAt != nil {
		p.obsMetrics.RecordDeferredEvent(ctx, "abandoned")
		log.Error("deferred event abandoned after max attempts",
			zap.String("kind", row.Kind),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return replayAbandoned, nil
	}
	if !errors.Is(err, errStillDeferred) {
		log.Warn("deferred event replay failed", zap.String("kind", row.Kind), zap.Error(err))
	}
	return replayPending, nil
}
