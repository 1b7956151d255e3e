package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/patronage/internal/clock"
	gatewaydomain "github.com/smallbiznis/patronage/internal/gateway/domain"
	"github.com/smallbiznis/patronage/internal/money"
	"github.com/smallbiznis/patronage/internal/subscription/domain"
	userdomain "github.com/smallbiznis/patronage/internal/user/domain"
	"github.com/smallbiznis/patronage/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxCASAttempts = 5

var errUnattributable = errors.New("subscription metadata missing platform ids")

type SyncParams struct {
	fx.In

	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
	Users userdomain.Repository
}

// Sync mutates subscription rows with optimistic version checks and keeps
// the creator's subscriber counter in step with live status changes.
type Sync struct {
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
	users userdomain.Repository
}

func NewSync(p SyncParams) *Sync {
	return &Sync{
		log:   p.Log.Named("subscription.sync"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
		users: p.Users,
	}
}

func ProvideStateSync(s *Sync) domain.StateSync { return s }

// mutate re-reads the row and applies fn until the version check holds.
// fn returns false when the row needs no change.
func (s *Sync) mutate(
	ctx context.Context,
	tx *gorm.DB,
	load func() (*domain.Subscription, error),
	fn func(*domain.Subscription) bool,
) (domain.Transition, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := load()
		if err != nil {
			return domain.Transition{}, err
		}
		if current == nil {
			return domain.Transition{}, nil
		}

		next := *current
		if !fn(&next) {
			return domain.Transition{Subscription: *current, Previous: current.Status, Found: true}, nil
		}
		next.Version = current.Version + 1
		next.UpdatedAt = s.clock.Now()

		swapped, err := s.repo.CompareAndSwap(ctx, tx, &next, current.Version)
		if err != nil {
			return domain.Transition{}, err
		}
		if !swapped {
			continue
		}
		if err := s.adjustCounter(ctx, tx, next.CreatorID, current.Status, next.Status); err != nil {
			return domain.Transition{}, err
		}
		return domain.Transition{Subscription: next, Previous: current.Status, Found: true, Changed: true}, nil
	}
	return domain.Transition{}, domain.ErrConcurrentUpdate
}

func (s *Sync) adjustCounter(ctx context.Context, tx *gorm.DB, creatorID snowflake.ID, from, to domain.Status) error {
	switch {
	case from.Live() && !to.Live():
		return s.users.AddSubscribers(ctx, tx, creatorID, -1)
	case !from.Live() && to.Live():
		return s.users.AddSubscribers(ctx, tx, creatorID, 1)
	}
	return nil
}

// insert stores a new row inside a savepoint so a live-pair violation does
// not abort the caller's transaction.
func (s *Sync) insert(ctx context.Context, tx *gorm.DB, sub *domain.Subscription) (bool, error) {
	inserted := false
	err := tx.Transaction(func(inner *gorm.DB) error {
		ok, err := s.repo.Insert(ctx, inner, sub)
		if err != nil {
			return err
		}
		inserted = ok
		if ok && sub.Status.Live() {
			return s.users.AddSubscribers(ctx, inner, sub.CreatorID, 1)
		}
		return nil
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return false, domain.ErrAlreadySubscribed
		}
		return false, err
	}
	return inserted, nil
}

func (s *Sync) loadByProcessorID(ctx context.Context, tx *gorm.DB, processorID string) func() (*domain.Subscription, error) {
	return func() (*domain.Subscription, error) {
		return s.repo.FindByProcessorID(ctx, tx, processorID)
	}
}

// ApplyRemote overwrites status and period from the processor unless the
// incoming period ends before the stored one. Unknown subscriptions are
// mirrored from their metadata.
func (s *Sync) ApplyRemote(ctx context.Context, tx *gorm.DB, remote gatewaydomain.RemoteSubscription) (domain.Transition, error) {
	if strings.TrimSpace(remote.ID) == "" {
		return domain.Transition{}, domain.ErrInvalidSubscription
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		t, err := s.mutate(ctx, tx, s.loadByProcessorID(ctx, tx, remote.ID), func(sub *domain.Subscription) bool {
			return applyRemote(sub, remote)
		})
		if err != nil || t.Found {
			return t, err
		}

		sub, err := s.mirror(remote)
		if err != nil {
			if errors.Is(err, errUnattributable) {
				s.log.Warn("cannot mirror processor subscription without platform ids",
					zap.String("processor_subscription_id", remote.ID),
				)
				return domain.Transition{}, nil
			}
			return domain.Transition{}, err
		}
		inserted, err := s.insert(ctx, tx, &sub)
		if err != nil {
			if errors.Is(err, domain.ErrAlreadySubscribed) {
				s.log.Error("processor subscription conflicts with live subscription for pair",
					zap.String("processor_subscription_id", remote.ID),
					zap.String("subscriber_id", sub.SubscriberID.String()),
					zap.String("creator_id", sub.CreatorID.String()),
				)
				return domain.Transition{}, nil
			}
			return domain.Transition{}, err
		}
		if inserted {
			return domain.Transition{Subscription: sub, Found: true, Created: true, Changed: true}, nil
		}
		// Lost an insert race; the next pass updates the winner's row.
	}
	return domain.Transition{}, domain.ErrConcurrentUpdate
}

func applyRemote(sub *domain.Subscription, remote gatewaydomain.RemoteSubscription) bool {
	if sub.Status == domain.StatusCancelled {
		return false
	}
	if !remote.PeriodEnd.IsZero() && remote.PeriodEnd.Before(sub.CurrentPeriodEnd) {
		return false
	}

	before := *sub
	sub.Status = domain.StatusFromRemote(remote.Status)
	if !remote.PeriodEnd.IsZero() {
		sub.CurrentPeriodStart = remote.PeriodStart.UTC()
		sub.CurrentPeriodEnd = remote.PeriodEnd.UTC()
	}
	sub.IsTrial = remote.IsTrial
	sub.TrialEnd = utcPtr(remote.TrialEnd)
	sub.CancelAtPeriodEnd = remote.CancelAtPeriodEnd
	if remote.PriceID != "" {
		sub.ProcessorPriceID = remote.PriceID
	}
	if sub.Status == domain.StatusCancelled && sub.CancelledAt == nil {
		sub.CancelledAt = utcPtr(remote.CanceledAt)
	}
	return !sameState(before, *sub)
}

func sameState(a, b domain.Subscription) bool {
	return a.Status == b.Status &&
		a.CurrentPeriodStart.Equal(b.CurrentPeriodStart) &&
		a.CurrentPeriodEnd.Equal(b.CurrentPeriodEnd) &&
		a.IsTrial == b.IsTrial &&
		timePtrEqual(a.TrialEnd, b.TrialEnd) &&
		a.CancelAtPeriodEnd == b.CancelAtPeriodEnd &&
		a.ProcessorPriceID == b.ProcessorPriceID &&
		timePtrEqual(a.CancelledAt, b.CancelledAt)
}

func (s *Sync) mirror(remote gatewaydomain.RemoteSubscription) (domain.Subscription, error) {
	subscriberID, err := snowflake.ParseString(remote.Metadata[gatewaydomain.MetaSubscriberID])
	if err != nil || subscriberID == 0 {
		return domain.Subscription{}, errUnattributable
	}
	creatorID, err := snowflake.ParseString(remote.Metadata[gatewaydomain.MetaCreatorID])
	if err != nil || creatorID == 0 {
		return domain.Subscription{}, errUnattributable
	}
	now := s.clock.Now()
	currency := money.NormalizeCurrency(remote.Currency)
	sub := domain.Subscription{
		ID:                      s.genID.Generate(),
		SubscriberID:            subscriberID,
		CreatorID:               creatorID,
		Status:                  domain.StatusFromRemote(remote.Status),
		ProcessorSubscriptionID: remote.ID,
		ProcessorCustomerID:     remote.CustomerID,
		ProcessorPriceID:        remote.PriceID,
		Interval:                remote.Interval,
		Amount:                  money.FromMinor(remote.AmountMinor, currency),
		Currency:                currency,
		IsTrial:                 remote.IsTrial,
		TrialEnd:                utcPtr(remote.TrialEnd),
		CurrentPeriodStart:      remote.PeriodStart.UTC(),
		CurrentPeriodEnd:        remote.PeriodEnd.UTC(),
		CancelAtPeriodEnd:       remote.CancelAtPeriodEnd,
		Origin:                  domain.OriginWebhook,
		Metadata:                metadataMap(remote.Metadata),
		Version:                 1,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if sub.Status == domain.StatusCancelled {
		sub.CancelledAt = utcPtr(remote.CanceledAt)
	}
	return sub, nil
}

// MarkDeleted cancels the row by processor authority.
func (s *Sync) MarkDeleted(ctx context.Context, tx *gorm.DB, remote gatewaydomain.RemoteSubscription, at time.Time) (domain.Transition, error) {
	cancelledAt := at.UTC()
	if remote.CanceledAt != nil {
		cancelledAt = remote.CanceledAt.UTC()
	}
	return s.mutate(ctx, tx, s.loadByProcessorID(ctx, tx, remote.ID), func(sub *domain.Subscription) bool {
		if sub.Status == domain.StatusCancelled {
			return false
		}
		sub.Status = domain.StatusCancelled
		sub.CancelledAt = &cancelledAt
		sub.CancelAtPeriodEnd = false
		return true
	})
}

// MarkPastDue moves an active subscription into the grace state. Other
// statuses are left to subscription updates.
func (s *Sync) MarkPastDue(ctx context.Context, tx *gorm.DB, processorSubscriptionID string) (domain.Transition, error) {
	return s.mutate(ctx, tx, s.loadByProcessorID(ctx, tx, processorSubscriptionID), func(sub *domain.Subscription) bool {
		if sub.Status != domain.StatusActive {
			return false
		}
		sub.Status = domain.StatusPastDue
		return true
	})
}

func (s *Sync) RecordPayment(ctx context.Context, tx *gorm.DB, payment domain.Payment) (bool, error) {
	payment.ID = s.genID.Generate()
	payment.Currency = money.NormalizeCurrency(payment.Currency)
	if payment.Status == "" {
		payment.Status = domain.PaymentStatusSucceeded
	}
	payment.PaidAt = payment.PaidAt.UTC()
	payment.CreatedAt = s.clock.Now()
	return s.repo.InsertPayment(ctx, tx, &payment)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func metadataMap(in map[string]string) datatypes.JSONMap {
	if len(in) == 0 {
		return nil
	}
	out := make(datatypes.JSONMap, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
