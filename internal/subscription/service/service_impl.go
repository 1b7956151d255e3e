package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/patronage/internal/catalog/domain"
	"github.com/smallbiznis/patronage/internal/clock"
	customerdomain "github.com/smallbiznis/patronage/internal/customer/domain"
	"github.com/smallbiznis/patronage/internal/events"
	gatewaydomain "github.com/smallbiznis/patronage/internal/gateway/domain"
	"github.com/smallbiznis/patronage/internal/money"
	obslogger "github.com/smallbiznis/patronage/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/patronage/internal/observability/metrics"
	"github.com/smallbiznis/patronage/internal/subscription/domain"
	userdomain "github.com/smallbiznis/patronage/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxTrialDays  = 730
	recountPage   = 200
	maxReasonSize = 255
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Users      userdomain.Repository
	Sync       *Sync
	Customers  customerdomain.Service
	Catalog    catalogdomain.Service
	Gateway    gatewaydomain.PaymentGateway
	Publisher  events.Publisher        `optional:"true"`
	Replayer   domain.DeferredReplayer `optional:"true"`
	ObsMetrics *obsmetrics.Metrics     `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	users      userdomain.Repository
	sync       *Sync
	customers  customerdomain.Service
	catalog    catalogdomain.Service
	gateway    gatewaydomain.PaymentGateway
	publisher  events.Publisher
	replayer   domain.DeferredReplayer
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	publisher := p.Publisher
	if publisher == nil {
		publisher = events.NewNop()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("subscription.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		users:      p.Users,
		sync:       p.Sync,
		customers:  p.Customers,
		catalog:    p.Catalog,
		gateway:    p.Gateway,
		publisher:  publisher,
		replayer:   p.Replayer,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Subscribe(ctx context.Context, req domain.SubscribeRequest) (domain.SubscribeResult, error) {
	interval := catalogdomain.Interval(strings.ToLower(strings.TrimSpace(req.Interval)))
	if interval == "" {
		interval = catalogdomain.IntervalMonth
	}
	if !interval.Valid() {
		return domain.SubscribeResult{}, catalogdomain.ErrInvalidInterval
	}
	if req.SubscriberID == 0 {
		return domain.SubscribeResult{}, domain.ErrSubscriberNotFound
	}
	if req.CreatorID == 0 {
		return domain.SubscribeResult{}, domain.ErrCreatorNotFound
	}
	if req.SubscriberID == req.CreatorID {
		return domain.SubscribeResult{}, domain.ErrSelfSubscription
	}
	if req.TrialDays < 0 || req.TrialDays > maxTrialDays {
		return domain.SubscribeResult{}, domain.ErrInvalidTrial
	}

	creator, err := s.users.FindByID(ctx, s.db, req.CreatorID)
	if err != nil {
		return domain.SubscribeResult{}, err
	}
	if creator == nil {
		return domain.SubscribeResult{}, domain.ErrCreatorNotFound
	}

	// Read-time check; the live-pair unique index enforces it at write time.
	live, err := s.repo.FindLiveByPair(ctx, s.db, req.SubscriberID, req.CreatorID)
	if err != nil {
		return domain.SubscribeResult{}, err
	}
	if live != nil {
		return domain.SubscribeResult{}, domain.ErrAlreadySubscribed
	}

	customerID, err := s.customers.EnsureBillingIdentity(ctx, req.SubscriberID)
	if err != nil {
		if errors.Is(err, customerdomain.ErrUserNotFound) {
			return domain.SubscribeResult{}, domain.ErrSubscriberNotFound
		}
		return domain.SubscribeResult{}, err
	}
	price, err := s.catalog.EnsurePrice(ctx, req.CreatorID, interval)
	if err != nil {
		return domain.SubscribeResult{}, err
	}

	// Concurrent callers for the same pair see the same count, build the same
	// key and therefore share one remote subscription.
	prior, err := s.repo.CountByPair(ctx, s.db, req.SubscriberID, req.CreatorID)
	if err != nil {
		return domain.SubscribeResult{}, err
	}
	remote, err := s.gateway.CreateSubscription(ctx, gatewaydomain.CreateSubscriptionInput{
		CustomerID: customerID,
		PriceID:    price.ProcessorPriceID,
		TrialDays:  req.TrialDays,
		Metadata: map[string]string{
			gatewaydomain.MetaSubscriberID: req.SubscriberID.String(),
			gatewaydomain.MetaCreatorID:    req.CreatorID.String(),
			gatewaydomain.MetaInterval:     string(interval),
		},
		IdempotencyKey: fmt.Sprintf("subscription:%s:%s:%s:%d", req.SubscriberID, req.CreatorID, price.ProcessorPriceID, prior),
	})
	if err != nil {
		s.log.Error("create remote subscription failed",
			zap.String("subscriber_id", req.SubscriberID.String()),
			zap.String("creator_id", req.CreatorID.String()),
			zap.String("billing_customer_id", customerID),
			zap.Error(err),
		)
		return domain.SubscribeResult{}, fmt.Errorf("create subscription: %w", err)
	}

	now := s.clock.Now()
	sub := domain.Subscription{
		ID:                      s.genID.Generate(),
		SubscriberID:            req.SubscriberID,
		CreatorID:               req.CreatorID,
		Status:                  domain.StatusFromRemote(remote.Status),
		ProcessorSubscriptionID: remote.ID,
		ProcessorCustomerID:     customerID,
		ProcessorPriceID:        price.ProcessorPriceID,
		Interval:                string(interval),
		Amount:                  money.FromMinor(price.AmountMinor, price.Currency),
		Currency:                price.Currency,
		IsTrial:                 remote.IsTrial,
		TrialEnd:                utcPtr(remote.TrialEnd),
		CurrentPeriodStart:      remote.PeriodStart.UTC(),
		CurrentPeriodEnd:        remote.PeriodEnd.UTC(),
		CancelAtPeriodEnd:       remote.CancelAtPeriodEnd,
		Origin:                  domain.OriginAPI,
		Metadata:                metadataMap(remote.Metadata),
		Version:                 1,
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	var inserted bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.sync.insert(ctx, tx, &sub)
		if err != nil {
			return err
		}
		inserted = ok
		if ok {
			return nil
		}

		// A webhook may have mirrored the remote subscription first.
		existing, err := s.repo.FindByProcessorID(ctx, tx, remote.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return domain.ErrAlreadySubscribed
		}
		claimed, err := s.repo.ClaimOrigin(ctx, tx, existing.ID)
		if err != nil {
			return err
		}
		if !claimed {
			// Another subscribe call with the same idempotency key owns it.
			return domain.ErrAlreadySubscribed
		}
		sub = *existing
		sub.Origin = domain.OriginAPI
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadySubscribed) {
			s.cancelOrphan(ctx, remote.ID, sub)
		}
		return domain.SubscribeResult{}, err
	}

	s.obsMetrics.RecordSubscription(ctx, "subscribe")
	s.log.Info("subscription created",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("processor_subscription_id", remote.ID),
		zap.String("subscriber_id", sub.SubscriberID.String()),
		zap.String("creator_id", sub.CreatorID.String()),
		zap.String("status", string(sub.Status)),
		zap.Bool("mirrored_first", !inserted),
	)

	if inserted && sub.Status == domain.StatusActive {
		s.publish(ctx, events.TopicSubscriptionActivated, sub)
	}
	if s.replayer != nil {
		if err := s.replayer.ReplayReference(ctx, remote.ID); err != nil {
			s.log.Warn("replay deferred webhook events failed",
				zap.String("processor_subscription_id", remote.ID),
				zap.Error(err),
			)
		}
	}

	sub.PaymentHistory, err = s.history(ctx, sub.ID)
	if err != nil {
		return domain.SubscribeResult{}, err
	}
	return domain.SubscribeResult{Subscription: sub, ClientSecret: remote.ClientSecret}, nil
}

// cancelOrphan releases a remote subscription that lost the live-pair race.
// Remote subscriptions already stored for another caller are left alone.
func (s *Service) cancelOrphan(ctx context.Context, processorID string, sub domain.Subscription) {
	stored, err := s.repo.FindByProcessorID(ctx, s.db, processorID)
	if err != nil || stored != nil {
		return
	}
	_, err = s.gateway.CancelSubscription(ctx, gatewaydomain.CancelSubscriptionInput{
		SubscriptionID: processorID,
		Immediately:    true,
		IdempotencyKey: "cancel:" + processorID + ":orphan",
	})
	log := obslogger.WithExternalIDs(s.log, "processor_subscription_id", processorID)
	if err != nil {
		log.Error("cancel orphaned remote subscription failed",
			zap.String("subscriber_id", sub.SubscriberID.String()),
			zap.String("creator_id", sub.CreatorID.String()),
			zap.Error(err),
		)
		return
	}
	log.Warn("cancelled orphaned remote subscription",
		zap.String("subscriber_id", sub.SubscriberID.String()),
		zap.String("creator_id", sub.CreatorID.String()),
	)
}

func (s *Service) Cancel(ctx context.Context, id snowflake.ID, req domain.CancelRequest) (domain.Subscription, error) {
	current, err := s.load(ctx, id)
	if err != nil {
		return domain.Subscription{}, err
	}
	if current.Status == domain.StatusCancelled {
		return s.withHistory(ctx, *current)
	}

	reason := strings.TrimSpace(req.Reason)
	if len(reason) > maxReasonSize {
		reason = reason[:maxReasonSize]
	}

	mode := "period_end"
	if req.Immediately {
		mode = "now"
	}
	remote, err := s.gateway.CancelSubscription(ctx, gatewaydomain.CancelSubscriptionInput{
		SubscriptionID: current.ProcessorSubscriptionID,
		Immediately:    req.Immediately,
		IdempotencyKey: fmt.Sprintf("cancel:%s:%s", current.ProcessorSubscriptionID, mode),
	})
	if err != nil {
		s.log.Error("remote cancel failed",
			zap.String("subscription_id", id.String()),
			zap.String("processor_subscription_id", current.ProcessorSubscriptionID),
			zap.Error(err),
		)
		return domain.Subscription{}, fmt.Errorf("cancel subscription: %w", err)
	}

	var t domain.Transition
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		load := func() (*domain.Subscription, error) { return s.repo.FindByID(ctx, tx, id) }
		var err error
		t, err = s.sync.mutate(ctx, tx, load, func(sub *domain.Subscription) bool {
			if sub.Status == domain.StatusCancelled {
				return false
			}
			if reason != "" {
				sub.CancelReason = reason
			}
			if !req.Immediately {
				if sub.CancelAtPeriodEnd && reason == "" {
					return false
				}
				sub.CancelAtPeriodEnd = true
				return true
			}
			at := s.clock.Now()
			if remote.CanceledAt != nil {
				at = remote.CanceledAt.UTC()
			}
			sub.Status = domain.StatusCancelled
			sub.CancelledAt = &at
			sub.CancelAtPeriodEnd = false
			return true
		})
		return err
	})
	if err != nil {
		return domain.Subscription{}, err
	}
	if !t.Found {
		return domain.Subscription{}, domain.ErrNotFound
	}

	s.obsMetrics.RecordSubscription(ctx, "cancel_"+mode)
	s.log.Info("subscription cancel requested",
		zap.String("subscription_id", id.String()),
		zap.String("processor_subscription_id", current.ProcessorSubscriptionID),
		zap.Bool("immediately", req.Immediately),
	)
	if t.Cancelled() {
		s.publish(ctx, events.TopicSubscriptionCancelled, t.Subscription)
	}
	return s.withHistory(ctx, t.Subscription)
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (domain.Subscription, error) {
	sub, err := s.load(ctx, id)
	if err != nil {
		return domain.Subscription{}, err
	}
	return s.withHistory(ctx, *sub)
}

func (s *Service) ListBySubscriber(ctx context.Context, subscriberID snowflake.ID) ([]domain.Subscription, error) {
	subs, err := s.repo.ListBySubscriber(ctx, s.db, subscriberID)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return []domain.Subscription{}, nil
	}

	ids := make([]snowflake.ID, 0, len(subs))
	for _, sub := range subs {
		ids = append(ids, sub.ID)
	}
	payments, err := s.repo.ListPayments(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[snowflake.ID][]domain.Payment, len(subs))
	for _, p := range payments {
		byID[p.SubscriptionID] = append(byID[p.SubscriptionID], p)
	}
	for i := range subs {
		subs[i].PaymentHistory = byID[subs[i].ID]
		if subs[i].PaymentHistory == nil {
			subs[i].PaymentHistory = []domain.Payment{}
		}
	}
	return subs, nil
}

func (s *Service) SubscriberCount(ctx context.Context, creatorID snowflake.ID) (int64, error) {
	creator, err := s.users.FindByID(ctx, s.db, creatorID)
	if err != nil {
		return 0, err
	}
	if creator == nil {
		return 0, domain.ErrCreatorNotFound
	}
	return creator.SubscriberCount, nil
}

// RecomputeSubscriberCount rebuilds the counter from live subscription rows.
func (s *Service) RecomputeSubscriberCount(ctx context.Context, creatorID snowflake.ID) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		creator, err := s.users.FindByID(ctx, tx, creatorID)
		if err != nil {
			return err
		}
		if creator == nil {
			return domain.ErrCreatorNotFound
		}
		count, err = s.repo.CountLiveByCreator(ctx, tx, creatorID)
		if err != nil {
			return err
		}
		if count == creator.SubscriberCount {
			return nil
		}
		s.log.Warn("subscriber counter drifted",
			zap.String("creator_id", creatorID.String()),
			zap.Int64("stored", creator.SubscriberCount),
			zap.Int64("live", count),
		)
		return s.users.SetSubscriberCount(ctx, tx, creatorID, count)
	})
	return count, err
}

func (s *Service) RecomputeSubscriberCounts(ctx context.Context) (int, error) {
	var (
		checked int
		after   snowflake.ID
	)
	for {
		if err := ctx.Err(); err != nil {
			return checked, err
		}
		ids, err := s.users.ListIDs(ctx, s.db, after, recountPage)
		if err != nil {
			return checked, err
		}
		for _, id := range ids {
			if _, err := s.RecomputeSubscriberCount(ctx, id); err != nil && !errors.Is(err, domain.ErrCreatorNotFound) {
				return checked, err
			}
			checked++
		}
		if len(ids) < recountPage {
			return checked, nil
		}
		after = ids[len(ids)-1]
	}
}

func (s *Service) load(ctx context.Context, id snowflake.ID) (*domain.Subscription, error) {
	if id == 0 {
		return nil, domain.ErrNotFound
	}
	sub, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, domain.ErrNotFound
	}
	return sub, nil
}

func (s *Service) withHistory(ctx context.Context, sub domain.Subscription) (domain.Subscription, error) {
	history, err := s.history(ctx, sub.ID)
	if err != nil {
		return domain.Subscription{}, err
	}
	sub.PaymentHistory = history
	return sub, nil
}

func (s *Service) history(ctx context.Context, id snowflake.ID) ([]domain.Payment, error) {
	payments, err := s.repo.ListPayments(ctx, s.db, []snowflake.ID{id})
	if err != nil {
		return nil, err
	}
	if payments == nil {
		payments = []domain.Payment{}
	}
	return payments, nil
}

func (s *Service) publish(ctx context.Context, topic string, sub domain.Subscription) {
	s.publisher.Publish(ctx, events.Event{
		Topic:          topic,
		OccurredAt:     s.clock.Now(),
		SubscriptionID: sub.ID.String(),
		SubscriberID:   sub.SubscriberID.String(),
		CreatorID:      sub.CreatorID.String(),
		Currency:       sub.Currency,
	})
}
