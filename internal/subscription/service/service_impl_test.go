package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	catalogdomain "github.com/smallbiznis/patronage/internal/catalog/domain"
	"github.com/smallbiznis/patronage/internal/events"
	"github.com/smallbiznis/patronage/internal/gateway/fake"
	"github.com/smallbiznis/patronage/internal/subscription/domain"
	"github.com/smallbiznis/patronage/internal/testkit"
	"gorm.io/gorm"
)

func TestSubscribeCreatesIncompleteSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Subscribe(ctx, domain.SubscribeRequest{SubscriberID: f.subscriber, CreatorID: f.creator})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub := res.Subscription
	if sub.Status != domain.StatusIncomplete || sub.Interval != "month" || sub.Currency != "USD" {
		t.Fatalf("unexpected subscription: %+v", sub)
	}
	if res.ClientSecret == "" {
		t.Fatalf("expected a client secret for the first payment")
	}
	if sub.PaymentHistory == nil || len(sub.PaymentHistory) != 0 {
		t.Fatalf("expected empty payment history, got %v", sub.PaymentHistory)
	}

	remote, ok := f.gateway.Subscription(sub.ProcessorSubscriptionID)
	if !ok {
		t.Fatalf("expected remote subscription %s", sub.ProcessorSubscriptionID)
	}
	if remote.Metadata["subscriber_id"] != f.subscriber.String() || remote.Metadata["creator_id"] != f.creator.String() {
		t.Fatalf("remote metadata missing platform ids: %v", remote.Metadata)
	}
	if got := f.subscriberCount(t); got != 1 {
		t.Fatalf("expected subscriber count 1, got %d", got)
	}
	if f.published.Count(events.TopicSubscriptionActivated) != 0 {
		t.Fatalf("incomplete subscriptions must not publish activation")
	}
}

func TestSubscribeWithTrialIsActive(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Subscribe(context.Background(), domain.SubscribeRequest{
		SubscriberID: f.subscriber,
		CreatorID:    f.creator,
		TrialDays:    7,
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub := res.Subscription
	if sub.Status != domain.StatusActive || !sub.IsTrial || sub.TrialEnd == nil {
		t.Fatalf("expected active trial, got %+v", sub)
	}
	if f.published.Count(events.TopicSubscriptionActivated) != 1 {
		t.Fatalf("expected activation event")
	}
}

func TestSubscribeRejectsSecondLiveSubscription(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t)

	_, err := f.svc.Subscribe(context.Background(), domain.SubscribeRequest{SubscriberID: f.subscriber, CreatorID: f.creator})
	if !errors.Is(err, domain.ErrAlreadySubscribed) {
		t.Fatalf("expected already subscribed, got %v", err)
	}
	if got := f.subscriberCount(t); got != 1 {
		t.Fatalf("expected subscriber count 1, got %d", got)
	}
}

func TestSubscribeConcurrentCallsYieldOneLiveSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const callers = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Subscribe(ctx, domain.SubscribeRequest{SubscriberID: f.subscriber, CreatorID: f.creator})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrAlreadySubscribed):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 || conflicts != callers-1 {
		t.Fatalf("expected 1 success and %d conflicts, got %d and %d", callers-1, succeeded, conflicts)
	}
	live := testkit.Count(t, f.db,
		"SELECT COUNT(*) FROM subscriptions WHERE subscriber_id = ? AND creator_id = ? AND status IN ('incomplete','active','past_due')",
		f.subscriber, f.creator)
	if live != 1 {
		t.Fatalf("expected one live subscription, got %d", live)
	}
	if got := f.subscriberCount(t); got != 1 {
		t.Fatalf("expected subscriber count 1, got %d", got)
	}
}

func TestSubscribeValidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]struct {
		req  domain.SubscribeRequest
		want error
	}{
		"self":             {domain.SubscribeRequest{SubscriberID: f.creator, CreatorID: f.creator}, domain.ErrSelfSubscription},
		"trial":            {domain.SubscribeRequest{SubscriberID: f.subscriber, CreatorID: f.creator, TrialDays: -1}, domain.ErrInvalidTrial},
		"interval":         {domain.SubscribeRequest{SubscriberID: f.subscriber, CreatorID: f.creator, Interval: "weekly"}, catalogdomain.ErrInvalidInterval},
		"unknown creator":  {domain.SubscribeRequest{SubscriberID: f.subscriber, CreatorID: f.node.Generate()}, domain.ErrCreatorNotFound},
		"unknown fan":      {domain.SubscribeRequest{SubscriberID: f.node.Generate(), CreatorID: f.creator}, domain.ErrSubscriberNotFound},
		"no yearly tier":   {domain.SubscribeRequest{SubscriberID: f.subscriber, CreatorID: f.creator, Interval: "year"}, catalogdomain.ErrTierNotFound},
		"missing creator":  {domain.SubscribeRequest{SubscriberID: f.subscriber}, domain.ErrCreatorNotFound},
		"missing follower": {domain.SubscribeRequest{CreatorID: f.creator}, domain.ErrSubscriberNotFound},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := f.svc.Subscribe(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if n := testkit.Count(t, f.db, "SELECT COUNT(*) FROM subscriptions"); n != 0 {
		t.Fatalf("expected no subscriptions, got %d", n)
	}
}

func TestSubscribeGatewayFailureStoresNothing(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("processor down")
	f.gateway.FailNext(fake.OpCreateSubscription, boom)

	_, err := f.svc.Subscribe(context.Background(), domain.SubscribeRequest{SubscriberID: f.subscriber, CreatorID: f.creator})
	if !errors.Is(err, boom) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	if n := testkit.Count(t, f.db, "SELECT COUNT(*) FROM subscriptions"); n != 0 {
		t.Fatalf("expected no subscriptions, got %d", n)
	}
	if got := f.subscriberCount(t); got != 0 {
		t.Fatalf("expected subscriber count 0, got %d", got)
	}
}

func TestCancelAtPeriodEndKeepsAccess(t *testing.T) {
	f := newFixture(t)
	sub := f.subscribe(t)
	ctx := context.Background()

	got, err := f.svc.Cancel(ctx, sub.ID, domain.CancelRequest{Reason: "too expensive"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != domain.StatusIncomplete || !got.CancelAtPeriodEnd || got.CancelReason != "too expensive" {
		t.Fatalf("unexpected subscription after cancel: %+v", got)
	}
	remote, _ := f.gateway.Subscription(sub.ProcessorSubscriptionID)
	if !remote.CancelAtPeriodEnd {
		t.Fatalf("expected remote cancel at period end")
	}
	if count := f.subscriberCount(t); count != 1 {
		t.Fatalf("expected subscriber count 1, got %d", count)
	}
	if f.published.Count(events.TopicSubscriptionCancelled) != 0 {
		t.Fatalf("cancel at period end must not publish cancellation yet")
	}
}

func TestCancelImmediately(t *testing.T) {
	f := newFixture(t)
	sub := f.subscribe(t)
	ctx := context.Background()

	got, err := f.svc.Cancel(ctx, sub.ID, domain.CancelRequest{Immediately: true})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != domain.StatusCancelled || got.CancelledAt == nil || got.CancelAtPeriodEnd {
		t.Fatalf("unexpected subscription after cancel: %+v", got)
	}
	if count := f.subscriberCount(t); count != 0 {
		t.Fatalf("expected subscriber count 0, got %d", count)
	}
	if f.published.Count(events.TopicSubscriptionCancelled) != 1 {
		t.Fatalf("expected one cancellation event")
	}

	again, err := f.svc.Cancel(ctx, sub.ID, domain.CancelRequest{Immediately: true})
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if again.Version != got.Version {
		t.Fatalf("expected repeated cancel to be a no-op")
	}
	if f.gateway.Calls(fake.OpCancelSubscription) != 1 {
		t.Fatalf("expected a single remote cancel")
	}

	// A cancelled subscription frees the pair.
	res, err := f.svc.Subscribe(ctx, domain.SubscribeRequest{SubscriberID: f.subscriber, CreatorID: f.creator})
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if res.Subscription.ProcessorSubscriptionID == sub.ProcessorSubscriptionID {
		t.Fatalf("expected a new remote subscription")
	}
}

func TestCancelUnknownSubscription(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Cancel(context.Background(), f.node.Generate(), domain.CancelRequest{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListBySubscriberIncludesHistory(t *testing.T) {
	f := newFixture(t)
	sub := f.subscribe(t)
	ctx := context.Background()

	err := f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.sync.RecordPayment(ctx, tx, domain.Payment{
			SubscriptionID:    sub.ID,
			ExternalPaymentID: "pi_1",
			InvoiceID:         "in_1",
			Amount:            500,
			Currency:          "usd",
			PaidAt:            f.clock.Now(),
		})
		return err
	})
	if err != nil {
		t.Fatalf("record payment: %v", err)
	}

	subs, err := f.svc.ListBySubscriber(ctx, f.subscriber)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 1 || len(subs[0].PaymentHistory) != 1 || subs[0].PaymentHistory[0].Amount != 500 {
		t.Fatalf("unexpected list: %+v", subs)
	}

	none, err := f.svc.ListBySubscriber(ctx, f.creator)
	if err != nil || none == nil || len(none) != 0 {
		t.Fatalf("expected empty list, got %v err=%v", none, err)
	}
}

func TestRecomputeSubscriberCountRepairsDrift(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t)
	ctx := context.Background()

	if err := f.db.Exec("UPDATE users SET subscriber_count = 9 WHERE id = ?", f.creator).Error; err != nil {
		t.Fatalf("corrupt counter: %v", err)
	}
	count, err := f.svc.RecomputeSubscriberCount(ctx, f.creator)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if count != 1 || f.subscriberCount(t) != 1 {
		t.Fatalf("expected repaired count 1, got %d stored %d", count, f.subscriberCount(t))
	}

	checked, err := f.svc.RecomputeSubscriberCounts(ctx)
	if err != nil || checked != 2 {
		t.Fatalf("recompute all: checked=%d err=%v", checked, err)
	}

	n, err := f.svc.SubscriberCount(ctx, f.creator)
	if err != nil || n != 1 {
		t.Fatalf("subscriber count: %d err=%v", n, err)
	}
}
