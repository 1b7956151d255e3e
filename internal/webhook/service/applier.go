package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/patronage/internal/events"
	gatewaydomain "github.com/smallbiznis/patronage/internal/gateway/domain"
	ledgerdomain "github.com/smallbiznis/patronage/internal/ledger/domain"
	subscriptiondomain "github.com/smallbiznis/patronage/internal/subscription/domain"
	"github.com/smallbiznis/patronage/internal/webhook/domain"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// applier handles every event variant within one transaction and queues
// the effects that must wait for commit.
type applier struct {
	p         *Processor
	tx        *gorm.DB
	replaying bool
	outcome   string
	after     []func(ctx context.Context)
}

var _ gatewaydomain.Handler = (*applier)(nil)

func (a *applier) reset(tx *gorm.DB) {
	a.tx = tx
	a.outcome = domain.OutcomeNoop
	a.after = nil
}

func (a *applier) onCommit(fn func(ctx context.Context)) {
	a.after = append(a.after, fn)
}

func (a *applier) publish(ev events.Event) {
	a.onCommit(func(ctx context.Context) {
		a.p.publisher.Publish(ctx, ev)
	})
}

func (a *applier) replay(references ...string) {
	seen := map[string]struct{}{}
	for _, ref := range references {
		if ref == "" {
			continue
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		ref := ref
		a.onCommit(func(ctx context.Context) {
			if err := a.p.ReplayReference(ctx, ref); err != nil {
				a.p.log.Warn("replay deferred events failed", zap.String("reference", ref), zap.Error(err))
			}
		})
	}
}

func (a *applier) track(t subscriptiondomain.Transition) {
	if !t.Changed {
		return
	}
	a.outcome = domain.OutcomeApplied
	sub := t.Subscription
	if t.Created {
		a.replay(sub.ProcessorSubscriptionID)
	}
	topic := ""
	switch {
	case t.Activated():
		topic = events.TopicSubscriptionActivated
	case t.Cancelled():
		topic = events.TopicSubscriptionCancelled
	default:
		return
	}
	a.publish(events.Event{
		Topic:          topic,
		OccurredAt:     a.p.clock.Now(),
		SubscriptionID: sub.ID.String(),
		SubscriberID:   sub.SubscriberID.String(),
		CreatorID:      sub.CreatorID.String(),
		Currency:       sub.Currency,
	})
}

func (a *applier) HandleSubscriptionChanged(ctx context.Context, ev gatewaydomain.SubscriptionChanged) error {
	t, err := a.p.sync.ApplyRemote(ctx, a.tx, ev.Subscription)
	if err != nil {
		return err
	}
	if !t.Found {
		a.outcome = domain.OutcomeIgnored
		return nil
	}
	if !t.Changed {
		a.p.log.Debug("subscription update not applied",
			zap.String("processor_subscription_id", ev.Subscription.ID),
			zap.Time("incoming_period_end", ev.Subscription.PeriodEnd),
			zap.Time("stored_period_end", t.Subscription.CurrentPeriodEnd),
		)
	}
	a.track(t)
	return nil
}

func (a *applier) HandleSubscriptionDeleted(ctx context.Context, ev gatewaydomain.SubscriptionDeleted) error {
	t, err := a.p.sync.MarkDeleted(ctx, a.tx, ev.Subscription, ev.Env.Created)
	if err != nil {
		return err
	}
	if !t.Found {
		// Mirror it as already cancelled so a late "created" cannot revive it.
		remote := ev.Subscription
		remote.Status = gatewaydomain.StatusCancelled
		if remote.CanceledAt == nil {
			at := ev.Env.Created
			remote.CanceledAt = &at
		}
		t, err = a.p.sync.ApplyRemote(ctx, a.tx, remote)
		if err != nil {
			return err
		}
		if !t.Found {
			a.outcome = domain.OutcomeIgnored
			return nil
		}
	}
	a.track(t)
	return nil
}

func (a *applier) HandleInvoicePaid(ctx context.Context, ev gatewaydomain.InvoicePaid) error {
	sub, err := a.p.subscriptions.FindByProcessorID(ctx, a.tx, ev.ProcessorSubscriptionID)
	if err != nil {
		return err
	}
	if sub == nil {
		return a.deferEvent(ctx, ev.ProcessorSubscriptionID, ev)
	}
	if ev.AmountPaid <= 0 {
		a.p.log.Debug("zero amount invoice has no ledger effect",
			zap.String("invoice_id", ev.InvoiceID),
			zap.String("processor_subscription_id", ev.ProcessorSubscriptionID),
		)
		return nil
	}

	paidAt := ev.PaidAt
	if paidAt.IsZero() {
		paidAt = ev.Env.Created
	}
	subscriptionID := sub.ID
	payerID := sub.SubscriberID
	applied, err := a.p.ledger.Append(ctx, a.tx, ledgerdomain.Entry{
		CreatorID:         sub.CreatorID,
		ExternalPaymentID: ev.PaymentID,
		SubscriptionID:    &subscriptionID,
		PayerID:           &payerID,
		Kind:              ledgerdomain.EntryKindPayment,
		Amount:            ev.AmountPaid,
		Currency:          ev.Currency,
		OccurredAt:        paidAt,
	})
	if err != nil {
		return err
	}
	if !applied {
		a.outcome = domain.OutcomeDuplicate
		return nil
	}

	if _, err := a.p.sync.RecordPayment(ctx, a.tx, subscriptiondomain.Payment{
		SubscriptionID:    sub.ID,
		ExternalPaymentID: ev.PaymentID,
		InvoiceID:         ev.InvoiceID,
		Amount:            ev.AmountPaid,
		Currency:          ev.Currency,
		PaidAt:            paidAt,
	}); err != nil {
		return err
	}

	a.outcome = domain.OutcomeApplied
	a.publish(events.Event{
		Topic:             events.TopicPaymentSucceeded,
		OccurredAt:        paidAt,
		SubscriptionID:    sub.ID.String(),
		SubscriberID:      sub.SubscriberID.String(),
		CreatorID:         sub.CreatorID.String(),
		ExternalPaymentID: ev.PaymentID,
		Amount:            ev.AmountPaid,
		Currency:          ev.Currency,
	})
	a.replay(ev.PaymentID, ev.ChargeID)
	return nil
}

func (a *applier) HandleInvoicePaymentFailed(ctx context.Context, ev gatewaydomain.InvoicePaymentFailed) error {
	sub, err := a.p.subscriptions.FindByProcessorID(ctx, a.tx, ev.ProcessorSubscriptionID)
	if err != nil {
		return err
	}
	if sub == nil {
		return a.deferEvent(ctx, ev.ProcessorSubscriptionID, ev)
	}
	t, err := a.p.sync.MarkPastDue(ctx, a.tx, ev.ProcessorSubscriptionID)
	if err != nil {
		return err
	}
	if t.Changed {
		a.p.log.Info("subscription past due",
			zap.String("processor_subscription_id", ev.ProcessorSubscriptionID),
			zap.String("invoice_id", ev.InvoiceID),
			zap.Int64("attempt_count", ev.AttemptCount),
		)
	}
	a.track(t)
	return nil
}

func (a *applier) HandlePaymentReversed(ctx context.Context, ev gatewaydomain.PaymentReversed) error {
	refs := ev.PaymentRefs()
	if len(refs) == 0 || ev.Amount <= 0 || ev.ReversalID == "" {
		a.p.log.Warn("reversal without usable payment reference",
			zap.String("external_event_id", ev.Env.ID),
			zap.String("reversal_id", ev.ReversalID),
		)
		a.outcome = domain.OutcomeIgnored
		return nil
	}

	original, err := a.p.ledger.FindPayment(ctx, a.tx, refs...)
	if err != nil {
		return err
	}
	if original == nil {
		return a.deferEvent(ctx, refs[0], ev)
	}

	kind := ledgerdomain.EntryKindRefund
	if ev.Reason == gatewaydomain.ReversalChargeback {
		kind = ledgerdomain.EntryKindChargeback
	}
	currency := ev.Currency
	if currency == "" {
		currency = original.Currency
	}
	occurredAt := ev.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = ev.Env.Created
	}
	applied, err := a.p.ledger.Append(ctx, a.tx, ledgerdomain.Entry{
		CreatorID:         original.CreatorID,
		ExternalPaymentID: ev.ReversalID,
		SubscriptionID:    original.SubscriptionID,
		PayerID:           original.PayerID,
		OriginalPaymentID: original.ExternalPaymentID,
		Kind:              kind,
		Amount:            -ev.Amount,
		Currency:          currency,
		OccurredAt:        occurredAt,
	})
	if err != nil {
		return err
	}
	if !applied {
		a.outcome = domain.OutcomeDuplicate
		return nil
	}

	a.outcome = domain.OutcomeApplied
	out := events.Event{
		Topic:             events.TopicPaymentReversed,
		OccurredAt:        occurredAt,
		CreatorID:         original.CreatorID.String(),
		ExternalPaymentID: original.ExternalPaymentID,
		Amount:            -ev.Amount,
		Currency:          currency,
	}
	if original.SubscriptionID != nil {
		out.SubscriptionID = original.SubscriptionID.String()
	}
	if original.PayerID != nil {
		out.SubscriberID = original.PayerID.String()
	}
	a.publish(out)
	return nil
}

func (a *applier) HandlePayPerViewPaid(ctx context.Context, ev gatewaydomain.PayPerViewPaid) error {
	creatorID, cerr := snowflake.ParseString(ev.CreatorID)
	buyerID, berr := snowflake.ParseString(ev.BuyerID)
	if cerr != nil || berr != nil || creatorID == 0 {
		a.p.log.Warn("pay-per-view payment without platform ids",
			zap.String("payment_intent_id", ev.PaymentIntentID),
		)
		a.outcome = domain.OutcomeIgnored
		return nil
	}
	creator, err := a.p.users.FindByID(ctx, a.tx, creatorID)
	if err != nil {
		return err
	}
	if creator == nil {
		a.p.log.Warn("pay-per-view payment for unknown creator",
			zap.String("payment_intent_id", ev.PaymentIntentID),
			zap.String("creator_id", ev.CreatorID),
		)
		a.outcome = domain.OutcomeIgnored
		return nil
	}

	paidAt := ev.PaidAt
	if paidAt.IsZero() {
		paidAt = ev.Env.Created
	}
	applied, err := a.p.ledger.Append(ctx, a.tx, ledgerdomain.Entry{
		CreatorID:         creatorID,
		ExternalPaymentID: ev.PaymentIntentID,
		PayerID:           &buyerID,
		Kind:              ledgerdomain.EntryKindPayPerView,
		Amount:            ev.Amount,
		Currency:          ev.Currency,
		OccurredAt:        paidAt,
	})
	if err != nil {
		return err
	}
	if !applied {
		a.outcome = domain.OutcomeDuplicate
		return nil
	}

	a.outcome = domain.OutcomeApplied
	a.publish(events.Event{
		Topic:             events.TopicPayPerViewPurchased,
		OccurredAt:        paidAt,
		SubscriberID:      buyerID.String(),
		CreatorID:         creatorID.String(),
		ExternalPaymentID: ev.PaymentIntentID,
		Amount:            ev.Amount,
		Currency:          ev.Currency,
	})
	a.replay(ev.PaymentIntentID)
	return nil
}

func (a *applier) HandleIgnored(ctx context.Context, ev gatewaydomain.Ignored) error {
	a.outcome = domain.OutcomeIgnored
	return nil
}

// deferEvent parks ev until reference exists locally. During replay the
// event stays parked and the attempt is counted by the caller.
func (a *applier) deferEvent(ctx context.Context, reference string, ev gatewaydomain.Event) error {
	if a.replaying {
		return errStillDeferred
	}
	env := ev.Envelope()
	if reference == "" {
		a.p.log.Warn("event without reference cannot be deferred", zap.String("external_event_id", env.ID))
		a.outcome = domain.OutcomeIgnored
		return nil
	}
	kind, payload, err := gatewaydomain.Encode(ev)
	if err != nil {
		return err
	}

	now := a.p.clock.Now()
	row := domain.DeferredEvent{
		ID:              a.p.genID.Generate(),
		ExternalEventID: env.ID,
		Reference:       reference,
		Kind:            kind,
		Payload:         datatypes.JSON(payload),
		NextAttemptAt:   now.Add(backoff(0)),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	inserted, err := a.p.repo.InsertDeferred(ctx, a.tx, &row)
	if err != nil {
		return err
	}
	a.outcome = domain.OutcomeDeferred
	if inserted {
		a.p.obsMetrics.RecordDeferredEvent(ctx, "deferred")
		a.p.log.Info("event deferred until its reference is stored",
			zap.String("external_event_id", env.ID),
			zap.String("reference", reference),
			zap.String("kind", kind),
		)
	}
	return nil
}

// backoff grows from one minute and is capped at one hour.
func backoff(attempts int) time.Duration {
	if attempts >= 6 {
		return time.Hour
	}
	d := time.Minute << attempts
	if d > time.Hour {
		return time.Hour
	}
	return d
}
