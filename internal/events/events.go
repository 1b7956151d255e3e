// Package events publishes billing lifecycle notifications for the rest of
// the platform (feeds, notifications, analytics).
package events

import (
	"context"
	"time"
)

// Topics.
const (
	TopicSubscriptionActivated = "billing.subscription.activated"
	TopicSubscriptionCancelled = "billing.subscription.cancelled"
	TopicPaymentSucceeded      = "billing.payment.succeeded"
	TopicPaymentReversed       = "billing.payment.reversed"
	TopicPayPerViewPurchased   = "billing.pay_per_view.purchased"
)

// Topics lists every topic published by the billing core.
var Topics = []string{
	TopicSubscriptionActivated,
	TopicSubscriptionCancelled,
	TopicPaymentSucceeded,
	TopicPaymentReversed,
	TopicPayPerViewPurchased,
}

type Event struct {
	Topic             string    `json:"topic"`
	OccurredAt        time.Time `json:"occurred_at"`
	SubscriptionID    string    `json:"subscription_id,omitempty"`
	SubscriberID      string    `json:"subscriber_id,omitempty"`
	CreatorID         string    `json:"creator_id,omitempty"`
	ExternalPaymentID string    `json:"external_payment_id,omitempty"`
	Amount            int64     `json:"amount,omitempty"`
	Currency          string    `json:"currency,omitempty"`
}

// Publisher is fire-and-forget: delivery failures are logged by the
// implementation and never fail the billing operation that emitted them.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) {}

func NewNop() Publisher { return nopPublisher{} }
