package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/patronage/internal/apperr"
	gatewaydomain "github.com/smallbiznis/patronage/internal/gateway/domain"
	"gorm.io/gorm"
)

type SubscribeRequest struct {
	SubscriberID snowflake.ID `json:"subscriber_id"`
	CreatorID    snowflake.ID `json:"creator_id"`
	Interval     string       `json:"interval"`
	TrialDays    int64        `json:"trial_days"`
}

type SubscribeResult struct {
	Subscription Subscription `json:"subscription"`
	// ClientSecret confirms the first payment client side. A successful
	// subscribe is not proof of entitlement.
	ClientSecret string `json:"client_secret,omitempty"`
}

type CancelRequest struct {
	Immediately bool   `json:"immediately"`
	Reason      string `json:"reason"`
}

type Service interface {
	Subscribe(ctx context.Context, req SubscribeRequest) (SubscribeResult, error)
	Cancel(ctx context.Context, id snowflake.ID, req CancelRequest) (Subscription, error)
	Get(ctx context.Context, id snowflake.ID) (Subscription, error)
	ListBySubscriber(ctx context.Context, subscriberID snowflake.ID) ([]Subscription, error)
	SubscriberCount(ctx context.Context, creatorID snowflake.ID) (int64, error)
	RecomputeSubscriberCount(ctx context.Context, creatorID snowflake.ID) (int64, error)
	RecomputeSubscriberCounts(ctx context.Context) (int, error)
}

// Transition describes the outcome of applying processor state to a row.
type Transition struct {
	Subscription Subscription
	Previous     Status
	Found        bool
	Created      bool
	Changed      bool
}

func (t Transition) Activated() bool {
	if !t.Changed || t.Subscription.Status != StatusActive {
		return false
	}
	return t.Created || !t.Previous.Entitling()
}

func (t Transition) Cancelled() bool {
	return t.Changed && t.Subscription.Status == StatusCancelled && t.Previous != StatusCancelled
}

// StateSync applies processor-authoritative state. Every method runs inside
// the caller's transaction.
type StateSync interface {
	ApplyRemote(ctx context.Context, tx *gorm.DB, remote gatewaydomain.RemoteSubscription) (Transition, error)
	MarkDeleted(ctx context.Context, tx *gorm.DB, remote gatewaydomain.RemoteSubscription, at time.Time) (Transition, error)
	MarkPastDue(ctx context.Context, tx *gorm.DB, processorSubscriptionID string) (Transition, error)
	RecordPayment(ctx context.Context, tx *gorm.DB, payment Payment) (bool, error)
}

// DeferredReplayer re-applies webhook events that arrived before the
// subscription they reference was stored.
type DeferredReplayer interface {
	ReplayReference(ctx context.Context, reference string) error
}

var (
	ErrNotFound            = apperr.New(apperr.KindNotFound, "subscription_not_found")
	ErrSubscriberNotFound  = apperr.New(apperr.KindNotFound, "subscriber_not_found")
	ErrCreatorNotFound     = apperr.New(apperr.KindNotFound, "creator_not_found")
	ErrAlreadySubscribed   = apperr.New(apperr.KindConflict, "subscription_exists")
	ErrConcurrentUpdate    = apperr.New(apperr.KindConflict, "subscription_concurrent_update")
	ErrSelfSubscription    = apperr.New(apperr.KindValidation, "self_subscription")
	ErrInvalidTrial        = apperr.New(apperr.KindValidation, "invalid_trial_days")
	ErrInvalidSubscription = apperr.New(apperr.KindValidation, "invalid_subscription")
)
