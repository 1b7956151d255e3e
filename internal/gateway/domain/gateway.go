package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/smallbiznis/patronage/internal/apperr"
)

//go:generate mockgen -destination=../mocks/mock_gateway.go -package=mocks github.com/smallbiznis/patronage/internal/gateway/domain PaymentGateway

// PaymentGateway is the external payment processor boundary. Every create
// call carries an idempotency key so a retried request never produces a
// second remote object.
type PaymentGateway interface {
	CreateCustomer(ctx context.Context, in CreateCustomerInput) (Customer, error)
	GetCustomer(ctx context.Context, id string) (Customer, error)
	CreateProduct(ctx context.Context, in CreateProductInput) (Product, error)
	CreatePrice(ctx context.Context, in CreatePriceInput) (Price, error)
	CreateSubscription(ctx context.Context, in CreateSubscriptionInput) (RemoteSubscription, error)
	CancelSubscription(ctx context.Context, in CancelSubscriptionInput) (RemoteSubscription, error)
	CreatePaymentIntent(ctx context.Context, in CreatePaymentIntentInput) (PaymentIntent, error)
	ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error)

	// ParseWebhook authenticates a delivery and decodes it into a billing
	// event. Authentication failures return ErrInvalidSignature.
	ParseWebhook(ctx context.Context, payload []byte, headers http.Header) (Event, error)
}

var (
	ErrNotFound            = apperr.New(apperr.KindNotFound, "gateway_resource_missing")
	ErrUpstreamUnavailable = apperr.New(apperr.KindUpstreamUnavailable, "gateway_unavailable")
	ErrRejected            = apperr.New(apperr.KindValidation, "gateway_rejected")
	ErrInvalidSignature    = apperr.New(apperr.KindAuthenticity, "invalid_webhook_signature")
	ErrInvalidPayload      = apperr.New(apperr.KindValidation, "invalid_webhook_payload")
)

// Metadata keys stamped on remote objects so webhooks can be traced back to
// platform users.
const (
	MetaPlatformUserID = "platform_user_id"
	MetaUsername       = "username"
	MetaCreatorID      = "creator_id"
	MetaSubscriberID   = "subscriber_id"
	MetaBuyerID        = "buyer_id"
	MetaInterval       = "interval"
	MetaPurpose        = "purpose"
	MetaContentRef     = "content_ref"

	PurposePayPerView = "pay_per_view"
)

type Customer struct {
	ID       string
	Email    string
	Deleted  bool
	Metadata map[string]string
}

type CreateCustomerInput struct {
	Email          string
	Name           string
	Metadata       map[string]string
	IdempotencyKey string
}

type Product struct {
	ID   string
	Name string
}

type CreateProductInput struct {
	Name string
	// StatementDescriptor is what the subscriber sees on their card
	// statement. Optional.
	StatementDescriptor string
	Metadata            map[string]string
	IdempotencyKey      string
}

type Price struct {
	ID          string
	ProductID   string
	AmountMinor int64
	Currency    string
	Interval    string
}

type CreatePriceInput struct {
	ProductID      string
	AmountMinor    int64
	Currency       string
	Interval       string
	IdempotencyKey string
}

type CreateSubscriptionInput struct {
	CustomerID     string
	PriceID        string
	TrialDays      int64
	Metadata       map[string]string
	IdempotencyKey string
}

type CancelSubscriptionInput struct {
	SubscriptionID string
	// Immediately ends access now; otherwise the subscription ends with
	// its current period.
	Immediately    bool
	IdempotencyKey string
}

type PaymentIntent struct {
	ID           string
	ClientSecret string
	AmountMinor  int64
	Currency     string
	Status       string
	Metadata     map[string]string
}

type CreatePaymentIntentInput struct {
	CustomerID     string
	AmountMinor    int64
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
}

type PaymentMethod struct {
	ID       string `json:"id"`
	Brand    string `json:"brand"`
	Last4    string `json:"last4"`
	ExpMonth int64  `json:"exp_month"`
	ExpYear  int64  `json:"exp_year"`
}

// Remote subscription statuses, already folded into the platform vocabulary.
const (
	StatusIncomplete = "incomplete"
	StatusActive     = "active"
	StatusPastDue    = "past_due"
	StatusUnpaid     = "unpaid"
	StatusCancelled  = "cancelled"
	StatusInactive   = "inactive"
)

// RemoteSubscription is the processor's view of a subscription.
type RemoteSubscription struct {
	ID                string            `json:"id"`
	CustomerID        string            `json:"customer_id"`
	PriceID           string            `json:"price_id"`
	Status            string            `json:"status"`
	IsTrial           bool              `json:"is_trial"`
	TrialEnd          *time.Time        `json:"trial_end,omitempty"`
	PeriodStart       time.Time         `json:"period_start"`
	PeriodEnd         time.Time         `json:"period_end"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CanceledAt        *time.Time        `json:"canceled_at,omitempty"`
	Interval          string            `json:"interval"`
	AmountMinor       int64             `json:"amount_minor"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	ClientSecret      string            `json:"-"`
}
