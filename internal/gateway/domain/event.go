package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Event is a closed set of billing notifications. Dispatch goes through
// Accept so every variant must be handled by every Handler.
type Event interface {
	Envelope() Envelope
	Accept(ctx context.Context, h Handler) error
}

// Handler visits each Event variant.
type Handler interface {
	HandleSubscriptionChanged(ctx context.Context, ev SubscriptionChanged) error
	HandleSubscriptionDeleted(ctx context.Context, ev SubscriptionDeleted) error
	HandleInvoicePaid(ctx context.Context, ev InvoicePaid) error
	HandleInvoicePaymentFailed(ctx context.Context, ev InvoicePaymentFailed) error
	HandlePaymentReversed(ctx context.Context, ev PaymentReversed) error
	HandlePayPerViewPaid(ctx context.Context, ev PayPerViewPaid) error
	HandleIgnored(ctx context.Context, ev Ignored) error
}

// Envelope carries the processor metadata shared by every variant.
type Envelope struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Created time.Time `json:"created"`
}

// Variant kinds, also used as the persisted discriminator for deferred events.
const (
	KindSubscriptionChanged  = "subscription_changed"
	KindSubscriptionDeleted  = "subscription_deleted"
	KindInvoicePaid          = "invoice_paid"
	KindInvoicePaymentFailed = "invoice_payment_failed"
	KindPaymentReversed      = "payment_reversed"
	KindPayPerViewPaid       = "pay_per_view_paid"
	KindIgnored              = "ignored"
)

type SubscriptionChanged struct {
	Env          Envelope           `json:"envelope"`
	Subscription RemoteSubscription `json:"subscription"`
}

func (e SubscriptionChanged) Envelope() Envelope { return e.Env }
func (e SubscriptionChanged) Accept(ctx context.Context, h Handler) error {
	return h.HandleSubscriptionChanged(ctx, e)
}

type SubscriptionDeleted struct {
	Env          Envelope           `json:"envelope"`
	Subscription RemoteSubscription `json:"subscription"`
}

func (e SubscriptionDeleted) Envelope() Envelope { return e.Env }
func (e SubscriptionDeleted) Accept(ctx context.Context, h Handler) error {
	return h.HandleSubscriptionDeleted(ctx, e)
}

type InvoicePaid struct {
	Env                     Envelope  `json:"envelope"`
	InvoiceID               string    `json:"invoice_id"`
	ProcessorSubscriptionID string    `json:"processor_subscription_id"`
	PaymentID               string    `json:"payment_id"`
	ChargeID                string    `json:"charge_id,omitempty"`
	AmountPaid              int64     `json:"amount_paid"`
	Currency                string    `json:"currency"`
	PaidAt                  time.Time `json:"paid_at"`
}

func (e InvoicePaid) Envelope() Envelope { return e.Env }
func (e InvoicePaid) Accept(ctx context.Context, h Handler) error {
	return h.HandleInvoicePaid(ctx, e)
}

type InvoicePaymentFailed struct {
	Env                     Envelope `json:"envelope"`
	InvoiceID               string   `json:"invoice_id"`
	ProcessorSubscriptionID string   `json:"processor_subscription_id"`
	AttemptCount            int64    `json:"attempt_count"`
}

func (e InvoicePaymentFailed) Envelope() Envelope { return e.Env }
func (e InvoicePaymentFailed) Accept(ctx context.Context, h Handler) error {
	return h.HandleInvoicePaymentFailed(ctx, e)
}

// Reversal kinds.
const (
	ReversalRefund     = "refund"
	ReversalChargeback = "chargeback"
)

// PaymentReversed pulls money back out of a creator's earnings. ReversalID
// is unique per reversal so each one is applied once.
type PaymentReversed struct {
	Env             Envelope  `json:"envelope"`
	Reason          string    `json:"reason"`
	ReversalID      string    `json:"reversal_id"`
	PaymentIntentID string    `json:"payment_intent_id,omitempty"`
	ChargeID        string    `json:"charge_id,omitempty"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	OccurredAt      time.Time `json:"occurred_at"`
}

func (e PaymentReversed) Envelope() Envelope { return e.Env }
func (e PaymentReversed) Accept(ctx context.Context, h Handler) error {
	return h.HandlePaymentReversed(ctx, e)
}

// PaymentRefs lists the identifiers the original payment may be recorded under.
func (e PaymentReversed) PaymentRefs() []string {
	refs := make([]string, 0, 2)
	if e.PaymentIntentID != "" {
		refs = append(refs, e.PaymentIntentID)
	}
	if e.ChargeID != "" {
		refs = append(refs, e.ChargeID)
	}
	return refs
}

type PayPerViewPaid struct {
	Env             Envelope  `json:"envelope"`
	PaymentIntentID string    `json:"payment_intent_id"`
	CreatorID       string    `json:"creator_id"`
	BuyerID         string    `json:"buyer_id"`
	ContentRef      string    `json:"content_ref,omitempty"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	PaidAt          time.Time `json:"paid_at"`
}

func (e PayPerViewPaid) Envelope() Envelope { return e.Env }
func (e PayPerViewPaid) Accept(ctx context.Context, h Handler) error {
	return h.HandlePayPerViewPaid(ctx, e)
}

type Ignored struct {
	Env Envelope `json:"envelope"`
}

func (e Ignored) Envelope() Envelope { return e.Env }
func (e Ignored) Accept(ctx context.Context, h Handler) error {
	return h.HandleIgnored(ctx, e)
}

// KindOf names the variant of ev.
func KindOf(ev Event) string {
	switch ev.(type) {
	case SubscriptionChanged:
		return KindSubscriptionChanged
	case SubscriptionDeleted:
		return KindSubscriptionDeleted
	case InvoicePaid:
		return KindInvoicePaid
	case InvoicePaymentFailed:
		return KindInvoicePaymentFailed
	case PaymentReversed:
		return KindPaymentReversed
	case PayPerViewPaid:
		return KindPayPerViewPaid
	default:
		return KindIgnored
	}
}

// Encode serializes ev for later replay.
func Encode(ev Event) (kind string, payload []byte, err error) {
	payload, err = json.Marshal(ev)
	if err != nil {
		return "", nil, err
	}
	return KindOf(ev), payload, nil
}

// Decode restores an event persisted with Encode.
func Decode(kind string, payload []byte) (Event, error) {
	switch kind {
	case KindSubscriptionChanged:
		return decodeAs[SubscriptionChanged](payload)
	case KindSubscriptionDeleted:
		return decodeAs[SubscriptionDeleted](payload)
	case KindInvoicePaid:
		return decodeAs[InvoicePaid](payload)
	case KindInvoicePaymentFailed:
		return decodeAs[InvoicePaymentFailed](payload)
	case KindPaymentReversed:
		return decodeAs[PaymentReversed](payload)
	case KindPayPerViewPaid:
		return decodeAs[PayPerViewPaid](payload)
	case KindIgnored:
		return decodeAs[Ignored](payload)
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
}

func decodeAs[T Event](payload []byte) (Event, error) {
	var ev T
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}
