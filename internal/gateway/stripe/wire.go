package stripe

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/smallbiznis/patronage/internal/gateway/domain"
)

// ref decodes an expandable field that is either an id string or an object.
type ref struct {
	ID           string
	ClientSecret string
	Metadata     map[string]string
}

func (r *ref) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		return json.Unmarshal(b, &r.ID)
	}
	var obj struct {
		ID           string            `json:"id"`
		ClientSecret string            `json:"client_secret"`
		Metadata     map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	r.ID, r.ClientSecret, r.Metadata = obj.ID, obj.ClientSecret, obj.Metadata
	return nil
}

type list[T any] struct {
	Data []T `json:"data"`
}

type wirePrice struct {
	ID         string `json:"id"`
	UnitAmount int64  `json:"unit_amount"`
	Currency   string `json:"currency"`
	Recurring  *struct {
		Interval string `json:"interval"`
	} `json:"recurring"`
}

type wireSubscriptionItem struct {
	Price              wirePrice `json:"price"`
	CurrentPeriodStart int64     `json:"current_period_start"`
	CurrentPeriodEnd   int64     `json:"current_period_end"`
}

// Older API versions carry the billing period on the subscription, newer
// ones on each item. Both shapes are accepted.
type wireSubscription struct {
	ID                 string                     `json:"id"`
	Customer           ref                        `json:"customer"`
	Status             string                     `json:"status"`
	CurrentPeriodStart int64                      `json:"current_period_start"`
	CurrentPeriodEnd   int64                      `json:"current_period_end"`
	CancelAtPeriodEnd  bool                       `json:"cancel_at_period_end"`
	CanceledAt         int64                      `json:"canceled_at"`
	EndedAt            int64                      `json:"ended_at"`
	TrialEnd           int64                      `json:"trial_end"`
	Metadata           map[string]string          `json:"metadata"`
	Items              list[wireSubscriptionItem] `json:"items"`
	LatestInvoice      json.RawMessage            `json:"latest_invoice"`
}

type wireInvoicePayment struct {
	Payment struct {
		Type          string `json:"type"`
		PaymentIntent ref    `json:"payment_intent"`
		Charge        ref    `json:"charge"`
	} `json:"payment"`
}

type wireInvoice struct {
	ID           string `json:"id"`
	Subscription ref    `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription ref `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	PaymentIntent      ref                      `json:"payment_intent"`
	Charge             ref                      `json:"charge"`
	Payments           *list[wireInvoicePayment] `json:"payments"`
	AmountPaid         int64                    `json:"amount_paid"`
	Currency           string                   `json:"currency"`
	AttemptCount       int64                    `json:"attempt_count"`
	Created            int64                    `json:"created"`
	ConfirmationSecret *struct {
		ClientSecret string `json:"client_secret"`
	} `json:"confirmation_secret"`
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
}

func (inv wireInvoice) subscriptionID() string {
	if inv.Subscription.ID != "" {
		return inv.Subscription.ID
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return inv.Parent.SubscriptionDetails.Subscription.ID
	}
	return ""
}

// paymentRefs returns the payment intent and charge ids that settled the invoice.
func (inv wireInvoice) paymentRefs() (paymentIntentID, chargeID string) {
	paymentIntentID, chargeID = inv.PaymentIntent.ID, inv.Charge.ID
	if inv.Payments != nil {
		for _, p := range inv.Payments.Data {
			if paymentIntentID == "" {
				paymentIntentID = p.Payment.PaymentIntent.ID
			}
			if chargeID == "" {
				chargeID = p.Payment.Charge.ID
			}
		}
	}
	return paymentIntentID, chargeID
}

func (inv wireInvoice) clientSecret() string {
	if inv.ConfirmationSecret != nil && inv.ConfirmationSecret.ClientSecret != "" {
		return inv.ConfirmationSecret.ClientSecret
	}
	return inv.PaymentIntent.ClientSecret
}

type wireRefund struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
	Created  int64  `json:"created"`
}

type wireCharge struct {
	ID             string            `json:"id"`
	PaymentIntent  ref               `json:"payment_intent"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	Created        int64             `json:"created"`
	Refunds        *list[wireRefund] `json:"refunds"`
}

type wireDispute struct {
	ID            string `json:"id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Charge        ref    `json:"charge"`
	PaymentIntent ref    `json:"payment_intent"`
	Created       int64  `json:"created"`
}

type wirePaymentIntent struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	AmountReceived int64             `json:"amount_received"`
	Currency       string            `json:"currency"`
	Status         string            `json:"status"`
	ClientSecret   string            `json:"client_secret"`
	Metadata       map[string]string `json:"metadata"`
	Created        int64             `json:"created"`
}

func unix(ts int64) time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}

func unixPtr(ts int64) *time.Time {
	if ts <= 0 {
		return nil
	}
	t := unix(ts)
	return &t
}

// mapStatus folds processor statuses into the platform vocabulary.
func mapStatus(status string) (mapped string, trial bool) {
	switch status {
	case "trialing":
		return domain.StatusActive, true
	case "active":
		return domain.StatusActive, false
	case "incomplete":
		return domain.StatusIncomplete, false
	case "past_due":
		return domain.StatusPastDue, false
	case "unpaid":
		return domain.StatusUnpaid, false
	case "canceled":
		return domain.StatusCancelled, false
	default:
		// paused, incomplete_expired and anything newer.
		return domain.StatusInactive, false
	}
}

func (s wireSubscription) toRemote() domain.RemoteSubscription {
	status, trial := mapStatus(s.Status)
	remote := domain.RemoteSubscription{
		ID:                s.ID,
		CustomerID:        s.Customer.ID,
		Status:            status,
		IsTrial:           trial,
		TrialEnd:          unixPtr(s.TrialEnd),
		PeriodStart:       unix(s.CurrentPeriodStart),
		PeriodEnd:         unix(s.CurrentPeriodEnd),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		CanceledAt:        unixPtr(s.CanceledAt),
		Metadata:          s.Metadata,
	}
	if len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		remote.PriceID = item.Price.ID
		remote.AmountMinor = item.Price.UnitAmount
		remote.Currency = strings.ToUpper(item.Price.Currency)
		if item.Price.Recurring != nil {
			remote.Interval = item.Price.Recurring.Interval
		}
		if remote.PeriodEnd.IsZero() {
			remote.PeriodStart = unix(item.CurrentPeriodStart)
			remote.PeriodEnd = unix(item.CurrentPeriodEnd)
		}
	}
	if status == domain.StatusCancelled && remote.CanceledAt == nil {
		remote.CanceledAt = unixPtr(s.EndedAt)
	}
	if inv := bytes.TrimSpace(s.LatestInvoice); len(inv) > 0 && inv[0] == '{' {
		var latest wireInvoice
		if err := json.Unmarshal(inv, &latest); err == nil {
			remote.ClientSecret = latest.clientSecret()
		}
	}
	return remote
}

// DecodeSubscription translates a subscription object in the processor's
// wire format.
func DecodeSubscription(raw []byte) (domain.RemoteSubscription, error) {
	var sub wireSubscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return domain.RemoteSubscription{}, err
	}
	return sub.toRemote(), nil
}
