package fake

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	stripegw "github.com/smallbiznis/patronage/internal/gateway/stripe"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Delivery is one signed webhook request body plus headers.
type Delivery struct {
	EventID string
	Type    string
	// Ref is the id of the processor object the delivery created, if any.
	Ref     string
	Payload []byte
	Header  http.Header
}

// Request builds an HTTP request for the delivery.
func (d Delivery) Request(target string) *http.Request {
	req, _ := http.NewRequest(http.MethodPost, target, bytes.NewReader(d.Payload))
	for k, values := range d.Header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	return req
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func (g *Gateway) subscriptionObject(sub *subscription) map[string]any {
	obj := map[string]any{
		"id":                   sub.id,
		"object":               "subscription",
		"customer":             sub.customerID,
		"status":               sub.status,
		"cancel_at_period_end": sub.cancelAtPeriodEnd,
		"metadata":             sub.metadata,
		"items": map[string]any{
			"object": "list",
			"data": []map[string]any{{
				"current_period_start": sub.periodStart.Unix(),
				"current_period_end":   sub.periodEnd.Unix(),
				"price": map[string]any{
					"id":          sub.price.ID,
					"unit_amount": sub.price.AmountMinor,
					"currency":    strings.ToLower(sub.price.Currency),
					"recurring":   map[string]any{"interval": sub.price.Interval},
				},
			}},
		},
	}
	if ts := unixOrZero(sub.trialEnd); ts > 0 {
		obj["trial_end"] = ts
	}
	if ts := unixOrZero(sub.canceledAt); ts > 0 {
		obj["canceled_at"] = ts
		obj["ended_at"] = ts
	}
	return obj
}

func (g *Gateway) envelope(eventType string, object map[string]any) (string, []byte) {
	id := g.nextID("evt")
	payload, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     g.clock.Now().Unix(),
		"api_version": "2025-03-31.basil",
		"data":        map[string]any{"object": object},
	})
	if err != nil {
		panic(fmt.Sprintf("fake gateway: encode event: %v", err))
	}
	return id, payload
}

// sign stamps a payload with a current signature.
func (g *Gateway) sign(eventID, eventType, ref string, payload []byte) Delivery {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    g.secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	header := http.Header{}
	header.Set(stripegw.SignatureHeader, signed.Header)
	header.Set("Content-Type", "application/json")
	return Delivery{EventID: eventID, Type: eventType, Ref: ref, Payload: signed.Payload, Header: header}
}

func (g *Gateway) emit(eventType, ref string, object map[string]any) Delivery {
	id, payload := g.envelope(eventType, object)
	return g.sign(id, eventType, ref, payload)
}

// Redeliver re-signs a delivery so it can be sent again, as the processor
// does on retries.
func (g *Gateway) Redeliver(d Delivery) Delivery {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sign(d.EventID, d.Type, d.Ref, d.Payload)
}

// Tampered returns a copy of d whose body no longer matches its signature.
func Tampered(d Delivery) Delivery {
	payload := append([]byte(nil), d.Payload...)
	payload = append(payload, ' ')
	return Delivery{EventID: d.EventID, Type: d.Type, Ref: d.Ref, Payload: payload, Header: d.Header.Clone()}
}

func (g *Gateway) subscriptionEvent(eventType, subID string, mutate func(*subscription)) Delivery {
	g.mu.Lock()
	defer g.mu.Unlock()
	sub, ok := g.subscriptions[subID]
	if !ok {
		panic(fmt.Sprintf("fake gateway: unknown subscription %s", subID))
	}
	if mutate != nil {
		mutate(sub)
	}
	return g.emit(eventType, sub.id, g.subscriptionObject(sub))
}

// SubscriptionCreated reports the subscription as it stands.
func (g *Gateway) SubscriptionCreated(subID string) Delivery {
	return g.subscriptionEvent("customer.subscription.created", subID, nil)
}

// SubscriptionUpdated reports the subscription as it stands.
func (g *Gateway) SubscriptionUpdated(subID string) Delivery {
	return g.subscriptionEvent("customer.subscription.updated", subID, nil)
}

// SetStatus moves the subscription to a processor status and reports it.
func (g *Gateway) SetStatus(subID, status string) Delivery {
	return g.subscriptionEvent("customer.subscription.updated", subID, func(sub *subscription) {
		sub.status = status
	})
}

// Activate marks the first payment as settled.
func (g *Gateway) Activate(subID string) Delivery {
	return g.SetStatus(subID, "active")
}

// Renew rolls the subscription into its next billing period.
func (g *Gateway) Renew(subID string) Delivery {
	return g.subscriptionEvent("customer.subscription.updated", subID, func(sub *subscription) {
		sub.periodStart = sub.periodEnd
		sub.periodEnd = addInterval(sub.periodEnd, sub.price.Interval)
		sub.status = "active"
	})
}

// DeleteSubscription ends the subscription and reports the deletion.
func (g *Gateway) DeleteSubscription(subID string) Delivery {
	return g.subscriptionEvent("customer.subscription.deleted", subID, func(sub *subscription) {
		sub.status = "canceled"
		sub.cancelAtPeriodEnd = false
		if sub.canceledAt.IsZero() {
			sub.canceledAt = g.clock.Now().Truncate(time.Second)
		}
	})
}

// InvoicePaid settles an invoice for the subscription's current period. The
// created payment intent id is returned in Ref.
func (g *Gateway) InvoicePaid(subID string) Delivery {
	g.mu.Lock()
	defer g.mu.Unlock()
	sub, ok := g.subscriptions[subID]
	if !ok {
		panic(fmt.Sprintf("fake gateway: unknown subscription %s", subID))
	}
	piID := g.nextID("pi")
	pi := &paymentIntent{chargeID: g.nextID("ch")}
	pi.ID = piID
	pi.AmountMinor = sub.price.AmountMinor
	pi.Currency = sub.price.Currency
	pi.Status = "succeeded"
	g.intents[piID] = pi

	now := g.clock.Now().Unix()
	return g.emit("invoice.paid", piID, map[string]any{
		"id":             g.nextID("in"),
		"object":         "invoice",
		"customer":       sub.customerID,
		"subscription":   sub.id,
		"payment_intent": piID,
		"charge":         pi.chargeID,
		"amount_paid":    sub.price.AmountMinor,
		"currency":       strings.ToLower(sub.price.Currency),
		"status":         "paid",
		"status_transitions": map[string]any{
			"paid_at": now,
		},
		"lines": map[string]any{"object": "list", "data": []map[string]any{{
			"period": map[string]any{"start": sub.periodStart.Unix(), "end": sub.periodEnd.Unix()},
		}}},
	})
}

// InvoicePaymentFailed reports a failed renewal attempt.
func (g *Gateway) InvoicePaymentFailed(subID string) Delivery {
	g.mu.Lock()
	defer g.mu.Unlock()
	sub, ok := g.subscriptions[subID]
	if !ok {
		panic(fmt.Sprintf("fake gateway: unknown subscription %s", subID))
	}
	return g.emit("invoice.payment_failed", sub.id, map[string]any{
		"id":            g.nextID("in"),
		"object":        "invoice",
		"customer":      sub.customerID,
		"subscription":  sub.id,
		"amount_paid":   0,
		"amount_due":    sub.price.AmountMinor,
		"attempt_count": 1,
		"currency":      strings.ToLower(sub.price.Currency),
		"status":        "open",
	})
}

// Refund refunds amount of a payment intent and reports charge.refunded.
// The refund id is returned in Ref.
func (g *Gateway) Refund(paymentIntentID string, amount int64) Delivery {
	g.mu.Lock()
	defer g.mu.Unlock()
	pi, ok := g.intents[paymentIntentID]
	if !ok {
		panic(fmt.Sprintf("fake gateway: unknown payment intent %s", paymentIntentID))
	}
	refundID := g.nextID("re")
	now := g.clock.Now().Unix()
	return g.emit("charge.refunded", refundID, map[string]any{
		"id":              pi.chargeID,
		"object":          "charge",
		"payment_intent":  pi.ID,
		"amount":          pi.AmountMinor,
		"amount_refunded": amount,
		"currency":        strings.ToLower(pi.Currency),
		"refunded":        amount >= pi.AmountMinor,
		"refunds": map[string]any{"object": "list", "data": []map[string]any{{
			"id": refundID, "object": "refund", "amount": amount, "currency": strings.ToLower(pi.Currency),
			"status": "succeeded", "created": now,
		}}},
	})
}

// Dispute withdraws amount of a payment intent after a chargeback. The
// dispute id is returned in Ref.
func (g *Gateway) Dispute(paymentIntentID string, amount int64) Delivery {
	g.mu.Lock()
	defer g.mu.Unlock()
	pi, ok := g.intents[paymentIntentID]
	if !ok {
		panic(fmt.Sprintf("fake gateway: unknown payment intent %s", paymentIntentID))
	}
	disputeID := g.nextID("dp")
	return g.emit("charge.dispute.funds_withdrawn", disputeID, map[string]any{
		"id":             disputeID,
		"object":         "dispute",
		"amount":         amount,
		"currency":       strings.ToLower(pi.Currency),
		"charge":         pi.chargeID,
		"payment_intent": pi.ID,
		"status":         "lost",
	})
}

// PaymentIntentSucceeded settles a payment intent created through
// CreatePaymentIntent.
func (g *Gateway) PaymentIntentSucceeded(paymentIntentID string) Delivery {
	g.mu.Lock()
	defer g.mu.Unlock()
	pi, ok := g.intents[paymentIntentID]
	if !ok {
		panic(fmt.Sprintf("fake gateway: unknown payment intent %s", paymentIntentID))
	}
	pi.Status = "succeeded"
	return g.emit("payment_intent.succeeded", pi.ID, map[string]any{
		"id":              pi.ID,
		"object":          "payment_intent",
		"amount":          pi.AmountMinor,
		"amount_received": pi.AmountMinor,
		"currency":        strings.ToLower(pi.Currency),
		"status":          "succeeded",
		"latest_charge":   pi.chargeID,
		"metadata":        pi.Metadata,
	})
}

// Unhandled produces an event type the platform does not act on.
func (g *Gateway) Unhandled(eventType string) Delivery {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.emit(eventType, "", map[string]any{"id": g.nextID("obj"), "object": "unknown"})
}
