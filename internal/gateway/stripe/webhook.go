package stripe

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/patronage/internal/gateway/domain"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// SignatureHeader is the header carrying the delivery signature.
const SignatureHeader = "Stripe-Signature"

// ParseEvent verifies the signature of a webhook delivery and translates
// the processor event into a billing event.
func ParseEvent(payload []byte, sigHeader, secret string, tolerance time.Duration) (domain.Event, error) {
	if strings.TrimSpace(sigHeader) == "" || strings.TrimSpace(secret) == "" {
		return nil, domain.ErrInvalidSignature
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, sigHeader, secret, tolerance); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}

	var event stripelib.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if event.ID == "" || event.Data == nil {
		return nil, domain.ErrInvalidPayload
	}

	ev, err := translate(event)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrInvalidPayload, event.Type, err)
	}
	return ev, nil
}

func translate(event stripelib.Event) (domain.Event, error) {
	env := domain.Envelope{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: unix(event.Created),
	}
	raw := event.Data.Raw

	switch string(event.Type) {
	case "customer.subscription.created", "customer.subscription.updated":
		remote, err := DecodeSubscription(raw)
		if err != nil {
			return nil, err
		}
		return domain.SubscriptionChanged{Env: env, Subscription: remote}, nil

	case "customer.subscription.deleted":
		remote, err := DecodeSubscription(raw)
		if err != nil {
			return nil, err
		}
		return domain.SubscriptionDeleted{Env: env, Subscription: remote}, nil

	case "invoice.paid", "invoice.payment_succeeded":
		var inv wireInvoice
		if err := json.Unmarshal(raw, &inv); err != nil {
			return nil, err
		}
		subID := inv.subscriptionID()
		if subID == "" {
			return domain.Ignored{Env: env}, nil
		}
		paymentIntentID, chargeID := inv.paymentRefs()
		paidAt := unix(inv.StatusTransitions.PaidAt)
		if paidAt.IsZero() {
			paidAt = env.Created
		}
		return domain.InvoicePaid{
			Env:                     env,
			InvoiceID:               inv.ID,
			ProcessorSubscriptionID: subID,
			PaymentID:               firstNonEmpty(paymentIntentID, chargeID, inv.ID),
			ChargeID:                chargeID,
			AmountPaid:              inv.AmountPaid,
			Currency:                strings.ToUpper(inv.Currency),
			PaidAt:                  paidAt,
		}, nil

	case "invoice.payment_failed":
		var inv wireInvoice
		if err := json.Unmarshal(raw, &inv); err != nil {
			return nil, err
		}
		subID := inv.subscriptionID()
		if subID == "" {
			return domain.Ignored{Env: env}, nil
		}
		return domain.InvoicePaymentFailed{
			Env:                     env,
			InvoiceID:               inv.ID,
			ProcessorSubscriptionID: subID,
			AttemptCount:            inv.AttemptCount,
		}, nil

	case "charge.refunded":
		var ch wireCharge
		if err := json.Unmarshal(raw, &ch); err != nil {
			return nil, err
		}
		return chargeRefunded(env, ch), nil

	case "charge.dispute.funds_withdrawn":
		var dp wireDispute
		if err := json.Unmarshal(raw, &dp); err != nil {
			return nil, err
		}
		return domain.PaymentReversed{
			Env:             env,
			Reason:          domain.ReversalChargeback,
			ReversalID:      dp.ID,
			PaymentIntentID: dp.PaymentIntent.ID,
			ChargeID:        dp.Charge.ID,
			Amount:          dp.Amount,
			Currency:        strings.ToUpper(dp.Currency),
			OccurredAt:      env.Created,
		}, nil

	case "payment_intent.succeeded":
		var pi wirePaymentIntent
		if err := json.Unmarshal(raw, &pi); err != nil {
			return nil, err
		}
		if pi.Metadata[domain.MetaPurpose] != domain.PurposePayPerView {
			return domain.Ignored{Env: env}, nil
		}
		amount := pi.AmountReceived
		if amount == 0 {
			amount = pi.Amount
		}
		return domain.PayPerViewPaid{
			Env:             env,
			PaymentIntentID: pi.ID,
			CreatorID:       pi.Metadata[domain.MetaCreatorID],
			BuyerID:         pi.Metadata[domain.MetaBuyerID],
			ContentRef:      pi.Metadata[domain.MetaContentRef],
			Amount:          amount,
			Currency:        strings.ToUpper(pi.Currency),
			PaidAt:          env.Created,
		}, nil

	default:
		return domain.Ignored{Env: env}, nil
	}
}

// chargeRefunded reports the most recent refund on the charge. Without an
// expanded refund list the cumulative refunded amount is keyed on the
// charge so a full refund still lands exactly once.
func chargeRefunded(env domain.Envelope, ch wireCharge) domain.Event {
	ev := domain.PaymentReversed{
		Env:             env,
		Reason:          domain.ReversalRefund,
		PaymentIntentID: ch.PaymentIntent.ID,
		ChargeID:        ch.ID,
		Currency:        strings.ToUpper(ch.Currency),
		OccurredAt:      env.Created,
	}
	if ch.Refunds != nil && len(ch.Refunds.Data) > 0 {
		latest := ch.Refunds.Data[0]
		for _, r := range ch.Refunds.Data[1:] {
			if r.Created > latest.Created {
				latest = r
			}
		}
		ev.ReversalID = latest.ID
		ev.Amount = latest.Amount
		if latest.Created > 0 {
			ev.OccurredAt = unix(latest.Created)
		}
		return ev
	}
	ev.ReversalID = fmt.Sprintf("%s:refunded:%d", ch.ID, ch.AmountRefunded)
	ev.Amount = ch.AmountRefunded
	return ev
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
