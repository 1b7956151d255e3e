package stripe

import (
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/patronage/internal/apperr"
	"github.com/smallbiznis/patronage/internal/gateway/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
)

const testSecret = "whsec_test_secret"

func sign(t *testing.T, payload string) (string, []byte) {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	return signed.Header, signed.Payload
}

func parse(t *testing.T, payload string) domain.Event {
	t.Helper()
	header, body := sign(t, payload)
	ev, err := ParseEvent(body, header, testSecret, 5*time.Minute)
	require.NoError(t, err)
	return ev
}

func TestParseSubscriptionUpdatedItemPeriod(t *testing.T) {
	ev := parse(t, `{"id":"evt_1","object":"event","type":"customer.subscription.updated","created":1767225600,
		"data":{"object":{"id":"sub_1","customer":"cus_1","status":"trialing","cancel_at_period_end":false,"trial_end":1767830400,
		"metadata":{"subscriber_id":"11","creator_id":"22"},
		"items":{"data":[{"current_period_start":1767225600,"current_period_end":1769904000,
		"price":{"id":"price_1","unit_amount":999,"currency":"usd","recurring":{"interval":"month"}}}]}}}}`)

	changed, ok := ev.(domain.SubscriptionChanged)
	require.True(t, ok)
	sub := changed.Subscription
	assert.Equal(t, "sub_1", sub.ID)
	assert.Equal(t, "cus_1", sub.CustomerID)
	assert.Equal(t, domain.StatusActive, sub.Status)
	assert.True(t, sub.IsTrial)
	assert.Equal(t, int64(999), sub.AmountMinor)
	assert.Equal(t, "USD", sub.Currency)
	assert.Equal(t, "month", sub.Interval)
	assert.Equal(t, time.Unix(1769904000, 0).UTC(), sub.PeriodEnd)
	assert.Equal(t, "22", sub.Metadata[domain.MetaCreatorID])
	assert.Equal(t, "evt_1", changed.Envelope().ID)
}

func TestParseSubscriptionLegacyPeriod(t *testing.T) {
	ev := parse(t, `{"id":"evt_2","object":"event","type":"customer.subscription.deleted","created":1767225600,
		"data":{"object":{"id":"sub_1","customer":{"id":"cus_1"},"status":"canceled","ended_at":1767300000,
		"current_period_start":1767225600,"current_period_end":1769904000,"items":{"data":[]}}}}`)

	deleted, ok := ev.(domain.SubscriptionDeleted)
	require.True(t, ok)
	assert.Equal(t, domain.StatusCancelled, deleted.Subscription.Status)
	assert.Equal(t, "cus_1", deleted.Subscription.CustomerID)
	require.NotNil(t, deleted.Subscription.CanceledAt)
	assert.Equal(t, time.Unix(1767300000, 0).UTC(), *deleted.Subscription.CanceledAt)
	assert.Equal(t, time.Unix(1769904000, 0).UTC(), deleted.Subscription.PeriodEnd)
}

func TestParseInvoicePaidBothShapes(t *testing.T) {
	legacy := parse(t, `{"id":"evt_3","object":"event","type":"invoice.paid","created":1767225600,
		"data":{"object":{"id":"in_1","subscription":"sub_1","payment_intent":"pi_1","charge":"ch_1",
		"amount_paid":999,"currency":"usd","status_transitions":{"paid_at":1767225700}}}}`)
	paid, ok := legacy.(domain.InvoicePaid)
	require.True(t, ok)
	assert.Equal(t, "sub_1", paid.ProcessorSubscriptionID)
	assert.Equal(t, "pi_1", paid.PaymentID)
	assert.Equal(t, "ch_1", paid.ChargeID)
	assert.Equal(t, int64(999), paid.AmountPaid)
	assert.Equal(t, time.Unix(1767225700, 0).UTC(), paid.PaidAt)

	current := parse(t, `{"id":"evt_4","object":"event","type":"invoice.payment_succeeded","created":1767225600,
		"data":{"object":{"id":"in_2","parent":{"subscription_details":{"subscription":"sub_2"}},
		"payments":{"data":[{"payment":{"type":"payment_intent","payment_intent":"pi_2"}}]},
		"amount_paid":500,"currency":"eur"}}}`)
	paid, ok = current.(domain.InvoicePaid)
	require.True(t, ok)
	assert.Equal(t, "sub_2", paid.ProcessorSubscriptionID)
	assert.Equal(t, "pi_2", paid.PaymentID)
	assert.Equal(t, "EUR", paid.Currency)
	assert.Equal(t, time.Unix(1767225600, 0).UTC(), paid.PaidAt)
}

func TestParseInvoiceWithoutSubscriptionIsIgnored(t *testing.T) {
	ev := parse(t, `{"id":"evt_5","object":"event","type":"invoice.paid","created":1,"data":{"object":{"id":"in_3","amount_paid":100}}}`)
	_, ok := ev.(domain.Ignored)
	assert.True(t, ok)
}

func TestParseChargeRefundedPicksLatestRefund(t *testing.T) {
	ev := parse(t, `{"id":"evt_6","object":"event","type":"charge.refunded","created":1767225600,
		"data":{"object":{"id":"ch_1","payment_intent":"pi_1","amount":999,"amount_refunded":999,"currency":"usd",
		"refunds":{"data":[{"id":"re_1","amount":300,"created":10},{"id":"re_2","amount":699,"created":20}]}}}}`)
	rev, ok := ev.(domain.PaymentReversed)
	require.True(t, ok)
	assert.Equal(t, domain.ReversalRefund, rev.Reason)
	assert.Equal(t, "re_2", rev.ReversalID)
	assert.Equal(t, int64(699), rev.Amount)
	assert.Equal(t, []string{"pi_1", "ch_1"}, rev.PaymentRefs())
}

func TestParseDispute(t *testing.T) {
	ev := parse(t, `{"id":"evt_7","object":"event","type":"charge.dispute.funds_withdrawn","created":1767225600,
		"data":{"object":{"id":"dp_1","amount":999,"currency":"usd","charge":"ch_1","payment_intent":"pi_1"}}}`)
	rev, ok := ev.(domain.PaymentReversed)
	require.True(t, ok)
	assert.Equal(t, domain.ReversalChargeback, rev.Reason)
	assert.Equal(t, "dp_1", rev.ReversalID)
}

func TestParsePaymentIntentPurpose(t *testing.T) {
	ev := parse(t, `{"id":"evt_8","object":"event","type":"payment_intent.succeeded","created":1767225600,
		"data":{"object":{"id":"pi_9","amount":300,"amount_received":300,"currency":"usd",
		"metadata":{"purpose":"pay_per_view","creator_id":"22","buyer_id":"11","content_ref":"post-1"}}}}`)
	ppv, ok := ev.(domain.PayPerViewPaid)
	require.True(t, ok)
	assert.Equal(t, "22", ppv.CreatorID)
	assert.Equal(t, int64(300), ppv.Amount)

	other := parse(t, `{"id":"evt_9","object":"event","type":"payment_intent.succeeded","created":1,
		"data":{"object":{"id":"pi_10","amount":300,"currency":"usd"}}}`)
	_, ok = other.(domain.Ignored)
	assert.True(t, ok)
}

func TestParseRejectsTamperedPayload(t *testing.T) {
	header, body := sign(t, `{"id":"evt_1","object":"event","type":"invoice.paid","data":{"object":{}}}`)
	tampered := append([]byte{}, body...)
	tampered[len(tampered)-3] = ' '

	_, err := ParseEvent(tampered, header, testSecret, 5*time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidSignature))
	assert.True(t, apperr.Is(err, apperr.KindAuthenticity))

	_, err = ParseEvent(body, "", testSecret, 5*time.Minute)
	assert.True(t, errors.Is(err, domain.ErrInvalidSignature))

	_, err = ParseEvent(body, header, "whsec_other", 5*time.Minute)
	assert.True(t, errors.Is(err, domain.ErrInvalidSignature))
}

func TestParseRejectsMalformedSignedPayload(t *testing.T) {
	header, body := sign(t, `not-json`)
	_, err := ParseEvent(body, header, testSecret, 5*time.Minute)
	assert.True(t, errors.Is(err, domain.ErrInvalidPayload))
}
