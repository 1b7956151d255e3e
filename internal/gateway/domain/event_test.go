package domain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	seen []string
}

func (h *recordingHandler) HandleSubscriptionChanged(context.Context, SubscriptionChanged) error {
	h.seen = append(h.seen, KindSubscriptionChanged)
	return nil
}
func (h *recordingHandler) HandleSubscriptionDeleted(context.Context, SubscriptionDeleted) error {
	h.seen = append(h.seen, KindSubscriptionDeleted)
	return nil
}
func (h *recordingHandler) HandleInvoicePaid(context.Context, InvoicePaid) error {
	h.seen = append(h.seen, KindInvoicePaid)
	return nil
}
func (h *recordingHandler) HandleInvoicePaymentFailed(context.Context, InvoicePaymentFailed) error {
	h.seen = append(h.seen, KindInvoicePaymentFailed)
	return nil
}
func (h *recordingHandler) HandlePaymentReversed(context.Context, PaymentReversed) error {
	h.seen = append(h.seen, KindPaymentReversed)
	return nil
}
func (h *recordingHandler) HandlePayPerViewPaid(context.Context, PayPerViewPaid) error {
	h.seen = append(h.seen, KindPayPerViewPaid)
	return nil
}
func (h *recordingHandler) HandleIgnored(context.Context, Ignored) error {
	h.seen = append(h.seen, KindIgnored)
	return nil
}

func TestAcceptDispatchesEveryVariant(t *testing.T) {
	events := []Event{
		SubscriptionChanged{}, SubscriptionDeleted{}, InvoicePaid{}, InvoicePaymentFailed{},
		PaymentReversed{}, PayPerViewPaid{}, Ignored{},
	}
	h := &recordingHandler{}
	for _, ev := range events {
		require.NoError(t, ev.Accept(context.Background(), h))
	}
	assert.Equal(t, []string{
		KindSubscriptionChanged, KindSubscriptionDeleted, KindInvoicePaid, KindInvoicePaymentFailed,
		KindPaymentReversed, KindPayPerViewPaid, KindIgnored,
	}, h.seen)
}

func TestEncodeDecodeKeepsVariant(t *testing.T) {
	paidAt := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	in := InvoicePaid{
		Env:                     Envelope{ID: "evt_1", Type: "invoice.paid", Created: paidAt},
		ProcessorSubscriptionID: "sub_1",
		PaymentID:               "pi_1",
		AmountPaid:              999,
		Currency:                "USD",
		PaidAt:                  paidAt,
	}
	kind, payload, err := Encode(in)
	require.NoError(t, err)
	assert.Equal(t, KindInvoicePaid, kind)

	out, err := Decode(kind, payload)
	require.NoError(t, err)
	paid, ok := out.(InvoicePaid)
	require.True(t, ok)
	assert.Equal(t, "pi_1", paid.PaymentID)
	assert.Equal(t, "evt_1", paid.Envelope().ID)

	_, err = Decode("nope", payload)
	assert.Error(t, err)
}

func TestPaymentRefs(t *testing.T) {
	ev := PaymentReversed{PaymentIntentID: "pi_1", ChargeID: "ch_1"}
	assert.Equal(t, []string{"pi_1", "ch_1"}, ev.PaymentRefs())
	assert.Empty(t, PaymentReversed{}.PaymentRefs())
}
