package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWatermillPublisherDelivers(t *testing.T) {
	p := NewWatermillPublisher(zap.NewNop())
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages, err := p.Subscribe(ctx, TopicPaymentSucceeded)
	require.NoError(t, err)

	p.Publish(context.Background(), Event{
		Topic:             TopicPaymentSucceeded,
		CreatorID:         "22",
		ExternalPaymentID: "pi_1",
		Amount:            999,
		Currency:          "USD",
	})

	select {
	case msg := <-messages:
		ev, err := Decode(msg)
		require.NoError(t, err)
		msg.Ack()
		assert.Equal(t, "pi_1", ev.ExternalPaymentID)
		assert.Equal(t, int64(999), ev.Amount)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestRecorderCounts(t *testing.T) {
	r := NewRecorder()
	r.Publish(context.Background(), Event{Topic: TopicSubscriptionActivated})
	r.Publish(context.Background(), Event{Topic: TopicSubscriptionActivated})
	r.Publish(context.Background(), Event{Topic: TopicSubscriptionCancelled})
	assert.Equal(t, 2, r.Count(TopicSubscriptionActivated))
	assert.Len(t, r.Events(), 3)
}
