package events

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	obscontext "github.com/smallbiznis/patronage/internal/observability/context"
	"go.uber.org/zap"
)

// WatermillPublisher publishes onto an in-process watermill pub/sub.
type WatermillPublisher struct {
	pubsub *gochannel.GoChannel
	log    *zap.Logger
}

func NewWatermillPublisher(log *zap.Logger) *WatermillPublisher {
	log = log.Named("events")
	return &WatermillPublisher{
		pubsub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, NewZapAdapter(log)),
		log:    log,
	}
}

func (p *WatermillPublisher) Publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("encode event", zap.String("topic", ev.Topic), zap.Error(err))
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
		msg.Metadata.Set("request_id", requestID)
	}
	if err := p.pubsub.Publish(ev.Topic, msg); err != nil {
		p.log.Warn("publish event", zap.String("topic", ev.Topic), zap.Error(err))
	}
}

// Subscribe streams decoded events for a topic until ctx is done.
func (p *WatermillPublisher) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return p.pubsub.Subscribe(ctx, topic)
}

func (p *WatermillPublisher) Close() error {
	return p.pubsub.Close()
}

// Decode unpacks an event message.
func Decode(msg *message.Message) (Event, error) {
	var ev Event
	err := json.Unmarshal(msg.Payload, &ev)
	return ev, err
}

// zapAdapter lets watermill log through zap.
type zapAdapter struct {
	log *zap.Logger
}

func NewZapAdapter(log *zap.Logger) watermill.LoggerAdapter {
	return zapAdapter{log: log}
}

func fieldsOf(fields watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func (a zapAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.log.Error(msg, append(fieldsOf(fields), zap.Error(err))...)
}

func (a zapAdapter) Info(msg string, fields watermill.LogFields) {
	a.log.Info(msg, fieldsOf(fields)...)
}

func (a zapAdapter) Debug(msg string, fields watermill.LogFields) {
	a.log.Debug(msg, fieldsOf(fields)...)
}

func (a zapAdapter) Trace(msg string, fields watermill.LogFields) {
	a.log.Debug(msg, fieldsOf(fields)...)
}

func (a zapAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return zapAdapter{log: a.log.With(fieldsOf(fields)...)}
}
