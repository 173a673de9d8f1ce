package notify

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Mutter0815/MassSender/pkg/logx"
)

type fanoutPublisher interface {
	PublishJSON(ctx context.Context, body []byte) error
}

// AMQPSink publishes events to a fanout exchange so observers attached to any
// API instance see updates produced by workers.
type AMQPSink struct {
	pub fanoutPublisher
}

func NewAMQPSink(pub fanoutPublisher) *AMQPSink { return &AMQPSink{pub: pub} }

func (s *AMQPSink) Publish(ctx context.Context, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		logx.L().Warnw("notify_encode_error", "event", ev.Type, "error", err)
		return
	}
	if err := s.pub.PublishJSON(ctx, body); err != nil {
		logx.L().Warnw("notify_publish_error", "event", ev.Type, "error", err)
	}
}

// Relay forwards events from the exchange subscription to sink until ctx is
// done or the subscription closes.
func Relay(ctx context.Context, deliveries <-chan amqp.Delivery, sink Sink) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				logx.L().Warnw("notify_relay_closed")
				return
			}
			var ev Event
			if err := json.Unmarshal(d.Body, &ev); err != nil || ev.Type == "" {
				logx.L().Warnw("notify_relay_bad_event", "error", err)
				continue
			}
			sink.Publish(ctx, ev)
		}
	}
}
