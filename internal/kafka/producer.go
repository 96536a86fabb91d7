package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/hkhosravi/notification-gateway/internal/event"
)

// Producer is a thin wrapper around segmentio/kafka-go Writer. It also
// implements event.Publisher: the relay can drain the outbox straight
// onto a topic, with the event name as the partition key.
type Producer struct {
	w *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &Producer{w: w}
}

func (p *Producer) Publish(ctx context.Context, e event.Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.Name),
		Value: value,
	})
}

func (p *Producer) Close() error { return p.w.Close() }

var _ event.Publisher = (*Producer)(nil)
