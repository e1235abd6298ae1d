package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"
)

type kafkaBroker struct {
	w *kafka.Writer
}

func openKafka(cfg Config) (Broker, error) {
	brokers := splitCommaList(cfg.URL)
	if len(brokers) == 0 {
		return nil, errors.New("broker: kafka url must be a comma-separated list of brokers")
	}
	w := &kafka.Writer{
		Addr: kafka.TCP(brokers...),
		Transport: &kafka.Transport{
			ClientID: cfg.ClientName,
		},
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           20 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return &kafkaBroker{w: w}, nil
}

func (b *kafkaBroker) Publish(ctx context.Context, m Message) error {
	msg := kafka.Message{Value: m.Value}
	if m.Key != "" {
		msg.Key = []byte(m.Key)
	}
	if m.Kind != "" {
		msg.Headers = []kafka.Header{{Key: "kind", Value: []byte(m.Kind)}}
	}
	if err := b.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("broker: kafka publish: %w", err)
	}
	return nil
}

func (b *kafkaBroker) Close() error {
	if b == nil || b.w == nil {
		return nil
	}
	return b.w.Close()
}
