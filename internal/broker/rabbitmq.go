package broker

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

type rabbitMQBroker struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	queue   string
	confirm chan amqp.Confirmation
}

func openRabbitMQ(ctx context.Context, cfg Config) (Broker, error) {
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Properties: amqp.Table{"connection_name": cfg.ClientName},
	})
	if err != nil {
		return nil, fmt.Errorf("broker: rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("broker: rabbitmq channel: %w", err)
	}
	fail := func(what string, err error) (Broker, error) {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("broker: rabbitmq %s: %w", what, err)
	}

	// durable, not auto-deleted, not exclusive
	if _, err := ch.QueueDeclare(cfg.Topic, true, false, false, false, nil); err != nil {
		return fail("queue declare", err)
	}
	if err := ch.Confirm(false); err != nil {
		return fail("confirm mode", err)
	}
	if err := ctx.Err(); err != nil {
		return fail("open", err)
	}

	return &rabbitMQBroker{
		conn:    conn,
		ch:      ch,
		queue:   cfg.Topic,
		confirm: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
	}, nil
}

func (b *rabbitMQBroker) Publish(ctx context.Context, m Message) error {
	pub := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    m.Key,
		Type:         m.Kind,
		Body:         m.Value,
	}
	if err := b.ch.PublishWithContext(ctx, "", b.queue, false, false, pub); err != nil {
		return fmt.Errorf("broker: rabbitmq publish: %w", err)
	}
	select {
	case c, ok := <-b.confirm:
		if !ok {
			return errors.New("broker: rabbitmq channel closed")
		}
		if !c.Ack {
			return fmt.Errorf("broker: rabbitmq nack for delivery %d", c.DeliveryTag)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *rabbitMQBroker) Close() error {
	if b == nil {
		return nil
	}
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
