package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

type natsBroker struct {
	nc      *nats.Conn
	subject string
}

func openNATS(cfg Config) (Broker, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientName),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("broker: nats connect: %w", err)
	}
	return &natsBroker{nc: nc, subject: cfg.Topic}, nil
}

func (b *natsBroker) Publish(ctx context.Context, m Message) error {
	msg := nats.NewMsg(b.subject)
	msg.Data = m.Value
	if m.Key != "" {
		msg.Header.Set("x-key", m.Key)
	}
	if m.Kind != "" {
		msg.Header.Set("x-kind", m.Kind)
	}
	if err := b.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("broker: nats publish: %w", err)
	}
	// Flush so a cursor is only advanced once the server has the message.
	if err := b.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("broker: nats flush: %w", err)
	}
	return nil
}

func (b *natsBroker) Close() error {
	if b == nil || b.nc == nil {
		return nil
	}
	return b.nc.Drain()
}
