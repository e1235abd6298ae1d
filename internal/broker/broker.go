// Package broker publishes wallet events to an external message bus.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Message is one published event. Key orders related messages where the
// transport supports partitioning.
type Message struct {
	Key   string
	Kind  string
	Value []byte
}

type Broker interface {
	Publish(ctx context.Context, m Message) error
	Close() error
}

type Config struct {
	// Driver is one of none, kafka, nats or rabbitmq.
	Driver string
	URL    string
	Topic  string
	// ClientName identifies this process to the broker, when supported.
	ClientName string
}

const defaultClientName = "juno-lightclient"

// Open returns nil, nil for the none driver.
func Open(ctx context.Context, cfg Config) (Broker, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none":
		return nil, nil
	}

	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("broker: url is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("broker: topic is required")
	}
	if cfg.ClientName == "" {
		cfg.ClientName = defaultClientName
	}

	switch driver {
	case "kafka":
		return openKafka(cfg)
	case "nats":
		return openNATS(cfg)
	case "rabbitmq":
		return openRabbitMQ(ctx, cfg)
	default:
		return nil, fmt.Errorf("broker: unsupported driver %q", cfg.Driver)
	}
}

func splitCommaList(s string) []string {
	var out []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}
