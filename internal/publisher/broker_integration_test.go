//go:build docker

package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/Abdullah1738/juno-lightclient/internal/broker"
	"github.com/Abdullah1738/juno-lightclient/internal/store"
	"github.com/Abdullah1738/juno-lightclient/internal/testutil/containers"
	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
	kafka "github.com/segmentio/kafka-go"
)

// publishOne stores one event and publishes it through a real broker.
func publishOne(t *testing.T, ctx context.Context, br broker.Broker) json.RawMessage {
	t.Helper()
	st := openStore(t, ctx, 0)
	payload := json.RawMessage(`{"txid":"integration-txid"}`)
	insertEvent(t, ctx, st, store.Event{Kind: "NoteReceived", Account: 0, Height: 123, Payload: payload})

	p, err := New(st, br, Config{BatchSize: 10})
	if err != nil {
		t.Fatalf("publisher.New: %v", err)
	}
	if n, err := p.PublishOnce(ctx); err != nil || n != 1 {
		t.Fatalf("PublishOnce: n=%d err=%v", n, err)
	}
	return payload
}

func checkEnvelope(t *testing.T, data []byte, payload json.RawMessage) {
	t.Helper()
	var env broker.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Kind != "NoteReceived" || env.Height != 123 || string(env.Payload) != string(payload) {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func topic() string { return fmt.Sprintf("junolc.test.%d", time.Now().UnixNano()) }

func TestPublisher_NATS(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	svc, err := containers.StartNATS(ctx)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer func() { _ = svc.Terminate(context.Background()) }()

	subject := topic()
	nc, err := nats.Connect(svc.URL, nats.Timeout(5*time.Second))
	if err != nil {
		t.Fatalf("nats connect: %v", err)
	}
	defer nc.Close()
	sub, err := nc.SubscribeSync(subject)
	if err != nil {
		t.Fatalf("nats subscribe: %v", err)
	}
	_ = nc.Flush()

	br, err := broker.Open(ctx, broker.Config{Driver: "nats", URL: svc.URL, Topic: subject})
	if err != nil {
		t.Fatalf("broker.Open: %v", err)
	}
	defer func() { _ = br.Close() }()

	payload := publishOne(t, ctx, br)
	msg, err := sub.NextMsg(10 * time.Second)
	if err != nil {
		t.Fatalf("nats NextMsg: %v", err)
	}
	if got := msg.Header.Get("x-key"); got != "integration-txid" {
		t.Fatalf("x-key=%q", got)
	}
	checkEnvelope(t, msg.Data, payload)
}

func TestPublisher_RabbitMQ(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	svc, err := containers.StartRabbitMQ(ctx)
	if err != nil {
		t.Fatalf("start rabbitmq: %v", err)
	}
	defer func() { _ = svc.Terminate(context.Background()) }()

	queue := topic()
	br, err := broker.Open(ctx, broker.Config{Driver: "rabbitmq", URL: svc.URL, Topic: queue})
	if err != nil {
		t.Fatalf("broker.Open: %v", err)
	}
	defer func() { _ = br.Close() }()

	conn, err := amqp.Dial(svc.URL)
	if err != nil {
		t.Fatalf("amqp dial: %v", err)
	}
	defer func() { _ = conn.Close() }()
	ch, err := conn.Channel()
	if err != nil {
		t.Fatalf("amqp channel: %v", err)
	}
	defer func() { _ = ch.Close() }()
	msgs, err := ch.Consume(queue, "", true, false, false, false, nil)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	payload := publishOne(t, ctx, br)
	select {
	case d := <-msgs:
		if d.MessageId != "integration-txid" || d.Type != "NoteReceived" {
			t.Fatalf("unexpected delivery: id=%q type=%q", d.MessageId, d.Type)
		}
		checkEnvelope(t, d.Body, payload)
	case <-ctx.Done():
		t.Fatalf("timed out waiting for delivery")
	}
}

func TestPublisher_Kafka(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	svc, err := containers.StartKafka(ctx)
	if err != nil {
		t.Fatalf("start kafka: %v", err)
	}
	defer func() { _ = svc.Terminate(context.Background()) }()

	name := topic()
	br, err := broker.Open(ctx, broker.Config{Driver: "kafka", URL: svc.URL, Topic: name})
	if err != nil {
		t.Fatalf("broker.Open: %v", err)
	}
	defer func() { _ = br.Close() }()

	payload := publishOne(t, ctx, br)

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     []string{svc.URL},
		Topic:       name,
		Partition:   0,
		StartOffset: kafka.FirstOffset,
		MaxWait:     500 * time.Millisecond,
	})
	defer func() { _ = r.Close() }()

	msg, err := r.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("kafka ReadMessage: %v", err)
	}
	if string(msg.Key) != "integration-txid" {
		t.Fatalf("key=%q", msg.Key)
	}
	checkEnvelope(t, msg.Value, payload)
}
