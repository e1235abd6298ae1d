// Package publisher relays the event outbox to a broker, one cursor per
// account, so every event is delivered at least once and in order.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Abdullah1738/juno-lightclient/internal/broker"
	"github.com/Abdullah1738/juno-lightclient/internal/events"
	"github.com/Abdullah1738/juno-lightclient/internal/logging"
	"github.com/Abdullah1738/juno-lightclient/internal/store"
	"github.com/sirupsen/logrus"
)

type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

type Publisher struct {
	st  store.Store
	br  broker.Broker
	log *logrus.Entry

	pollInterval time.Duration
	batchSize    int
}

func New(st store.Store, br broker.Broker, cfg Config) (*Publisher, error) {
	if st == nil {
		return nil, errors.New("publisher: store is nil")
	}
	if br == nil {
		return nil, errors.New("publisher: broker is nil")
	}

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 || batchSize > 1000 {
		batchSize = 100
	}

	return &Publisher{
		st:           st,
		br:           br,
		log:          logging.For("publisher"),
		pollInterval: poll,
		batchSize:    batchSize,
	}, nil
}

func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := p.PublishOnce(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PublishOnce drains every account's pending events and returns how many
// were published.
func (p *Publisher) PublishOnce(ctx context.Context) (int, error) {
	accts, err := p.st.ListAccounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("publisher: list accounts: %w", err)
	}

	var total int
	for _, a := range accts {
		n, err := p.publishAccount(ctx, a.Index)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (p *Publisher) publishAccount(ctx context.Context, account uint32) (int, error) {
	cursor, err := p.st.AccountEventPublishCursor(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("publisher: cursor for account %d: %w", account, err)
	}

	var n int
	for {
		evs, next, err := p.st.ListAccountEvents(ctx, account, cursor, p.batchSize, store.EventFilter{})
		if err != nil {
			return n, fmt.Errorf("publisher: list events for account %d: %w", account, err)
		}
		if len(evs) == 0 {
			return n, nil
		}

		for _, e := range evs {
			value, err := json.Marshal(broker.Envelope{
				Version: events.Version,
				ID:      e.ID,
				Kind:    e.Kind,
				Account: e.Account,
				Height:  e.Height,
				Payload: e.Payload,
			})
			if err != nil {
				return n, fmt.Errorf("publisher: marshal envelope: %w", err)
			}
			if err := p.br.Publish(ctx, broker.Message{Key: eventKey(account, e.Payload), Kind: e.Kind, Value: value}); err != nil {
				return n, err
			}
			if err := p.st.SetAccountEventPublishCursor(ctx, account, e.ID); err != nil {
				return n, fmt.Errorf("publisher: set cursor for account %d: %w", account, err)
			}
			n++
		}
		p.log.WithFields(logrus.Fields{"account": account, "events": len(evs), "cursor": next}).Debug("published events")
		cursor = next
	}
}

// eventKey groups events of one transaction; anything else is keyed by
// account.
func eventKey(account uint32, payload json.RawMessage) string {
	var tx struct {
		TxID string `json:"txid"`
	}
	if err := json.Unmarshal(payload, &tx); err == nil && tx.TxID != "" {
		return tx.TxID
	}
	return "account-" + strconv.FormatUint(uint64(account), 10)
}
