// Package zmq subscribes to a ZMTP 3.0 PUB socket that publishes compact
// blocks and hands each decoded block to the caller.
package zmq

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/Abdullah1738/juno-lightclient/internal/chain"
	"github.com/Abdullah1738/juno-lightclient/internal/logging"
	"github.com/sirupsen/logrus"
)

const DefaultTopic = "compactblock"

type FeedConfig struct {
	Endpoint       string
	Topic          string
	ReconnectDelay time.Duration
	// ReadTimeout bounds the silence between messages before reconnecting.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// BlockHandler receives every decoded block. Its error is logged; the feed
// keeps going.
type BlockHandler func(ctx context.Context, b chain.Block) error

// Subscribe runs until ctx is done, reconnecting after any connection error.
func Subscribe(ctx context.Context, cfg FeedConfig, handle BlockHandler) error {
	if handle == nil {
		return errors.New("zmq: block handler is nil")
	}
	addr, err := ParseEndpoint(cfg.Endpoint)
	if err != nil {
		return err
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Minute
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	log := logging.For("zmq").WithField("endpoint", addr)
	for ctx.Err() == nil {
		err := subscribeOnce(ctx, addr, cfg, handle, log)
		if ctx.Err() != nil {
			return nil
		}
		log.WithError(err).Warn("block feed disconnected")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cfg.ReconnectDelay):
		}
	}
	return nil
}

func subscribeOnce(ctx context.Context, addr string, cfg FeedConfig, handle BlockHandler, log *logrus.Entry) error {
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := handshake(conn, "SUB", cfg.WriteTimeout, cfg.ReadTimeout); err != nil {
		return err
	}
	writeDeadline(conn, cfg.WriteTimeout)
	if err := writeFrame(conn, false, false, append([]byte{0x01}, cfg.Topic...)); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	log.WithField("topic", cfg.Topic).Info("subscribed to block feed")

	r := bufio.NewReader(conn)
	for ctx.Err() == nil {
		readDeadline(conn, cfg.ReadTimeout)
		frames, err := readMessage(r)
		if err != nil {
			return err
		}
		// topic, body and an optional sequence number
		if len(frames) < 2 || string(frames[0]) != cfg.Topic {
			continue
		}
		b, err := chain.DecodeBlock(frames[1])
		if err != nil {
			log.WithError(err).Warn("dropping undecodable block")
			continue
		}
		if err := handle(ctx, b); err != nil {
			log.WithError(err).WithField("height", b.Height).Warn("block handler failed")
		}
	}
	return nil
}

func readMessage(r *bufio.Reader) ([][]byte, error) {
	var frames [][]byte
	for {
		f, err := readFrame(r)
		if err != nil {
			return nil, err
		}
		if f.command {
			continue
		}
		frames = append(frames, f.body)
		if !f.more {
			return frames, nil
		}
	}
}
