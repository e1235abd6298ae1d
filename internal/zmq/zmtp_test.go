package zmq

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/Abdullah1738/juno-lightclient/internal/chain"
)

func TestParseEndpoint(t *testing.T) {
	if got, err := ParseEndpoint("tcp://127.0.0.1:28332"); err != nil || got != "127.0.0.1:28332" {
		t.Fatalf("ParseEndpoint tcp://: got=%q err=%v", got, err)
	}
	if got, err := ParseEndpoint(" 127.0.0.1:28332 "); err != nil || got != "127.0.0.1:28332" {
		t.Fatalf("ParseEndpoint bare: got=%q err=%v", got, err)
	}
	for _, bad := range []string{"", "ipc:///tmp/zmq.sock", "not-a-host", ":28332"} {
		if _, err := ParseEndpoint(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestGreeting(t *testing.T) {
	g := greeting()
	if g[0] != 0xFF || g[9] != 0x7F {
		t.Fatalf("unexpected signature bytes: %x ... %x", g[0], g[9])
	}
	if g[10] != 3 || g[11] != 0 {
		t.Fatalf("unexpected version: %d.%d", g[10], g[11])
	}
	if string(bytes.TrimRight(g[12:32], "\x00")) != "NULL" {
		t.Fatalf("unexpected mechanism: %q", g[12:32])
	}
}

func TestFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name          string
		command, more bool
		body          []byte
	}{
		{"short", false, true, []byte("hello")},
		{"long command", true, false, bytes.Repeat([]byte{0xAB}, 300)},
		{"empty", false, false, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := writeFrame(&buf, tc.command, tc.more, tc.body); err != nil {
				t.Fatalf("writeFrame: %v", err)
			}
			f, err := readFrame(&buf)
			if err != nil {
				t.Fatalf("readFrame: %v", err)
			}
			if f.command != tc.command || f.more != tc.more || !bytes.Equal(f.body, tc.body) {
				t.Fatalf("got %+v", f)
			}
		})
	}
	if err := writeFrame(&bytes.Buffer{}, true, true, nil); err == nil {
		t.Fatalf("expected error for command frame with more")
	}
}

// publish accepts one subscriber and sends it the given blocks.
func publish(t *testing.T, ln net.Listener, topic string, msgs [][]byte) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		t.Errorf("accept: %v", err)
		return
	}
	defer conn.Close()

	if err := handshake(conn, "PUB", time.Second, 5*time.Second); err != nil {
		t.Errorf("server handshake: %v", err)
		return
	}
	r := bufio.NewReader(conn)
	sub, err := readFrame(r)
	if err != nil || len(sub.body) == 0 || sub.body[0] != 0x01 || string(sub.body[1:]) != topic {
		t.Errorf("subscription frame: %+v err=%v", sub, err)
		return
	}
	for i, m := range msgs {
		var seq [4]byte
		binary.LittleEndian.PutUint32(seq[:], uint32(i))
		_ = writeFrame(conn, false, true, []byte(topic))
		_ = writeFrame(conn, false, true, m)
		_ = writeFrame(conn, false, false, seq[:])
	}
	// Hold the connection until the client goes away.
	_, _ = readFrame(r)
}

func TestSubscribe_DeliversBlocks(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	var msgs [][]byte
	for h := int64(5); h < 8; h++ {
		b, err := chain.NewBlock(h, chain.Hash{byte(h)}, chain.Hash{byte(h - 1)}, uint32(h), chain.Payload{})
		if err != nil {
			t.Fatalf("NewBlock: %v", err)
		}
		raw, err := chain.EncodeBlock(b)
		if err != nil {
			t.Fatalf("EncodeBlock: %v", err)
		}
		msgs = append(msgs, raw)
		if h == 5 {
			// Garbage between valid blocks is skipped.
			msgs = append(msgs, []byte{0x01, 0x02})
		}
	}
	go publish(t, ln, DefaultTopic, msgs)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	got := make(chan int64, 8)
	done := make(chan error, 1)
	go func() {
		done <- Subscribe(ctx, FeedConfig{Endpoint: "tcp://" + ln.Addr().String()}, func(_ context.Context, b chain.Block) error {
			got <- b.Height
			return nil
		})
	}()

	for want := int64(5); want < 8; want++ {
		select {
		case h := <-got:
			if h != want {
				t.Fatalf("height=%d want %d", h, want)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for block %d", want)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
}

func TestSubscribe_Validation(t *testing.T) {
	ctx := context.Background()
	if err := Subscribe(ctx, FeedConfig{Endpoint: "127.0.0.1:1"}, nil); err == nil {
		t.Fatalf("expected error for nil handler")
	}
	noop := func(context.Context, chain.Block) error { return nil }
	if err := Subscribe(ctx, FeedConfig{Endpoint: "ipc:///x"}, noop); err == nil {
		t.Fatalf("expected error for bad endpoint")
	}
}
