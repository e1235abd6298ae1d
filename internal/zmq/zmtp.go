package zmq

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

var ErrEndpointInvalid = errors.New("zmq: invalid endpoint")

const (
	flagMore    = 0x01
	flagLong    = 0x02
	flagCommand = 0x04

	maxFrameSize = 64 << 20
)

// ParseEndpoint accepts tcp://host:port or host:port.
func ParseEndpoint(endpoint string) (string, error) {
	e := strings.TrimSpace(endpoint)
	if rest, ok := strings.CutPrefix(e, "tcp://"); ok {
		e = rest
	} else if strings.Contains(e, "://") {
		return "", ErrEndpointInvalid
	}
	host, port, err := net.SplitHostPort(e)
	if err != nil || host == "" || port == "" {
		return "", ErrEndpointInvalid
	}
	return e, nil
}

// greeting is the ZMTP 3.0 greeting with the NULL mechanism.
func greeting() [64]byte {
	var g [64]byte
	g[0] = 0xFF
	g[9] = 0x7F
	g[10] = 3
	copy(g[12:32], "NULL")
	return g
}

// handshake exchanges greetings in two steps, as the version is negotiated
// after the first 11 bytes, then swaps READY commands.
func handshake(conn net.Conn, socketType string, writeTimeout, readTimeout time.Duration) error {
	g := greeting()
	var peer [64]byte
	for _, part := range [][2]int{{0, 11}, {11, 64}} {
		writeDeadline(conn, writeTimeout)
		if _, err := conn.Write(g[part[0]:part[1]]); err != nil {
			return fmt.Errorf("handshake: write greeting: %w", err)
		}
		readDeadline(conn, readTimeout)
		if _, err := io.ReadFull(conn, peer[part[0]:part[1]]); err != nil {
			return fmt.Errorf("handshake: read greeting: %w", err)
		}
	}
	if peer[0] != 0xFF || peer[9] != 0x7F || peer[10] < 3 {
		return fmt.Errorf("handshake: unsupported peer greeting %x", peer[:11])
	}

	ready, err := readyCommand(socketType)
	if err != nil {
		return err
	}
	writeDeadline(conn, writeTimeout)
	if err := writeFrame(conn, true, false, ready); err != nil {
		return fmt.Errorf("handshake: send READY: %w", err)
	}
	readDeadline(conn, readTimeout)
	f, err := readFrame(conn)
	if err != nil {
		return fmt.Errorf("handshake: read READY: %w", err)
	}
	if !f.command || !bytes.HasPrefix(f.body, []byte("\x05READY")) {
		return errors.New("handshake: peer did not send READY")
	}
	return nil
}

func readyCommand(socketType string) ([]byte, error) {
	if socketType == "" || len(socketType) > 255 {
		return nil, errors.New("zmq: invalid socket type")
	}
	var b bytes.Buffer
	b.WriteByte(byte(len("READY")))
	b.WriteString("READY")
	writeProperty(&b, "Socket-Type", []byte(socketType))
	writeProperty(&b, "Identity", nil)
	return b.Bytes(), nil
}

func writeProperty(b *bytes.Buffer, name string, value []byte) {
	b.WriteByte(byte(len(name)))
	b.WriteString(name)
	_ = binary.Write(b, binary.BigEndian, uint32(len(value)))
	b.Write(value)
}

type frame struct {
	command bool
	more    bool
	body    []byte
}

func writeFrame(w io.Writer, command, more bool, body []byte) error {
	if command && more {
		return errors.New("zmq: command frame cannot have more set")
	}
	var hdr [9]byte
	switch {
	case more:
		hdr[0] |= flagMore
	case command:
		hdr[0] |= flagCommand
	}
	n := 2
	if len(body) > 255 {
		hdr[0] |= flagLong
		binary.BigEndian.PutUint64(hdr[1:], uint64(len(body)))
		n = 9
	} else {
		hdr[1] = byte(len(body))
	}
	if _, err := w.Write(hdr[:n]); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := w.Write(body)
	return err
}

func readFrame(r io.Reader) (frame, error) {
	var hdr [9]byte
	if _, err := io.ReadFull(r, hdr[:2]); err != nil {
		return frame{}, err
	}
	f := frame{command: hdr[0]&flagCommand != 0, more: hdr[0]&flagMore != 0}

	size := uint64(hdr[1])
	if hdr[0]&flagLong != 0 {
		if _, err := io.ReadFull(r, hdr[2:9]); err != nil {
			return frame{}, err
		}
		size = binary.BigEndian.Uint64(hdr[1:9])
	}
	if size > maxFrameSize {
		return frame{}, fmt.Errorf("zmq: frame too large: %d", size)
	}
	if size > 0 {
		f.body = make([]byte, size)
		if _, err := io.ReadFull(r, f.body); err != nil {
			return frame{}, err
		}
	}
	return f, nil
}

func writeDeadline(c net.Conn, d time.Duration) {
	if d > 0 {
		_ = c.SetWriteDeadline(time.Now().Add(d))
	}
}

func readDeadline(c net.Conn, d time.Duration) {
	if d > 0 {
		_ = c.SetReadDeadline(time.Now().Add(d))
	}
}
