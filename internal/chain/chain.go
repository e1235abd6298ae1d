// Package chain holds the compact block wire format consumed by the cache,
// validator and scanner.
package chain

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const PayloadVersion uint8 = 1

// Hash is a 32-byte block, transaction or tree-root hash.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

func (h Hash) IsZero() bool { return h == Hash{} }

func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("chain: parse hash: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("chain: parse hash: want %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Nullifier is revealed by a shielded spend.
type Nullifier [32]byte

func (n Nullifier) String() string { return hex.EncodeToString(n[:]) }

func ParseNullifier(s string) (Nullifier, error) {
	h, err := ParseHash(s)
	return Nullifier(h), err
}

// Block is what the ingestion boundary hands over: header fields plus an
// opaque payload. Data is decoded lazily by the scanner.
type Block struct {
	Height   int64
	Hash     Hash
	PrevHash Hash
	Time     uint32
	Data     []byte
}

// Payload is the decoded transaction data of a compact block.
//
// PrevTreeRoot is the note commitment tree root after the previous block,
// when the producer includes it.
type Payload struct {
	Version      uint8       `msgpack:"v"`
	PrevTreeRoot *Hash       `msgpack:"r,omitempty"`
	Txs          []CompactTx `msgpack:"t"`
}

type CompactTx struct {
	Index   uint64          `msgpack:"i"`
	ID      Hash            `msgpack:"h"`
	Fee     uint64          `msgpack:"f,omitempty"`
	Spends  []CompactSpend  `msgpack:"s"`
	Outputs []CompactOutput `msgpack:"o"`
}

type CompactSpend struct {
	Nullifier Nullifier `msgpack:"nf"`
}

// CompactOutput carries the note commitment, the ephemeral public key and
// the full note ciphertext (memo included).
type CompactOutput struct {
	Commitment   [32]byte `msgpack:"cm"`
	EphemeralKey [32]byte `msgpack:"epk"`
	Ciphertext   []byte   `msgpack:"ct"`
}

var ErrPayloadVersion = errors.New("chain: unsupported payload version")

func EncodePayload(p Payload) ([]byte, error) {
	if p.Version == 0 {
		p.Version = PayloadVersion
	}
	b, err := msgpack.Marshal(&p)
	if err != nil {
		return nil, fmt.Errorf("chain: encode payload: %w", err)
	}
	return b, nil
}

func DecodePayload(b []byte) (Payload, error) {
	var p Payload
	if len(b) == 0 {
		return Payload{Version: PayloadVersion}, nil
	}
	if err := msgpack.Unmarshal(b, &p); err != nil {
		return Payload{}, fmt.Errorf("chain: decode payload: %w", err)
	}
	if p.Version != PayloadVersion {
		return Payload{}, fmt.Errorf("%w: %d", ErrPayloadVersion, p.Version)
	}
	return p, nil
}

// NewBlock builds a cacheable block from a decoded payload.
func NewBlock(height int64, hash, prev Hash, time uint32, p Payload) (Block, error) {
	data, err := EncodePayload(p)
	if err != nil {
		return Block{}, err
	}
	return Block{Height: height, Hash: hash, PrevHash: prev, Time: time, Data: data}, nil
}

func (b Block) Payload() (Payload, error) {
	p, err := DecodePayload(b.Data)
	if err != nil {
		return Payload{}, fmt.Errorf("block %d: %w", b.Height, err)
	}
	return p, nil
}
