package chain

import (
	"bytes"
	"errors"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func TestBlockPayload(t *testing.T) {
	root := Hash{0x42}
	p := Payload{
		PrevTreeRoot: &root,
		Txs: []CompactTx{{
			Index:   3,
			ID:      Hash{0x01},
			Spends:  []CompactSpend{{Nullifier: Nullifier{0x02}}},
			Outputs: []CompactOutput{{Commitment: [32]byte{0x03}, Ciphertext: []byte{1, 2, 3}}},
		}},
	}
	b, err := NewBlock(7, Hash{0x07}, Hash{0x06}, 1700000000, p)
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}

	got, err := b.Payload()
	if err != nil {
		t.Fatalf("Payload: %v", err)
	}
	if got.PrevTreeRoot == nil || *got.PrevTreeRoot != root {
		t.Fatalf("PrevTreeRoot=%v want %v", got.PrevTreeRoot, root)
	}
	if len(got.Txs) != 1 || got.Txs[0].Index != 3 || got.Txs[0].Spends[0].Nullifier != (Nullifier{0x02}) {
		t.Fatalf("unexpected txs: %+v", got.Txs)
	}
	if string(got.Txs[0].Outputs[0].Ciphertext) != string([]byte{1, 2, 3}) {
		t.Fatalf("ciphertext mismatch")
	}
}

func TestDecodePayload_Empty(t *testing.T) {
	p, err := DecodePayload(nil)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if len(p.Txs) != 0 || p.PrevTreeRoot != nil {
		t.Fatalf("expected empty payload, got %+v", p)
	}
}

func TestDecodePayload_UnknownVersion(t *testing.T) {
	b, err := msgpack.Marshal(&Payload{Version: 9})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := DecodePayload(b); !errors.Is(err, ErrPayloadVersion) {
		t.Fatalf("expected ErrPayloadVersion, got %v", err)
	}
}

func TestParseHash(t *testing.T) {
	h := Hash{0xAB, 0xCD}
	got, err := ParseHash(h.String())
	if err != nil || got != h {
		t.Fatalf("ParseHash: got=%v err=%v", got, err)
	}
	if _, err := ParseHash("abcd"); err == nil {
		t.Fatalf("expected length error")
	}
	if _, err := ParseHash("zz"); err == nil {
		t.Fatalf("expected hex error")
	}
}

func TestParamsFor(t *testing.T) {
	p, err := ParamsFor("")
	if err != nil || p.Name != "regtest" {
		t.Fatalf("ParamsFor(\"\"): %+v %v", p, err)
	}
	if _, err := ParamsFor("moonnet"); err == nil {
		t.Fatalf("expected error for unknown network")
	}
}

func TestBlockWire(t *testing.T) {
	var blocks []Block
	for h := int64(10); h < 13; h++ {
		b, err := NewBlock(h, Hash{byte(h)}, Hash{byte(h - 1)}, uint32(h), Payload{Txs: []CompactTx{{Index: uint64(h)}}})
		if err != nil {
			t.Fatalf("NewBlock: %v", err)
		}
		blocks = append(blocks, b)
	}

	one, err := EncodeBlock(blocks[0])
	if err != nil {
		t.Fatalf("EncodeBlock: %v", err)
	}
	got, err := DecodeBlock(one)
	if err != nil {
		t.Fatalf("DecodeBlock: %v", err)
	}
	if got.Height != 10 || got.Hash != blocks[0].Hash || got.PrevHash != blocks[0].PrevHash || string(got.Data) != string(blocks[0].Data) {
		t.Fatalf("unexpected block: %+v", got)
	}

	var buf bytes.Buffer
	if err := WriteBlocks(&buf, blocks...); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}
	var heights []int64
	for b, err := range ReadBlocks(&buf) {
		if err != nil {
			t.Fatalf("ReadBlocks: %v", err)
		}
		heights = append(heights, b.Height)
	}
	if len(heights) != 3 || heights[0] != 10 || heights[2] != 12 {
		t.Fatalf("heights=%v", heights)
	}
}

func TestDecodeBlock_BadPayload(t *testing.T) {
	b := Block{Height: 1, Data: []byte{0xc1}}
	raw, err := EncodeBlock(b)
	if err != nil {
		t.Fatalf("EncodeBlock: %v", err)
	}
	if _, err := DecodeBlock(raw); err == nil {
		t.Fatalf("expected payload error")
	}
	if _, err := DecodeBlock([]byte{0x01}); err == nil {
		t.Fatalf("expected decode error")
	}
}
