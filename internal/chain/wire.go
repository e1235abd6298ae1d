package chain

import (
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/vmihailenco/msgpack/v5"
)

// wireBlock is the framing of a whole block on the block feed, in ingestion
// files and in the block upload endpoint.
type wireBlock struct {
	Height   int64  `msgpack:"h"`
	Hash     Hash   `msgpack:"id"`
	PrevHash Hash   `msgpack:"prev"`
	Time     uint32 `msgpack:"t"`
	Data     []byte `msgpack:"d"`
}

func EncodeBlock(b Block) ([]byte, error) {
	out, err := msgpack.Marshal(&wireBlock{b.Height, b.Hash, b.PrevHash, b.Time, b.Data})
	if err != nil {
		return nil, fmt.Errorf("chain: encode block %d: %w", b.Height, err)
	}
	return out, nil
}

// DecodeBlock also checks that the payload decodes, so a malformed block is
// rejected before it reaches the cache.
func DecodeBlock(b []byte) (Block, error) {
	var w wireBlock
	if err := msgpack.Unmarshal(b, &w); err != nil {
		return Block{}, fmt.Errorf("chain: decode block: %w", err)
	}
	return checkBlock(w)
}

func checkBlock(w wireBlock) (Block, error) {
	if w.Height < 0 {
		return Block{}, fmt.Errorf("chain: decode block: negative height %d", w.Height)
	}
	blk := Block{Height: w.Height, Hash: w.Hash, PrevHash: w.PrevHash, Time: w.Time, Data: w.Data}
	if _, err := blk.Payload(); err != nil {
		return Block{}, err
	}
	return blk, nil
}

// WriteBlocks writes blocks back to back; ReadBlocks reads them.
func WriteBlocks(w io.Writer, blocks ...Block) error {
	enc := msgpack.NewEncoder(w)
	for _, b := range blocks {
		if err := enc.Encode(&wireBlock{b.Height, b.Hash, b.PrevHash, b.Time, b.Data}); err != nil {
			return fmt.Errorf("chain: write block %d: %w", b.Height, err)
		}
	}
	return nil
}

func ReadBlocks(r io.Reader) iter.Seq2[Block, error] {
	return func(yield func(Block, error) bool) {
		dec := msgpack.NewDecoder(r)
		for {
			var w wireBlock
			err := dec.Decode(&w)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Block{}, fmt.Errorf("chain: read block: %w", err))
				return
			}
			b, err := checkBlock(w)
			if !yield(b, err) || err != nil {
				return
			}
		}
	}
}
