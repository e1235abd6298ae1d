// Package rocksdb is the Pebble-backed compact block cache.
package rocksdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strconv"

	"github.com/Abdullah1738/juno-lightclient/internal/chain"
	"github.com/cockroachdb/pebble"
	"github.com/vmihailenco/msgpack/v5"
)

var blockPrefix = []byte("cb/")

type Cache struct {
	db *pebble.DB
}

func Open(path string) (*Cache, error) {
	if path == "" {
		return nil, errors.New("rocksdb cache: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("rocksdb cache: mkdir: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("rocksdb cache: open: %w", err)
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

type blockRecord struct {
	Hash     chain.Hash `msgpack:"h"`
	PrevHash chain.Hash `msgpack:"p"`
	Time     uint32     `msgpack:"t"`
	Data     []byte     `msgpack:"d"`
}

func (c *Cache) Put(ctx context.Context, b chain.Block) error {
	_ = ctx
	if b.Height < 0 {
		return errors.New("rocksdb cache: negative height")
	}
	v, err := msgpack.Marshal(&blockRecord{Hash: b.Hash, PrevHash: b.PrevHash, Time: b.Time, Data: b.Data})
	if err != nil {
		return fmt.Errorf("rocksdb cache: encode block: %w", err)
	}
	if err := c.db.Set(keyBlock(b.Height), v, pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb cache: put block %d: %w", b.Height, err)
	}
	return nil
}

func (c *Cache) Range(ctx context.Context, start, end int64) iter.Seq2[chain.Block, error] {
	return func(yield func(chain.Block, error) bool) {
		if start < 0 {
			start = 0
		}
		if end < start {
			return
		}
		it, err := c.db.NewIter(&pebble.IterOptions{
			LowerBound: keyBlock(start),
			UpperBound: keyBlock(end + 1),
		})
		if err != nil {
			yield(chain.Block{}, fmt.Errorf("rocksdb cache: iter: %w", err))
			return
		}
		defer it.Close()

		for it.First(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				yield(chain.Block{}, err)
				return
			}
			b, err := decodeBlock(it.Key(), it.Value())
			if err != nil {
				yield(chain.Block{}, err)
				return
			}
			if !yield(b, nil) {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield(chain.Block{}, fmt.Errorf("rocksdb cache: iter: %w", err))
		}
	}
}

func (c *Cache) Purge(ctx context.Context, below int64) error {
	_ = ctx
	if below <= 0 {
		return nil
	}
	if err := c.db.DeleteRange(blockPrefix, keyBlock(below), pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb cache: purge: %w", err)
	}
	return nil
}

func (c *Cache) Bounds(ctx context.Context) (int64, int64, bool, error) {
	_ = ctx
	it, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: blockPrefix,
		UpperBound: prefixUpperBound(blockPrefix),
	})
	if err != nil {
		return 0, 0, false, fmt.Errorf("rocksdb cache: iter: %w", err)
	}
	defer it.Close()

	if !it.First() {
		if err := it.Error(); err != nil {
			return 0, 0, false, fmt.Errorf("rocksdb cache: bounds: %w", err)
		}
		return 0, 0, false, nil
	}
	lo, err := parseFixed20Int64(bytes.TrimPrefix(it.Key(), blockPrefix))
	if err != nil {
		return 0, 0, false, fmt.Errorf("rocksdb cache: bounds key: %w", err)
	}
	if !it.Last() {
		return 0, 0, false, fmt.Errorf("rocksdb cache: bounds: %w", it.Error())
	}
	hi, err := parseFixed20Int64(bytes.TrimPrefix(it.Key(), blockPrefix))
	if err != nil {
		return 0, 0, false, fmt.Errorf("rocksdb cache: bounds key: %w", err)
	}
	return lo, hi, true, nil
}

func decodeBlock(key, value []byte) (chain.Block, error) {
	height, err := parseFixed20Int64(bytes.TrimPrefix(key, blockPrefix))
	if err != nil {
		return chain.Block{}, fmt.Errorf("rocksdb cache: block key: %w", err)
	}
	var rec blockRecord
	if err := msgpack.Unmarshal(value, &rec); err != nil {
		return chain.Block{}, fmt.Errorf("rocksdb cache: decode block %d: %w", height, err)
	}
	return chain.Block{
		Height:   height,
		Hash:     rec.Hash,
		PrevHash: rec.PrevHash,
		Time:     rec.Time,
		Data:     rec.Data,
	}, nil
}

func keyBlock(height int64) []byte {
	b := make([]byte, 0, len(blockPrefix)+20)
	b = append(b, blockPrefix...)
	b = appendUint64Fixed20(b, uint64(height))
	return b
}

func prefixUpperBound(prefix []byte) []byte {
	out := append([]byte{}, prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return []byte{0xFF}
}

func appendUint64Fixed20(dst []byte, n uint64) []byte {
	var buf [20]byte
	for i := 19; i >= 0; i-- {
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return append(dst, buf[:]...)
}

func parseFixed20Int64(b []byte) (int64, error) {
	if len(b) != 20 {
		return 0, errors.New("invalid fixed20")
	}
	n, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0, err
	}
	if n > uint64(^uint64(0)>>1) {
		return 0, errors.New("overflow")
	}
	return int64(n), nil
}
