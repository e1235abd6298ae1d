package validator

import (
	"context"
	"iter"
	"path/filepath"
	"testing"

	"github.com/Abdullah1738/juno-lightclient/internal/cache/rocksdb"
	"github.com/Abdullah1738/juno-lightclient/internal/chain"
	"github.com/Abdullah1738/juno-lightclient/internal/errs"
	"github.com/Abdullah1738/juno-lightclient/internal/store"
	"github.com/stretchr/testify/require"
)

type fakeChain struct {
	hashes map[int64]chain.Hash
}

func (f *fakeChain) Tip(context.Context) (store.BlockMeta, bool, error) {
	var tip store.BlockMeta
	found := false
	for h, hash := range f.hashes {
		if !found || h > tip.Height {
			tip = store.BlockMeta{Height: h, Hash: hash}
			found = true
		}
	}
	return tip, found, nil
}

func (f *fakeChain) HashAtHeight(_ context.Context, h int64) (chain.Hash, bool, error) {
	hash, ok := f.hashes[h]
	return hash, ok, nil
}

func hashOf(h int64, tag byte) chain.Hash {
	var out chain.Hash
	out[0] = tag
	out[1] = byte(h)
	out[2] = byte(h >> 8)
	return out
}

// linked builds blocks from..to where each names the previous one.
func linked(from, to int64, tag byte, parent chain.Hash) []chain.Block {
	var out []chain.Block
	prev := parent
	for h := from; h <= to; h++ {
		b := chain.Block{Height: h, Hash: hashOf(h, tag), PrevHash: prev}
		out = append(out, b)
		prev = b.Hash
	}
	return out
}

func seq(blocks []chain.Block) iter.Seq2[chain.Block, error] {
	return func(yield func(chain.Block, error) bool) {
		for _, b := range blocks {
			if !yield(b, nil) {
				return
			}
		}
	}
}

func scanned(to int64) *fakeChain {
	f := &fakeChain{hashes: map[int64]chain.Hash{}}
	for h := int64(100); h <= to; h++ {
		f.hashes[h] = hashOf(h, 'a')
	}
	return f
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	fc := scanned(102)
	v := &Validator{chain: fc}

	t.Run("extends", func(t *testing.T) {
		r, err := v.Validate(ctx, seq(linked(103, 106, 'a', hashOf(102, 'a'))), 102)
		require.NoError(t, err)
		require.Equal(t, Range{Start: 103, End: 106}, r)
		require.Equal(t, int64(4), r.Len())
	})

	t.Run("empty_cache", func(t *testing.T) {
		r, err := v.Validate(ctx, seq(nil), 102)
		require.NoError(t, err)
		require.True(t, r.Empty())
	})

	t.Run("cache_behind", func(t *testing.T) {
		r, err := v.Validate(ctx, seq(linked(105, 106, 'a', hashOf(104, 'a'))), 102)
		require.NoError(t, err)
		require.True(t, r.Empty())
	})

	t.Run("overlap_matches", func(t *testing.T) {
		blocks := linked(100, 104, 'a', hashOf(99, 'a'))
		r, err := v.Validate(ctx, seq(blocks), 102)
		require.NoError(t, err)
		require.Equal(t, Range{Start: 103, End: 104}, r)
	})

	t.Run("overlap_replaced", func(t *testing.T) {
		blocks := append(linked(100, 100, 'a', hashOf(99, 'a')), linked(101, 103, 'b', hashOf(100, 'a'))...)
		r, err := v.Validate(ctx, seq(blocks), 102)
		require.ErrorIs(t, err, errs.ErrChainDiscontinuity)
		h, ok := errs.HeightOf(err)
		require.True(t, ok)
		require.Equal(t, int64(101), h)
		require.True(t, r.Empty())
	})

	t.Run("first_predecessor_mismatch", func(t *testing.T) {
		r, err := v.Validate(ctx, seq(linked(103, 104, 'b', hashOf(102, 'b'))), 102)
		require.ErrorIs(t, err, errs.ErrChainDiscontinuity)
		h, _ := errs.HeightOf(err)
		require.Equal(t, int64(103), h)
		require.True(t, r.Empty())
	})

	t.Run("break_inside_cache", func(t *testing.T) {
		blocks := linked(103, 105, 'a', hashOf(102, 'a'))
		blocks = append(blocks, linked(106, 107, 'c', hashOf(105, 'z'))...)
		r, err := v.Validate(ctx, seq(blocks), 102)
		require.ErrorIs(t, err, errs.ErrChainDiscontinuity)
		h, _ := errs.HeightOf(err)
		require.Equal(t, int64(106), h)
		require.Equal(t, Range{Start: 103, End: 105}, r)
		require.Less(t, r.End, h)
	})

	t.Run("gap", func(t *testing.T) {
		blocks := linked(103, 104, 'a', hashOf(102, 'a'))
		blocks = append(blocks, linked(106, 106, 'a', hashOf(105, 'a'))...)
		r, err := v.Validate(ctx, seq(blocks), 102)
		require.ErrorIs(t, err, errs.ErrChainDiscontinuity)
		h, _ := errs.HeightOf(err)
		require.Equal(t, int64(105), h)
		require.Equal(t, Range{Start: 103, End: 104}, r)
	})

	t.Run("fresh_store", func(t *testing.T) {
		v := &Validator{chain: &fakeChain{hashes: map[int64]chain.Hash{}}}
		r, err := v.Validate(ctx, seq(linked(0, 2, 'a', chain.Hash{})), -1)
		require.NoError(t, err)
		require.Equal(t, Range{Start: 0, End: 2}, r)
	})

	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := v.Validate(cctx, seq(linked(103, 104, 'a', hashOf(102, 'a'))), 102)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestValidateCombinedChain(t *testing.T) {
	ctx := context.Background()
	c, err := rocksdb.Open(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	v, err := New(c, scanned(102))
	require.NoError(t, err)

	h, err := v.ValidateCombinedChain(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(-1), h)

	for _, b := range linked(101, 104, 'a', hashOf(100, 'a')) {
		require.NoError(t, c.Put(ctx, b))
	}
	h, err = v.ValidateCombinedChain(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(-1), h)

	require.NoError(t, c.Put(ctx, chain.Block{Height: 102, Hash: hashOf(102, 'x'), PrevHash: hashOf(101, 'a')}))
	h, err = v.ValidateCombinedChain(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(102), h)
}
