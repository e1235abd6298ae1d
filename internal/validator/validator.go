// Package validator checks that cached compact blocks extend the chain the
// wallet has already scanned.
package validator

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/Abdullah1738/juno-lightclient/internal/cache"
	"github.com/Abdullah1738/juno-lightclient/internal/chain"
	"github.com/Abdullah1738/juno-lightclient/internal/errs"
	"github.com/Abdullah1738/juno-lightclient/internal/store"
)

// ChainReader is the part of the data store the validator needs.
type ChainReader interface {
	Tip(ctx context.Context) (store.BlockMeta, bool, error)
	HashAtHeight(ctx context.Context, height int64) (chain.Hash, bool, error)
}

// Range is an inclusive height range. It is empty when End < Start.
type Range struct {
	Start int64
	End   int64
}

func (r Range) Empty() bool { return r.End < r.Start }

func (r Range) Len() int64 {
	if r.Empty() {
		return 0
	}
	return r.End - r.Start + 1
}

type Validator struct {
	cache cache.Store
	chain ChainReader
}

func New(c cache.Store, cr ChainReader) (*Validator, error) {
	if c == nil {
		return nil, errors.New("validator: cache is nil")
	}
	if cr == nil {
		return nil, errors.New("validator: chain reader is nil")
	}
	return &Validator{cache: c, chain: cr}, nil
}

// Validate walks blocks in ascending height order and returns the heights
// above lastScanned that safely extend the scanned chain.
//
// Blocks at or below lastScanned are compared with the recorded hashes; a
// difference means the chain was rewritten and is reported at the lowest such
// height. Above lastScanned each block must name its predecessor's hash and
// heights must be contiguous. The returned range always ends strictly before
// a reported discontinuity.
func (v *Validator) Validate(ctx context.Context, blocks iter.Seq2[chain.Block, error], lastScanned int64) (Range, error) {
	valid := Range{Start: lastScanned + 1, End: lastScanned}

	var (
		prev     chain.Hash
		havePrev bool
		next     = lastScanned + 1
	)
	if lastScanned >= 0 {
		h, ok, err := v.chain.HashAtHeight(ctx, lastScanned)
		if err != nil {
			return valid, fmt.Errorf("validator: hash at %d: %w", lastScanned, err)
		}
		prev, havePrev = h, ok
	}

	for b, err := range blocks {
		if err != nil {
			return valid, err
		}
		if err := ctx.Err(); err != nil {
			return valid, err
		}

		if b.Height <= lastScanned {
			stored, ok, err := v.chain.HashAtHeight(ctx, b.Height)
			if err != nil {
				return valid, fmt.Errorf("validator: hash at %d: %w", b.Height, err)
			}
			if ok && stored != b.Hash {
				return valid, errs.Discontinuity(b.Height, fmt.Sprintf("cached block %s replaces scanned block %s", b.Hash, stored))
			}
			continue
		}

		if b.Height != next {
			if next == lastScanned+1 {
				// The cache does not reach the next height yet.
				return valid, nil
			}
			return valid, errs.Discontinuity(next, fmt.Sprintf("height gap: next cached block is %d", b.Height))
		}
		if havePrev && b.PrevHash != prev {
			return valid, errs.Discontinuity(b.Height, fmt.Sprintf("predecessor %s does not match %s", b.PrevHash, prev))
		}

		valid.End = b.Height
		prev, havePrev = b.Hash, true
		next++
	}
	return valid, nil
}

// ValidateCache validates everything currently cached against the scan
// watermark.
func (v *Validator) ValidateCache(ctx context.Context) (Range, int64, error) {
	lastScanned := int64(-1)
	tip, ok, err := v.chain.Tip(ctx)
	if err != nil {
		return Range{}, 0, fmt.Errorf("validator: tip: %w", err)
	}
	if ok {
		lastScanned = tip.Height
	}

	lo, hi, ok, err := v.cache.Bounds(ctx)
	if err != nil {
		return Range{}, lastScanned, fmt.Errorf("validator: cache bounds: %w", err)
	}
	if !ok {
		return Range{Start: lastScanned + 1, End: lastScanned}, lastScanned, nil
	}
	r, err := v.Validate(ctx, v.cache.Range(ctx, lo, hi), lastScanned)
	return r, lastScanned, err
}

// ValidateCombinedChain returns -1 when the cache and the data store form one
// chain, or the height of the first discontinuity.
func (v *Validator) ValidateCombinedChain(ctx context.Context) (int64, error) {
	_, _, err := v.ValidateCache(ctx)
	if err == nil {
		return -1, nil
	}
	if errs.CodeOf(err) == errs.CodeChainDiscontinuity {
		h, _ := errs.HeightOf(err)
		return h, nil
	}
	return 0, err
}
