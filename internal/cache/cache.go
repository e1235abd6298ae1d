// Package cache defines the compact block cache: raw blocks waiting to be
// validated and scanned, keyed by height. It stores; it does not validate.
package cache

import (
	"context"
	"iter"

	"github.com/Abdullah1738/juno-lightclient/internal/chain"
)

type Store interface {
	Close() error

	// Put inserts or overwrites the block at b.Height.
	Put(ctx context.Context, b chain.Block) error
	// Range yields cached blocks with start <= height <= end in ascending
	// order. Blocks are read lazily; a missing height is simply skipped.
	Range(ctx context.Context, start, end int64) iter.Seq2[chain.Block, error]
	// Purge drops every block below height.
	Purge(ctx context.Context, below int64) error
	// Bounds reports the lowest and highest cached heights.
	Bounds(ctx context.Context) (lo, hi int64, ok bool, err error)
}

// Collect drains a range into a slice. Intended for small ranges.
func Collect(seq iter.Seq2[chain.Block, error]) ([]chain.Block, error) {
	var out []chain.Block
	for b, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
