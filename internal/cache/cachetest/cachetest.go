// Package cachetest holds behaviour checks shared by every cache driver.
package cachetest

import (
	"context"
	"testing"
	"time"

	"github.com/Abdullah1738/juno-lightclient/internal/cache"
	"github.com/Abdullah1738/juno-lightclient/internal/chain"
)

func block(height int64, tag byte) chain.Block {
	var h, p chain.Hash
	h[0], h[1] = byte(height), tag
	p[0] = byte(height - 1)
	return chain.Block{Height: height, Hash: h, PrevHash: p, Time: uint32(1000 + height), Data: []byte{tag, byte(height)}}
}

// Run exercises the cache.Store contract against a fresh store.
func Run(t *testing.T, open func(t *testing.T) cache.Store) {
	t.Helper()

	t.Run("empty", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c := open(t)

		if _, _, ok, err := c.Bounds(ctx); err != nil || ok {
			t.Fatalf("Bounds on empty cache: ok=%v err=%v", ok, err)
		}
		got, err := cache.Collect(c.Range(ctx, 0, 100))
		if err != nil {
			t.Fatalf("Range: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("Range on empty cache returned %d blocks", len(got))
		}
	})

	t.Run("put_range_overwrite", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c := open(t)

		for _, h := range []int64{103, 101, 100, 102} {
			if err := c.Put(ctx, block(h, 'a')); err != nil {
				t.Fatalf("Put(%d): %v", h, err)
			}
		}
		if err := c.Put(ctx, block(101, 'b')); err != nil {
			t.Fatalf("Put overwrite: %v", err)
		}

		got, err := cache.Collect(c.Range(ctx, 101, 102))
		if err != nil {
			t.Fatalf("Range: %v", err)
		}
		if len(got) != 2 || got[0].Height != 101 || got[1].Height != 102 {
			t.Fatalf("Range heights: %+v", got)
		}
		want := block(101, 'b')
		if got[0].Hash != want.Hash || got[0].PrevHash != want.PrevHash || got[0].Time != want.Time || string(got[0].Data) != string(want.Data) {
			t.Fatalf("overwritten block mismatch: got %+v want %+v", got[0], want)
		}

		lo, hi, ok, err := c.Bounds(ctx)
		if err != nil || !ok || lo != 100 || hi != 103 {
			t.Fatalf("Bounds=(%d,%d,%v,%v), want (100,103,true,nil)", lo, hi, ok, err)
		}
	})

	t.Run("range_stops_early", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c := open(t)

		for h := int64(1); h <= 5; h++ {
			if err := c.Put(ctx, block(h, 'a')); err != nil {
				t.Fatalf("Put: %v", err)
			}
		}
		n := 0
		for b, err := range c.Range(ctx, 1, 5) {
			if err != nil {
				t.Fatalf("Range: %v", err)
			}
			n++
			if b.Height == 2 {
				break
			}
		}
		if n != 2 {
			t.Fatalf("visited %d blocks, want 2", n)
		}
	})

	t.Run("purge", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c := open(t)

		for h := int64(10); h <= 20; h++ {
			if err := c.Put(ctx, block(h, 'a')); err != nil {
				t.Fatalf("Put: %v", err)
			}
		}
		if err := c.Purge(ctx, 15); err != nil {
			t.Fatalf("Purge: %v", err)
		}
		lo, hi, ok, err := c.Bounds(ctx)
		if err != nil || !ok || lo != 15 || hi != 20 {
			t.Fatalf("Bounds after purge=(%d,%d,%v,%v)", lo, hi, ok, err)
		}
		got, err := cache.Collect(c.Range(ctx, 0, 14))
		if err != nil {
			t.Fatalf("Range: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("purged blocks still present: %d", len(got))
		}
	})
}
