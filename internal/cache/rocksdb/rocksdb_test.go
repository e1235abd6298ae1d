package rocksdb

import (
	"path/filepath"
	"testing"

	"github.com/Abdullah1738/juno-lightclient/internal/cache"
	"github.com/Abdullah1738/juno-lightclient/internal/cache/cachetest"
)

func TestCache(t *testing.T) {
	cachetest.Run(t, func(t *testing.T) cache.Store {
		c, err := Open(filepath.Join(t.TempDir(), "cache"))
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() { _ = c.Close() })
		return c
	})
}

func TestFixed20Ordering(t *testing.T) {
	a := keyBlock(9)
	b := keyBlock(10)
	if string(a) >= string(b) {
		t.Fatalf("keys not ordered: %q >= %q", a, b)
	}
	n, err := parseFixed20Int64(a[len(blockPrefix):])
	if err != nil || n != 9 {
		t.Fatalf("parseFixed20Int64=%d,%v", n, err)
	}
}
