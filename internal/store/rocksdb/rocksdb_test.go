package rocksdb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Abdullah1738/juno-lightclient/internal/store"
	"github.com/Abdullah1738/juno-lightclient/internal/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		st, err := Open(filepath.Join(t.TempDir(), "db"))
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() { _ = st.Close() })
		if err := st.Migrate(context.Background()); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
		return st
	})
}

func TestMigrate_Idempotent(t *testing.T) {
	st, err := Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()

	for i := 0; i < 2; i++ {
		if err := st.Migrate(context.Background()); err != nil {
			t.Fatalf("Migrate #%d: %v", i, err)
		}
	}
}

func TestKeyLayout(t *testing.T) {
	if got := string(keyWitness(7, 3)); got != "w/00000000000000000007/00000000000000000003" {
		t.Fatalf("keyWitness=%q", got)
	}
	id, err := lastFixed20(keyEventHeightIndex(5, 2, 9))
	if err != nil || id != 9 {
		t.Fatalf("lastFixed20=%d,%v", id, err)
	}
}
