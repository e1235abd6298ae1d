package sqldb

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Abdullah1738/juno-lightclient/internal/chain"
	"github.com/Abdullah1738/juno-lightclient/internal/store"
	"github.com/Abdullah1738/juno-lightclient/internal/store/storetest"
	"github.com/Abdullah1738/juno-lightclient/internal/testutil"
)

func openMigrated(t *testing.T, cfg Config) store.Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return st
}

func TestStore_SQLite(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return openMigrated(t, Config{Dialect: "sqlite", DSN: filepath.Join(t.TempDir(), "wallet.sqlite")})
	})
}

func TestStore_Postgres(t *testing.T) {
	dsn := os.Getenv("JUNO_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("JUNO_TEST_POSTGRES_DSN not set")
	}
	storetest.Run(t, func(t *testing.T) store.Store {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		schema := testutil.PostgresSchema(t, ctx, dsn)
		return openMigrated(t, Config{Dialect: "postgres", DSN: dsn, Schema: schema})
	})
}

func TestMigrate_Idempotent(t *testing.T) {
	st := openMigrated(t, Config{Dialect: "sqlite", DSN: filepath.Join(t.TempDir(), "wallet.sqlite")})
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestInsert_RejectsAmountsAboveInt64(t *testing.T) {
	ctx := context.Background()
	st := openMigrated(t, Config{Dialect: "sqlite", DSN: filepath.Join(t.TempDir(), "wallet.sqlite")})
	if err := st.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertAccount(ctx, store.Account{Index: 0}); err != nil {
			return err
		}
		_, err := tx.InsertReceivedNote(ctx, store.ReceivedNote{Height: 1, Value: 7, Nullifier: chain.Nullifier{1}})
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	huge := uint64(math.MaxInt64) + 1
	cases := map[string]func(store.Tx) error{
		"received note": func(tx store.Tx) error {
			_, err := tx.InsertReceivedNote(ctx, store.ReceivedNote{Height: 2, Value: huge, Nullifier: chain.Nullifier{2}})
			return err
		},
		"sent note": func(tx store.Tx) error {
			_, err := tx.InsertSentNote(ctx, store.SentNote{TxID: chain.Hash{2}, Value: huge})
			return err
		},
		"fee": func(tx store.Tx) error {
			_, err := tx.InsertTransaction(ctx, store.Transaction{TxID: chain.Hash{3}, Fee: huge})
			return err
		},
	}
	for name, fn := range cases {
		err := st.WithTx(ctx, fn)
		if err == nil || !strings.Contains(err.Error(), "out of range") {
			t.Fatalf("%s: err=%v", name, err)
		}
	}

	bal, err := st.Balance(ctx, 0)
	if err != nil || bal != 7 {
		t.Fatalf("balance=%d err=%v", bal, err)
	}
	if _, ok, err := st.Transaction(ctx, chain.Hash{3}); err != nil || ok {
		t.Fatalf("rejected transaction stored: ok=%v err=%v", ok, err)
	}
}

func TestOpen_UnknownDialect(t *testing.T) {
	if _, err := Open(context.Background(), Config{Dialect: "oracle"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRebind(t *testing.T) {
	pg := dialects["postgres"]
	if got := pg.rebind(`SELECT a FROM t WHERE a = ? AND b IN (?, ?)`); got != `SELECT a FROM t WHERE a = $1 AND b IN ($2, $3)` {
		t.Fatalf("rebind=%q", got)
	}
	lite := dialects["sqlite"]
	if got := lite.rebind(`a = ?`); got != `a = ?` {
		t.Fatalf("sqlite rebind=%q", got)
	}
}

func TestMigrationsPresentForEveryDialect(t *testing.T) {
	for _, name := range []string{"sqlite", "postgres", "mysql"} {
		migs, err := loadMigrations(name)
		if err != nil {
			t.Fatalf("loadMigrations(%s): %v", name, err)
		}
		if len(migs) == 0 || migs[0].version != 1 {
			t.Fatalf("%s migrations=%+v", name, migs)
		}
		stmts := splitSQLStatements(migs[0].sql)
		if len(stmts) < 8 || !strings.HasPrefix(stmts[0], "CREATE TABLE accounts") {
			t.Fatalf("%s statements=%d first=%q", name, len(stmts), stmts[0])
		}
	}
}
