package testutil

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/jackc/pgx/v5"
)

// PostgresSchema creates a fresh schema on the server at dsn and drops it
// when the test ends. Tables created under it stay isolated from other runs.
func PostgresSchema(tb testing.TB, ctx context.Context, dsn string) string {
	tb.Helper()

	var suffix [6]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		tb.Fatalf("rand: %v", err)
	}
	schema := "junolc_" + hex.EncodeToString(suffix[:])
	ident := pgx.Identifier{schema}.Sanitize()

	exec := func(ctx context.Context, sql string) error {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return err
		}
		defer conn.Close(ctx)
		_, err = conn.Exec(ctx, sql)
		return err
	}
	if err := exec(ctx, "CREATE SCHEMA "+ident); err != nil {
		tb.Fatalf("create schema %s: %v", schema, err)
	}
	tb.Cleanup(func() {
		if err := exec(context.Background(), "DROP SCHEMA "+ident+" CASCADE"); err != nil {
			tb.Logf("drop schema %s: %v", schema, err)
		}
	})
	return schema
}
