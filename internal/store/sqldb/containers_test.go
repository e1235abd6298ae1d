//go:build docker

package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Abdullah1738/juno-lightclient/internal/store"
	"github.com/Abdullah1738/juno-lightclient/internal/store/storetest"
	"github.com/Abdullah1738/juno-lightclient/internal/testutil"
	"github.com/Abdullah1738/juno-lightclient/internal/testutil/containers"
	driver "github.com/go-sql-driver/mysql"
)

func TestStore_PostgresContainer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	svc, err := containers.StartPostgres(ctx)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	defer func() { _ = svc.Terminate(context.Background()) }()

	storetest.Run(t, func(t *testing.T) store.Store {
		schema := testutil.PostgresSchema(t, ctx, svc.URL)
		return openMigrated(t, Config{Dialect: "postgres", DSN: svc.URL, Schema: schema})
	})
}

func TestStore_MySQLContainer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	svc, err := containers.StartMySQL(ctx)
	if err != nil {
		t.Fatalf("start mysql: %v", err)
	}
	defer func() { _ = svc.Terminate(context.Background()) }()

	admin, err := sql.Open("mysql", svc.URL)
	if err != nil {
		t.Fatalf("open admin: %v", err)
	}
	defer admin.Close()

	var n atomic.Int64
	storetest.Run(t, func(t *testing.T) store.Store {
		name := fmt.Sprintf("junolc_test_%d", n.Add(1))
		if _, err := admin.ExecContext(ctx, "CREATE DATABASE "+name); err != nil {
			t.Fatalf("create database: %v", err)
		}
		t.Cleanup(func() { _, _ = admin.ExecContext(context.Background(), "DROP DATABASE "+name) })

		cfg, err := driver.ParseDSN(svc.URL)
		if err != nil {
			t.Fatalf("parse dsn: %v", err)
		}
		cfg.DBName = name
		return openMigrated(t, Config{Dialect: "mysql", DSN: cfg.FormatDSN()})
	})
}
