// Package storage opens the configured data store and block cache.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Abdullah1738/juno-lightclient/internal/cache"
	cacherocks "github.com/Abdullah1738/juno-lightclient/internal/cache/rocksdb"
	cachesqlite "github.com/Abdullah1738/juno-lightclient/internal/cache/sqlite"
	"github.com/Abdullah1738/juno-lightclient/internal/store"
	"github.com/Abdullah1738/juno-lightclient/internal/store/rocksdb"
	"github.com/Abdullah1738/juno-lightclient/internal/store/sqldb"
)

type Config struct {
	Driver string

	DSN    string
	Schema string
	Path   string
}

// OpenStore opens the wallet data store. sqlite and rocksdb need Path;
// postgres and mysql need DSN.
func OpenStore(ctx context.Context, cfg Config) (store.Store, error) {
	var (
		sql *sqldb.Store
		kv  *rocksdb.Store
		err error
	)
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite":
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errors.New("storage: db path is required for sqlite")
		}
		if sql, err = sqldb.Open(ctx, sqldb.Config{Dialect: "sqlite", DSN: cfg.Path}); err != nil {
			return nil, err
		}
		return sql, nil
	case "rocksdb":
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errors.New("storage: db path is required for rocksdb")
		}
		if kv, err = rocksdb.Open(cfg.Path); err != nil {
			return nil, err
		}
		return kv, nil
	case "postgres", "mysql":
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, fmt.Errorf("storage: db dsn is required for %s", driver)
		}
		if sql, err = sqldb.Open(ctx, sqldb.Config{Dialect: driver, DSN: cfg.DSN, Schema: cfg.Schema}); err != nil {
			return nil, err
		}
		return sql, nil
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
}

// OpenCache opens the compact block cache at cfg.Path.
func OpenCache(ctx context.Context, cfg Config) (cache.Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage: cache path is required")
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "rocksdb":
		c, err := cacherocks.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "sqlite":
		c, err := cachesqlite.Open(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("storage: unknown cache driver %q", cfg.Driver)
	}
}

