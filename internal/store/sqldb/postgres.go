package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

func init() {
	register(&dialect{
		name:      "postgres",
		numbered:  true,
		returning: true,
		upsert:    onConflictUpsert,
		open:      openPostgres,
	})
}

// openPostgres connects through the pgx database/sql adapter. A non-empty
// schema is created on demand and pinned with search_path.
func openPostgres(ctx context.Context, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("sqldb: postgres dsn is required")
	}
	connCfg, err := pgx.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqldb: postgres parse: %w", err)
	}

	if schema := strings.TrimSpace(cfg.Schema); schema != "" {
		adminConn, err := pgx.ConnectConfig(ctx, connCfg.Copy())
		if err != nil {
			return nil, fmt.Errorf("sqldb: postgres connect: %w", err)
		}
		_, err = adminConn.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{schema}.Sanitize())
		_ = adminConn.Close(ctx)
		if err != nil {
			return nil, fmt.Errorf("sqldb: postgres create schema: %w", err)
		}
		if connCfg.RuntimeParams == nil {
			connCfg.RuntimeParams = map[string]string{}
		}
		connCfg.RuntimeParams["search_path"] = schema
	}

	db := stdlib.OpenDB(*connCfg)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqldb: postgres ping: %w", err)
	}
	return db, nil
}
