package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	driver "github.com/go-sql-driver/mysql"
)

func init() {
	register(&dialect{
		name:   "mysql",
		upsert: mysqlUpsert,
		open:   openMySQL,
	})
}

func mysqlUpsert(_ string, cols ...string) string {
	sets := make([]string, 0, len(cols))
	for _, c := range cols {
		sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", c, c))
	}
	return " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
}

func openMySQL(ctx context.Context, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("sqldb: mysql dsn is required")
	}

	dsnCfg, err := driver.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqldb: mysql parse dsn: %w", err)
	}
	dsnCfg.ParseTime = true
	dsnCfg.Loc = time.UTC

	db, err := sql.Open("mysql", dsnCfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("sqldb: mysql open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqldb: mysql ping: %w", err)
	}
	return db, nil
}
