// Package sqlite is the SQLite-backed compact block cache.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"

	"github.com/Abdullah1738/juno-lightclient/internal/chain"
	_ "github.com/mattn/go-sqlite3"
)

type Cache struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Cache, error) {
	if path == "" {
		return nil, errors.New("sqlite cache: path is required")
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("sqlite cache: open: %w", err)
	}
	c := &Cache{db: db}
	if err := c.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite cache: init schema: %w", err)
	}
	return c, nil
}

func (c *Cache) initSchema(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS compactblocks (
		height     INTEGER PRIMARY KEY,
		hash       BLOB NOT NULL,
		prev_hash  BLOB NOT NULL,
		time       INTEGER NOT NULL,
		data       BLOB NOT NULL
	);
	`)
	return err
}

func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *Cache) Put(ctx context.Context, b chain.Block) error {
	if b.Height < 0 {
		return errors.New("sqlite cache: negative height")
	}
	data := b.Data
	if data == nil {
		data = []byte{}
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO compactblocks (height, hash, prev_hash, time, data) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(height) DO UPDATE SET hash = excluded.hash, prev_hash = excluded.prev_hash, time = excluded.time, data = excluded.data`,
		b.Height, b.Hash[:], b.PrevHash[:], int64(b.Time), data,
	)
	if err != nil {
		return fmt.Errorf("sqlite cache: put block %d: %w", b.Height, err)
	}
	return nil
}

func (c *Cache) Range(ctx context.Context, start, end int64) iter.Seq2[chain.Block, error] {
	return func(yield func(chain.Block, error) bool) {
		if end < start {
			return
		}
		rows, err := c.db.QueryContext(ctx,
			`SELECT height, hash, prev_hash, time, data FROM compactblocks
			 WHERE height >= ? AND height <= ? ORDER BY height ASC`,
			start, end,
		)
		if err != nil {
			yield(chain.Block{}, fmt.Errorf("sqlite cache: range: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				b              chain.Block
				hash, prevHash []byte
				t              int64
			)
			if err := rows.Scan(&b.Height, &hash, &prevHash, &t, &b.Data); err != nil {
				yield(chain.Block{}, fmt.Errorf("sqlite cache: scan: %w", err))
				return
			}
			if len(hash) != len(b.Hash) || len(prevHash) != len(b.PrevHash) {
				yield(chain.Block{}, fmt.Errorf("sqlite cache: block %d: corrupt hash", b.Height))
				return
			}
			copy(b.Hash[:], hash)
			copy(b.PrevHash[:], prevHash)
			b.Time = uint32(t)
			if !yield(b, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(chain.Block{}, fmt.Errorf("sqlite cache: range: %w", err))
		}
	}
}

func (c *Cache) Purge(ctx context.Context, below int64) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM compactblocks WHERE height < ?`, below); err != nil {
		return fmt.Errorf("sqlite cache: purge: %w", err)
	}
	return nil
}

func (c *Cache) Bounds(ctx context.Context) (int64, int64, bool, error) {
	var lo, hi sql.NullInt64
	if err := c.db.QueryRowContext(ctx, `SELECT MIN(height), MAX(height) FROM compactblocks`).Scan(&lo, &hi); err != nil {
		return 0, 0, false, fmt.Errorf("sqlite cache: bounds: %w", err)
	}
	if !lo.Valid || !hi.Valid {
		return 0, 0, false, nil
	}
	return lo.Int64, hi.Int64, true, nil
}
