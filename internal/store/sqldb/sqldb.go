// Package sqldb is the relational data store. One implementation serves
// SQLite, PostgreSQL (through the pgx database/sql adapter) and MySQL; each
// dialect carries its own embedded migrations.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Abdullah1738/juno-lightclient/internal/chain"
	"github.com/Abdullah1738/juno-lightclient/internal/store"
)

type Config struct {
	// Dialect is one of sqlite, postgres or mysql.
	Dialect string
	// DSN is a connection string, or a file path for sqlite.
	DSN string
	// Schema optionally isolates the postgres tables.
	Schema string
}

type Store struct {
	db *sql.DB
	d  *dialect
}

func Open(ctx context.Context, cfg Config) (*Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Dialect))
	d, ok := dialects[name]
	if !ok {
		return nil, fmt.Errorf("sqldb: unknown dialect %q", cfg.Dialect)
	}
	db, err := d.open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, d: d}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.applyMigrations(ctx)
}

func (s *Store) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqldb: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqlTx{c: conn{q: tx, d: s.d}, now: time.Now().UTC()}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqldb: commit: %w", err)
	}
	return nil
}

func (s *Store) conn() conn { return conn{q: s.db, d: s.d} }

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn binds a querier to a dialect so statements can be written once with
// ? placeholders.
type conn struct {
	q querier
	d *dialect
}

func (c conn) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.d.rebind(q), args...)
}

func (c conn) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.d.rebind(q), args...)
}

func (c conn) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.d.rebind(q), args...)
}

// insertID runs an INSERT and returns the generated id column.
func (c conn) insertID(ctx context.Context, q string, args ...any) (int64, error) {
	if c.d.returning {
		var id int64
		if err := c.queryRow(ctx, q+" RETURNING id", args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := c.exec(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) IsEmpty(ctx context.Context) (bool, error) {
	var accounts, blocks int64
	if err := s.conn().queryRow(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&accounts); err != nil {
		return false, fmt.Errorf("sqldb: count accounts: %w", err)
	}
	if err := s.conn().queryRow(ctx, `SELECT COUNT(*) FROM blocks`).Scan(&blocks); err != nil {
		return false, fmt.Errorf("sqldb: count blocks: %w", err)
	}
	return accounts == 0 && blocks == 0, nil
}

const accountCols = `account_index, viewing_key, address, birthday_height, created_at`

func scanAccount(sc interface{ Scan(...any) error }) (store.Account, error) {
	var (
		a       store.Account
		idx     int64
		created int64
	)
	if err := sc.Scan(&idx, &a.ViewingKey, &a.Address, &a.BirthdayHeight, &created); err != nil {
		return store.Account{}, err
	}
	a.Index = uint32(idx)
	a.CreatedAt = time.Unix(created, 0).UTC()
	return a, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]store.Account, error) {
	rows, err := s.conn().query(ctx, `SELECT `+accountCols+` FROM accounts ORDER BY account_index`)
	if err != nil {
		return nil, fmt.Errorf("sqldb: list accounts: %w", err)
	}
	defer rows.Close()

	var out []store.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("sqldb: list accounts: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqldb: list accounts: %w", err)
	}
	return out, nil
}

func (s *Store) Account(ctx context.Context, index uint32) (store.Account, bool, error) {
	a, err := scanAccount(s.conn().queryRow(ctx, `SELECT `+accountCols+` FROM accounts WHERE account_index = ?`, int64(index)))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Account{}, false, nil
	}
	if err != nil {
		return store.Account{}, false, fmt.Errorf("sqldb: get account: %w", err)
	}
	return a, true, nil
}

const blockCols = `b.height, b.hash, b.prev_hash, b.block_time, ts.state`

func scanBlock(sc interface{ Scan(...any) error }) (store.BlockMeta, error) {
	var (
		b          store.BlockMeta
		hash, prev []byte
		t          int64
	)
	if err := sc.Scan(&b.Height, &hash, &prev, &t, &b.TreeState); err != nil {
		return store.BlockMeta{}, err
	}
	if err := copy32(b.Hash[:], hash); err != nil {
		return store.BlockMeta{}, fmt.Errorf("block %d hash: %w", b.Height, err)
	}
	if err := copy32(b.PrevHash[:], prev); err != nil {
		return store.BlockMeta{}, fmt.Errorf("block %d prev hash: %w", b.Height, err)
	}
	b.Time = uint32(t)
	return b, nil
}

func (c conn) block(ctx context.Context, where string, args ...any) (store.BlockMeta, bool, error) {
	b, err := scanBlock(c.queryRow(ctx, `SELECT `+blockCols+` FROM blocks b LEFT JOIN tree_states ts ON ts.height = b.height `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return store.BlockMeta{}, false, nil
	}
	if err != nil {
		return store.BlockMeta{}, false, fmt.Errorf("sqldb: get block: %w", err)
	}
	return b, true, nil
}

func (s *Store) Tip(ctx context.Context) (store.BlockMeta, bool, error) {
	return s.conn().block(ctx, `ORDER BY b.height DESC LIMIT 1`)
}

func (s *Store) Block(ctx context.Context, height int64) (store.BlockMeta, bool, error) {
	return s.conn().block(ctx, `WHERE b.height = ?`, height)
}

func (s *Store) HashAtHeight(ctx context.Context, height int64) (chain.Hash, bool, error) {
	b, ok, err := s.Block(ctx, height)
	if err != nil || !ok {
		return chain.Hash{}, false, err
	}
	return b.Hash, true, nil
}

func (s *Store) TreeStateAtOrBelow(ctx context.Context, height int64) (store.BlockMeta, bool, error) {
	return s.conn().block(ctx, `WHERE ts.state IS NOT NULL AND b.height <= ? ORDER BY b.height DESC LIMIT 1`, height)
}

func (s *Store) EarliestTreeState(ctx context.Context) (store.BlockMeta, bool, error) {
	return s.conn().block(ctx, `WHERE ts.state IS NOT NULL ORDER BY b.height ASC LIMIT 1`)
}

func (s *Store) Witnesses(ctx context.Context, height int64) ([]store.Witness, error) {
	rows, err := s.conn().query(ctx, `SELECT note_id, tree_position, data FROM witnesses WHERE height = ? ORDER BY tree_position`, height)
	if err != nil {
		return nil, fmt.Errorf("sqldb: list witnesses: %w", err)
	}
	defer rows.Close()

	var out []store.Witness
	for rows.Next() {
		w := store.Witness{Height: height}
		var pos int64
		if err := rows.Scan(&w.NoteID, &pos, &w.Data); err != nil {
			return nil, fmt.Errorf("sqldb: list witnesses: %w", err)
		}
		w.Position = uint64(pos)
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqldb: list witnesses: %w", err)
	}
	return out, nil
}

func (s *Store) sum(ctx context.Context, q string, args ...any) (uint64, error) {
	var total sql.NullInt64
	if err := s.conn().queryRow(ctx, q, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("sqldb: sum notes: %w", err)
	}
	if !total.Valid {
		return 0, nil
	}
	if total.Int64 < 0 {
		return 0, fmt.Errorf("sqldb: sum notes: negative total %d", total.Int64)
	}
	return uint64(total.Int64), nil
}

func (s *Store) Balance(ctx context.Context, account uint32) (uint64, error) {
	return s.sum(ctx, `SELECT SUM(note_value) FROM received_notes WHERE account_index = ? AND spent_txid IS NULL`, int64(account))
}

func (s *Store) VerifiedBalance(ctx context.Context, account uint32, maxHeight int64) (uint64, error) {
	return s.sum(ctx, `SELECT SUM(note_value) FROM received_notes WHERE account_index = ? AND spent_txid IS NULL AND height <= ?`, int64(account), maxHeight)
}

func (s *Store) SpendableNotes(ctx context.Context, account uint32, maxHeight int64) ([]store.ReceivedNote, error) {
	return s.conn().notes(ctx, `WHERE account_index = ? AND spent_txid IS NULL AND height <= ? ORDER BY id`, int64(account), maxHeight)
}

func (s *Store) ListAccountNotes(ctx context.Context, account uint32, onlyUnspent bool, limit int) ([]store.ReceivedNote, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	where := `WHERE account_index = ?`
	if onlyUnspent {
		where += ` AND spent_txid IS NULL`
	}
	return s.conn().notes(ctx, where+` ORDER BY id LIMIT ?`, int64(account), limit)
}

func (s *Store) NotesReceivedInRange(ctx context.Context, from, to int64) ([]store.ReceivedNote, error) {
	return s.conn().notes(ctx, `WHERE height > ? AND height <= ? ORDER BY tree_position`, from, to)
}

func (s *Store) ReceivedNote(ctx context.Context, id int64) (store.ReceivedNote, bool, error) {
	return s.conn().note(ctx, `WHERE id = ?`, id)
}

const noteCols = `id, account_index, txid, output_index, height, tree_position, note_value, commitment, nullifier, rseed, memo, spent_txid, spent_height, created_at`

func scanNote(sc interface{ Scan(...any) error }) (store.ReceivedNote, error) {
	var (
		n                                store.ReceivedNote
		account, outIdx, pos, val, ctime int64
		txid, cm, nf, rseed, spent       []byte
		spentHeight                      sql.NullInt64
	)
	if err := sc.Scan(&n.ID, &account, &txid, &outIdx, &n.Height, &pos, &val, &cm, &nf, &rseed, &n.Memo, &spent, &spentHeight, &ctime); err != nil {
		return store.ReceivedNote{}, err
	}
	n.Account = uint32(account)
	n.OutputIndex = uint32(outIdx)
	n.Position = uint64(pos)
	n.Value = uint64(val)
	n.CreatedAt = time.Unix(ctime, 0).UTC()
	for _, f := range []struct {
		dst []byte
		src []byte
	}{
		{n.TxID[:], txid},
		{n.Commitment[:], cm},
		{n.Nullifier[:], nf},
		{n.Rseed[:], rseed},
	} {
		if err := copy32(f.dst, f.src); err != nil {
			return store.ReceivedNote{}, fmt.Errorf("note %d: %w", n.ID, err)
		}
	}
	if spent != nil {
		var h chain.Hash
		if err := copy32(h[:], spent); err != nil {
			return store.ReceivedNote{}, fmt.Errorf("note %d spent txid: %w", n.ID, err)
		}
		n.SpentTxID = &h
	}
	if spentHeight.Valid {
		h := spentHeight.Int64
		n.SpentHeight = &h
	}
	if len(n.Memo) == 0 {
		n.Memo = nil
	}
	return n, nil
}

func (c conn) notes(ctx context.Context, where string, args ...any) ([]store.ReceivedNote, error) {
	rows, err := c.query(ctx, `SELECT `+noteCols+` FROM received_notes `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("sqldb: list notes: %w", err)
	}
	defer rows.Close()

	var out []store.ReceivedNote
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("sqldb: list notes: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqldb: list notes: %w", err)
	}
	return out, nil
}

func (c conn) note(ctx context.Context, where string, args ...any) (store.ReceivedNote, bool, error) {
	n, err := scanNote(c.queryRow(ctx, `SELECT `+noteCols+` FROM received_notes `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return store.ReceivedNote{}, false, nil
	}
	if err != nil {
		return store.ReceivedNote{}, false, fmt.Errorf("sqldb: get note: %w", err)
	}
	return n, true, nil
}

func (s *Store) SentNote(ctx context.Context, id int64) (store.SentNote, bool, error) {
	var (
		n                     store.SentNote
		txid                  []byte
		outIdx, acct, v, ctim int64
	)
	err := s.conn().queryRow(ctx, `SELECT id, txid, output_index, account_index, to_address, note_value, memo, created_at FROM sent_notes WHERE id = ?`, id).
		Scan(&n.ID, &txid, &outIdx, &acct, &n.ToAddress, &v, &n.Memo, &ctim)
	if errors.Is(err, sql.ErrNoRows) {
		return store.SentNote{}, false, nil
	}
	if err != nil {
		return store.SentNote{}, false, fmt.Errorf("sqldb: get sent note: %w", err)
	}
	if err := copy32(n.TxID[:], txid); err != nil {
		return store.SentNote{}, false, fmt.Errorf("sqldb: sent note %d txid: %w", id, err)
	}
	n.OutputIndex = uint32(outIdx)
	n.Account = uint32(acct)
	n.Value = uint64(v)
	n.CreatedAt = time.Unix(ctim, 0).UTC()
	if len(n.Memo) == 0 {
		n.Memo = nil
	}
	return n, true, nil
}

func (s *Store) Transaction(ctx context.Context, txid chain.Hash) (store.Transaction, bool, error) {
	return s.conn().transaction(ctx, txid)
}

func (c conn) transaction(ctx context.Context, txid chain.Hash) (store.Transaction, bool, error) {
	t := store.Transaction{TxID: txid}
	var (
		height       sql.NullInt64
		index, fee   int64
		expiryHeight int64
	)
	err := c.queryRow(ctx, `SELECT id, height, tx_index, raw, expiry_height, fee, created FROM transactions WHERE txid = ?`, txid[:]).
		Scan(&t.ID, &height, &index, &t.Raw, &expiryHeight, &fee, &t.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Transaction{}, false, nil
	}
	if err != nil {
		return store.Transaction{}, false, fmt.Errorf("sqldb: get tx: %w", err)
	}
	if height.Valid {
		h := height.Int64
		t.Height = &h
	}
	t.Index = uint64(index)
	t.Fee = uint64(fee)
	t.ExpiryHeight = expiryHeight
	return t, true, nil
}

func (s *Store) AccountEventPublishCursor(ctx context.Context, account uint32) (int64, error) {
	var cursor int64
	err := s.conn().queryRow(ctx, `SELECT next_cursor FROM publish_cursors WHERE account_index = ?`, int64(account)).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqldb: get publish cursor: %w", err)
	}
	return cursor, nil
}

func (s *Store) SetAccountEventPublishCursor(ctx context.Context, account uint32, cursor int64) error {
	if cursor < 0 {
		cursor = 0
	}
	_, err := s.conn().exec(ctx,
		`INSERT INTO publish_cursors (account_index, next_cursor) VALUES (?, ?)`+s.d.upsert("account_index", "next_cursor"),
		int64(account), cursor)
	if err != nil {
		return fmt.Errorf("sqldb: set publish cursor: %w", err)
	}
	return nil
}

func (s *Store) ListAccountEvents(ctx context.Context, account uint32, afterID int64, limit int, filter store.EventFilter) ([]store.Event, int64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if afterID < 0 {
		afterID = 0
	}
	if filter.BlockHeight != nil && *filter.BlockHeight < 0 {
		return nil, afterID, errors.New("sqldb: negative blockHeight")
	}

	q := `SELECT id, kind, height, payload, created_at FROM events WHERE account_index = ? AND id > ?`
	args := []any{int64(account), afterID}
	if filter.BlockHeight != nil {
		q += ` AND height = ?`
		args = append(args, *filter.BlockHeight)
	}
	var kinds []any
	for _, k := range filter.Kinds {
		if k != "" {
			kinds = append(kinds, k)
		}
	}
	if len(kinds) > 0 {
		q += ` AND kind IN (` + placeholders(len(kinds)) + `)`
		args = append(args, kinds...)
	}
	q += ` ORDER BY id LIMIT ?`
	args = append(args, limit)

	rows, err := s.conn().query(ctx, q, args...)
	if err != nil {
		return nil, afterID, fmt.Errorf("sqldb: list events: %w", err)
	}
	defer rows.Close()

	var out []store.Event
	nextCursor := afterID
	for rows.Next() {
		e := store.Event{Account: account}
		var (
			payload string
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.Height, &payload, &created); err != nil {
			return nil, afterID, fmt.Errorf("sqldb: list events: %w", err)
		}
		e.Payload = []byte(payload)
		e.CreatedAt = time.Unix(created, 0).UTC()
		nextCursor = e.ID
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, afterID, fmt.Errorf("sqldb: list events: %w", err)
	}
	return out, nextCursor, nil
}

func copy32(dst, src []byte) error {
	if len(src) != 32 {
		return fmt.Errorf("expected 32 bytes, got %d", len(src))
	}
	copy(dst, src)
	return nil
}

func nowUnix() int64 { return time.Now().UTC().Unix() }
