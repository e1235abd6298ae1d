package sqldb

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Abdullah1738/juno-lightclient/internal/chain"
	"github.com/Abdullah1738/juno-lightclient/internal/errs"
	"github.com/Abdullah1738/juno-lightclient/internal/store"
)

type sqlTx struct {
	c   conn
	now time.Time
}

func nullableHeight(h *int64) any {
	if h == nil {
		return nil
	}
	return *h
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// amount converts a value to the signed column type. Values above
// math.MaxInt64 are rejected instead of wrapping negative.
func amount(what string, v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("sqldb: %s %d out of range", what, v)
	}
	return int64(v), nil
}

func (t *sqlTx) Tip(ctx context.Context) (store.BlockMeta, bool, error) {
	return t.c.block(ctx, `ORDER BY b.height DESC LIMIT 1`)
}

func (t *sqlTx) InsertAccount(ctx context.Context, a store.Account) error {
	_, err := t.c.exec(ctx, `INSERT INTO accounts (`+accountCols+`) VALUES (?, ?, ?, ?, ?)`,
		int64(a.Index), a.ViewingKey, a.Address, a.BirthdayHeight, t.now.Unix())
	if err != nil {
		return fmt.Errorf("sqldb: insert account %d: %w", a.Index, err)
	}
	return nil
}

func (t *sqlTx) InsertBlock(ctx context.Context, b store.BlockMeta) error {
	if b.Height < 0 {
		return errors.New("sqldb: negative height")
	}
	_, err := t.c.exec(ctx,
		`INSERT INTO blocks (height, hash, prev_hash, block_time, scanned_at) VALUES (?, ?, ?, ?, ?)`+
			t.c.d.upsert("height", "hash", "prev_hash", "block_time", "scanned_at"),
		b.Height, b.Hash[:], b.PrevHash[:], int64(b.Time), t.now.Unix())
	if err != nil {
		return fmt.Errorf("sqldb: insert block %d: %w", b.Height, err)
	}
	if b.TreeState != nil {
		_, err := t.c.exec(ctx,
			`INSERT INTO tree_states (height, state) VALUES (?, ?)`+t.c.d.upsert("height", "state"),
			b.Height, b.TreeState)
		if err != nil {
			return fmt.Errorf("sqldb: insert tree state %d: %w", b.Height, err)
		}
	}
	return nil
}

func (t *sqlTx) InsertWitness(ctx context.Context, w store.Witness) error {
	if w.Height < 0 {
		return errors.New("sqldb: negative height")
	}
	_, err := t.c.exec(ctx,
		`INSERT INTO witnesses (height, tree_position, note_id, data) VALUES (?, ?, ?, ?)`+
			t.c.d.upsert("height, tree_position", "note_id", "data"),
		w.Height, int64(w.Position), w.NoteID, w.Data)
	if err != nil {
		return fmt.Errorf("sqldb: insert witness: %w", err)
	}
	return nil
}

func (t *sqlTx) PruneTreeStates(ctx context.Context, below, keepEvery, keep int64) error {
	rows, err := t.c.query(ctx, `SELECT height FROM tree_states WHERE height < ? AND height <> ?`, below, keep)
	if err != nil {
		return fmt.Errorf("sqldb: prune tree states: %w", err)
	}
	var drop []int64
	for rows.Next() {
		var h int64
		if err := rows.Scan(&h); err != nil {
			_ = rows.Close()
			return fmt.Errorf("sqldb: prune tree states: %w", err)
		}
		if keepEvery > 0 && h%keepEvery == 0 {
			continue
		}
		drop = append(drop, h)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sqldb: prune tree states: %w", err)
	}

	for _, h := range drop {
		if _, err := t.c.exec(ctx, `DELETE FROM tree_states WHERE height = ?`, h); err != nil {
			return fmt.Errorf("sqldb: prune tree state %d: %w", h, err)
		}
		if _, err := t.c.exec(ctx, `DELETE FROM witnesses WHERE height = ?`, h); err != nil {
			return fmt.Errorf("sqldb: prune witnesses %d: %w", h, err)
		}
	}
	return nil
}

func (t *sqlTx) InsertTransaction(ctx context.Context, tx store.Transaction) (int64, error) {
	fee, err := amount("fee", tx.Fee)
	if err != nil {
		return 0, err
	}
	existing, ok, err := t.c.transaction(ctx, tx.TxID)
	if err != nil {
		return 0, err
	}
	if ok {
		if existing.Height == nil && tx.Height != nil {
			if _, err := t.c.exec(ctx, `UPDATE transactions SET height = ?, tx_index = ? WHERE id = ?`, *tx.Height, int64(tx.Index), existing.ID); err != nil {
				return 0, fmt.Errorf("sqldb: update tx: %w", err)
			}
		}
		if len(existing.Raw) == 0 && len(tx.Raw) > 0 {
			if _, err := t.c.exec(ctx, `UPDATE transactions SET raw = ? WHERE id = ?`, tx.Raw, existing.ID); err != nil {
				return 0, fmt.Errorf("sqldb: update tx: %w", err)
			}
		}
		if existing.Fee == 0 && tx.Fee != 0 {
			if _, err := t.c.exec(ctx, `UPDATE transactions SET fee = ? WHERE id = ?`, fee, existing.ID); err != nil {
				return 0, fmt.Errorf("sqldb: update tx: %w", err)
			}
		}
		return existing.ID, nil
	}

	id, err := t.c.insertID(ctx,
		`INSERT INTO transactions (txid, height, tx_index, raw, expiry_height, fee, created) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tx.TxID[:], nullableHeight(tx.Height), int64(tx.Index), nullableBytes(tx.Raw), tx.ExpiryHeight, fee, tx.Created)
	if err != nil {
		return 0, fmt.Errorf("sqldb: insert tx: %w", err)
	}
	return id, nil
}

func (t *sqlTx) InsertReceivedNote(ctx context.Context, n store.ReceivedNote) (int64, error) {
	if n.Height < 0 {
		return 0, errors.New("sqldb: negative height")
	}
	if existing, ok, err := t.c.note(ctx, `WHERE nullifier = ?`, n.Nullifier[:]); err != nil {
		return 0, err
	} else if ok {
		return existing.ID, nil
	}

	value, err := amount("note value", n.Value)
	if err != nil {
		return 0, err
	}
	var spent any
	if n.SpentTxID != nil {
		spent = n.SpentTxID[:]
	}
	id, err := t.c.insertID(ctx,
		`INSERT INTO received_notes (account_index, txid, output_index, height, tree_position, note_value, commitment, nullifier, rseed, memo, spent_txid, spent_height, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(n.Account), n.TxID[:], int64(n.OutputIndex), n.Height, int64(n.Position), value,
		n.Commitment[:], n.Nullifier[:], n.Rseed[:], nullableBytes(n.Memo), spent, nullableHeight(n.SpentHeight), t.now.Unix())
	if err != nil {
		return 0, fmt.Errorf("sqldb: insert note: %w", err)
	}
	return id, nil
}

func (t *sqlTx) MarkNotesSpent(ctx context.Context, height int64, txid chain.Hash, nullifiers []chain.Nullifier) ([]store.ReceivedNote, error) {
	if height < 0 {
		return nil, errors.New("sqldb: negative height")
	}

	var out []store.ReceivedNote
	for _, nf := range nullifiers {
		res, err := t.c.exec(ctx,
			`UPDATE received_notes SET spent_txid = ?, spent_height = ? WHERE nullifier = ? AND spent_height IS NULL`,
			txid[:], height, nf[:])
		if err != nil {
			return nil, fmt.Errorf("sqldb: mark spent: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return nil, fmt.Errorf("sqldb: mark spent: %w", err)
		} else if n == 0 {
			continue
		}
		note, ok, err := t.c.note(ctx, `WHERE nullifier = ?`, nf[:])
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, note)
		}
	}
	return out, nil
}

func (t *sqlTx) MarkNotesSpentByID(ctx context.Context, ids []int64, txid chain.Hash) error {
	for _, id := range ids {
		res, err := t.c.exec(ctx, `UPDATE received_notes SET spent_txid = ? WHERE id = ? AND spent_txid IS NULL`, txid[:], id)
		if err != nil {
			return fmt.Errorf("sqldb: mark spent: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("sqldb: mark spent: %w", err)
		}
		if n == 1 {
			continue
		}
		if _, ok, err := t.c.note(ctx, `WHERE id = ?`, id); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("sqldb: note %d not found", id)
		}
		return errs.NoteConflict(id)
	}
	return nil
}

func (t *sqlTx) InsertSentNote(ctx context.Context, n store.SentNote) (int64, error) {
	value, err := amount("sent note value", n.Value)
	if err != nil {
		return 0, err
	}
	id, err := t.c.insertID(ctx,
		`INSERT INTO sent_notes (txid, output_index, account_index, to_address, note_value, memo, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.TxID[:], int64(n.OutputIndex), int64(n.Account), n.ToAddress, value, nullableBytes(n.Memo), t.now.Unix())
	if err != nil {
		return 0, fmt.Errorf("sqldb: insert sent note: %w", err)
	}
	return id, nil
}

func (t *sqlTx) RollbackToHeight(ctx context.Context, height int64) (store.Rollback, error) {
	var out store.Rollback
	var err error

	if out.OrphanedNotes, err = t.c.notes(ctx, `WHERE height > ? ORDER BY id`, height); err != nil {
		return out, err
	}
	if _, err := t.c.exec(ctx, `DELETE FROM received_notes WHERE height > ?`, height); err != nil {
		return out, fmt.Errorf("sqldb: delete notes: %w", err)
	}

	spent, err := t.c.notes(ctx, `WHERE spent_height > ? ORDER BY id`, height)
	if err != nil {
		return out, err
	}
	for _, n := range spent {
		created := false
		if n.SpentTxID != nil {
			tx, ok, err := t.c.transaction(ctx, *n.SpentTxID)
			if err != nil {
				return out, err
			}
			created = ok && tx.Created
		}
		if created {
			_, err = t.c.exec(ctx, `UPDATE received_notes SET spent_height = NULL WHERE id = ?`, n.ID)
		} else {
			_, err = t.c.exec(ctx, `UPDATE received_notes SET spent_txid = NULL, spent_height = NULL WHERE id = ?`, n.ID)
			out.OrphanedSpends = append(out.OrphanedSpends, n)
		}
		if err != nil {
			return out, fmt.Errorf("sqldb: unspend note %d: %w", n.ID, err)
		}
	}

	if _, err := t.c.exec(ctx, `UPDATE transactions SET height = NULL WHERE height > ? AND created = ?`, height, true); err != nil {
		return out, fmt.Errorf("sqldb: unmine created txs: %w", err)
	}
	for _, q := range []string{
		`DELETE FROM transactions WHERE height > ?`,
		`DELETE FROM witnesses WHERE height > ?`,
		`DELETE FROM tree_states WHERE height > ?`,
		`DELETE FROM blocks WHERE height > ?`,
	} {
		if _, err := t.c.exec(ctx, q, height); err != nil {
			return out, fmt.Errorf("sqldb: rollback: %w", err)
		}
	}
	return out, nil
}

func (t *sqlTx) InsertEvent(ctx context.Context, e store.Event) error {
	if e.Height < 0 {
		return errors.New("sqldb: negative height")
	}
	payload := string(e.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := t.c.exec(ctx,
		`INSERT INTO events (account_index, kind, height, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		int64(e.Account), e.Kind, e.Height, payload, t.now.Unix())
	if err != nil {
		return fmt.Errorf("sqldb: insert event: %w", err)
	}
	return nil
}
