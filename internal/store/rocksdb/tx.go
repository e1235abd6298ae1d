package rocksdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Abdullah1738/juno-lightclient/internal/chain"
	"github.com/Abdullah1738/juno-lightclient/internal/errs"
	"github.com/Abdullah1738/juno-lightclient/internal/store"
	"github.com/cockroachdb/pebble"
)

type rocksTx struct {
	batch *pebble.Batch
	now   time.Time
}

func (t *rocksTx) nextSeq(name string) (int64, error) {
	key := keyMeta("seq/" + name)
	n, _, err := getUint64(t.batch, key)
	if err != nil {
		return 0, fmt.Errorf("rocksdb: get %s seq: %w", name, err)
	}
	next := n + 1
	if err := t.batch.Set(key, uint64To8(next), pebble.NoSync); err != nil {
		return 0, fmt.Errorf("rocksdb: bump %s seq: %w", name, err)
	}
	return int64(next), nil
}

func (t *rocksTx) setJSON(key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("rocksdb: encode %q: %w", key, err)
	}
	if err := t.batch.Set(key, b, pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: set %q: %w", key, err)
	}
	return nil
}

func (t *rocksTx) Tip(ctx context.Context) (store.BlockMeta, bool, error) {
	_ = ctx
	return readTip(t.batch)
}

func (t *rocksTx) InsertAccount(ctx context.Context, a store.Account) error {
	_ = ctx
	key := keyAccount(a.Index)
	if _, ok, err := getValue(t.batch, key); err != nil {
		return fmt.Errorf("rocksdb: get account: %w", err)
	} else if ok {
		return fmt.Errorf("rocksdb: account %d already exists", a.Index)
	}
	return t.setJSON(key, accountRecord{
		ViewingKey:     a.ViewingKey,
		Address:        a.Address,
		BirthdayHeight: a.BirthdayHeight,
		CreatedAtUnix:  t.now.Unix(),
	})
}

func (t *rocksTx) InsertBlock(ctx context.Context, b store.BlockMeta) error {
	_ = ctx
	if b.Height < 0 {
		return errors.New("rocksdb: negative height")
	}
	if err := t.setJSON(keyBlock(b.Height), blockRecord{
		Hash:        b.Hash.String(),
		PrevHash:    b.PrevHash.String(),
		Time:        b.Time,
		ScannedUnix: t.now.Unix(),
	}); err != nil {
		return err
	}
	if b.TreeState != nil {
		if err := t.batch.Set(keyTreeState(b.Height), b.TreeState, pebble.NoSync); err != nil {
			return fmt.Errorf("rocksdb: insert tree state: %w", err)
		}
	}
	return nil
}

func (t *rocksTx) InsertWitness(ctx context.Context, w store.Witness) error {
	_ = ctx
	if w.Height < 0 {
		return errors.New("rocksdb: negative height")
	}
	return t.setJSON(keyWitness(w.Height, w.Position), witnessRecord{NoteID: w.NoteID, Data: w.Data})
}

func (t *rocksTx) PruneTreeStates(ctx context.Context, below, keepEvery, keep int64) error {
	_ = ctx
	if below <= 0 {
		return nil
	}
	keys, err := collectKeys(t.batch, treeStatePrefix, keyTreeState(below))
	if err != nil {
		return err
	}
	for _, k := range keys {
		h, err := parseFixed20Int64(bytes.TrimPrefix(k, treeStatePrefix))
		if err != nil {
			return fmt.Errorf("rocksdb: tree state key: %w", err)
		}
		if h == keep || (keepEvery > 0 && h%keepEvery == 0) {
			continue
		}
		if err := t.batch.Delete(k, pebble.NoSync); err != nil {
			return fmt.Errorf("rocksdb: prune tree state: %w", err)
		}
		prefix := keyWitnessHeightPrefix(h)
		if err := t.batch.DeleteRange(prefix, prefixUpperBound(prefix), pebble.NoSync); err != nil {
			return fmt.Errorf("rocksdb: prune witnesses: %w", err)
		}
	}
	return nil
}

func (t *rocksTx) InsertTransaction(ctx context.Context, tx store.Transaction) (int64, error) {
	_ = ctx
	txidHex := []byte(tx.TxID.String())
	key := keyTx(txidHex)

	var rec txRecord
	ok, err := getJSON(t.batch, key, &rec)
	if err != nil {
		return 0, fmt.Errorf("rocksdb: get tx: %w", err)
	}
	if ok {
		if rec.Height == nil && tx.Height != nil {
			rec.Height = tx.Height
			rec.Index = tx.Index
			if err := t.batch.Set(keyTxMinedHeightIndex(*tx.Height, txidHex), nil, pebble.NoSync); err != nil {
				return 0, fmt.Errorf("rocksdb: tx height index: %w", err)
			}
		}
		if len(rec.Raw) == 0 && len(tx.Raw) > 0 {
			rec.Raw = tx.Raw
		}
		if rec.Fee == 0 {
			rec.Fee = tx.Fee
		}
		if err := t.setJSON(key, rec); err != nil {
			return 0, err
		}
		return rec.ID, nil
	}

	id, err := t.nextSeq("tx")
	if err != nil {
		return 0, err
	}
	rec = txRecord{
		ID:           id,
		Height:       tx.Height,
		Index:        tx.Index,
		Raw:          tx.Raw,
		ExpiryHeight: tx.ExpiryHeight,
		Fee:          tx.Fee,
		Created:      tx.Created,
	}
	if err := t.setJSON(key, rec); err != nil {
		return 0, err
	}
	if err := t.batch.Set(keyTxID(id), txidHex, pebble.NoSync); err != nil {
		return 0, fmt.Errorf("rocksdb: tx id index: %w", err)
	}
	if tx.Height != nil {
		if err := t.batch.Set(keyTxMinedHeightIndex(*tx.Height, txidHex), nil, pebble.NoSync); err != nil {
			return 0, fmt.Errorf("rocksdb: tx height index: %w", err)
		}
	}
	return id, nil
}

func (t *rocksTx) InsertReceivedNote(ctx context.Context, n store.ReceivedNote) (int64, error) {
	_ = ctx
	if n.Height < 0 {
		return 0, errors.New("rocksdb: negative height")
	}
	nfKey := keyNullifier([]byte(n.Nullifier.String()))
	if v, ok, err := getValue(t.batch, nfKey); err != nil {
		return 0, fmt.Errorf("rocksdb: get nullifier: %w", err)
	} else if ok {
		return parseFixed20Int64(v)
	}

	id, err := t.nextSeq("note")
	if err != nil {
		return 0, err
	}
	n.ID = id
	if err := t.setJSON(keyNote(id), noteToRecord(n, t.now)); err != nil {
		return 0, err
	}
	if err := t.batch.Set(keyNoteHeightIndex(n.Height, id), nil, pebble.NoSync); err != nil {
		return 0, fmt.Errorf("rocksdb: note height index: %w", err)
	}
	if err := t.batch.Set(keyAccountNoteIndex(n.Account, id), nil, pebble.NoSync); err != nil {
		return 0, fmt.Errorf("rocksdb: account note index: %w", err)
	}
	if err := t.batch.Set(nfKey, appendUint64Fixed20(nil, uint64(id)), pebble.NoSync); err != nil {
		return 0, fmt.Errorf("rocksdb: nullifier index: %w", err)
	}
	if n.SpentHeight != nil {
		if err := t.batch.Set(keySpentHeightIndex(*n.SpentHeight, id), nil, pebble.NoSync); err != nil {
			return 0, fmt.Errorf("rocksdb: spent index: %w", err)
		}
	}
	return id, nil
}

func (t *rocksTx) MarkNotesSpent(ctx context.Context, height int64, txid chain.Hash, nullifiers []chain.Nullifier) ([]store.ReceivedNote, error) {
	_ = ctx
	if height < 0 {
		return nil, errors.New("rocksdb: negative height")
	}

	var out []store.ReceivedNote
	for _, nf := range nullifiers {
		v, ok, err := getValue(t.batch, keyNullifier([]byte(nf.String())))
		if err != nil {
			return nil, fmt.Errorf("rocksdb: get nullifier: %w", err)
		}
		if !ok {
			continue
		}
		id, err := parseFixed20Int64(v)
		if err != nil {
			return nil, fmt.Errorf("rocksdb: nullifier index: %w", err)
		}
		n, ok, err := readNote(t.batch, id)
		if err != nil {
			return nil, err
		}
		if !ok || n.SpentHeight != nil {
			continue
		}

		h := height
		spent := txid
		n.SpentHeight = &h
		n.SpentTxID = &spent
		if err := t.writeNote(n); err != nil {
			return nil, err
		}
		if err := t.batch.Set(keySpentHeightIndex(height, id), nil, pebble.NoSync); err != nil {
			return nil, fmt.Errorf("rocksdb: mark spent index: %w", err)
		}
		out = append(out, n)
	}
	return out, nil
}

func (t *rocksTx) MarkNotesSpentByID(ctx context.Context, ids []int64, txid chain.Hash) error {
	_ = ctx
	for _, id := range ids {
		n, ok, err := readNote(t.batch, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("rocksdb: note %d not found", id)
		}
		if !n.Unspent() {
			return errs.NoteConflict(id)
		}
		spent := txid
		n.SpentTxID = &spent
		if err := t.writeNote(n); err != nil {
			return err
		}
	}
	return nil
}

func (t *rocksTx) writeNote(n store.ReceivedNote) error {
	key := keyNote(n.ID)
	var prev noteRecord
	ok, err := getJSON(t.batch, key, &prev)
	if err != nil {
		return err
	}
	rec := noteToRecord(n, t.now)
	if ok {
		rec.CreatedAtUnix = prev.CreatedAtUnix
	}
	return t.setJSON(key, rec)
}

func (t *rocksTx) InsertSentNote(ctx context.Context, n store.SentNote) (int64, error) {
	_ = ctx
	id, err := t.nextSeq("sent")
	if err != nil {
		return 0, err
	}
	if err := t.setJSON(keySentNote(id), sentNoteRecord{
		TxID:          n.TxID.String(),
		OutputIndex:   n.OutputIndex,
		Account:       n.Account,
		ToAddress:     n.ToAddress,
		Value:         n.Value,
		MemoHex:       memoHex(n.Memo),
		CreatedAtUnix: t.now.Unix(),
	}); err != nil {
		return 0, err
	}
	return id, nil
}

func (t *rocksTx) RollbackToHeight(ctx context.Context, height int64) (store.Rollback, error) {
	_ = ctx
	if height < -1 {
		height = -1
	}
	start := uint64(height + 1)
	var out store.Rollback

	noteKeys, err := collectKeys(t.batch, keyFixed20(noteHeightPrefix, start), prefixUpperBound(noteHeightPrefix))
	if err != nil {
		return out, err
	}
	for _, k := range noteKeys {
		id, err := lastFixed20(k)
		if err != nil {
			return out, fmt.Errorf("rocksdb: note height key: %w", err)
		}
		n, ok, err := readNote(t.batch, id)
		if err != nil {
			return out, err
		}
		if err := t.batch.Delete(k, pebble.NoSync); err != nil {
			return out, fmt.Errorf("rocksdb: delete note height index: %w", err)
		}
		if !ok {
			continue
		}
		for _, dk := range [][]byte{
			keyNote(id),
			keyAccountNoteIndex(n.Account, id),
			keyNullifier([]byte(n.Nullifier.String())),
		} {
			if err := t.batch.Delete(dk, pebble.NoSync); err != nil {
				return out, fmt.Errorf("rocksdb: delete note: %w", err)
			}
		}
		if n.SpentHeight != nil {
			if err := t.batch.Delete(keySpentHeightIndex(*n.SpentHeight, id), pebble.NoSync); err != nil {
				return out, fmt.Errorf("rocksdb: delete spent index: %w", err)
			}
		}
		out.OrphanedNotes = append(out.OrphanedNotes, n)
	}

	spentKeys, err := collectKeys(t.batch, keyFixed20(noteSpentPrefix, start), prefixUpperBound(noteSpentPrefix))
	if err != nil {
		return out, err
	}
	for _, k := range spentKeys {
		id, err := lastFixed20(k)
		if err != nil {
			return out, fmt.Errorf("rocksdb: spent key: %w", err)
		}
		if err := t.batch.Delete(k, pebble.NoSync); err != nil {
			return out, fmt.Errorf("rocksdb: delete spent index: %w", err)
		}
		n, ok, err := readNote(t.batch, id)
		if err != nil {
			return out, err
		}
		if !ok || n.SpentTxID == nil {
			continue
		}
		orig := n

		created, err := t.isCreatedTx(*n.SpentTxID)
		if err != nil {
			return out, err
		}
		n.SpentHeight = nil
		if !created {
			n.SpentTxID = nil
			out.OrphanedSpends = append(out.OrphanedSpends, orig)
		}
		if err := t.writeNote(n); err != nil {
			return out, err
		}
	}

	txKeys, err := collectKeys(t.batch, keyFixed20(txMinedHeightPrefix, start), prefixUpperBound(txMinedHeightPrefix))
	if err != nil {
		return out, err
	}
	for _, k := range txKeys {
		if err := t.batch.Delete(k, pebble.NoSync); err != nil {
			return out, fmt.Errorf("rocksdb: delete tx height index: %w", err)
		}
		txidHex := k[len(txMinedHeightPrefix)+21:]
		var rec txRecord
		ok, err := getJSON(t.batch, keyTx(txidHex), &rec)
		if err != nil {
			return out, fmt.Errorf("rocksdb: get tx: %w", err)
		}
		if !ok {
			continue
		}
		if rec.Created {
			rec.Height = nil
			if err := t.setJSON(keyTx(txidHex), rec); err != nil {
				return out, err
			}
			continue
		}
		if err := t.batch.Delete(keyTx(txidHex), pebble.NoSync); err != nil {
			return out, fmt.Errorf("rocksdb: delete tx: %w", err)
		}
		if err := t.batch.Delete(keyTxID(rec.ID), pebble.NoSync); err != nil {
			return out, fmt.Errorf("rocksdb: delete tx id: %w", err)
		}
	}

	for _, prefix := range [][]byte{blockPrefix, treeStatePrefix, witnessPrefix} {
		if err := deleteRangeByFixed20(t.batch, prefix, start); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (t *rocksTx) isCreatedTx(txid chain.Hash) (bool, error) {
	var rec txRecord
	ok, err := getJSON(t.batch, keyTx([]byte(txid.String())), &rec)
	if err != nil {
		return false, fmt.Errorf("rocksdb: get tx: %w", err)
	}
	return ok && rec.Created, nil
}

func (t *rocksTx) InsertEvent(ctx context.Context, e store.Event) error {
	_ = ctx
	if e.Height < 0 {
		return errors.New("rocksdb: negative height")
	}

	seqKey := keyEventSeq(e.Account)
	nextID, ok, err := getUint64(t.batch, seqKey)
	if err != nil {
		return fmt.Errorf("rocksdb: get event seq: %w", err)
	}
	if !ok {
		nextID = 1
	}

	if err := t.setJSON(keyEvent(e.Account, nextID), eventRecord{
		Kind:          e.Kind,
		Account:       e.Account,
		Height:        e.Height,
		Payload:       string(e.Payload),
		CreatedAtUnix: t.now.Unix(),
	}); err != nil {
		return err
	}
	if err := t.batch.Set(keyEventHeightIndex(e.Height, e.Account, nextID), nil, pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: insert event height index: %w", err)
	}
	if err := t.batch.Set(seqKey, uint64To8(nextID+1), pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: bump event seq: %w", err)
	}
	return nil
}
