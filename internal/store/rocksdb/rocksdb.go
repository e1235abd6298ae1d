// Package rocksdb is the embedded, Pebble-backed data store.
package rocksdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Abdullah1738/juno-lightclient/internal/chain"
	"github.com/Abdullah1738/juno-lightclient/internal/store"
	"github.com/cockroachdb/pebble"
)

const schemaVersion = "1"

type Store struct {
	mu sync.Mutex
	db *pebble.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("rocksdb: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("rocksdb: mkdir: %w", err)
	}

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("rocksdb: open: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	verKey := keyMeta("schema_version")
	v, ok, err := getValue(s.db, verKey)
	if err != nil {
		return fmt.Errorf("rocksdb: schema_version: %w", err)
	}
	if ok {
		if string(v) != schemaVersion {
			return fmt.Errorf("rocksdb: unsupported schema_version %q", v)
		}
		return nil
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(verKey, []byte(schemaVersion), pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: set schema_version: %w", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("rocksdb: migrate commit: %w", err)
	}
	return nil
}

func (s *Store) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewIndexedBatch()
	defer batch.Close()

	tx := &rocksTx{
		batch: batch,
		now:   time.Now().UTC(),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("rocksdb: commit: %w", err)
	}
	return nil
}

func (s *Store) IsEmpty(ctx context.Context) (bool, error) {
	_ = ctx
	for _, prefix := range [][]byte{accountPrefix, blockPrefix} {
		k, err := firstKey(s.db, prefix)
		if err != nil {
			return false, err
		}
		if k != nil {
			return false, nil
		}
	}
	return true, nil
}

func firstKey(r reader, prefix []byte) ([]byte, error) {
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("rocksdb: iter: %w", err)
	}
	defer iter.Close()
	if !iter.First() {
		return nil, iter.Error()
	}
	return append([]byte{}, iter.Key()...), nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]store.Account, error) {
	_ = ctx

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: accountPrefix,
		UpperBound: prefixUpperBound(accountPrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("rocksdb: iter: %w", err)
	}
	defer iter.Close()

	var out []store.Account
	for iter.First(); iter.Valid(); iter.Next() {
		idx, err := parseFixed20Int64(bytes.TrimPrefix(iter.Key(), accountPrefix))
		if err != nil {
			return nil, fmt.Errorf("rocksdb: account key: %w", err)
		}
		var rec accountRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("rocksdb: decode account: %w", err)
		}
		out = append(out, accountFromRecord(uint32(idx), rec))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("rocksdb: list accounts: %w", err)
	}
	return out, nil
}

func (s *Store) Account(ctx context.Context, index uint32) (store.Account, bool, error) {
	_ = ctx
	var rec accountRecord
	ok, err := getJSON(s.db, keyAccount(index), &rec)
	if err != nil || !ok {
		return store.Account{}, false, err
	}
	return accountFromRecord(index, rec), true, nil
}

func (s *Store) Tip(ctx context.Context) (store.BlockMeta, bool, error) {
	_ = ctx
	return readTip(s.db)
}

func readTip(r reader) (store.BlockMeta, bool, error) {
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: blockPrefix,
		UpperBound: prefixUpperBound(blockPrefix),
	})
	if err != nil {
		return store.BlockMeta{}, false, fmt.Errorf("rocksdb: iter: %w", err)
	}
	defer iter.Close()

	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return store.BlockMeta{}, false, fmt.Errorf("rocksdb: tip: %w", err)
		}
		return store.BlockMeta{}, false, nil
	}
	height, err := parseFixed20Int64(bytes.TrimPrefix(iter.Key(), blockPrefix))
	if err != nil {
		return store.BlockMeta{}, false, fmt.Errorf("rocksdb: tip key: %w", err)
	}
	var rec blockRecord
	if err := json.Unmarshal(iter.Value(), &rec); err != nil {
		return store.BlockMeta{}, false, fmt.Errorf("rocksdb: tip decode: %w", err)
	}
	b, err := blockFromRecord(height, rec)
	if err != nil {
		return store.BlockMeta{}, false, err
	}
	if b.TreeState, _, err = getValue(r, keyTreeState(height)); err != nil {
		return store.BlockMeta{}, false, fmt.Errorf("rocksdb: tip tree state: %w", err)
	}
	return b, true, nil
}

func (s *Store) Block(ctx context.Context, height int64) (store.BlockMeta, bool, error) {
	_ = ctx
	return readBlock(s.db, height)
}

func readBlock(r reader, height int64) (store.BlockMeta, bool, error) {
	if height < 0 {
		return store.BlockMeta{}, false, nil
	}
	var rec blockRecord
	ok, err := getJSON(r, keyBlock(height), &rec)
	if err != nil {
		return store.BlockMeta{}, false, fmt.Errorf("rocksdb: get block: %w", err)
	}
	if !ok {
		return store.BlockMeta{}, false, nil
	}
	b, err := blockFromRecord(height, rec)
	if err != nil {
		return store.BlockMeta{}, false, err
	}
	if b.TreeState, _, err = getValue(r, keyTreeState(height)); err != nil {
		return store.BlockMeta{}, false, fmt.Errorf("rocksdb: get tree state: %w", err)
	}
	return b, true, nil
}

func (s *Store) HashAtHeight(ctx context.Context, height int64) (chain.Hash, bool, error) {
	b, ok, err := s.Block(ctx, height)
	if err != nil || !ok {
		return chain.Hash{}, false, err
	}
	return b.Hash, true, nil
}

func (s *Store) TreeStateAtOrBelow(ctx context.Context, height int64) (store.BlockMeta, bool, error) {
	_ = ctx
	if height < 0 {
		return store.BlockMeta{}, false, nil
	}
	return s.treeStateEdge(keyTreeState(height+1), true)
}

func (s *Store) EarliestTreeState(ctx context.Context) (store.BlockMeta, bool, error) {
	_ = ctx
	return s.treeStateEdge(prefixUpperBound(treeStatePrefix), false)
}

func (s *Store) treeStateEdge(upper []byte, last bool) (store.BlockMeta, bool, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: treeStatePrefix,
		UpperBound: upper,
	})
	if err != nil {
		return store.BlockMeta{}, false, fmt.Errorf("rocksdb: iter: %w", err)
	}
	defer iter.Close()

	var found bool
	if last {
		found = iter.Last()
	} else {
		found = iter.First()
	}
	if !found {
		if err := iter.Error(); err != nil {
			return store.BlockMeta{}, false, fmt.Errorf("rocksdb: tree state: %w", err)
		}
		return store.BlockMeta{}, false, nil
	}
	height, err := parseFixed20Int64(bytes.TrimPrefix(iter.Key(), treeStatePrefix))
	if err != nil {
		return store.BlockMeta{}, false, fmt.Errorf("rocksdb: tree state key: %w", err)
	}
	b, ok, err := readBlock(s.db, height)
	if err != nil {
		return store.BlockMeta{}, false, err
	}
	if !ok {
		return store.BlockMeta{}, false, fmt.Errorf("rocksdb: tree state at %d without block", height)
	}
	return b, true, nil
}

func (s *Store) Witnesses(ctx context.Context, height int64) ([]store.Witness, error) {
	_ = ctx
	return readWitnesses(s.db, height)
}

func readWitnesses(r reader, height int64) ([]store.Witness, error) {
	prefix := keyWitnessHeightPrefix(height)
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("rocksdb: iter: %w", err)
	}
	defer iter.Close()

	var out []store.Witness
	for iter.First(); iter.Valid(); iter.Next() {
		pos, err := lastFixed20(iter.Key())
		if err != nil {
			return nil, fmt.Errorf("rocksdb: witness key: %w", err)
		}
		var rec witnessRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("rocksdb: decode witness: %w", err)
		}
		out = append(out, store.Witness{
			NoteID:   rec.NoteID,
			Position: uint64(pos),
			Height:   height,
			Data:     rec.Data,
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("rocksdb: list witnesses: %w", err)
	}
	return out, nil
}

func (s *Store) Balance(ctx context.Context, account uint32) (uint64, error) {
	return s.sumUnspent(ctx, account, -1)
}

func (s *Store) VerifiedBalance(ctx context.Context, account uint32, maxHeight int64) (uint64, error) {
	if maxHeight < 0 {
		return 0, nil
	}
	return s.sumUnspent(ctx, account, maxHeight)
}

func (s *Store) sumUnspent(ctx context.Context, account uint32, maxHeight int64) (uint64, error) {
	notes, err := s.accountNotes(ctx, account, true, maxHeight, 0)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, n := range notes {
		total += n.Value
	}
	return total, nil
}

func (s *Store) SpendableNotes(ctx context.Context, account uint32, maxHeight int64) ([]store.ReceivedNote, error) {
	if maxHeight < 0 {
		return nil, nil
	}
	return s.accountNotes(ctx, account, true, maxHeight, 0)
}

func (s *Store) ListAccountNotes(ctx context.Context, account uint32, onlyUnspent bool, limit int) ([]store.ReceivedNote, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	return s.accountNotes(ctx, account, onlyUnspent, -1, limit)
}

// accountNotes walks the account note index in id order. maxHeight < 0 and
// limit <= 0 disable the respective filter.
func (s *Store) accountNotes(ctx context.Context, account uint32, onlyUnspent bool, maxHeight int64, limit int) ([]store.ReceivedNote, error) {
	_ = ctx

	prefix := keyAccountNotePrefix(account)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("rocksdb: iter: %w", err)
	}
	defer iter.Close()

	var out []store.ReceivedNote
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		id, err := lastFixed20(iter.Key())
		if err != nil {
			return nil, fmt.Errorf("rocksdb: account note key: %w", err)
		}
		n, ok, err := readNote(s.db, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if onlyUnspent && !n.Unspent() {
			continue
		}
		if maxHeight >= 0 && n.Height > maxHeight {
			continue
		}
		out = append(out, n)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("rocksdb: list notes: %w", err)
	}
	return out, nil
}

func (s *Store) NotesReceivedInRange(ctx context.Context, from, to int64) ([]store.ReceivedNote, error) {
	_ = ctx
	if to <= from {
		return nil, nil
	}
	keys, err := collectKeys(s.db, keyFixed20(noteHeightPrefix, uint64(from+1)), keyFixed20(noteHeightPrefix, uint64(to+1)))
	if err != nil {
		return nil, err
	}
	out := make([]store.ReceivedNote, 0, len(keys))
	for _, k := range keys {
		id, err := lastFixed20(k)
		if err != nil {
			return nil, fmt.Errorf("rocksdb: note height key: %w", err)
		}
		n, ok, err := readNote(s.db, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, n)
		}
	}
	sortByPosition(out)
	return out, nil
}

func sortByPosition(notes []store.ReceivedNote) {
	sort.Slice(notes, func(i, j int) bool { return notes[i].Position < notes[j].Position })
}

func (s *Store) ReceivedNote(ctx context.Context, id int64) (store.ReceivedNote, bool, error) {
	_ = ctx
	return readNote(s.db, id)
}

func readNote(r reader, id int64) (store.ReceivedNote, bool, error) {
	var rec noteRecord
	ok, err := getJSON(r, keyNote(id), &rec)
	if err != nil {
		return store.ReceivedNote{}, false, fmt.Errorf("rocksdb: get note: %w", err)
	}
	if !ok {
		return store.ReceivedNote{}, false, nil
	}
	n, err := noteFromRecord(id, rec)
	if err != nil {
		return store.ReceivedNote{}, false, err
	}
	return n, true, nil
}

func (s *Store) SentNote(ctx context.Context, id int64) (store.SentNote, bool, error) {
	_ = ctx
	var rec sentNoteRecord
	ok, err := getJSON(s.db, keySentNote(id), &rec)
	if err != nil {
		return store.SentNote{}, false, fmt.Errorf("rocksdb: get sent note: %w", err)
	}
	if !ok {
		return store.SentNote{}, false, nil
	}
	n, err := sentNoteFromRecord(id, rec)
	if err != nil {
		return store.SentNote{}, false, err
	}
	return n, true, nil
}

func (s *Store) Transaction(ctx context.Context, txid chain.Hash) (store.Transaction, bool, error) {
	_ = ctx
	var rec txRecord
	ok, err := getJSON(s.db, keyTx([]byte(txid.String())), &rec)
	if err != nil {
		return store.Transaction{}, false, fmt.Errorf("rocksdb: get tx: %w", err)
	}
	if !ok {
		return store.Transaction{}, false, nil
	}
	return txFromRecord(txid, rec), true, nil
}

func (s *Store) AccountEventPublishCursor(ctx context.Context, account uint32) (int64, error) {
	_ = ctx

	n, _, err := getUint64(s.db, keyMeta(fmt.Sprintf("publish_cursor/%d", account)))
	if err != nil {
		return 0, fmt.Errorf("rocksdb: get publish cursor: %w", err)
	}
	if n > uint64(^uint64(0)>>1) {
		return 0, errors.New("rocksdb: publish cursor overflow")
	}
	return int64(n), nil
}

func (s *Store) SetAccountEventPublishCursor(ctx context.Context, account uint32, cursor int64) error {
	_ = ctx
	if cursor < 0 {
		cursor = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()

	if err := b.Set(keyMeta(fmt.Sprintf("publish_cursor/%d", account)), uint64To8(uint64(cursor)), pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: set publish cursor: %w", err)
	}
	if err := b.Commit(pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: set publish cursor commit: %w", err)
	}
	return nil
}

func (s *Store) ListAccountEvents(ctx context.Context, account uint32, afterID int64, limit int, filter store.EventFilter) ([]store.Event, int64, error) {
	_ = ctx
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if afterID < 0 {
		afterID = 0
	}
	if filter.BlockHeight != nil && *filter.BlockHeight < 0 {
		return nil, afterID, errors.New("rocksdb: negative blockHeight")
	}

	wantKind := make(map[string]struct{}, len(filter.Kinds))
	for _, k := range filter.Kinds {
		if k != "" {
			wantKind[k] = struct{}{}
		}
	}

	opts := &pebble.IterOptions{
		LowerBound: keyEvent(account, uint64(afterID+1)),
		UpperBound: prefixUpperBound(keyEventPrefix(account)),
	}
	if filter.BlockHeight != nil {
		opts = &pebble.IterOptions{
			LowerBound: keyEventHeightIndex(*filter.BlockHeight, account, uint64(afterID+1)),
			UpperBound: prefixUpperBound(keyEventHeightPrefix(*filter.BlockHeight, account)),
		}
	}
	iter, err := s.db.NewIter(opts)
	if err != nil {
		return nil, afterID, fmt.Errorf("rocksdb: iter: %w", err)
	}
	defer iter.Close()

	var out []store.Event
	nextCursor := afterID
	for iter.First(); iter.Valid(); iter.Next() {
		if len(out) >= limit {
			break
		}
		id, err := lastFixed20(iter.Key())
		if err != nil {
			return nil, afterID, fmt.Errorf("rocksdb: event key: %w", err)
		}

		var rec eventRecord
		if filter.BlockHeight != nil {
			ok, err := getJSON(s.db, keyEvent(account, uint64(id)), &rec)
			if err != nil {
				return nil, afterID, fmt.Errorf("rocksdb: get event: %w", err)
			}
			if !ok {
				continue
			}
		} else if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, afterID, fmt.Errorf("rocksdb: decode event: %w", err)
		}

		if len(wantKind) > 0 {
			if _, ok := wantKind[rec.Kind]; !ok {
				continue
			}
		}

		nextCursor = id
		out = append(out, store.Event{
			ID:        id,
			Kind:      rec.Kind,
			Account:   account,
			Height:    rec.Height,
			Payload:   json.RawMessage(rec.Payload),
			CreatedAt: time.Unix(rec.CreatedAtUnix, 0).UTC(),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, afterID, fmt.Errorf("rocksdb: list events: %w", err)
	}
	return out, nextCursor, nil
}
