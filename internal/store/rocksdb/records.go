package rocksdb

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Abdullah1738/juno-lightclient/internal/chain"
	"github.com/Abdullah1738/juno-lightclient/internal/store"
)

type accountRecord struct {
	ViewingKey     string `json:"viewing_key"`
	Address        string `json:"address"`
	BirthdayHeight int64  `json:"birthday_height"`
	CreatedAtUnix  int64  `json:"created_at_unix"`
}

type blockRecord struct {
	Hash        string `json:"hash"`
	PrevHash    string `json:"prev_hash"`
	Time        uint32 `json:"time"`
	ScannedUnix int64  `json:"scanned_at_unix"`
}

type witnessRecord struct {
	NoteID int64  `json:"note_id"`
	Data   []byte `json:"data"`
}

type noteRecord struct {
	Account       uint32  `json:"account"`
	TxID          string  `json:"txid"`
	OutputIndex   uint32  `json:"output_index"`
	Height        int64   `json:"height"`
	Position      uint64  `json:"position"`
	Value         uint64  `json:"value"`
	Commitment    string  `json:"commitment"`
	Nullifier     string  `json:"nullifier"`
	Rseed         string  `json:"rseed"`
	MemoHex       *string `json:"memo_hex,omitempty"`
	SpentTxID     *string `json:"spent_txid,omitempty"`
	SpentHeight   *int64  `json:"spent_height,omitempty"`
	CreatedAtUnix int64   `json:"created_at_unix"`
}

type txRecord struct {
	ID           int64  `json:"id"`
	Height       *int64 `json:"height,omitempty"`
	Index        uint64 `json:"index"`
	Raw          []byte `json:"raw,omitempty"`
	ExpiryHeight int64  `json:"expiry_height"`
	Fee          uint64 `json:"fee"`
	Created      bool   `json:"created"`
}

type sentNoteRecord struct {
	TxID          string  `json:"txid"`
	OutputIndex   uint32  `json:"output_index"`
	Account       uint32  `json:"account"`
	ToAddress     string  `json:"to_address"`
	Value         uint64  `json:"value"`
	MemoHex       *string `json:"memo_hex,omitempty"`
	CreatedAtUnix int64   `json:"created_at_unix"`
}

type eventRecord struct {
	Kind          string `json:"kind"`
	Account       uint32 `json:"account"`
	Height        int64  `json:"height"`
	Payload       string `json:"payload"`
	CreatedAtUnix int64  `json:"created_at_unix"`
}

func getJSON(r reader, key []byte, v any) (bool, error) {
	b, ok, err := getValue(r, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("rocksdb: decode %q: %w", key, err)
	}
	return true, nil
}

func memoHex(m []byte) *string {
	if len(m) == 0 {
		return nil
	}
	s := hex.EncodeToString(m)
	return &s
}

func memoBytes(s *string) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	return hex.DecodeString(*s)
}

func decode32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func accountFromRecord(index uint32, rec accountRecord) store.Account {
	return store.Account{
		Index:          index,
		ViewingKey:     rec.ViewingKey,
		Address:        rec.Address,
		BirthdayHeight: rec.BirthdayHeight,
		CreatedAt:      time.Unix(rec.CreatedAtUnix, 0).UTC(),
	}
}

func blockFromRecord(height int64, rec blockRecord) (store.BlockMeta, error) {
	hash, err := decode32(rec.Hash)
	if err != nil {
		return store.BlockMeta{}, fmt.Errorf("rocksdb: block %d hash: %w", height, err)
	}
	prev, err := decode32(rec.PrevHash)
	if err != nil {
		return store.BlockMeta{}, fmt.Errorf("rocksdb: block %d prev hash: %w", height, err)
	}
	return store.BlockMeta{Height: height, Hash: hash, PrevHash: prev, Time: rec.Time}, nil
}

func noteToRecord(n store.ReceivedNote, now time.Time) noteRecord {
	rec := noteRecord{
		Account:       n.Account,
		TxID:          n.TxID.String(),
		OutputIndex:   n.OutputIndex,
		Height:        n.Height,
		Position:      n.Position,
		Value:         n.Value,
		Commitment:    hex.EncodeToString(n.Commitment[:]),
		Nullifier:     n.Nullifier.String(),
		Rseed:         hex.EncodeToString(n.Rseed[:]),
		MemoHex:       memoHex(n.Memo),
		SpentHeight:   n.SpentHeight,
		CreatedAtUnix: now.Unix(),
	}
	if n.SpentTxID != nil {
		s := n.SpentTxID.String()
		rec.SpentTxID = &s
	}
	return rec
}

func noteFromRecord(id int64, rec noteRecord) (store.ReceivedNote, error) {
	n := store.ReceivedNote{
		ID:          id,
		Account:     rec.Account,
		OutputIndex: rec.OutputIndex,
		Height:      rec.Height,
		Position:    rec.Position,
		Value:       rec.Value,
		SpentHeight: rec.SpentHeight,
		CreatedAt:   time.Unix(rec.CreatedAtUnix, 0).UTC(),
	}
	var err error
	if n.TxID, err = decode32(rec.TxID); err != nil {
		return n, fmt.Errorf("rocksdb: note %d txid: %w", id, err)
	}
	if n.Commitment, err = decode32(rec.Commitment); err != nil {
		return n, fmt.Errorf("rocksdb: note %d commitment: %w", id, err)
	}
	if n.Nullifier, err = decode32(rec.Nullifier); err != nil {
		return n, fmt.Errorf("rocksdb: note %d nullifier: %w", id, err)
	}
	if n.Rseed, err = decode32(rec.Rseed); err != nil {
		return n, fmt.Errorf("rocksdb: note %d rseed: %w", id, err)
	}
	if n.Memo, err = memoBytes(rec.MemoHex); err != nil {
		return n, fmt.Errorf("rocksdb: note %d memo: %w", id, err)
	}
	if rec.SpentTxID != nil {
		h, err := decode32(*rec.SpentTxID)
		if err != nil {
			return n, fmt.Errorf("rocksdb: note %d spent txid: %w", id, err)
		}
		spent := chain.Hash(h)
		n.SpentTxID = &spent
	}
	return n, nil
}

func txFromRecord(txid chain.Hash, rec txRecord) store.Transaction {
	return store.Transaction{
		ID:           rec.ID,
		TxID:         txid,
		Height:       rec.Height,
		Index:        rec.Index,
		Raw:          rec.Raw,
		ExpiryHeight: rec.ExpiryHeight,
		Fee:          rec.Fee,
		Created:      rec.Created,
	}
}

func sentNoteFromRecord(id int64, rec sentNoteRecord) (store.SentNote, error) {
	n := store.SentNote{
		ID:          id,
		OutputIndex: rec.OutputIndex,
		Account:     rec.Account,
		ToAddress:   rec.ToAddress,
		Value:       rec.Value,
		CreatedAt:   time.Unix(rec.CreatedAtUnix, 0).UTC(),
	}
	var err error
	if n.TxID, err = decode32(rec.TxID); err != nil {
		return n, fmt.Errorf("rocksdb: sent note %d txid: %w", id, err)
	}
	if n.Memo, err = memoBytes(rec.MemoHex); err != nil {
		return n, fmt.Errorf("rocksdb: sent note %d memo: %w", id, err)
	}
	return n, nil
}
