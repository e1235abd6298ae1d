package events

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/Abdullah1738/juno-lightclient/internal/store"
)

const (
	KindNoteReceived = "NoteReceived"
	KindNoteSpent    = "NoteSpent"
	KindNoteOrphaned = "NoteOrphaned"

	KindSpendOrphaned = "SpendOrphaned"

	KindTransactionCreated = "TransactionCreated"
)

const Version = "v1"

type NoteEventPayload struct {
	Version     string `json:"version"`
	Account     uint32 `json:"account"`
	NoteID      int64  `json:"note_id"`
	TxID        string `json:"txid"`
	OutputIndex uint32 `json:"output_index"`
	Height      int64  `json:"height"`
	Position    uint64 `json:"position"`
	Value       uint64 `json:"value"`
	Nullifier   string `json:"nullifier"`
	MemoHex     string `json:"memo_hex,omitempty"`
}

type NoteSpentPayload struct {
	NoteEventPayload
	SpentTxID   string `json:"spent_txid"`
	SpentHeight int64  `json:"spent_height"`
}

type NoteOrphanedPayload struct {
	NoteEventPayload
	OrphanedAtHeight int64 `json:"orphaned_at_height"`
}

type SpendOrphanedPayload struct {
	NoteSpentPayload
	OrphanedAtHeight int64 `json:"orphaned_at_height"`
}

type TransactionCreatedPayload struct {
	Version      string  `json:"version"`
	Account      uint32  `json:"account"`
	TxID         string  `json:"txid"`
	ToAddress    string  `json:"to_address"`
	Value        uint64  `json:"value"`
	Fee          uint64  `json:"fee"`
	ExpiryHeight int64   `json:"expiry_height"`
	SpentNoteIDs []int64 `json:"spent_note_ids"`
	ChangeValue  uint64  `json:"change_value,omitempty"`
}

func notePayload(n store.ReceivedNote) NoteEventPayload {
	p := NoteEventPayload{
		Version:     Version,
		Account:     n.Account,
		NoteID:      n.ID,
		TxID:        n.TxID.String(),
		OutputIndex: n.OutputIndex,
		Height:      n.Height,
		Position:    n.Position,
		Value:       n.Value,
		Nullifier:   n.Nullifier.String(),
	}
	if len(n.Memo) > 0 {
		p.MemoHex = hex.EncodeToString(n.Memo)
	}
	return p
}

func spentPayload(n store.ReceivedNote) NoteSpentPayload {
	p := NoteSpentPayload{NoteEventPayload: notePayload(n)}
	if n.SpentTxID != nil {
		p.SpentTxID = n.SpentTxID.String()
	}
	if n.SpentHeight != nil {
		p.SpentHeight = *n.SpentHeight
	}
	return p
}

func NoteReceived(n store.ReceivedNote) (store.Event, error) {
	return event(KindNoteReceived, n.Account, n.Height, notePayload(n))
}

func NoteSpent(n store.ReceivedNote) (store.Event, error) {
	var h int64
	if n.SpentHeight != nil {
		h = *n.SpentHeight
	}
	return event(KindNoteSpent, n.Account, h, spentPayload(n))
}

func NoteOrphaned(n store.ReceivedNote, at int64) (store.Event, error) {
	return event(KindNoteOrphaned, n.Account, at, NoteOrphanedPayload{
		NoteEventPayload: notePayload(n),
		OrphanedAtHeight: at,
	})
}

func SpendOrphaned(n store.ReceivedNote, at int64) (store.Event, error) {
	return event(KindSpendOrphaned, n.Account, at, SpendOrphanedPayload{
		NoteSpentPayload: spentPayload(n),
		OrphanedAtHeight: at,
	})
}

func TransactionCreated(height int64, p TransactionCreatedPayload) (store.Event, error) {
	p.Version = Version
	return event(KindTransactionCreated, p.Account, height, p)
}

func event(kind string, account uint32, height int64, payload any) (store.Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return store.Event{}, fmt.Errorf("events: encode %s: %w", kind, err)
	}
	return store.Event{Kind: kind, Account: account, Height: height, Payload: b}, nil
}
