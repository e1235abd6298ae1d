// Package store defines the durable wallet record: accounts, scanned block
// metadata, commitment tree states, notes, transactions and the event outbox.
//
// Every writer goes through WithTx so a block, a rewind or a build commit is
// applied all at once or not at all. Readers never take the write lock.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Abdullah1738/juno-lightclient/internal/chain"
)

type Store interface {
	Close() error
	Migrate(ctx context.Context) error

	WithTx(ctx context.Context, fn func(Tx) error) error

	// IsEmpty reports whether no account and no block has been recorded.
	IsEmpty(ctx context.Context) (bool, error)

	ListAccounts(ctx context.Context) ([]Account, error)
	Account(ctx context.Context, index uint32) (Account, bool, error)

	// Tip returns the scan watermark.
	Tip(ctx context.Context) (BlockMeta, bool, error)
	Block(ctx context.Context, height int64) (BlockMeta, bool, error)
	HashAtHeight(ctx context.Context, height int64) (chain.Hash, bool, error)
	// TreeStateAtOrBelow returns the newest retained tree state at or below
	// height.
	TreeStateAtOrBelow(ctx context.Context, height int64) (BlockMeta, bool, error)
	EarliestTreeState(ctx context.Context) (BlockMeta, bool, error)
	Witnesses(ctx context.Context, height int64) ([]Witness, error)

	Balance(ctx context.Context, account uint32) (uint64, error)
	// VerifiedBalance sums unspent notes received at or below maxHeight.
	VerifiedBalance(ctx context.Context, account uint32, maxHeight int64) (uint64, error)
	SpendableNotes(ctx context.Context, account uint32, maxHeight int64) ([]ReceivedNote, error)
	ListAccountNotes(ctx context.Context, account uint32, onlyUnspent bool, limit int) ([]ReceivedNote, error)
	// NotesReceivedInRange returns notes with from < height <= to, ordered by
	// tree position.
	NotesReceivedInRange(ctx context.Context, from, to int64) ([]ReceivedNote, error)

	ReceivedNote(ctx context.Context, id int64) (ReceivedNote, bool, error)
	SentNote(ctx context.Context, id int64) (SentNote, bool, error)
	Transaction(ctx context.Context, txid chain.Hash) (Transaction, bool, error)

	AccountEventPublishCursor(ctx context.Context, account uint32) (int64, error)
	SetAccountEventPublishCursor(ctx context.Context, account uint32, cursor int64) error
	ListAccountEvents(ctx context.Context, account uint32, afterID int64, limit int, filter EventFilter) (events []Event, nextCursor int64, err error)
}

type Tx interface {
	// Tip returns the watermark as seen inside the transaction.
	Tip(ctx context.Context) (BlockMeta, bool, error)

	InsertAccount(ctx context.Context, a Account) error

	InsertBlock(ctx context.Context, b BlockMeta) error
	InsertWitness(ctx context.Context, w Witness) error
	// PruneTreeStates drops tree states and witnesses below the given height
	// except at multiples of keepEvery and at keep.
	PruneTreeStates(ctx context.Context, below, keepEvery, keep int64) error

	// InsertTransaction inserts or updates the transaction identified by
	// TxID and returns its row id. A mined height, once known, is kept.
	InsertTransaction(ctx context.Context, t Transaction) (int64, error)
	InsertReceivedNote(ctx context.Context, n ReceivedNote) (int64, error)
	// MarkNotesSpent marks every note whose nullifier is listed as spent by
	// txid at height. Notes already mined spent are left alone; a pending
	// local spend is confirmed.
	MarkNotesSpent(ctx context.Context, height int64, txid chain.Hash, nullifiers []chain.Nullifier) ([]ReceivedNote, error)
	// MarkNotesSpentByID records a local, not yet mined spend. It fails with
	// errs.ErrNoteConflict when any note is already spent.
	MarkNotesSpentByID(ctx context.Context, ids []int64, txid chain.Hash) error
	InsertSentNote(ctx context.Context, n SentNote) (int64, error)

	// RollbackToHeight removes everything recorded above height and returns
	// the notes and spends it orphaned.
	RollbackToHeight(ctx context.Context, height int64) (Rollback, error)

	InsertEvent(ctx context.Context, e Event) error
}

type Account struct {
	Index          uint32
	ViewingKey     string
	Address        string
	BirthdayHeight int64
	CreatedAt      time.Time
}

// BlockMeta is what remains of a scanned block. TreeState is the encoded
// commitment tree frontier after the block; nil when pruned.
type BlockMeta struct {
	Height    int64
	Hash      chain.Hash
	PrevHash  chain.Hash
	Time      uint32
	TreeState []byte
}

// Witness is the encoded incremental witness of a note at a height.
type Witness struct {
	NoteID   int64
	Position uint64
	Height   int64
	Data     []byte
}

type ReceivedNote struct {
	ID          int64
	Account     uint32
	TxID        chain.Hash
	OutputIndex uint32
	Height      int64
	Position    uint64
	Value       uint64
	Commitment  [32]byte
	Nullifier   chain.Nullifier
	Rseed       [32]byte
	Memo        []byte
	SpentTxID   *chain.Hash
	SpentHeight *int64
	CreatedAt   time.Time
}

func (n ReceivedNote) Unspent() bool { return n.SpentTxID == nil }

type SentNote struct {
	ID          int64
	TxID        chain.Hash
	OutputIndex uint32
	Account     uint32
	ToAddress   string
	Value       uint64
	Memo        []byte
	CreatedAt   time.Time
}

// Transaction is a wallet-relevant transaction. Height is nil until mined.
// Created marks transactions built locally.
type Transaction struct {
	ID           int64
	TxID         chain.Hash
	Height       *int64
	Index        uint64
	Raw          []byte
	ExpiryHeight int64
	Fee          uint64
	Created      bool
}

type Rollback struct {
	OrphanedNotes  []ReceivedNote
	OrphanedSpends []ReceivedNote
}

type Event struct {
	ID        int64
	Kind      string
	Account   uint32
	Height    int64
	Payload   json.RawMessage
	CreatedAt time.Time
}

type EventFilter struct {
	Kinds       []string
	BlockHeight *int64
}
