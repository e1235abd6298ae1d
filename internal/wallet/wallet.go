// Package wallet is the initialization and query surface over the data store.
package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/Abdullah1738/juno-lightclient/internal/builder"
	"github.com/Abdullah1738/juno-lightclient/internal/chain"
	"github.com/Abdullah1738/juno-lightclient/internal/commitmenttree"
	"github.com/Abdullah1738/juno-lightclient/internal/errs"
	"github.com/Abdullah1738/juno-lightclient/internal/logging"
	"github.com/Abdullah1738/juno-lightclient/internal/shielded"
	"github.com/Abdullah1738/juno-lightclient/internal/store"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

var (
	ErrAccountNotFound = errors.New("wallet: account not found")
	ErrNoteNotFound    = errors.New("wallet: note not found")
)

const accountCacheSize = 256

type Wallet struct {
	st      store.Store
	suite   *shielded.Suite
	minConf int64
	// accounts caches account rows, which never change once written.
	accounts *lru.Cache[uint32, store.Account]
	log      *logrus.Entry
}

func New(st store.Store, suite *shielded.Suite, minConfirmations int64) (*Wallet, error) {
	if st == nil {
		return nil, errors.New("wallet: store is nil")
	}
	if suite == nil {
		return nil, errors.New("wallet: suite is nil")
	}
	if minConfirmations <= 0 {
		minConfirmations = builder.DefaultMinConfirmations
	}
	cache, err := lru.New[uint32, store.Account](accountCacheSize)
	if err != nil {
		return nil, fmt.Errorf("wallet: account cache: %w", err)
	}
	return &Wallet{st: st, suite: suite, minConf: minConfirmations, accounts: cache, log: logging.For("wallet")}, nil
}

// InitDataStore creates or upgrades the schema.
func (w *Wallet) InitDataStore(ctx context.Context) error {
	if err := w.st.Migrate(ctx); err != nil {
		return errs.StoreInit("migrate data store", err)
	}
	return nil
}

// InitAccounts derives count accounts from seed, records their viewing keys
// and addresses, and returns the encoded spending keys. The spending keys are
// not persisted. It refuses to run when accounts already exist.
func (w *Wallet) InitAccounts(ctx context.Context, seed []byte, count int) ([]string, error) {
	if count <= 0 {
		return nil, errors.New("wallet: account count must be positive")
	}
	existing, err := w.st.ListAccounts(ctx)
	if err != nil {
		return nil, errs.StoreInit("list accounts", err)
	}
	if len(existing) > 0 {
		return nil, errs.StoreInit("accounts table is not empty", nil)
	}

	birthday := int64(0)
	if tip, ok, err := w.st.Tip(ctx); err != nil {
		return nil, errs.StoreInit("read watermark", err)
	} else if ok {
		birthday = tip.Height
	}

	keys := make([]string, 0, count)
	accts := make([]store.Account, 0, count)
	for i := 0; i < count; i++ {
		sk, err := w.suite.DeriveSpendingKey(seed, uint32(i))
		if err != nil {
			return nil, fmt.Errorf("wallet: account %d: %w", i, err)
		}
		vk := sk.ViewingKey()
		addr, err := w.suite.EncodeAddress(vk.Address())
		if err != nil {
			return nil, fmt.Errorf("wallet: account %d address: %w", i, err)
		}
		keys = append(keys, w.suite.EncodeSpendingKey(sk))
		accts = append(accts, store.Account{
			Index:          uint32(i),
			ViewingKey:     w.suite.EncodeViewingKey(vk),
			Address:        addr,
			BirthdayHeight: birthday,
		})
	}

	if err := w.st.WithTx(ctx, func(tx store.Tx) error {
		for _, a := range accts {
			if err := tx.InsertAccount(ctx, a); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, errs.StoreInit("insert accounts", err)
	}
	w.log.WithFields(logrus.Fields{"accounts": count, "birthday": birthday}).Info("initialized accounts")
	return keys, nil
}

// InitFromCheckpoint records a trusted block and its commitment tree state so
// scanning can begin right above it. The store must not hold any block yet.
func (w *Wallet) InitFromCheckpoint(ctx context.Context, height int64, hashHex string, time uint32, treeStateHex string) error {
	if height < 0 {
		return errs.StoreInit(fmt.Sprintf("invalid checkpoint height %d", height), nil)
	}
	hash, err := chain.ParseHash(hashHex)
	if err != nil {
		return errs.StoreInit("checkpoint hash", err)
	}
	f, err := commitmenttree.ParseFrontierHex(treeStateHex)
	if err != nil {
		return errs.StoreInit("checkpoint tree state", err)
	}
	state, err := commitmenttree.EncodeFrontier(f)
	if err != nil {
		return errs.StoreInit("checkpoint tree state", err)
	}

	if _, ok, err := w.st.Tip(ctx); err != nil {
		return errs.StoreInit("read watermark", err)
	} else if ok {
		return errs.StoreInit("blocks table is not empty", nil)
	}
	if err := w.st.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertBlock(ctx, store.BlockMeta{Height: height, Hash: hash, Time: time, TreeState: state})
	}); err != nil {
		return errs.StoreInit("insert checkpoint", err)
	}
	w.log.WithFields(logrus.Fields{"height": height, "hash": hash.String(), "tree_size": f.Size}).Info("initialized from checkpoint")
	return nil
}

func (w *Wallet) account(ctx context.Context, index uint32) (store.Account, error) {
	if a, ok := w.accounts.Get(index); ok {
		return a, nil
	}
	a, ok, err := w.st.Account(ctx, index)
	if err != nil {
		return store.Account{}, fmt.Errorf("wallet: account %d: %w", index, err)
	}
	if !ok {
		return store.Account{}, fmt.Errorf("%w: %d", ErrAccountNotFound, index)
	}
	w.accounts.Add(index, a)
	return a, nil
}

func (w *Wallet) Accounts(ctx context.Context) ([]store.Account, error) {
	return w.st.ListAccounts(ctx)
}

func (w *Wallet) Address(ctx context.Context, account uint32) (string, error) {
	a, err := w.account(ctx, account)
	if err != nil {
		return "", err
	}
	return a.Address, nil
}

// Balance is the sum of the account's unspent notes.
func (w *Wallet) Balance(ctx context.Context, account uint32) (uint64, error) {
	if _, err := w.account(ctx, account); err != nil {
		return 0, err
	}
	return w.st.Balance(ctx, account)
}

// VerifiedBalance counts only notes deep enough to be spent.
func (w *Wallet) VerifiedBalance(ctx context.Context, account uint32) (uint64, error) {
	a, err := w.account(ctx, account)
	if err != nil {
		return 0, err
	}
	tip, ok, err := w.st.Tip(ctx)
	if err != nil {
		return 0, fmt.Errorf("wallet: tip: %w", err)
	}
	if !ok {
		return 0, nil
	}
	// Same anchor the builder spends against: the newest retained tree state.
	anchor, ok, err := w.st.TreeStateAtOrBelow(ctx, builder.AnchorHeight(tip.Height, a.BirthdayHeight, w.minConf))
	if err != nil {
		return 0, fmt.Errorf("wallet: anchor: %w", err)
	}
	if !ok {
		return 0, nil
	}
	return w.st.VerifiedBalance(ctx, account, anchor.Height)
}

// Watermark is the highest scanned height, or -1.
func (w *Wallet) Watermark(ctx context.Context) (int64, error) {
	tip, ok, err := w.st.Tip(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return -1, nil
	}
	return tip.Height, nil
}

// ReceivedMemo returns the memo bytes of a received note as stored.
func (w *Wallet) ReceivedMemo(ctx context.Context, noteID int64) ([]byte, error) {
	n, ok, err := w.st.ReceivedNote(ctx, noteID)
	if err != nil {
		return nil, fmt.Errorf("wallet: note %d: %w", noteID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: received %d", ErrNoteNotFound, noteID)
	}
	return n.Memo, nil
}

func (w *Wallet) SentMemo(ctx context.Context, noteID int64) ([]byte, error) {
	n, ok, err := w.st.SentNote(ctx, noteID)
	if err != nil {
		return nil, fmt.Errorf("wallet: sent note %d: %w", noteID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: sent %d", ErrNoteNotFound, noteID)
	}
	return n.Memo, nil
}

// ReceivedMemoText decodes the memo as text. ok is false when the memo is
// not text; ReceivedMemo still returns its bytes.
func (w *Wallet) ReceivedMemoText(ctx context.Context, noteID int64) (string, bool, error) {
	raw, err := w.ReceivedMemo(ctx, noteID)
	if err != nil {
		return "", false, err
	}
	s, ok := shielded.MemoText(raw)
	return s, ok, nil
}

func (w *Wallet) SentMemoText(ctx context.Context, noteID int64) (string, bool, error) {
	raw, err := w.SentMemo(ctx, noteID)
	if err != nil {
		return "", false, err
	}
	s, ok := shielded.MemoText(raw)
	return s, ok, nil
}
