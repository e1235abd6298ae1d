// Package builder assembles shielded spends from the wallet's notes.
//
// Building is two-phase. Selection, witnesses, proofs, encryption and
// signatures are all computed without touching the data store; only then is
// the result committed in a single store transaction that marks the selected
// notes spent.
package builder

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/Abdullah1738/juno-lightclient/internal/chain"
	"github.com/Abdullah1738/juno-lightclient/internal/commitmenttree"
	"github.com/Abdullah1738/juno-lightclient/internal/errs"
	"github.com/Abdullah1738/juno-lightclient/internal/events"
	"github.com/Abdullah1738/juno-lightclient/internal/logging"
	"github.com/Abdullah1738/juno-lightclient/internal/prover"
	"github.com/Abdullah1738/juno-lightclient/internal/shielded"
	"github.com/Abdullah1738/juno-lightclient/internal/store"
	"github.com/sirupsen/logrus"
)

const (
	DefaultFee              uint64 = 10000
	DefaultMinConfirmations int64  = 10
	DefaultExpiryDelta      int64  = 20
)

type Options struct {
	Fee              uint64
	MinConfirmations int64
	ExpiryDelta      int64
	Rand             io.Reader
}

type Request struct {
	Account     uint32
	SpendingKey *shielded.SpendingKey
	To          string
	Value       uint64
	Memo        shielded.Memo
	Params      prover.Params
}

type Result struct {
	TxID         chain.Hash
	Raw          []byte
	Tx           *shielded.Transaction
	AnchorHeight int64
	ExpiryHeight int64
	Fee          uint64
	Change       uint64
	SpentNoteIDs []int64
}

type Builder struct {
	st     store.Store
	suite  *shielded.Suite
	prover prover.Prover
	opt    Options
	log    *logrus.Entry
}

func New(st store.Store, suite *shielded.Suite, p prover.Prover, opt Options) (*Builder, error) {
	if st == nil {
		return nil, errors.New("builder: store is nil")
	}
	if suite == nil {
		return nil, errors.New("builder: suite is nil")
	}
	if p == nil {
		return nil, errors.New("builder: prover is nil")
	}
	if opt.Fee == 0 {
		opt.Fee = DefaultFee
	}
	if opt.MinConfirmations <= 0 {
		opt.MinConfirmations = DefaultMinConfirmations
	}
	if opt.ExpiryDelta <= 0 {
		opt.ExpiryDelta = DefaultExpiryDelta
	}
	if opt.Rand == nil {
		opt.Rand = rand.Reader
	}
	return &Builder{st: st, suite: suite, prover: p, opt: opt, log: logging.For("builder")}, nil
}

// AnchorHeight is the newest height whose notes are spendable: the watermark
// less the required confirmations, never below the account birthday.
func AnchorHeight(watermark, birthday, minConfirmations int64) int64 {
	anchor := watermark - (minConfirmations - 1)
	if anchor < birthday {
		anchor = birthday
	}
	if anchor > watermark {
		anchor = watermark
	}
	return anchor
}

// SelectNotes picks notes by value descending, then receipt height and id
// ascending, until target is covered.
func SelectNotes(notes []store.ReceivedNote, target uint64) ([]store.ReceivedNote, uint64, bool) {
	sorted := append([]store.ReceivedNote(nil), notes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Value != b.Value {
			return a.Value > b.Value
		}
		if a.Height != b.Height {
			return a.Height < b.Height
		}
		return a.ID < b.ID
	})

	var (
		sum uint64
		out []store.ReceivedNote
	)
	for _, n := range sorted {
		if sum >= target {
			break
		}
		out = append(out, n)
		sum += n.Value
	}
	if sum < target {
		return nil, sum, false
	}
	return out, sum, true
}

type output struct {
	to    shielded.Address
	value uint64
	memo  shielded.Memo
}

type spendInput struct {
	note store.ReceivedNote
	path commitmenttree.Path
}

// BuildSpend sends req.Value to req.To from req.Account.
func (b *Builder) BuildSpend(ctx context.Context, req Request) (*Result, error) {
	if err := req.Params.Check(); err != nil {
		return nil, err
	}
	if req.SpendingKey == nil {
		return nil, errors.New("builder: spending key is required")
	}
	if req.Value == 0 {
		return nil, errors.New("builder: value must be positive")
	}
	to, err := b.suite.ParseAddress(req.To)
	if err != nil {
		return nil, fmt.Errorf("builder: recipient: %w", err)
	}
	if req.Memo == (shielded.Memo{}) {
		req.Memo = shielded.EmptyMemo()
	}

	acct, ok, err := b.st.Account(ctx, req.Account)
	if err != nil {
		return nil, fmt.Errorf("builder: account: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("builder: account %d not found", req.Account)
	}
	vk := req.SpendingKey.ViewingKey()
	if b.suite.EncodeViewingKey(vk) != acct.ViewingKey {
		return nil, fmt.Errorf("builder: spending key does not belong to account %d", req.Account)
	}

	if req.Value > math.MaxUint64-b.opt.Fee {
		return nil, fmt.Errorf("builder: value %d overflows", req.Value)
	}
	target := req.Value + b.opt.Fee

	tip, ok, err := b.st.Tip(ctx)
	if err != nil {
		return nil, fmt.Errorf("builder: tip: %w", err)
	}
	if !ok {
		return nil, errs.InsufficientFunds(req.Account, target, 0)
	}
	anchorMeta, ok, err := b.st.TreeStateAtOrBelow(ctx, AnchorHeight(tip.Height, acct.BirthdayHeight, b.opt.MinConfirmations))
	if err != nil {
		return nil, fmt.Errorf("builder: anchor: %w", err)
	}
	if !ok {
		return nil, errs.TreeStateUnavailable(tip.Height, "no tree state for an anchor")
	}
	anchorHeight := anchorMeta.Height

	spendable, err := b.st.SpendableNotes(ctx, req.Account, anchorHeight)
	if err != nil {
		return nil, fmt.Errorf("builder: spendable notes: %w", err)
	}
	selected, total, ok := SelectNotes(spendable, target)
	if !ok {
		return nil, errs.InsufficientFunds(req.Account, target, total)
	}

	inputs, anchor, err := b.witnesses(ctx, anchorMeta, selected)
	if err != nil {
		return nil, err
	}

	res, err := b.assemble(ctx, req, vk, to, anchor, inputs, total-target, tip.Height+1+b.opt.ExpiryDelta)
	if err != nil {
		return nil, err
	}
	res.AnchorHeight = anchorHeight

	if err := b.commit(ctx, req, tip.Height, res); err != nil {
		return nil, err
	}

	b.log.WithFields(logrus.Fields{
		"account": req.Account,
		"txid":    res.TxID.String(),
		"value":   req.Value,
		"notes":   len(res.SpentNoteIDs),
		"anchor":  anchorHeight,
	}).Info("built transaction")
	return res, nil
}

func (b *Builder) witnesses(ctx context.Context, anchorMeta store.BlockMeta, selected []store.ReceivedNote) ([]spendInput, commitmenttree.Node, error) {
	f, err := commitmenttree.DecodeFrontier(anchorMeta.TreeState)
	if err != nil {
		return nil, commitmenttree.Node{}, fmt.Errorf("builder: tree state at %d: %w", anchorMeta.Height, err)
	}
	h := commitmenttree.NewHasher()
	anchor := f.Root(h)

	stored, err := b.st.Witnesses(ctx, anchorMeta.Height)
	if err != nil {
		return nil, anchor, fmt.Errorf("builder: witnesses at %d: %w", anchorMeta.Height, err)
	}
	byNote := make(map[int64]store.Witness, len(stored))
	for _, w := range stored {
		byNote[w.NoteID] = w
	}

	inputs := make([]spendInput, 0, len(selected))
	for _, n := range selected {
		sw, ok := byNote[n.ID]
		if !ok {
			return nil, anchor, errs.TreeStateUnavailable(anchorMeta.Height, fmt.Sprintf("no witness for note %d", n.ID))
		}
		w, err := commitmenttree.DecodeWitness(sw.Data)
		if err != nil {
			return nil, anchor, fmt.Errorf("builder: witness of note %d: %w", n.ID, err)
		}
		path := w.Path(h)
		if path.Root(h, commitmenttree.Node(n.Commitment)) != anchor {
			return nil, anchor, errs.TreeRootMismatch(anchorMeta.Height, fmt.Sprintf("witness of note %d disagrees with anchor", n.ID))
		}
		inputs = append(inputs, spendInput{note: n, path: path})
	}
	return inputs, anchor, nil
}

func (b *Builder) assemble(ctx context.Context, req Request, vk *shielded.ViewingKey, to shielded.Address, anchor commitmenttree.Node, inputs []spendInput, change uint64, expiry int64) (*Result, error) {
	tx := &shielded.Transaction{
		Version:      shielded.TxVersion,
		ExpiryHeight: expiry,
		Fee:          b.opt.Fee,
		Anchor:       anchor,
	}
	res := &Result{ExpiryHeight: expiry, Fee: b.opt.Fee, Change: change}

	for i, in := range inputs {
		d := shielded.SpendDescription{
			Anchor:     anchor,
			Nullifier:  in.note.Nullifier,
			Commitment: commitmenttree.Node(in.note.Commitment),
			Position:   in.note.Position,
			Value:      in.note.Value,
			Rseed:      in.note.Rseed,
			Recipient:  vk.Address(),
			AuthPath:   in.path,
			AuthKey:    vk.AuthKey,
		}
		proof, err := b.prove(ctx, req.Account, fmt.Sprintf("spend %d (note %d)", i, in.note.ID), func() ([]byte, error) {
			return b.prover.ProveSpend(ctx, d, req.Params)
		})
		if err != nil {
			return nil, err
		}
		tx.Spends = append(tx.Spends, shielded.TxSpend{Nullifier: in.note.Nullifier, AuthKey: vk.AuthKey, Proof: proof})
		res.SpentNoteIDs = append(res.SpentNoteIDs, in.note.ID)
	}

	outs := []output{{to: to, value: req.Value, memo: req.Memo}}
	if change > 0 {
		outs = append(outs, output{to: vk.Address(), value: change, memo: shielded.EmptyMemo()})
	}
	for i, o := range outs {
		note, err := shielded.NewNote(b.opt.Rand, o.to, o.value, o.memo)
		if err != nil {
			return nil, err
		}
		enc, err := shielded.EncryptNote(b.opt.Rand, note)
		if err != nil {
			return nil, fmt.Errorf("builder: output %d: %w", i, err)
		}
		d := shielded.OutputDescription{
			Commitment: note.Commitment(),
			Value:      note.Value,
			Rseed:      note.Rseed,
			Recipient:  note.Recipient,
		}
		proof, err := b.prove(ctx, req.Account, fmt.Sprintf("output %d", i), func() ([]byte, error) {
			return b.prover.ProveOutput(ctx, d, req.Params)
		})
		if err != nil {
			return nil, err
		}
		tx.Outputs = append(tx.Outputs, shielded.TxOutput{
			Commitment:   enc.Commitment,
			EphemeralKey: enc.EphemeralKey,
			Ciphertext:   enc.Ciphertext,
			Proof:        proof,
		})
	}

	sighash, err := tx.Sighash()
	if err != nil {
		return nil, err
	}
	for i := range tx.Spends {
		tx.Spends[i].Sig = req.SpendingKey.Sign(sighash)
	}
	raw, err := tx.Encode()
	if err != nil {
		return nil, err
	}
	res.Tx = tx
	res.Raw = raw
	res.TxID = shielded.TxID(raw)
	return res, nil
}

// prove runs one proof. Cancellation is reported as such, every other
// failure as ProofGenerationFailed.
func (b *Builder) prove(ctx context.Context, account uint32, what string, fn func() ([]byte, error)) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	proof, err := fn()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errs.ProofGenerationFailed(account, what, err)
	}
	if len(proof) == 0 {
		return nil, errs.ProofGenerationFailed(account, what+": empty proof", nil)
	}
	return proof, nil
}

func (b *Builder) commit(ctx context.Context, req Request, height int64, res *Result) error {
	return b.st.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.InsertTransaction(ctx, store.Transaction{
			TxID:         res.TxID,
			Raw:          res.Raw,
			ExpiryHeight: res.ExpiryHeight,
			Fee:          res.Fee,
			Created:      true,
		}); err != nil {
			return err
		}
		if err := tx.MarkNotesSpentByID(ctx, res.SpentNoteIDs, res.TxID); err != nil {
			return err
		}
		if _, err := tx.InsertSentNote(ctx, store.SentNote{
			TxID:        res.TxID,
			OutputIndex: 0,
			Account:     req.Account,
			ToAddress:   req.To,
			Value:       req.Value,
			Memo:        req.Memo.Bytes(),
		}); err != nil {
			return err
		}
		ev, err := events.TransactionCreated(height, events.TransactionCreatedPayload{
			Account:      req.Account,
			TxID:         res.TxID.String(),
			ToAddress:    req.To,
			Value:        req.Value,
			Fee:          res.Fee,
			ExpiryHeight: res.ExpiryHeight,
			SpentNoteIDs: res.SpentNoteIDs,
			ChangeValue:  res.Change,
		})
		if err != nil {
			return err
		}
		return tx.InsertEvent(ctx, ev)
	})
}
