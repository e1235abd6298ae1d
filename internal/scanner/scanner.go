// Package scanner applies validated compact blocks to the wallet: trial
// decryption, note commitment tree appends, spend detection and the per-block
// commit.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"runtime"

	"github.com/Abdullah1738/juno-lightclient/internal/chain"
	"github.com/Abdullah1738/juno-lightclient/internal/commitmenttree"
	"github.com/Abdullah1738/juno-lightclient/internal/errs"
	"github.com/Abdullah1738/juno-lightclient/internal/events"
	"github.com/Abdullah1738/juno-lightclient/internal/logging"
	"github.com/Abdullah1738/juno-lightclient/internal/shielded"
	"github.com/Abdullah1738/juno-lightclient/internal/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Decryptor is the viewing capability of the wallet's accounts.
type Decryptor interface {
	ParseViewingKey(v string) (*shielded.ViewingKey, error)
	TrialDecrypt(vk *shielded.ViewingKey, out chain.CompactOutput) (shielded.Note, bool)
}

type Options struct {
	// Workers bounds concurrent trial decryptions within one block.
	Workers int
	// CheckpointRetention is how many recent tree states are kept in full.
	// Older ones survive only at multiples of CheckpointInterval.
	CheckpointRetention int64
	CheckpointInterval  int64
	MaxCheckpoints      int
}

const (
	DefaultCheckpointRetention = 100
	DefaultCheckpointInterval  = 1000
)

type Result struct {
	NotesAdded int
	NotesSpent int
	Watermark  int64
}

type Scanner struct {
	st  store.Store
	dec Decryptor
	opt Options
	log *logrus.Entry
}

func New(st store.Store, dec Decryptor, opt Options) (*Scanner, error) {
	if st == nil {
		return nil, errors.New("scanner: store is nil")
	}
	if dec == nil {
		return nil, errors.New("scanner: decryptor is nil")
	}
	if opt.Workers <= 0 {
		opt.Workers = runtime.GOMAXPROCS(0)
	}
	if opt.CheckpointRetention == 0 {
		opt.CheckpointRetention = DefaultCheckpointRetention
	}
	if opt.CheckpointInterval <= 0 {
		opt.CheckpointInterval = DefaultCheckpointInterval
	}
	if opt.MaxCheckpoints <= 0 {
		opt.MaxCheckpoints = commitmenttree.DefaultMaxCheckpoints
	}
	return &Scanner{
		st:  st,
		dec: dec,
		opt: opt,
		log: logging.For("scanner"),
	}, nil
}

type account struct {
	index uint32
	vk    *shielded.ViewingKey
}

// state is the in-memory view of the wallet at the watermark.
type state struct {
	height   int64
	tree     *commitmenttree.Tree
	accounts []account
	// noteIDs maps marked tree positions to received note ids.
	noteIDs map[uint64]int64
	// keep is the oldest tree state, never pruned.
	keep int64
}

// Scan applies blocks in order, one store transaction per block. Blocks must
// start right above the watermark and be contiguous. On error every block
// before the failing one stays committed. A block whose commit finds the
// watermark changed since Scan started fails with errs.ErrWatermarkMoved.
func (s *Scanner) Scan(ctx context.Context, blocks iter.Seq2[chain.Block, error]) (Result, error) {
	st, err := s.load(ctx)
	if err != nil {
		return Result{Watermark: -1}, err
	}
	res := Result{Watermark: st.height}

	for b, err := range blocks {
		if err != nil {
			return res, err
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		added, spent, err := s.scanBlock(ctx, st, b)
		if err != nil {
			return res, err
		}
		res.NotesAdded += added
		res.NotesSpent += spent
		res.Watermark = b.Height
	}
	return res, nil
}

func (s *Scanner) load(ctx context.Context) (*state, error) {
	accts, err := s.st.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("scanner: list accounts: %w", err)
	}
	st := &state{height: -1, noteIDs: map[uint64]int64{}, keep: -1}
	for _, a := range accts {
		vk, err := s.dec.ParseViewingKey(a.ViewingKey)
		if err != nil {
			return nil, fmt.Errorf("scanner: account %d viewing key: %w", a.Index, err)
		}
		st.accounts = append(st.accounts, account{index: a.Index, vk: vk})
	}

	opts := []commitmenttree.Option{commitmenttree.WithMaxCheckpoints(s.opt.MaxCheckpoints)}
	tip, ok, err := s.st.Tip(ctx)
	if err != nil {
		return nil, fmt.Errorf("scanner: tip: %w", err)
	}
	if !ok {
		st.tree = commitmenttree.New(opts...)
		return st, st.tree.Checkpoint(-1)
	}
	st.height = tip.Height
	if tip.TreeState == nil {
		return nil, errs.TreeStateUnavailable(tip.Height, "no tree state at watermark")
	}
	f, err := commitmenttree.DecodeFrontier(tip.TreeState)
	if err != nil {
		return nil, fmt.Errorf("scanner: tree state at %d: %w", tip.Height, err)
	}
	stored, err := s.st.Witnesses(ctx, tip.Height)
	if err != nil {
		return nil, fmt.Errorf("scanner: witnesses at %d: %w", tip.Height, err)
	}
	ws := make([]commitmenttree.Witness, 0, len(stored))
	for _, w := range stored {
		dw, err := commitmenttree.DecodeWitness(w.Data)
		if err != nil {
			return nil, fmt.Errorf("scanner: witness of note %d: %w", w.NoteID, err)
		}
		ws = append(ws, dw)
		st.noteIDs[w.Position] = w.NoteID
	}
	st.tree = commitmenttree.FromState(f, ws, opts...)
	if err := st.tree.Checkpoint(tip.Height); err != nil {
		return nil, err
	}

	if first, ok, err := s.st.EarliestTreeState(ctx); err != nil {
		return nil, fmt.Errorf("scanner: earliest tree state: %w", err)
	} else if ok {
		st.keep = first.Height
	}
	return st, nil
}

type match struct {
	account account
	note    shielded.Note
}

// decrypt trial-decrypts every output of p against every account. Results
// are indexed like the flattened output list so merging is deterministic.
func (s *Scanner) decrypt(ctx context.Context, accts []account, p chain.Payload) ([]*match, error) {
	var outs []chain.CompactOutput
	for _, tx := range p.Txs {
		outs = append(outs, tx.Outputs...)
	}
	found := make([]*match, len(outs))
	if len(accts) == 0 || len(outs) == 0 {
		return found, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opt.Workers)
	for i := range outs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for _, a := range accts {
				if n, ok := s.dec.TrialDecrypt(a.vk, outs[i]); ok {
					found[i] = &match{account: a, note: n}
					return nil
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return found, nil
}

func (s *Scanner) scanBlock(ctx context.Context, st *state, b chain.Block) (int, int, error) {
	if st.height >= 0 && b.Height != st.height+1 {
		return 0, 0, errs.Discontinuity(b.Height, fmt.Sprintf("expected block %d", st.height+1))
	}
	p, err := b.Payload()
	if err != nil {
		return 0, 0, err
	}
	if p.PrevTreeRoot != nil && *p.PrevTreeRoot != chain.Hash(st.tree.Root()) {
		return 0, 0, errs.TreeRootMismatch(b.Height, fmt.Sprintf("block declares %s, tree has %s", p.PrevTreeRoot, st.tree.Root()))
	}

	found, err := s.decrypt(ctx, st.accounts, p)
	if err != nil {
		return 0, 0, err
	}

	prevHeight := st.height
	notes, err := s.appendOutputs(st, b.Height, p, found)
	if err != nil {
		s.restoreTree(st, prevHeight)
		return 0, 0, fmt.Errorf("scanner: block %d: %w", b.Height, err)
	}

	var (
		spent    int
		newIDs   = map[uint64]int64{}
		unmarked []uint64
	)
	err = s.st.WithTx(ctx, func(tx store.Tx) error {
		// The frontier and note ids in st belong to st.height; anything that
		// moved the watermark since load makes them stale.
		tip, ok, err := tx.Tip(ctx)
		if err != nil {
			return err
		}
		if got := tipHeight(tip, ok); got != prevHeight {
			return errs.WatermarkMoved(b.Height, prevHeight, got)
		}

		ours := map[chain.Hash]bool{}
		for i := range notes {
			id, err := tx.InsertReceivedNote(ctx, notes[i])
			if err != nil {
				return err
			}
			notes[i].ID = id
			newIDs[notes[i].Position] = id
			ours[notes[i].TxID] = true
			ev, err := events.NoteReceived(notes[i])
			if err != nil {
				return err
			}
			if err := tx.InsertEvent(ctx, ev); err != nil {
				return err
			}
		}

		for _, ptx := range p.Txs {
			if len(ptx.Spends) > 0 {
				nfs := make([]chain.Nullifier, 0, len(ptx.Spends))
				for _, sp := range ptx.Spends {
					nfs = append(nfs, sp.Nullifier)
				}
				marked, err := tx.MarkNotesSpent(ctx, b.Height, ptx.ID, nfs)
				if err != nil {
					return err
				}
				for _, n := range marked {
					ours[ptx.ID] = true
					unmarked = append(unmarked, n.Position)
					ev, err := events.NoteSpent(n)
					if err != nil {
						return err
					}
					if err := tx.InsertEvent(ctx, ev); err != nil {
						return err
					}
				}
				spent += len(marked)
			}
			if !ours[ptx.ID] {
				continue
			}
			h := b.Height
			if _, err := tx.InsertTransaction(ctx, store.Transaction{
				TxID:   ptx.ID,
				Height: &h,
				Index:  ptx.Index,
				Fee:    ptx.Fee,
			}); err != nil {
				return err
			}
		}

		// Spent notes no longer need a witness.
		for _, pos := range unmarked {
			st.tree.Unmark(pos)
		}
		if err := st.tree.Checkpoint(b.Height); err != nil {
			return err
		}
		frontier, err := commitmenttree.EncodeFrontier(st.tree.Frontier())
		if err != nil {
			return err
		}
		if err := tx.InsertBlock(ctx, store.BlockMeta{
			Height:    b.Height,
			Hash:      b.Hash,
			PrevHash:  b.PrevHash,
			Time:      b.Time,
			TreeState: frontier,
		}); err != nil {
			return err
		}

		for _, w := range st.tree.Witnesses() {
			id, ok := newIDs[w.Position]
			if !ok {
				id, ok = st.noteIDs[w.Position]
			}
			if !ok {
				return fmt.Errorf("scanner: no note for marked position %d", w.Position)
			}
			data, err := commitmenttree.EncodeWitness(w)
			if err != nil {
				return err
			}
			if err := tx.InsertWitness(ctx, store.Witness{NoteID: id, Position: w.Position, Height: b.Height, Data: data}); err != nil {
				return err
			}
		}

		if s.opt.CheckpointRetention > 0 {
			return tx.PruneTreeStates(ctx, b.Height-s.opt.CheckpointRetention, s.opt.CheckpointInterval, st.keep)
		}
		return nil
	})
	if err != nil {
		s.restoreTree(st, prevHeight)
		return 0, 0, fmt.Errorf("scanner: commit block %d: %w", b.Height, err)
	}

	for pos, id := range newIDs {
		st.noteIDs[pos] = id
	}
	for _, pos := range unmarked {
		delete(st.noteIDs, pos)
	}
	st.height = b.Height
	if st.keep < 0 {
		st.keep = b.Height
	}

	if len(notes) > 0 || spent > 0 {
		s.log.WithFields(logrus.Fields{
			"height":      b.Height,
			"notes_added": len(notes),
			"notes_spent": spent,
		}).Info("scanned block")
	} else {
		s.log.WithField("height", b.Height).Debug("scanned block")
	}
	return len(notes), spent, nil
}

func tipHeight(tip store.BlockMeta, ok bool) int64 {
	if !ok {
		return -1
	}
	return tip.Height
}

// appendOutputs appends every output commitment in block order, marking the
// ones the wallet decrypted, and returns the notes to record.
func (s *Scanner) appendOutputs(st *state, height int64, p chain.Payload, found []*match) ([]store.ReceivedNote, error) {
	var notes []store.ReceivedNote
	i := 0
	for _, tx := range p.Txs {
		for oi, out := range tx.Outputs {
			m := found[i]
			i++
			cm := commitmenttree.Node(out.Commitment)
			if m == nil {
				if _, err := st.tree.Append(cm); err != nil {
					return nil, err
				}
				continue
			}
			pos, err := st.tree.AppendMarked(cm)
			if err != nil {
				return nil, err
			}
			notes = append(notes, store.ReceivedNote{
				Account:     m.account.index,
				TxID:        tx.ID,
				OutputIndex: uint32(oi),
				Height:      height,
				Position:    pos,
				Value:       m.note.Value,
				Commitment:  out.Commitment,
				Nullifier:   m.account.vk.Nullifier(cm, pos),
				Rseed:       m.note.Rseed,
				Memo:        m.note.Memo.Bytes(),
			})
		}
	}
	return notes, nil
}

// restoreTree undoes in-memory tree changes of an aborted block.
func (s *Scanner) restoreTree(st *state, height int64) {
	if _, err := st.tree.Rewind(height); err != nil {
		s.log.WithError(err).WithField("height", height).Warn("tree restore after aborted block")
	}
}
