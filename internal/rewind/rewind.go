// Package rewind rolls the wallet back to an earlier height after a reorg
// or on request.
package rewind

import (
	"context"
	"errors"
	"fmt"

	"github.com/Abdullah1738/juno-lightclient/internal/cache"
	"github.com/Abdullah1738/juno-lightclient/internal/commitmenttree"
	"github.com/Abdullah1738/juno-lightclient/internal/errs"
	"github.com/Abdullah1738/juno-lightclient/internal/events"
	"github.com/Abdullah1738/juno-lightclient/internal/logging"
	"github.com/Abdullah1738/juno-lightclient/internal/store"
	"github.com/sirupsen/logrus"
)

type Controller struct {
	st    store.Store
	cache cache.Store
	log   *logrus.Entry
}

func New(st store.Store, c cache.Store) (*Controller, error) {
	if st == nil {
		return nil, errors.New("rewind: store is nil")
	}
	if c == nil {
		return nil, errors.New("rewind: cache is nil")
	}
	return &Controller{st: st, cache: c, log: logging.For("rewind")}, nil
}

// RewindTo makes height the new watermark. Notes, spends and transactions
// above it are undone in one store transaction and the commitment tree is
// restored to its state after height.
//
// When no tree state is retained at height itself, the nearest older one is
// replayed forward through cached blocks. It returns false with
// errs.ErrRewindImpossible when neither is possible.
func (c *Controller) RewindTo(ctx context.Context, height int64) (bool, error) {
	tip, ok, err := c.st.Tip(ctx)
	if err != nil {
		return false, fmt.Errorf("rewind: tip: %w", err)
	}
	if !ok || height >= tip.Height {
		return true, nil
	}

	target, ok, err := c.st.Block(ctx, height)
	if err != nil {
		return false, fmt.Errorf("rewind: block %d: %w", height, err)
	}
	if !ok {
		return false, errs.RewindImpossible(height, "height was never scanned")
	}
	base, ok, err := c.st.TreeStateAtOrBelow(ctx, height)
	if err != nil {
		return false, fmt.Errorf("rewind: tree state: %w", err)
	}
	if !ok {
		return false, errs.RewindImpossible(height, "no retained checkpoint at or below height")
	}

	var (
		frontier  []byte
		witnesses []store.Witness
	)
	if base.Height < height {
		frontier, witnesses, err = c.replay(ctx, base, height)
		if err != nil {
			return false, err
		}
	}

	var rb store.Rollback
	err = c.st.WithTx(ctx, func(tx store.Tx) error {
		var err error
		if rb, err = tx.RollbackToHeight(ctx, height); err != nil {
			return err
		}
		if frontier != nil {
			target.TreeState = frontier
			if err := tx.InsertBlock(ctx, target); err != nil {
				return err
			}
			for _, w := range witnesses {
				if err := tx.InsertWitness(ctx, w); err != nil {
					return err
				}
			}
		}
		for _, n := range rb.OrphanedNotes {
			ev, err := events.NoteOrphaned(n, height)
			if err != nil {
				return err
			}
			if err := tx.InsertEvent(ctx, ev); err != nil {
				return err
			}
		}
		for _, n := range rb.OrphanedSpends {
			ev, err := events.SpendOrphaned(n, height)
			if err != nil {
				return err
			}
			if err := tx.InsertEvent(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rewind: to %d: %w", height, err)
	}

	c.log.WithFields(logrus.Fields{
		"from":            tip.Height,
		"height":          height,
		"checkpoint":      base.Height,
		"orphaned_notes":  len(rb.OrphanedNotes),
		"orphaned_spends": len(rb.OrphanedSpends),
	}).Info("rewound")
	return true, nil
}

// replay rebuilds the tree state after height from the checkpoint at base and
// the cached blocks in between. The cached blocks must be the ones that were
// scanned.
func (c *Controller) replay(ctx context.Context, base store.BlockMeta, height int64) ([]byte, []store.Witness, error) {
	f, err := commitmenttree.DecodeFrontier(base.TreeState)
	if err != nil {
		return nil, nil, fmt.Errorf("rewind: tree state at %d: %w", base.Height, err)
	}
	stored, err := c.st.Witnesses(ctx, base.Height)
	if err != nil {
		return nil, nil, fmt.Errorf("rewind: witnesses at %d: %w", base.Height, err)
	}

	noteIDs := map[uint64]int64{}
	ws := make([]commitmenttree.Witness, 0, len(stored))
	for _, w := range stored {
		dw, err := commitmenttree.DecodeWitness(w.Data)
		if err != nil {
			return nil, nil, fmt.Errorf("rewind: witness of note %d: %w", w.NoteID, err)
		}
		ws = append(ws, dw)
		noteIDs[w.Position] = w.NoteID
	}
	tree := commitmenttree.FromState(f, ws)

	received, err := c.st.NotesReceivedInRange(ctx, base.Height, height)
	if err != nil {
		return nil, nil, fmt.Errorf("rewind: notes: %w", err)
	}
	ours := make(map[uint64]int64, len(received))
	for _, n := range received {
		ours[n.Position] = n.ID
	}

	next := base.Height + 1
	for b, err := range c.cache.Range(ctx, base.Height+1, height) {
		if err != nil {
			return nil, nil, fmt.Errorf("rewind: cache: %w", err)
		}
		if b.Height != next {
			break
		}
		scanned, ok, err := c.st.HashAtHeight(ctx, b.Height)
		if err != nil {
			return nil, nil, fmt.Errorf("rewind: hash at %d: %w", b.Height, err)
		}
		if !ok || scanned != b.Hash {
			return nil, nil, errs.RewindImpossible(height, fmt.Sprintf("cached block %d is not the scanned one", b.Height))
		}
		p, err := b.Payload()
		if err != nil {
			return nil, nil, err
		}
		for _, tx := range p.Txs {
			for _, out := range tx.Outputs {
				cm := commitmenttree.Node(out.Commitment)
				if _, mine := ours[tree.Size()]; mine {
					_, err = tree.AppendMarked(cm)
				} else {
					_, err = tree.Append(cm)
				}
				if err != nil {
					return nil, nil, fmt.Errorf("rewind: replay block %d: %w", b.Height, err)
				}
			}
		}
		next++
	}
	if next != height+1 {
		return nil, nil, errs.RewindImpossible(height, fmt.Sprintf("cached blocks %d..%d needed for replay are missing", next, height))
	}
	for pos, id := range ours {
		noteIDs[pos] = id
	}

	frontier, err := commitmenttree.EncodeFrontier(tree.Frontier())
	if err != nil {
		return nil, nil, err
	}

	var out []store.Witness
	for _, w := range tree.Witnesses() {
		id := noteIDs[w.Position]
		n, ok, err := c.st.ReceivedNote(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("rewind: note %d: %w", id, err)
		}
		// Spends mined at or below height stay, so their witness goes.
		if !ok || (n.SpentHeight != nil && *n.SpentHeight <= height) {
			continue
		}
		data, err := commitmenttree.EncodeWitness(w)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, store.Witness{NoteID: id, Position: w.Position, Height: height, Data: data})
	}
	return frontier, out, nil
}
