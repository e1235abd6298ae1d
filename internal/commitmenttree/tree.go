// Package commitmenttree maintains the note commitment tree incrementally.
//
// The tree is never rebuilt from leaves. It keeps the frontier, one witness per
// marked (wallet-owned) leaf, and height-addressed snapshots of both so that a
// rewind is a restore rather than an in-place edit.
package commitmenttree

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Abdullah1738/juno-lightclient/internal/errs"
)

const DefaultMaxCheckpoints = 100

var (
	ErrNotMarked       = errors.New("commitmenttree: position is not marked")
	ErrCheckpointOrder = errors.New("commitmenttree: checkpoint height must increase")
)

type snapshot struct {
	height   int64
	frontier Frontier
	marks    map[uint64]*Witness
}

type Tree struct {
	h        *Hasher
	frontier Frontier
	marks    map[uint64]*Witness

	// arena holds snapshots in ascending height order; index maps a height to
	// its arena slot.
	arena          []snapshot
	index          map[int64]int
	maxCheckpoints int

	// unavailable is set when a rewind went below every retained snapshot.
	unavailable       bool
	unavailableHeight int64
}

type Option func(*Tree)

func WithMaxCheckpoints(n int) Option {
	return func(t *Tree) {
		if n > 0 {
			t.maxCheckpoints = n
		}
	}
}

func New(opts ...Option) *Tree {
	return FromState(Frontier{}, nil, opts...)
}

// FromState resumes a tree from a persisted frontier and the witnesses of the
// leaves still marked at that point.
func FromState(f Frontier, witnesses []Witness, opts ...Option) *Tree {
	t := &Tree{
		h:              defaultHasher,
		frontier:       f,
		marks:          make(map[uint64]*Witness, len(witnesses)),
		index:          make(map[int64]int),
		maxCheckpoints: DefaultMaxCheckpoints,
	}
	for _, o := range opts {
		o(t)
	}
	for i := range witnesses {
		w := witnesses[i]
		t.marks[w.Position] = w.clone()
	}
	return t
}

func (t *Tree) Size() uint64 { return t.frontier.Size }

func (t *Tree) Root() Node { return t.frontier.Root(t.h) }

func (t *Tree) Frontier() Frontier { return t.frontier }

// Append adds a leaf that the wallet does not need to spend.
func (t *Tree) Append(leaf Node) (uint64, error) {
	if t.unavailable {
		return 0, errs.TreeStateUnavailable(t.unavailableHeight, "append after unrecoverable rewind")
	}
	pos := t.frontier.Size
	next, err := t.frontier.Append(t.h, leaf)
	if err != nil {
		return 0, err
	}
	for _, w := range t.marks {
		if err := w.append(t.h, leaf); err != nil {
			return 0, fmt.Errorf("commitmenttree: witness %d: %w", w.Position, err)
		}
	}
	t.frontier = next
	return pos, nil
}

// AppendMarked adds a leaf and starts tracking its authentication path.
func (t *Tree) AppendMarked(leaf Node) (uint64, error) {
	w := newWitness(t.frontier, leaf)
	pos, err := t.Append(leaf)
	if err != nil {
		return 0, err
	}
	t.marks[pos] = w
	return pos, nil
}

// Unmark stops tracking a leaf, typically because its note was spent.
func (t *Tree) Unmark(pos uint64) {
	delete(t.marks, pos)
}

func (t *Tree) IsMarked(pos uint64) bool {
	_, ok := t.marks[pos]
	return ok
}

// AuthPath returns the path of a marked leaf against the current root.
func (t *Tree) AuthPath(pos uint64) (Path, error) {
	w, ok := t.marks[pos]
	if !ok {
		return Path{}, fmt.Errorf("%w: %d", ErrNotMarked, pos)
	}
	return w.Path(t.h), nil
}

// Witnesses returns copies of all tracked witnesses ordered by position.
func (t *Tree) Witnesses() []Witness {
	out := make([]Witness, 0, len(t.marks))
	for _, w := range t.marks {
		out = append(out, *w.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// Checkpoint snapshots the current state under height. Heights must increase.
func (t *Tree) Checkpoint(height int64) error {
	if t.unavailable {
		return errs.TreeStateUnavailable(t.unavailableHeight, "checkpoint after unrecoverable rewind")
	}
	if n := len(t.arena); n > 0 && t.arena[n-1].height >= height {
		return fmt.Errorf("%w: %d after %d", ErrCheckpointOrder, height, t.arena[n-1].height)
	}
	t.arena = append(t.arena, snapshot{
		height:   height,
		frontier: t.frontier,
		marks:    cloneMarks(t.marks),
	})
	if len(t.arena) > t.maxCheckpoints {
		drop := len(t.arena) - t.maxCheckpoints
		t.arena = append([]snapshot(nil), t.arena[drop:]...)
	}
	t.reindex()
	return nil
}

// LatestCheckpoint reports the height of the newest snapshot.
func (t *Tree) LatestCheckpoint() (int64, bool) {
	if len(t.arena) == 0 {
		return 0, false
	}
	return t.arena[len(t.arena)-1].height, true
}

// CheckpointAt returns the frontier snapshotted at exactly height.
func (t *Tree) CheckpointAt(height int64) (Frontier, bool) {
	i, ok := t.index[height]
	if !ok {
		return Frontier{}, false
	}
	return t.arena[i].frontier, true
}

// Rewind restores the newest snapshot at or below height and discards every
// later one. It returns the height actually restored. When no snapshot is old
// enough the tree becomes unusable until reloaded.
func (t *Tree) Rewind(height int64) (int64, error) {
	i := sort.Search(len(t.arena), func(i int) bool { return t.arena[i].height > height }) - 1
	if i < 0 {
		t.arena = nil
		t.reindex()
		t.unavailable = true
		t.unavailableHeight = height
		return 0, errs.TreeStateUnavailable(height, "no checkpoint at or below height")
	}
	snap := t.arena[i]
	t.frontier = snap.frontier
	t.marks = cloneMarks(snap.marks)
	t.arena = t.arena[:i+1]
	t.reindex()
	return snap.height, nil
}

func (t *Tree) reindex() {
	clear(t.index)
	for i, s := range t.arena {
		t.index[s.height] = i
	}
}

func cloneMarks(m map[uint64]*Witness) map[uint64]*Witness {
	out := make(map[uint64]*Witness, len(m))
	for pos, w := range m {
		out[pos] = w.clone()
	}
	return out
}
