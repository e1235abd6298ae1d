package commitmenttree

import "errors"

var ErrWitnessComplete = errors.New("commitmenttree: witness has no open levels")

// Witness tracks the authentication path of one leaf while later leaves are
// appended.
//
// Levels where the leaf's ancestor is a right child have a fixed left sibling,
// captured at mark time in Left. The remaining levels need right siblings;
// Filled holds the completed ones in ascending level order and Cursor is the
// partially filled subtree for the next open level.
type Witness struct {
	Position uint64      `msgpack:"p"`
	Leaf     Node        `msgpack:"l"`
	Left     [Depth]Node `msgpack:"L"`
	Filled   []Node      `msgpack:"f"`
	Cursor   Frontier    `msgpack:"c"`
}

func newWitness(before Frontier, leaf Node) *Witness {
	w := &Witness{Position: before.Size, Leaf: leaf}
	for lvl := 0; lvl < Depth; lvl++ {
		if (w.Position>>lvl)&1 == 1 {
			w.Left[lvl] = before.Branch[lvl]
		}
	}
	return w
}

// nextLevel is the lowest level still waiting for its right sibling, or -1.
func (w *Witness) nextLevel() int {
	open := 0
	for lvl := 0; lvl < Depth; lvl++ {
		if (w.Position>>lvl)&1 == 1 {
			continue
		}
		if open == len(w.Filled) {
			return lvl
		}
		open++
	}
	return -1
}

func (w *Witness) append(h *Hasher, leaf Node) error {
	lvl := w.nextLevel()
	if lvl < 0 {
		return ErrWitnessComplete
	}
	c, err := w.Cursor.appendAt(h, leaf, lvl)
	if err != nil {
		return err
	}
	if c.Size == uint64(1)<<lvl {
		w.Filled = append(w.Filled, c.Branch[lvl])
		w.Cursor = Frontier{}
		return nil
	}
	w.Cursor = c
	return nil
}

// Path returns the authentication path against the tree as of the last
// appended leaf.
func (w *Witness) Path(h *Hasher) Path {
	p := Path{Position: w.Position}
	filled := 0
	cursorUsed := false
	for lvl := 0; lvl < Depth; lvl++ {
		if (w.Position>>lvl)&1 == 1 {
			p.Siblings[lvl] = w.Left[lvl]
			continue
		}
		switch {
		case filled < len(w.Filled):
			p.Siblings[lvl] = w.Filled[filled]
			filled++
		case !cursorUsed && w.Cursor.Size > 0:
			p.Siblings[lvl] = w.Cursor.rootAt(h, lvl)
			cursorUsed = true
		default:
			p.Siblings[lvl] = h.Empty(lvl)
		}
	}
	return p
}

// Root is the tree root implied by this witness.
func (w *Witness) Root(h *Hasher) Node {
	p := w.Path(h)
	return p.Root(h, w.Leaf)
}

func (w *Witness) clone() *Witness {
	c := *w
	c.Filled = append([]Node(nil), w.Filled...)
	return &c
}

// Path is a Merkle authentication path, leaf level first.
type Path struct {
	Position uint64
	Siblings [Depth]Node
}

// Root folds leaf up the path.
func (p Path) Root(h *Hasher, leaf Node) Node {
	node := leaf
	for lvl := 0; lvl < Depth; lvl++ {
		if (p.Position>>lvl)&1 == 1 {
			node = h.Combine(lvl, p.Siblings[lvl], node)
		} else {
			node = h.Combine(lvl, node, p.Siblings[lvl])
		}
	}
	return node
}
