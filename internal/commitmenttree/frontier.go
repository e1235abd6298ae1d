package commitmenttree

import "errors"

var ErrTreeFull = errors.New("commitmenttree: tree is full")

// Frontier is the right edge of the tree: enough to append and to compute the
// root, nothing more. It is a value type; Append returns a new frontier and
// never mutates the receiver, so copies are safe snapshots.
//
// Branch[l] holds the last completed node at level l whose right sibling has
// not been completed yet. It is meaningful only where bit l of Size is set.
type Frontier struct {
	Size   uint64          `msgpack:"n"`
	Branch [Depth + 1]Node `msgpack:"b"`
}

func (f Frontier) Append(h *Hasher, leaf Node) (Frontier, error) {
	return f.appendAt(h, leaf, Depth)
}

func (f Frontier) appendAt(h *Hasher, leaf Node, depth int) (Frontier, error) {
	if f.Size >= uint64(1)<<depth {
		return f, ErrTreeFull
	}
	idx := f.Size
	node := leaf
	for lvl := 0; lvl <= depth; lvl++ {
		if (idx>>lvl)&1 == 0 {
			f.Branch[lvl] = node
			break
		}
		node = h.Combine(lvl, f.Branch[lvl], node)
	}
	f.Size++
	return f, nil
}

// Root is the root of the full-depth tree with empty leaves on the right.
func (f Frontier) Root(h *Hasher) Node {
	return f.rootAt(h, Depth)
}

func (f Frontier) rootAt(h *Hasher, depth int) Node {
	if f.Size == uint64(1)<<depth {
		return f.Branch[depth]
	}
	node := h.Empty(0)
	for lvl := 0; lvl < depth; lvl++ {
		if (f.Size>>lvl)&1 == 1 {
			node = h.Combine(lvl, f.Branch[lvl], node)
		} else {
			node = h.Combine(lvl, node, h.Empty(lvl))
		}
	}
	return node
}
