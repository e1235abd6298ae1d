package commitmenttree

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Depth of the note commitment tree; 2^32 leaves.
const Depth = 32

// Node is a leaf commitment or an interior node hash.
type Node [32]byte

func (n Node) String() string { return hex.EncodeToString(n[:]) }

var (
	nodePersonal      = []byte("JunoLC_MerkleCRH")
	uncommittedPrefix = []byte("JunoLC_Uncommitted")
)

// Hasher combines nodes level by level and caches the roots of empty
// subtrees.
type Hasher struct {
	empty [Depth + 1]Node
}

func NewHasher() *Hasher {
	h := &Hasher{}
	h.empty[0] = Node(blake2b.Sum256(uncommittedPrefix))
	for lvl := 0; lvl < Depth; lvl++ {
		h.empty[lvl+1] = h.Combine(lvl, h.empty[lvl], h.empty[lvl])
	}
	return h
}

var defaultHasher = NewHasher()

// Combine hashes two children at the given level into their parent.
func (h *Hasher) Combine(level int, left, right Node) Node {
	var buf [16 + 1 + 64]byte
	n := copy(buf[:], nodePersonal)
	buf[n] = byte(level)
	copy(buf[n+1:], left[:])
	copy(buf[n+33:], right[:])
	return Node(blake2b.Sum256(buf[:]))
}

// Empty is the root of an empty subtree of the given height.
func (h *Hasher) Empty(level int) Node { return h.empty[level] }

// EmptyRoot is the root of the empty tree.
func EmptyRoot() Node { return defaultHasher.Empty(Depth) }
