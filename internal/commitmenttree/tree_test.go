package commitmenttree

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/Abdullah1738/juno-lightclient/internal/errs"
	"github.com/stretchr/testify/require"
)

func leaf(i int) Node {
	var n Node
	binary.LittleEndian.PutUint64(n[:], uint64(i)+1)
	n[31] = 0xC0
	return n
}

// naiveRoot hashes the whole tree level by level.
func naiveRoot(h *Hasher, leaves []Node) Node {
	nodes := append([]Node(nil), leaves...)
	for lvl := 0; lvl < Depth; lvl++ {
		if len(nodes) == 0 {
			return h.Empty(Depth)
		}
		if len(nodes)%2 == 1 {
			nodes = append(nodes, h.Empty(lvl))
		}
		next := make([]Node, 0, len(nodes)/2)
		for i := 0; i < len(nodes); i += 2 {
			next = append(next, h.Combine(lvl, nodes[i], nodes[i+1]))
		}
		nodes = next
	}
	return nodes[0]
}

func TestFrontierRootMatchesNaive(t *testing.T) {
	h := NewHasher()
	var f Frontier
	var leaves []Node
	require.Equal(t, h.Empty(Depth), f.Root(h))

	for i := 0; i < 37; i++ {
		var err error
		f, err = f.Append(h, leaf(i))
		require.NoError(t, err)
		leaves = append(leaves, leaf(i))
		require.Equal(t, naiveRoot(h, leaves), f.Root(h), "size %d", i+1)
	}
}

func TestWitnessTracksRoot(t *testing.T) {
	tr := New()
	marked := map[int]bool{0: true, 5: true, 8: true, 13: true}

	for i := 0; i < 40; i++ {
		var err error
		if marked[i] {
			_, err = tr.AppendMarked(leaf(i))
		} else {
			_, err = tr.Append(leaf(i))
		}
		require.NoError(t, err)

		root := tr.Root()
		for pos := range marked {
			if pos > i {
				continue
			}
			p, err := tr.AuthPath(uint64(pos))
			require.NoError(t, err)
			require.Equal(t, root, p.Root(defaultHasher, leaf(pos)), "pos %d after %d leaves", pos, i+1)
		}
	}

	_, err := tr.AuthPath(1)
	require.ErrorIs(t, err, ErrNotMarked)
}

func TestRewindRestoresSnapshot(t *testing.T) {
	tr := New()
	for i := 0; i < 4; i++ {
		_, err := tr.Append(leaf(i))
		require.NoError(t, err)
	}
	_, err := tr.AppendMarked(leaf(4))
	require.NoError(t, err)
	require.NoError(t, tr.Checkpoint(100))
	rootAt100 := tr.Root()
	pathAt100, err := tr.AuthPath(4)
	require.NoError(t, err)

	for i := 5; i < 9; i++ {
		_, err := tr.Append(leaf(i))
		require.NoError(t, err)
	}
	require.NoError(t, tr.Checkpoint(101))
	_, err = tr.AppendMarked(leaf(9))
	require.NoError(t, err)
	require.NoError(t, tr.Checkpoint(102))

	restored, err := tr.Rewind(100)
	require.NoError(t, err)
	require.Equal(t, int64(100), restored)
	require.Equal(t, rootAt100, tr.Root())
	require.False(t, tr.IsMarked(9))

	path, err := tr.AuthPath(4)
	require.NoError(t, err)
	require.Equal(t, pathAt100, path)

	_, ok := tr.CheckpointAt(101)
	require.False(t, ok)
	latest, ok := tr.LatestCheckpoint()
	require.True(t, ok)
	require.Equal(t, int64(100), latest)

	// Replaying the same leaves lands on the same root.
	linear := New()
	for i := 0; i < 9; i++ {
		_, err := linear.Append(leaf(i))
		require.NoError(t, err)
	}
	for i := 5; i < 9; i++ {
		_, err := tr.Append(leaf(i))
		require.NoError(t, err)
	}
	require.Equal(t, linear.Root(), tr.Root())
}

func TestRewindBetweenCheckpoints(t *testing.T) {
	tr := New()
	_, err := tr.Append(leaf(0))
	require.NoError(t, err)
	require.NoError(t, tr.Checkpoint(10))
	root := tr.Root()
	_, err = tr.Append(leaf(1))
	require.NoError(t, err)
	require.NoError(t, tr.Checkpoint(20))

	restored, err := tr.Rewind(15)
	require.NoError(t, err)
	require.Equal(t, int64(10), restored)
	require.Equal(t, root, tr.Root())
}

func TestRewindBeyondRecovery(t *testing.T) {
	tr := New()
	_, err := tr.Append(leaf(0))
	require.NoError(t, err)
	require.NoError(t, tr.Checkpoint(50))

	_, err = tr.Rewind(49)
	require.True(t, errors.Is(err, errs.ErrTreeStateUnavailable), "got %v", err)

	_, err = tr.Append(leaf(1))
	require.ErrorIs(t, err, errs.ErrTreeStateUnavailable)
	h, ok := errs.HeightOf(err)
	require.True(t, ok)
	require.Equal(t, int64(49), h)
}

func TestCheckpointOrderAndRetention(t *testing.T) {
	tr := New(WithMaxCheckpoints(3))
	for h := int64(1); h <= 5; h++ {
		_, err := tr.Append(leaf(int(h)))
		require.NoError(t, err)
		require.NoError(t, tr.Checkpoint(h))
	}
	require.ErrorIs(t, tr.Checkpoint(5), ErrCheckpointOrder)

	_, ok := tr.CheckpointAt(2)
	require.False(t, ok, "oldest checkpoints are evicted")
	_, ok = tr.CheckpointAt(3)
	require.True(t, ok)

	_, err := tr.Rewind(2)
	require.ErrorIs(t, err, errs.ErrTreeStateUnavailable)
}

func TestStateEncoding(t *testing.T) {
	tr := New()
	for i := 0; i < 11; i++ {
		if i == 6 {
			_, err := tr.AppendMarked(leaf(i))
			require.NoError(t, err)
			continue
		}
		_, err := tr.Append(leaf(i))
		require.NoError(t, err)
	}

	s, err := FrontierHex(tr.Frontier())
	require.NoError(t, err)
	f, err := ParseFrontierHex(s)
	require.NoError(t, err)

	ws := tr.Witnesses()
	require.Len(t, ws, 1)
	wb, err := EncodeWitness(ws[0])
	require.NoError(t, err)
	w, err := DecodeWitness(wb)
	require.NoError(t, err)

	resumed := FromState(f, []Witness{w})
	require.Equal(t, tr.Root(), resumed.Root())

	_, err = tr.Append(leaf(11))
	require.NoError(t, err)
	_, err = resumed.Append(leaf(11))
	require.NoError(t, err)

	want, err := tr.AuthPath(6)
	require.NoError(t, err)
	got, err := resumed.AuthPath(6)
	require.NoError(t, err)
	require.Equal(t, want, got)

	empty, err := ParseFrontierHex("")
	require.NoError(t, err)
	require.Equal(t, EmptyRoot(), empty.Root(defaultHasher))
}
