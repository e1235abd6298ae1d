package wallet

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"

	"github.com/Abdullah1738/juno-lightclient/internal/chain"
	"github.com/Abdullah1738/juno-lightclient/internal/commitmenttree"
	"github.com/Abdullah1738/juno-lightclient/internal/errs"
	"github.com/Abdullah1738/juno-lightclient/internal/scanner"
	"github.com/Abdullah1738/juno-lightclient/internal/shielded"
	"github.com/Abdullah1738/juno-lightclient/internal/store"
	"github.com/Abdullah1738/juno-lightclient/internal/store/rocksdb"
	"github.com/Abdullah1738/juno-lightclient/internal/testutil"
	"github.com/stretchr/testify/require"
)

func openWallet(t *testing.T, minConf int64) (*Wallet, store.Store, *shielded.Suite) {
	t.Helper()
	st, err := rocksdb.Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	suite := shielded.NewSuite(chain.Regtest)
	w, err := New(st, suite, minConf)
	require.NoError(t, err)
	require.NoError(t, w.InitDataStore(context.Background()))
	return w, st, suite
}

func scan(t *testing.T, st store.Store, suite *shielded.Suite, blocks ...chain.Block) {
	t.Helper()
	sc, err := scanner.New(st, suite, scanner.Options{})
	require.NoError(t, err)
	_, err = sc.Scan(context.Background(), slices.All(blocks))
	require.NoError(t, err)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, shielded.NewSuite(chain.Regtest), 1)
	require.Error(t, err)

	st, err := rocksdb.Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	defer st.Close()
	_, err = New(st, nil, 1)
	require.Error(t, err)
}

func TestInitAccounts(t *testing.T) {
	ctx := context.Background()
	w, _, suite := openWallet(t, 1)

	keys, err := w.InitAccounts(ctx, testutil.Seed(3), 2)
	require.NoError(t, err)
	require.Len(t, keys, 2)

	accts, err := w.Accounts(ctx)
	require.NoError(t, err)
	require.Len(t, accts, 2)
	for i, a := range accts {
		require.Equal(t, uint32(i), a.Index)
		require.Equal(t, int64(0), a.BirthdayHeight)

		sk, err := suite.ParseSpendingKey(keys[i])
		require.NoError(t, err)
		want, err := suite.EncodeAddress(sk.ViewingKey().Address())
		require.NoError(t, err)
		addr, err := w.Address(ctx, a.Index)
		require.NoError(t, err)
		require.Equal(t, want, addr)
		require.Equal(t, suite.EncodeViewingKey(sk.ViewingKey()), a.ViewingKey)
	}

	_, err = w.InitAccounts(ctx, testutil.Seed(3), 1)
	require.ErrorIs(t, err, errs.ErrStoreInit)

	_, err = w.Address(ctx, 7)
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestInitAccounts_RejectsZero(t *testing.T) {
	w, _, _ := openWallet(t, 1)
	_, err := w.InitAccounts(context.Background(), testutil.Seed(3), 0)
	require.Error(t, err)
}

func TestInitFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	w, st, _ := openWallet(t, 1)

	tree := commitmenttree.New()
	for i := 0; i < 5; i++ {
		_, err := tree.Append(commitmenttree.Node{byte(i + 1)})
		require.NoError(t, err)
	}
	stateHex, err := commitmenttree.FrontierHex(tree.Frontier())
	require.NoError(t, err)
	hash := chain.Hash{0xaa, 0xbb}

	require.NoError(t, w.InitFromCheckpoint(ctx, 500, hash.String(), 1_700_000_500, stateHex))

	h, err := w.Watermark(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(500), h)

	meta, ok, err := st.TreeStateAtOrBelow(ctx, 10_000)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(500), meta.Height)
	require.Equal(t, hash, meta.Hash)
	f, err := commitmenttree.DecodeFrontier(meta.TreeState)
	require.NoError(t, err)
	require.Equal(t, uint64(5), f.Size)
	require.Equal(t, tree.Root(), f.Root(commitmenttree.NewHasher()))

	err = w.InitFromCheckpoint(ctx, 600, hash.String(), 0, stateHex)
	require.ErrorIs(t, err, errs.ErrStoreInit)

	// Accounts created afterwards start at the checkpoint.
	_, err = w.InitAccounts(ctx, testutil.Seed(1), 1)
	require.NoError(t, err)
	accts, err := w.Accounts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(500), accts[0].BirthdayHeight)
}

func TestInitFromCheckpoint_BadInput(t *testing.T) {
	ctx := context.Background()
	w, _, _ := openWallet(t, 1)
	empty, err := commitmenttree.FrontierHex(commitmenttree.Frontier{})
	require.NoError(t, err)

	for name, call := range map[string]func() error{
		"negative height": func() error { return w.InitFromCheckpoint(ctx, -1, chain.Hash{}.String(), 0, empty) },
		"bad hash":        func() error { return w.InitFromCheckpoint(ctx, 1, "zz", 0, empty) },
		"bad tree":        func() error { return w.InitFromCheckpoint(ctx, 1, chain.Hash{}.String(), 0, "not-hex") },
	} {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, call(), errs.ErrStoreInit)
		})
	}
}

func TestBalances(t *testing.T) {
	ctx := context.Background()
	w, st, suite := openWallet(t, 3)

	keys, err := w.InitAccounts(ctx, testutil.Seed(9), 1)
	require.NoError(t, err)
	sk, err := suite.ParseSpendingKey(keys[0])
	require.NoError(t, err)
	addr := sk.ViewingKey().Address()

	h, err := w.Watermark(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(-1), h)
	vb, err := w.VerifiedBalance(ctx, 0)
	require.NoError(t, err)
	require.Zero(t, vb)

	cb := testutil.NewChainBuilder(0, chain.Hash{}, 'w')
	var blocks []chain.Block
	for i := 0; i < 6; i++ {
		cb.Pay(addr, 100*uint64(i+1), "")
		blocks = append(blocks, cb.Block())
	}
	scan(t, st, suite, blocks...)

	// Anchor at 5-(3-1) = 3, so notes at 0..3 are verified.
	b, err := w.Balance(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(2100), b)
	vb, err = w.VerifiedBalance(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), vb)
	require.LessOrEqual(t, vb, b)

	notes, err := st.ListAccountNotes(ctx, 0, true, 0)
	require.NoError(t, err)
	var sum uint64
	for _, n := range notes {
		sum += n.Value
	}
	require.Equal(t, b, sum)

	_, err = w.Balance(ctx, 1)
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestVerifiedBalance_SnapsToRetainedTreeState(t *testing.T) {
	ctx := context.Background()
	w, st, suite := openWallet(t, 4)

	keys, err := w.InitAccounts(ctx, testutil.Seed(10), 1)
	require.NoError(t, err)
	sk, err := suite.ParseSpendingKey(keys[0])
	require.NoError(t, err)
	addr := sk.ViewingKey().Address()

	cb := testutil.NewChainBuilder(0, chain.Hash{}, 'v')
	var blocks []chain.Block
	for i := 0; i < 10; i++ {
		cb.Pay(addr, 100, "")
		blocks = append(blocks, cb.Block())
	}
	sc, err := scanner.New(st, suite, scanner.Options{CheckpointRetention: 1, CheckpointInterval: 4})
	require.NoError(t, err)
	_, err = sc.Scan(ctx, slices.All(blocks))
	require.NoError(t, err)

	// Anchor 9-(4-1) = 6 was pruned; spends would anchor at 4.
	anchor, ok, err := st.TreeStateAtOrBelow(ctx, 6)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(4), anchor.Height)

	vb, err := w.VerifiedBalance(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(500), vb)
}

func TestMemos(t *testing.T) {
	ctx := context.Background()
	w, st, suite := openWallet(t, 1)

	keys, err := w.InitAccounts(ctx, testutil.Seed(5), 1)
	require.NoError(t, err)
	sk, err := suite.ParseSpendingKey(keys[0])
	require.NoError(t, err)
	addr := sk.ViewingKey().Address()

	binary, err := shielded.NewMemo([]byte{0xff, 0x00, 0x01, 0x02})
	require.NoError(t, err)

	cb := testutil.NewChainBuilder(0, chain.Hash{}, 'm')
	cb.Pay(addr, 10, "hello there")
	cb.PayMemo(addr, 20, binary)
	cb.Pay(addr, 30, "")
	scan(t, st, suite, cb.Block())

	notes, err := st.ListAccountNotes(ctx, 0, false, 0)
	require.NoError(t, err)
	require.Len(t, notes, 3)
	byValue := map[uint64]int64{}
	for _, n := range notes {
		byValue[n.Value] = n.ID
	}

	text, ok, err := w.ReceivedMemoText(ctx, byValue[10])
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello there", text)

	raw, err := w.ReceivedMemo(ctx, byValue[20])
	require.NoError(t, err)
	require.Equal(t, []byte{0xff, 0x00, 0x01, 0x02}, raw)
	_, ok, err = w.ReceivedMemoText(ctx, byValue[20])
	require.NoError(t, err)
	require.False(t, ok)

	text, ok, err = w.ReceivedMemoText(ctx, byValue[30])
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, text)

	var sentID int64
	require.NoError(t, st.WithTx(ctx, func(tx store.Tx) error {
		var err error
		sentID, err = tx.InsertSentNote(ctx, store.SentNote{
			TxID:      chain.Hash{0x01},
			Account:   0,
			ToAddress: "somewhere",
			Value:     5,
			Memo:      []byte("paid"),
		})
		return err
	}))
	text, ok, err = w.SentMemoText(ctx, sentID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "paid", text)

	_, err = w.ReceivedMemo(ctx, 9999)
	require.True(t, errors.Is(err, ErrNoteNotFound))
	_, err = w.SentMemo(ctx, 9999)
	require.ErrorIs(t, err, ErrNoteNotFound)
}
