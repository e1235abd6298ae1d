package builder

import (
	"context"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Abdullah1738/juno-lightclient/internal/chain"
	"github.com/Abdullah1738/juno-lightclient/internal/commitmenttree"
	"github.com/Abdullah1738/juno-lightclient/internal/errs"
	"github.com/Abdullah1738/juno-lightclient/internal/events"
	"github.com/Abdullah1738/juno-lightclient/internal/prover"
	"github.com/Abdullah1738/juno-lightclient/internal/scanner"
	"github.com/Abdullah1738/juno-lightclient/internal/shielded"
	"github.com/Abdullah1738/juno-lightclient/internal/store"
	"github.com/Abdullah1738/juno-lightclient/internal/store/rocksdb"
	"github.com/Abdullah1738/juno-lightclient/internal/testutil"
	"github.com/stretchr/testify/require"
)

type fakeProver struct {
	mu      sync.Mutex
	spends  []shielded.SpendDescription
	outputs []shielded.OutputDescription
	onSpend func(ctx context.Context, i int) error
}

func (p *fakeProver) ProveSpend(ctx context.Context, d shielded.SpendDescription, _ prover.Params) ([]byte, error) {
	p.mu.Lock()
	i := len(p.spends)
	p.spends = append(p.spends, d)
	hook := p.onSpend
	p.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, i); err != nil {
			return nil, err
		}
	}
	return []byte("spend-proof"), nil
}

func (p *fakeProver) ProveOutput(_ context.Context, d shielded.OutputDescription, _ prover.Params) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outputs = append(p.outputs, d)
	return []byte("output-proof"), nil
}

type fixture struct {
	st     store.Store
	scan   *scanner.Scanner
	suite  *shielded.Suite
	cb     *testutil.ChainBuilder
	sk     *shielded.SpendingKey
	params prover.Params
	to     store.Account
	toSK   *shielded.SpendingKey
}

func seq(blocks ...chain.Block) iter.Seq2[chain.Block, error] {
	return func(yield func(chain.Block, error) bool) {
		for _, b := range blocks {
			if !yield(b, nil) {
				return
			}
		}
	}
}

// newFixture scans 20 blocks paying account 0 50000 at 1, 30000 at 2 and 3,
// and 100000 at 15. With 10 confirmations the anchor is 11.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := rocksdb.Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	acct, sk := testutil.Account(testutil.Seed(7), 0, 1)
	require.NoError(t, st.WithTx(ctx, func(tx store.Tx) error { return tx.InsertAccount(ctx, acct) }))
	to, toSK := testutil.Account(testutil.Seed(8), 0, 1)

	suite := shielded.NewSuite(chain.Regtest)
	sc, err := scanner.New(st, suite, scanner.Options{Workers: 2})
	require.NoError(t, err)

	cb := testutil.NewChainBuilder(1, chain.Hash{}, 'a')
	addr := sk.ViewingKey().Address()
	var blocks []chain.Block
	for h := int64(1); h <= 20; h++ {
		switch h {
		case 1:
			cb.Pay(addr, 50000, "")
		case 2, 3:
			cb.Pay(addr, 30000, "")
		case 15:
			cb.Pay(addr, 100000, "")
		default:
			cb.Noise(1)
		}
		blocks = append(blocks, cb.Block())
	}
	_, err = sc.Scan(ctx, seq(blocks...))
	require.NoError(t, err)

	dir := t.TempDir()
	params := prover.Params{SpendPath: filepath.Join(dir, "spend.params"), OutputPath: filepath.Join(dir, "output.params")}
	require.NoError(t, os.WriteFile(params.SpendPath, []byte("spend"), 0o600))
	require.NoError(t, os.WriteFile(params.OutputPath, []byte("output"), 0o600))

	return &fixture{st: st, scan: sc, suite: suite, cb: cb, sk: sk, params: params, to: to, toSK: toSK}
}

func (f *fixture) builder(t *testing.T, p prover.Prover) *Builder {
	t.Helper()
	b, err := New(f.st, f.suite, p, Options{})
	require.NoError(t, err)
	return b
}

func (f *fixture) request(value uint64, memo string) Request {
	m, err := shielded.NewTextMemo(memo)
	if err != nil {
		panic(err)
	}
	return Request{Account: 0, SpendingKey: f.sk, To: f.to.Address, Value: value, Memo: m, Params: f.params}
}

func unspentValues(t *testing.T, st store.Store) []uint64 {
	t.Helper()
	notes, err := st.ListAccountNotes(context.Background(), 0, true, 0)
	require.NoError(t, err)
	var out []uint64
	for _, n := range notes {
		out = append(out, n.Value)
	}
	return out
}

func TestBuildSpend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := &fakeProver{}
	b := f.builder(t, p)

	res, err := b.BuildSpend(ctx, f.request(60000, "thanks"))
	require.NoError(t, err)
	require.Equal(t, int64(11), res.AnchorHeight)
	require.Equal(t, int64(41), res.ExpiryHeight)
	require.Equal(t, DefaultFee, res.Fee)
	require.Equal(t, uint64(80000-70000), res.Change)
	require.Len(t, res.SpentNoteIDs, 2)

	require.Len(t, p.spends, 2)
	require.Len(t, p.outputs, 2)
	h := commitmenttree.NewHasher()
	require.Equal(t, []uint64{50000, 30000}, []uint64{p.spends[0].Value, p.spends[1].Value})
	for _, d := range p.spends {
		require.Equal(t, d.Anchor, d.AuthPath.Root(h, d.Commitment))
		require.Equal(t, res.Tx.Anchor, d.Anchor)
	}

	require.NoError(t, res.Tx.VerifySpendAuth())
	decoded, err := shielded.DecodeTransaction(res.Raw)
	require.NoError(t, err)
	require.Equal(t, res.Tx, decoded)
	require.Equal(t, shielded.TxID(res.Raw), res.TxID)

	out0 := chain.CompactOutput{Commitment: res.Tx.Outputs[0].Commitment, EphemeralKey: res.Tx.Outputs[0].EphemeralKey, Ciphertext: res.Tx.Outputs[0].Ciphertext}
	note, ok := f.toSK.ViewingKey().TrialDecrypt(out0)
	require.True(t, ok)
	require.Equal(t, uint64(60000), note.Value)
	text, ok := shielded.MemoText(note.Memo.Bytes())
	require.True(t, ok)
	require.Equal(t, "thanks", text)

	// The selected notes carry a pending spend and no longer count.
	require.ElementsMatch(t, []uint64{30000, 100000}, unspentValues(t, f.st))
	bal, err := f.st.Balance(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(130000), bal)

	stx, ok, err := f.st.Transaction(ctx, res.TxID)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, stx.Created)
	require.Nil(t, stx.Height)
	require.Equal(t, int64(41), stx.ExpiryHeight)

	evs, _, err := f.st.ListAccountEvents(ctx, 0, 0, 100, store.EventFilter{Kinds: []string{events.KindTransactionCreated}})
	require.NoError(t, err)
	require.Len(t, evs, 1)

	// Mining the transaction confirms the spends and delivers the change.
	f.cb.Include(res.Tx.Compact(0, res.TxID))
	_, err = f.scan.Scan(ctx, seq(f.cb.Block()))
	require.NoError(t, err)

	for _, id := range res.SpentNoteIDs {
		n, ok, err := f.st.ReceivedNote(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		require.NotNil(t, n.SpentHeight)
		require.Equal(t, int64(21), *n.SpentHeight)
		require.Equal(t, res.TxID, *n.SpentTxID)
	}
	require.ElementsMatch(t, []uint64{30000, 100000, 10000}, unspentValues(t, f.st))
	stx, _, err = f.st.Transaction(ctx, res.TxID)
	require.NoError(t, err)
	require.NotNil(t, stx.Height)
	require.Equal(t, int64(21), *stx.Height)
}

func TestBuildSpend_InsufficientFunds(t *testing.T) {
	f := newFixture(t)
	p := &fakeProver{}

	// 100000 arrived at 15, above the anchor.
	_, err := f.builder(t, p).BuildSpend(context.Background(), f.request(150000, ""))
	require.ErrorIs(t, err, errs.ErrInsufficientFunds)
	var e *errs.Error
	require.True(t, errors.As(err, &e))
	require.NotNil(t, e.Account)
	require.Equal(t, uint32(0), *e.Account)
	require.Contains(t, err.Error(), "available 110000")
	require.Empty(t, p.spends)
	require.Len(t, unspentValues(t, f.st), 4)
}

func TestBuildSpend_ParametersMissing(t *testing.T) {
	f := newFixture(t)
	p := &fakeProver{}
	req := f.request(1000, "")
	req.Params.OutputPath = filepath.Join(t.TempDir(), "missing")

	_, err := f.builder(t, p).BuildSpend(context.Background(), req)
	require.ErrorIs(t, err, errs.ErrParametersMissing)
	require.Empty(t, p.spends)
}

func TestBuildSpend_ProverFailureLeavesNotesUnspent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := &fakeProver{onSpend: func(_ context.Context, i int) error {
		if i == 1 {
			return errors.New("prover crashed")
		}
		return nil
	}}

	_, err := f.builder(t, p).BuildSpend(ctx, f.request(60000, ""))
	require.ErrorIs(t, err, errs.ErrProofGenerationFailed)
	require.Contains(t, err.Error(), "spend 1")
	require.Len(t, unspentValues(t, f.st), 4)

	evs, _, err := f.st.ListAccountEvents(ctx, 0, 0, 100, store.EventFilter{Kinds: []string{events.KindTransactionCreated}})
	require.NoError(t, err)
	require.Empty(t, evs)
}

func TestBuildSpend_Cancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := &fakeProver{onSpend: func(ctx context.Context, i int) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}}

	_, err := f.builder(t, p).BuildSpend(ctx, f.request(60000, ""))
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, p.spends, 1)
	require.Len(t, unspentValues(t, f.st), 4)
}

func TestBuildSpend_WrongKey(t *testing.T) {
	f := newFixture(t)
	req := f.request(1000, "")
	req.SpendingKey = f.toSK
	_, err := f.builder(t, &fakeProver{}).BuildSpend(context.Background(), req)
	require.Error(t, err)
	require.Contains(t, err.Error(), "does not belong")
}

func TestBuildSpend_SecondSpendSkipsPendingNotes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	b := f.builder(t, &fakeProver{})

	first, err := b.BuildSpend(ctx, f.request(60000, ""))
	require.NoError(t, err)
	second, err := b.BuildSpend(ctx, f.request(10000, ""))
	require.NoError(t, err)
	require.NotEqual(t, first.TxID, second.TxID)
	for _, id := range second.SpentNoteIDs {
		require.NotContains(t, first.SpentNoteIDs, id)
	}

	_, err = b.BuildSpend(ctx, f.request(10000, ""))
	require.ErrorIs(t, err, errs.ErrInsufficientFunds)
}

func TestSelectNotes(t *testing.T) {
	notes := []store.ReceivedNote{
		{ID: 1, Height: 5, Value: 10},
		{ID: 2, Height: 3, Value: 30},
		{ID: 3, Height: 2, Value: 30},
		{ID: 4, Height: 2, Value: 30},
		{ID: 5, Height: 1, Value: 5},
	}
	got, sum, ok := SelectNotes(notes, 61)
	require.True(t, ok)
	require.Equal(t, uint64(90), sum)
	var ids []int64
	for _, n := range got {
		ids = append(ids, n.ID)
	}
	require.Equal(t, []int64{3, 4, 2}, ids)

	_, sum, ok = SelectNotes(notes, 106)
	require.False(t, ok)
	require.Equal(t, uint64(105), sum)
}

func TestAnchorHeight(t *testing.T) {
	require.Equal(t, int64(91), AnchorHeight(100, 0, 10))
	require.Equal(t, int64(95), AnchorHeight(100, 95, 10))
	require.Equal(t, int64(100), AnchorHeight(100, 120, 10))
	require.Equal(t, int64(100), AnchorHeight(100, 0, 1))
}
