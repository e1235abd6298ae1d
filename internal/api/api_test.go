package api

import (
	"bytes"
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	cacherocks "github.com/Abdullah1738/juno-lightclient/internal/cache/rocksdb"
	"github.com/Abdullah1738/juno-lightclient/internal/chain"
	"github.com/Abdullah1738/juno-lightclient/internal/events"
	"github.com/Abdullah1738/juno-lightclient/internal/rewind"
	"github.com/Abdullah1738/juno-lightclient/internal/scanner"
	"github.com/Abdullah1738/juno-lightclient/internal/shielded"
	"github.com/Abdullah1738/juno-lightclient/internal/store"
	"github.com/Abdullah1738/juno-lightclient/internal/store/rocksdb"
	"github.com/Abdullah1738/juno-lightclient/internal/testutil"
	"github.com/Abdullah1738/juno-lightclient/internal/wallet"
)

type fixture struct {
	st     store.Store
	cache  *cacherocks.Cache
	w      *wallet.Wallet
	rw     *rewind.Controller
	chain  *testutil.ChainBuilder
	notify atomic.Int32
}

// newFixture scans blocks 1..3 paying account 0: 100 with a text memo,
// 200 with a binary memo and 300 without one.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	st, err := rocksdb.Open(filepath.Join(dir, "db"))
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	c, err := cacherocks.Open(filepath.Join(dir, "cache"))
	if err != nil {
		t.Fatalf("Open cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	suite := shielded.NewSuite(chain.Regtest)
	w, err := wallet.New(st, suite, 1)
	if err != nil {
		t.Fatalf("wallet.New: %v", err)
	}
	if err := w.InitDataStore(ctx); err != nil {
		t.Fatalf("InitDataStore: %v", err)
	}
	keys, err := w.InitAccounts(ctx, testutil.Seed(4), 1)
	if err != nil {
		t.Fatalf("InitAccounts: %v", err)
	}
	sk, err := suite.ParseSpendingKey(keys[0])
	if err != nil {
		t.Fatalf("ParseSpendingKey: %v", err)
	}
	addr := sk.ViewingKey().Address()

	binary, err := shielded.NewMemo([]byte{0xff, 0xee})
	if err != nil {
		t.Fatalf("NewMemo: %v", err)
	}
	cb := testutil.NewChainBuilder(1, chain.Hash{}, 'a')
	cb.Pay(addr, 100, "thanks")
	b0 := cb.Block()
	cb.PayMemo(addr, 200, binary)
	b1 := cb.Block()
	cb.Pay(addr, 300, "")
	b2 := cb.Block()

	sc, err := scanner.New(st, suite, scanner.Options{})
	if err != nil {
		t.Fatalf("scanner.New: %v", err)
	}
	if _, err := sc.Scan(ctx, seq(b0, b1, b2)); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	rw, err := rewind.New(st, c)
	if err != nil {
		t.Fatalf("rewind.New: %v", err)
	}
	return &fixture{st: st, cache: c, w: w, rw: rw, chain: cb}
}

func (f *fixture) server(t *testing.T, opts ...Option) *httptest.Server {
	t.Helper()
	opts = append([]Option{
		WithBlockIngest(f.cache, func() { f.notify.Add(1) }),
		WithRewinder(f.rw),
	}, opts...)
	s, err := New(f.st, f.w, opts...)
	if err != nil {
		t.Fatalf("api.New: %v", err)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, body []byte, out any) int {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthAndAccounts(t *testing.T) {
	f := newFixture(t)
	srv := f.server(t)

	var health struct {
		Status        string `json:"status"`
		ScannedHeight int64  `json:"scanned_height"`
		ScannedHash   string `json:"scanned_hash"`
	}
	if code := do(t, http.MethodGet, srv.URL+"/v1/health", nil, &health); code != http.StatusOK {
		t.Fatalf("health status %d", code)
	}
	if health.Status != "ok" || health.ScannedHeight != 3 || health.ScannedHash == "" {
		t.Fatalf("unexpected health: %+v", health)
	}

	var accts struct {
		Accounts []struct {
			Index   uint32 `json:"index"`
			Address string `json:"address"`
		} `json:"accounts"`
	}
	do(t, http.MethodGet, srv.URL+"/v1/accounts", nil, &accts)
	if len(accts.Accounts) != 1 || accts.Accounts[0].Address == "" {
		t.Fatalf("unexpected accounts: %+v", accts)
	}

	var addr struct {
		Address string `json:"address"`
	}
	do(t, http.MethodGet, srv.URL+"/v1/accounts/0/address", nil, &addr)
	if addr.Address != accts.Accounts[0].Address {
		t.Fatalf("address=%q want %q", addr.Address, accts.Accounts[0].Address)
	}
}

func TestBalanceAndNotes(t *testing.T) {
	f := newFixture(t)
	srv := f.server(t)

	var bal struct {
		Balance         uint64 `json:"balance"`
		VerifiedBalance uint64 `json:"verified_balance"`
	}
	if code := do(t, http.MethodGet, srv.URL+"/v1/accounts/0/balance", nil, &bal); code != http.StatusOK {
		t.Fatalf("balance status %d", code)
	}
	if bal.Balance != 600 || bal.VerifiedBalance != 600 {
		t.Fatalf("unexpected balance: %+v", bal)
	}

	var notes struct {
		Notes []struct {
			Value     uint64 `json:"value"`
			Nullifier string `json:"nullifier"`
		} `json:"notes"`
	}
	do(t, http.MethodGet, srv.URL+"/v1/accounts/0/notes?limit=2", nil, &notes)
	if len(notes.Notes) != 2 {
		t.Fatalf("expected 2 notes, got %d", len(notes.Notes))
	}

	if code := do(t, http.MethodGet, srv.URL+"/v1/accounts/9/balance", nil, nil); code != http.StatusNotFound {
		t.Fatalf("unknown account: status %d", code)
	}
	if code := do(t, http.MethodGet, srv.URL+"/v1/accounts/x/balance", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("bad account: status %d", code)
	}
}

func TestListEvents_Filters(t *testing.T) {
	f := newFixture(t)
	srv := f.server(t)

	type resp struct {
		Events []struct {
			ID     int64  `json:"id"`
			Kind   string `json:"kind"`
			Height int64  `json:"height"`
		} `json:"events"`
		NextCursor int64 `json:"next_cursor"`
	}

	var all resp
	do(t, http.MethodGet, srv.URL+"/v1/accounts/0/events", nil, &all)
	if len(all.Events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all.Events))
	}

	var at1 resp
	do(t, http.MethodGet, srv.URL+"/v1/accounts/0/events?block_height=2", nil, &at1)
	if len(at1.Events) != 1 || at1.Events[0].Height != 2 {
		t.Fatalf("unexpected filtered events: %+v", at1.Events)
	}

	var page resp
	do(t, http.MethodGet, srv.URL+"/v1/accounts/0/events?limit=2&kind="+events.KindNoteReceived, nil, &page)
	if len(page.Events) != 2 || page.NextCursor != page.Events[1].ID {
		t.Fatalf("unexpected page: %+v", page)
	}
	var rest resp
	do(t, http.MethodGet, srv.URL+"/v1/accounts/0/events?cursor="+itoa(page.NextCursor), nil, &rest)
	if len(rest.Events) != 1 || rest.Events[0].Height != 3 {
		t.Fatalf("unexpected second page: %+v", rest.Events)
	}

	var none resp
	do(t, http.MethodGet, srv.URL+"/v1/accounts/0/events?kind="+events.KindNoteSpent, nil, &none)
	if len(none.Events) != 0 {
		t.Fatalf("expected no spend events, got %d", len(none.Events))
	}

	if code := do(t, http.MethodGet, srv.URL+"/v1/accounts/0/events?block_height=-1", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("negative block_height: status %d", code)
	}
}

func TestMemos(t *testing.T) {
	f := newFixture(t)
	srv := f.server(t)
	ctx := context.Background()

	ns, err := f.st.ListAccountNotes(ctx, 0, false, 0)
	if err != nil {
		t.Fatalf("ListAccountNotes: %v", err)
	}
	ids := map[uint64]int64{}
	for _, n := range ns {
		ids[n.Value] = n.ID
	}

	type memo struct {
		MemoHex string `json:"memo_hex"`
		IsText  bool   `json:"is_text"`
		Text    string `json:"text"`
	}
	var m memo
	do(t, http.MethodGet, srv.URL+"/v1/notes/"+itoa(ids[100])+"/memo", nil, &m)
	if !m.IsText || m.Text != "thanks" {
		t.Fatalf("unexpected text memo: %+v", m)
	}
	m = memo{}
	do(t, http.MethodGet, srv.URL+"/v1/notes/"+itoa(ids[200])+"/memo", nil, &m)
	if m.IsText || m.MemoHex != "ffee" {
		t.Fatalf("unexpected binary memo: %+v", m)
	}

	if code := do(t, http.MethodGet, srv.URL+"/v1/notes/9999/memo", nil, nil); code != http.StatusNotFound {
		t.Fatalf("missing note: status %d", code)
	}
	if code := do(t, http.MethodGet, srv.URL+"/v1/sent-notes/1/memo", nil, nil); code != http.StatusNotFound {
		t.Fatalf("missing sent note: status %d", code)
	}
}

func TestPutBlocks(t *testing.T) {
	f := newFixture(t)
	srv := f.server(t)

	var buf bytes.Buffer
	if err := chain.WriteBlocks(&buf, f.chain.Block(), f.chain.Block()); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}
	var out struct {
		Stored     int   `json:"stored"`
		FromHeight int64 `json:"from_height"`
		ToHeight   int64 `json:"to_height"`
	}
	if code := do(t, http.MethodPost, srv.URL+"/v1/blocks", buf.Bytes(), &out); code != http.StatusOK {
		t.Fatalf("POST /v1/blocks: status %d", code)
	}
	if out.Stored != 2 || out.FromHeight != 4 || out.ToHeight != 5 {
		t.Fatalf("unexpected response: %+v", out)
	}
	if n := f.notify.Load(); n != 1 {
		t.Fatalf("notify called %d times", n)
	}
	lo, hi, ok, err := f.cache.Bounds(context.Background())
	if err != nil || !ok || lo != 4 || hi != 5 {
		t.Fatalf("cache bounds %d..%d ok=%v err=%v", lo, hi, ok, err)
	}

	if code := do(t, http.MethodPost, srv.URL+"/v1/blocks", []byte{0xc1}, nil); code != http.StatusBadRequest {
		t.Fatalf("garbage upload: status %d", code)
	}

	bare, err := New(f.st, f.w)
	if err != nil {
		t.Fatalf("api.New: %v", err)
	}
	rec := httptest.NewRecorder()
	bare.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/blocks", bytes.NewReader(buf.Bytes())))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ingest disabled: status %d", rec.Code)
	}
}

func TestRewind(t *testing.T) {
	f := newFixture(t)
	srv := f.server(t)

	var out struct {
		Rewound       bool  `json:"rewound"`
		ScannedHeight int64 `json:"scanned_height"`
	}
	if code := do(t, http.MethodPost, srv.URL+"/v1/rewind", []byte(`{"height":2}`), &out); code != http.StatusOK {
		t.Fatalf("rewind status %d", code)
	}
	if !out.Rewound || out.ScannedHeight != 2 {
		t.Fatalf("unexpected rewind response: %+v", out)
	}
	bal, err := f.w.Balance(context.Background(), 0)
	if err != nil || bal != 300 {
		t.Fatalf("balance after rewind=%d err=%v", bal, err)
	}

	if code := do(t, http.MethodPost, srv.URL+"/v1/rewind", []byte(`{"height":-3}`), nil); code != http.StatusConflict {
		t.Fatalf("impossible rewind: status %d", code)
	}
	if code := do(t, http.MethodPost, srv.URL+"/v1/rewind", []byte(`{}`), nil); code != http.StatusBadRequest {
		t.Fatalf("missing height: status %d", code)
	}
}

func TestBearerAuthToken(t *testing.T) {
	f := newFixture(t)
	srv := f.server(t, WithBearerToken("secret"))

	for name, tc := range map[string]struct {
		header string
		want   int
	}{
		"missing": {"", http.StatusUnauthorized},
		"wrong":   {"Bearer nope", http.StatusUnauthorized},
		"ok":      {"Bearer secret", http.StatusOK},
	} {
		t.Run(name, func(t *testing.T) {
			req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"/v1/health", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("GET /v1/health: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, resp.StatusCode)
			}
		})
	}
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

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
