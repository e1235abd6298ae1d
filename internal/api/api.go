// Package api serves the wallet state over HTTP and accepts compact blocks
// for the cache.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Abdullah1738/juno-lightclient/internal/cache"
	"github.com/Abdullah1738/juno-lightclient/internal/chain"
	"github.com/Abdullah1738/juno-lightclient/internal/errs"
	"github.com/Abdullah1738/juno-lightclient/internal/logging"
	"github.com/Abdullah1738/juno-lightclient/internal/shielded"
	"github.com/Abdullah1738/juno-lightclient/internal/store"
	"github.com/Abdullah1738/juno-lightclient/internal/wallet"
	"github.com/sirupsen/logrus"
)

const maxBlockUpload = 64 << 20

type Server struct {
	st  store.Store
	w   *wallet.Wallet
	log *logrus.Entry

	token string

	cache  cache.Store
	notify func()
	rw     Rewinder
}

type Option func(*Server)

// WithBearerToken requires "Authorization: Bearer <token>" on every request.
func WithBearerToken(token string) Option {
	return func(s *Server) { s.token = strings.TrimSpace(token) }
}

// WithBlockIngest enables POST /v1/blocks. notify, when set, runs after
// blocks were stored.
func WithBlockIngest(c cache.Store, notify func()) Option {
	return func(s *Server) {
		s.cache = c
		s.notify = notify
	}
}

// Rewinder moves the watermark back to a height.
type Rewinder interface {
	RewindTo(ctx context.Context, height int64) (bool, error)
}

// WithRewinder enables POST /v1/rewind. Pass the running synchronizer so a
// rewind never lands inside a sync pass.
func WithRewinder(rw Rewinder) Option {
	return func(s *Server) { s.rw = rw }
}

func New(st store.Store, w *wallet.Wallet, opts ...Option) (*Server, error) {
	if st == nil {
		return nil, errors.New("api: store is nil")
	}
	if w == nil {
		return nil, errors.New("api: wallet is nil")
	}
	s := &Server{st: st, w: w, log: logging.For("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/accounts", s.handleListAccounts)
	mux.HandleFunc("GET /v1/accounts/{account}/address", s.withAccount(s.handleAddress))
	mux.HandleFunc("GET /v1/accounts/{account}/balance", s.withAccount(s.handleBalance))
	mux.HandleFunc("GET /v1/accounts/{account}/notes", s.withAccount(s.handleListNotes))
	mux.HandleFunc("GET /v1/accounts/{account}/events", s.withAccount(s.handleListEvents))
	mux.HandleFunc("GET /v1/notes/{id}/memo", s.handleMemo(s.w.ReceivedMemo))
	mux.HandleFunc("GET /v1/sent-notes/{id}/memo", s.handleMemo(s.w.SentMemo))
	mux.HandleFunc("POST /v1/blocks", s.handlePutBlocks)
	mux.HandleFunc("POST /v1/rewind", s.handleRewind)
	return s.auth(mux)
}

func (s *Server) auth(next http.Handler) http.Handler {
	if s.token == "" {
		return next
	}
	want := []byte("Bearer " + s.token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="juno-lightclient"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := map[string]any{"status": "ok", "scanned_height": int64(-1)}
	tip, ok, err := s.st.Tip(ctx)
	if err != nil {
		s.fail(w, err)
		return
	}
	if ok {
		resp["scanned_height"] = tip.Height
		resp["scanned_hash"] = tip.Hash.String()
	}
	writeJSON(w, resp)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	type account struct {
		Index          uint32    `json:"index"`
		Address        string    `json:"address"`
		BirthdayHeight int64     `json:"birthday_height"`
		CreatedAt      time.Time `json:"created_at"`
	}
	accts, err := s.w.Accounts(ctx)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]account, 0, len(accts))
	for _, a := range accts {
		out = append(out, account{Index: a.Index, Address: a.Address, BirthdayHeight: a.BirthdayHeight, CreatedAt: a.CreatedAt})
	}
	writeJSON(w, map[string]any{"accounts": out})
}

type accountHandler func(w http.ResponseWriter, r *http.Request, account uint32)

func (s *Server) withAccount(h accountHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := strconv.ParseUint(r.PathValue("account"), 10, 32)
		if err != nil {
			http.Error(w, "invalid account", http.StatusBadRequest)
			return
		}
		h(w, r, uint32(n))
	}
}

func (s *Server) handleAddress(w http.ResponseWriter, r *http.Request, account uint32) {
	addr, err := s.w.Address(r.Context(), account)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, map[string]any{"account": account, "address": addr})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request, account uint32) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	total, err := s.w.Balance(ctx, account)
	if err != nil {
		s.fail(w, err)
		return
	}
	verified, err := s.w.VerifiedBalance(ctx, account)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, map[string]any{"account": account, "balance": total, "verified_balance": verified})
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request, account uint32) {
	spent := r.URL.Query().Get("spent")
	onlyUnspent := spent == "" || spent == "false"
	limit := int(parseInt64Query(r, "limit", 1000))

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if _, err := s.w.Address(ctx, account); err != nil {
		s.fail(w, err)
		return
	}
	ns, err := s.st.ListAccountNotes(ctx, account, onlyUnspent, limit)
	if err != nil {
		s.fail(w, err)
		return
	}

	type note struct {
		ID          int64     `json:"id"`
		TxID        string    `json:"txid"`
		OutputIndex uint32    `json:"output_index"`
		Height      int64     `json:"height"`
		Position    uint64    `json:"position"`
		Value       uint64    `json:"value"`
		Nullifier   string    `json:"nullifier"`
		SpentTxID   *string   `json:"spent_txid,omitempty"`
		SpentHeight *int64    `json:"spent_height,omitempty"`
		CreatedAt   time.Time `json:"created_at"`
	}
	notes := make([]note, 0, len(ns))
	for _, n := range ns {
		out := note{
			ID:          n.ID,
			TxID:        n.TxID.String(),
			OutputIndex: n.OutputIndex,
			Height:      n.Height,
			Position:    n.Position,
			Value:       n.Value,
			Nullifier:   n.Nullifier.String(),
			SpentHeight: n.SpentHeight,
			CreatedAt:   n.CreatedAt,
		}
		if n.SpentTxID != nil {
			id := n.SpentTxID.String()
			out.SpentTxID = &id
		}
		notes = append(notes, out)
	}
	writeJSON(w, map[string]any{"notes": notes})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request, account uint32) {
	q := r.URL.Query()
	cursor := parseInt64Query(r, "cursor", 0)
	limit := parseInt64Query(r, "limit", 100)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var filter store.EventFilter
	if v := strings.TrimSpace(q.Get("block_height")); v != "" {
		h, err := strconv.ParseInt(v, 10, 64)
		if err != nil || h < 0 {
			http.Error(w, "invalid block_height", http.StatusBadRequest)
			return
		}
		filter.BlockHeight = &h
	}
	for _, k := range q["kind"] {
		for _, part := range strings.Split(k, ",") {
			if part = strings.TrimSpace(part); part != "" {
				filter.Kinds = append(filter.Kinds, part)
			}
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	evs, next, err := s.st.ListAccountEvents(ctx, account, cursor, int(limit), filter)
	if err != nil {
		s.fail(w, err)
		return
	}

	type event struct {
		ID        int64           `json:"id"`
		Kind      string          `json:"kind"`
		Height    int64           `json:"height"`
		Payload   json.RawMessage `json:"payload"`
		CreatedAt time.Time       `json:"created_at"`
	}
	events := make([]event, 0, len(evs))
	for _, e := range evs {
		events = append(events, event{ID: e.ID, Kind: e.Kind, Height: e.Height, Payload: e.Payload, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, map[string]any{"events": events, "next_cursor": next})
}

func (s *Server) handleMemo(lookup func(context.Context, int64) ([]byte, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil || id <= 0 {
			http.Error(w, "invalid note id", http.StatusBadRequest)
			return
		}
		raw, err := lookup(r.Context(), id)
		if err != nil {
			s.fail(w, err)
			return
		}
		resp := map[string]any{"note_id": id, "memo_hex": hex.EncodeToString(raw), "is_text": false}
		if text, ok := shielded.MemoText(raw); ok {
			resp["is_text"] = true
			resp["text"] = text
		}
		writeJSON(w, resp)
	}
}

// handlePutBlocks stores a stream of encoded blocks in the cache. Validation
// against the scanned chain happens on the next sync pass.
func (s *Server) handlePutBlocks(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		http.Error(w, "block ingestion not configured", http.StatusServiceUnavailable)
		return
	}

	var (
		stored   int
		from, to int64 = -1, -1
	)
	body := http.MaxBytesReader(w, r.Body, maxBlockUpload)
	for b, err := range chain.ReadBlocks(body) {
		if err != nil {
			http.Error(w, "invalid block: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cache.Put(r.Context(), b); err != nil {
			s.fail(w, err)
			return
		}
		if from < 0 || b.Height < from {
			from = b.Height
		}
		to = max(to, b.Height)
		stored++
	}
	if stored > 0 && s.notify != nil {
		s.notify()
	}
	s.log.WithFields(logrus.Fields{"blocks": stored, "from": from, "to": to}).Debug("cached uploaded blocks")
	writeJSON(w, map[string]any{"stored": stored, "from_height": from, "to_height": to})
}

func (s *Server) handleRewind(w http.ResponseWriter, r *http.Request) {
	if s.rw == nil {
		http.Error(w, "rewind not configured", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		Height *int64 `json:"height"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil || req.Height == nil {
		http.Error(w, "height is required", http.StatusBadRequest)
		return
	}

	rewound, err := s.rw.RewindTo(r.Context(), *req.Height)
	if err != nil {
		s.fail(w, err)
		return
	}
	wm, err := s.w.Watermark(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "rewound": rewound, "scanned_height": wm})
}

// fail maps domain errors to statuses and hides everything else.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, wallet.ErrAccountNotFound), errors.Is(err, wallet.ErrNoteNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errs.CodeOf(err) == errs.CodeRewindImpossible:
		writeJSONStatus(w, http.StatusConflict, errorBody(err))
	case errs.CodeOf(err) != "":
		writeJSONStatus(w, http.StatusUnprocessableEntity, errorBody(err))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "request cancelled", http.StatusServiceUnavailable)
	default:
		s.log.WithError(err).Error("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func errorBody(err error) map[string]any {
	body := map[string]any{"code": errs.CodeOf(err), "error": err.Error()}
	if h, ok := errs.HeightOf(err); ok {
		body["height"] = h
	}
	return body
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

func parseInt64Query(r *http.Request, key string, def int64) int64 {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
