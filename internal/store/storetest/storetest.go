// Package storetest holds behaviour checks shared by every data store driver.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Abdullah1738/juno-lightclient/internal/chain"
	"github.com/Abdullah1738/juno-lightclient/internal/errs"
	"github.com/Abdullah1738/juno-lightclient/internal/store"
)

// Open returns a migrated, empty store that is closed when the test ends.
type Open func(t *testing.T) store.Store

func Run(t *testing.T, open Open) {
	t.Helper()

	t.Run("accounts", func(t *testing.T) { testAccounts(t, open(t)) })
	t.Run("blocks_and_tree_states", func(t *testing.T) { testBlocks(t, open(t)) })
	t.Run("notes_and_balances", func(t *testing.T) { testNotes(t, open(t)) })
	t.Run("local_spend_conflict", func(t *testing.T) { testLocalSpend(t, open(t)) })
	t.Run("rollback", func(t *testing.T) { testRollback(t, open(t)) })
	t.Run("transactions", func(t *testing.T) { testTransactions(t, open(t)) })
	t.Run("events", func(t *testing.T) { testEvents(t, open(t)) })
	t.Run("tx_abort", func(t *testing.T) { testAbort(t, open(t)) })
	t.Run("tx_tip", func(t *testing.T) { testTxTip(t, open(t)) })
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func hash(height int64, tag byte) chain.Hash {
	var h chain.Hash
	h[0], h[1], h[31] = byte(height), byte(height>>8), tag
	return h
}

func nf(i int) chain.Nullifier {
	var n chain.Nullifier
	n[0], n[1] = 0xAA, byte(i)
	return n
}

func blockMeta(height int64, state []byte) store.BlockMeta {
	return store.BlockMeta{
		Height:    height,
		Hash:      hash(height, 'a'),
		PrevHash:  hash(height-1, 'a'),
		Time:      uint32(1700000000 + height),
		TreeState: state,
	}
}

func note(account uint32, height int64, i int, value uint64) store.ReceivedNote {
	n := store.ReceivedNote{
		Account:     account,
		TxID:        hash(height, byte(i)),
		OutputIndex: uint32(i),
		Height:      height,
		Position:    uint64(height*10) + uint64(i),
		Value:       value,
		Nullifier:   nf(int(height)*10 + i),
		Memo:        []byte("memo"),
	}
	n.Commitment[0] = byte(i)
	n.Rseed[0] = byte(height)
	return n
}

func mustTx(t *testing.T, st store.Store, fn func(store.Tx) error) {
	t.Helper()
	if err := st.WithTx(testCtx(t), fn); err != nil {
		t.Fatalf("WithTx: %v", err)
	}
}

func addAccount(t *testing.T, st store.Store, index uint32) {
	t.Helper()
	mustTx(t, st, func(tx store.Tx) error {
		return tx.InsertAccount(context.Background(), store.Account{
			Index:          index,
			ViewingKey:     "vk",
			Address:        "addr",
			BirthdayHeight: 99,
		})
	})
}

// scanBlock records a block, its tx and one received note per value.
func scanBlock(t *testing.T, st store.Store, height int64, account uint32, values ...uint64) []int64 {
	t.Helper()
	var ids []int64
	mustTx(t, st, func(tx store.Tx) error {
		ctx := context.Background()
		if err := tx.InsertBlock(ctx, blockMeta(height, []byte{byte(height)})); err != nil {
			return err
		}
		for i, v := range values {
			h := height
			if _, err := tx.InsertTransaction(ctx, store.Transaction{TxID: hash(height, byte(i)), Height: &h}); err != nil {
				return err
			}
			id, err := tx.InsertReceivedNote(ctx, note(account, height, i, v))
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	return ids
}

func testAccounts(t *testing.T, st store.Store) {
	ctx := testCtx(t)

	empty, err := st.IsEmpty(ctx)
	if err != nil || !empty {
		t.Fatalf("IsEmpty=%v,%v want true", empty, err)
	}
	addAccount(t, st, 0)
	addAccount(t, st, 1)

	empty, err = st.IsEmpty(ctx)
	if err != nil || empty {
		t.Fatalf("IsEmpty=%v,%v want false", empty, err)
	}
	accts, err := st.ListAccounts(ctx)
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	if len(accts) != 2 || accts[0].Index != 0 || accts[1].Index != 1 {
		t.Fatalf("ListAccounts: %+v", accts)
	}
	a, ok, err := st.Account(ctx, 1)
	if err != nil || !ok || a.Address != "addr" || a.BirthdayHeight != 99 {
		t.Fatalf("Account(1)=%+v,%v,%v", a, ok, err)
	}
	if _, ok, err := st.Account(ctx, 7); err != nil || ok {
		t.Fatalf("Account(7) ok=%v err=%v", ok, err)
	}
	err = st.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertAccount(ctx, store.Account{Index: 0})
	})
	if err == nil {
		t.Fatalf("expected duplicate account error")
	}
}

func testBlocks(t *testing.T, st store.Store) {
	ctx := testCtx(t)

	if _, ok, err := st.Tip(ctx); err != nil || ok {
		t.Fatalf("Tip on empty store ok=%v err=%v", ok, err)
	}
	mustTx(t, st, func(tx store.Tx) error {
		for h := int64(100); h <= 110; h++ {
			if err := tx.InsertBlock(ctx, blockMeta(h, []byte{byte(h)})); err != nil {
				return err
			}
			if err := tx.InsertWitness(ctx, store.Witness{NoteID: 1, Position: 3, Height: h, Data: []byte{byte(h), 3}}); err != nil {
				return err
			}
		}
		return nil
	})

	tip, ok, err := st.Tip(ctx)
	if err != nil || !ok || tip.Height != 110 || tip.Hash != hash(110, 'a') {
		t.Fatalf("Tip=%+v,%v,%v", tip, ok, err)
	}
	h, ok, err := st.HashAtHeight(ctx, 105)
	if err != nil || !ok || h != hash(105, 'a') {
		t.Fatalf("HashAtHeight=%v,%v,%v", h, ok, err)
	}

	mustTx(t, st, func(tx store.Tx) error { return tx.PruneTreeStates(ctx, 108, 5, 101) })

	for _, tc := range []struct {
		at   int64
		want int64
		ok   bool
	}{
		{at: 110, want: 110, ok: true},
		{at: 107, want: 105, ok: true},
		{at: 104, want: 101, ok: true},
		{at: 100, want: 100, ok: true},
		{at: 99, ok: false},
	} {
		b, ok, err := st.TreeStateAtOrBelow(ctx, tc.at)
		if err != nil {
			t.Fatalf("TreeStateAtOrBelow(%d): %v", tc.at, err)
		}
		if ok != tc.ok || (ok && b.Height != tc.want) {
			t.Fatalf("TreeStateAtOrBelow(%d)=%d,%v want %d,%v", tc.at, b.Height, ok, tc.want, tc.ok)
		}
		if ok && (len(b.TreeState) != 1 || b.TreeState[0] != byte(tc.want)) {
			t.Fatalf("TreeStateAtOrBelow(%d) state=%x", tc.at, b.TreeState)
		}
	}

	early, ok, err := st.EarliestTreeState(ctx)
	if err != nil || !ok || early.Height != 100 {
		t.Fatalf("EarliestTreeState=%d,%v,%v", early.Height, ok, err)
	}

	pruned, ok, err := st.Block(ctx, 107)
	if err != nil || !ok || pruned.TreeState != nil {
		t.Fatalf("Block(107)=%+v,%v,%v want pruned tree state", pruned, ok, err)
	}
	if ws, err := st.Witnesses(ctx, 107); err != nil || len(ws) != 0 {
		t.Fatalf("Witnesses(107)=%d,%v want pruned", len(ws), err)
	}
	ws, err := st.Witnesses(ctx, 105)
	if err != nil || len(ws) != 1 || ws[0].Position != 3 || ws[0].NoteID != 1 || ws[0].Data[0] != 105 {
		t.Fatalf("Witnesses(105)=%+v,%v", ws, err)
	}
}

func testNotes(t *testing.T, st store.Store) {
	ctx := testCtx(t)
	addAccount(t, st, 0)
	addAccount(t, st, 1)

	ids := scanBlock(t, st, 100, 0, 1000, 500)
	scanBlock(t, st, 101, 1, 700)
	scanBlock(t, st, 102, 0, 250)

	bal, err := st.Balance(ctx, 0)
	if err != nil || bal != 1750 {
		t.Fatalf("Balance=%d,%v want 1750", bal, err)
	}
	verified, err := st.VerifiedBalance(ctx, 0, 101)
	if err != nil || verified != 1500 {
		t.Fatalf("VerifiedBalance=%d,%v want 1500", verified, err)
	}

	var spent []store.ReceivedNote
	spender := hash(102, 'x')
	mustTx(t, st, func(tx store.Tx) error {
		var err error
		spent, err = tx.MarkNotesSpent(ctx, 102, spender, []chain.Nullifier{nf(1000), nf(9999)})
		return err
	})
	if len(spent) != 1 || spent[0].ID != ids[0] || spent[0].SpentHeight == nil || *spent[0].SpentHeight != 102 {
		t.Fatalf("MarkNotesSpent=%+v", spent)
	}
	mustTx(t, st, func(tx store.Tx) error {
		again, err := tx.MarkNotesSpent(ctx, 102, spender, []chain.Nullifier{nf(1000)})
		if err == nil && len(again) != 0 {
			t.Errorf("second MarkNotesSpent returned %d notes", len(again))
		}
		return err
	})

	bal, err = st.Balance(ctx, 0)
	if err != nil || bal != 750 {
		t.Fatalf("Balance after spend=%d,%v want 750", bal, err)
	}
	spendable, err := st.SpendableNotes(ctx, 0, 102)
	if err != nil || len(spendable) != 2 {
		t.Fatalf("SpendableNotes=%d,%v want 2", len(spendable), err)
	}
	all, err := st.ListAccountNotes(ctx, 0, false, 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("ListAccountNotes=%d,%v want 3", len(all), err)
	}

	n, ok, err := st.ReceivedNote(ctx, ids[1])
	if err != nil || !ok {
		t.Fatalf("ReceivedNote: ok=%v err=%v", ok, err)
	}
	if n.Value != 500 || string(n.Memo) != "memo" || n.Nullifier != nf(1001) || n.Rseed[0] != 100 || !n.Unspent() {
		t.Fatalf("ReceivedNote=%+v", n)
	}

	ranged, err := st.NotesReceivedInRange(ctx, 100, 102)
	if err != nil || len(ranged) != 2 || ranged[0].Height != 101 || ranged[1].Height != 102 {
		t.Fatalf("NotesReceivedInRange=%+v,%v", ranged, err)
	}
}

func testLocalSpend(t *testing.T, st store.Store) {
	ctx := testCtx(t)
	addAccount(t, st, 0)
	ids := scanBlock(t, st, 100, 0, 1000, 2000)

	local := hash(0, 'l')
	mustTx(t, st, func(tx store.Tx) error {
		if _, err := tx.InsertTransaction(ctx, store.Transaction{TxID: local, Raw: []byte{1}, ExpiryHeight: 121, Fee: 10000, Created: true}); err != nil {
			return err
		}
		return tx.MarkNotesSpentByID(ctx, ids[:1], local)
	})

	n, _, err := st.ReceivedNote(ctx, ids[0])
	if err != nil || n.SpentTxID == nil || *n.SpentTxID != local || n.SpentHeight != nil {
		t.Fatalf("pending spend not recorded: %+v err=%v", n, err)
	}
	bal, err := st.Balance(ctx, 0)
	if err != nil || bal != 2000 {
		t.Fatalf("Balance=%d,%v want 2000", bal, err)
	}

	err = st.WithTx(ctx, func(tx store.Tx) error {
		return tx.MarkNotesSpentByID(ctx, ids, hash(0, 'm'))
	})
	if !errors.Is(err, errs.ErrNoteConflict) {
		t.Fatalf("expected note conflict, got %v", err)
	}
	n, _, _ = st.ReceivedNote(ctx, ids[1])
	if !n.Unspent() {
		t.Fatalf("conflicting spend partially applied")
	}

	mustTx(t, st, func(tx store.Tx) error {
		if err := tx.InsertBlock(ctx, blockMeta(101, nil)); err != nil {
			return err
		}
		h := int64(101)
		if _, err := tx.InsertTransaction(ctx, store.Transaction{TxID: local, Height: &h}); err != nil {
			return err
		}
		confirmed, err := tx.MarkNotesSpent(ctx, 101, local, []chain.Nullifier{nf(1000)})
		if err == nil && len(confirmed) != 1 {
			t.Errorf("pending spend not confirmed")
		}
		return err
	})
	n, _, _ = st.ReceivedNote(ctx, ids[0])
	if n.SpentHeight == nil || *n.SpentHeight != 101 {
		t.Fatalf("SpentHeight=%v want 101", n.SpentHeight)
	}

	var rb store.Rollback
	mustTx(t, st, func(tx store.Tx) error {
		var err error
		rb, err = tx.RollbackToHeight(ctx, 100)
		return err
	})
	if len(rb.OrphanedSpends) != 0 {
		t.Fatalf("local spend reported orphaned: %+v", rb.OrphanedSpends)
	}
	n, _, _ = st.ReceivedNote(ctx, ids[0])
	if n.SpentTxID == nil || n.SpentHeight != nil {
		t.Fatalf("local spend should revert to pending: %+v", n)
	}
	tx, ok, err := st.Transaction(ctx, local)
	if err != nil || !ok || tx.Height != nil || !tx.Created {
		t.Fatalf("created tx after rollback=%+v,%v,%v", tx, ok, err)
	}
}

func testRollback(t *testing.T, st store.Store) {
	ctx := testCtx(t)
	addAccount(t, st, 0)
	ids := scanBlock(t, st, 100, 0, 1000)
	scanBlock(t, st, 101, 0, 1000)
	scanBlock(t, st, 102, 0, 1000)
	mustTx(t, st, func(tx store.Tx) error {
		if err := tx.InsertWitness(ctx, store.Witness{NoteID: ids[0], Position: 1000, Height: 102, Data: []byte{1}}); err != nil {
			return err
		}
		_, err := tx.MarkNotesSpent(ctx, 102, hash(102, 0), []chain.Nullifier{nf(1000)})
		return err
	})

	var rb store.Rollback
	mustTx(t, st, func(tx store.Tx) error {
		var err error
		rb, err = tx.RollbackToHeight(ctx, 100)
		return err
	})
	if len(rb.OrphanedNotes) != 2 || len(rb.OrphanedSpends) != 1 || rb.OrphanedSpends[0].ID != ids[0] {
		t.Fatalf("Rollback=%+v", rb)
	}
	if rb.OrphanedSpends[0].SpentHeight == nil || *rb.OrphanedSpends[0].SpentHeight != 102 {
		t.Fatalf("orphaned spend should carry its old spend: %+v", rb.OrphanedSpends[0])
	}

	tip, ok, err := st.Tip(ctx)
	if err != nil || !ok || tip.Height != 100 {
		t.Fatalf("Tip=%d,%v,%v want 100", tip.Height, ok, err)
	}
	bal, err := st.Balance(ctx, 0)
	if err != nil || bal != 1000 {
		t.Fatalf("Balance=%d,%v want 1000", bal, err)
	}
	n, _, _ := st.ReceivedNote(ctx, ids[0])
	if !n.Unspent() || n.SpentHeight != nil {
		t.Fatalf("spend above target not undone: %+v", n)
	}
	if _, ok, _ := st.Transaction(ctx, hash(101, 0)); ok {
		t.Fatalf("transaction mined above target still present")
	}
	if _, ok, _ := st.Transaction(ctx, hash(100, 0)); !ok {
		t.Fatalf("transaction at target removed")
	}
	if ws, _ := st.Witnesses(ctx, 102); len(ws) != 0 {
		t.Fatalf("witnesses above target still present")
	}

	// The nullifier of a removed note can be recorded again.
	ids2 := scanBlock(t, st, 101, 0, 1000)
	if len(ids2) != 1 || ids2[0] == 0 {
		t.Fatalf("rescan ids=%v", ids2)
	}
	bal, _ = st.Balance(ctx, 0)
	if bal != 2000 {
		t.Fatalf("Balance after rescan=%d want 2000", bal)
	}
}

func testTransactions(t *testing.T, st store.Store) {
	ctx := testCtx(t)
	txid := hash(5, 't')

	var id1, id2 int64
	mustTx(t, st, func(tx store.Tx) error {
		var err error
		id1, err = tx.InsertTransaction(ctx, store.Transaction{TxID: txid, Raw: []byte{9, 9}, ExpiryHeight: 40, Fee: 10000, Created: true})
		if err != nil {
			return err
		}
		h := int64(22)
		id2, err = tx.InsertTransaction(ctx, store.Transaction{TxID: txid, Height: &h, Index: 3})
		return err
	})
	if id1 != id2 {
		t.Fatalf("upsert changed id: %d != %d", id1, id2)
	}
	got, ok, err := st.Transaction(ctx, txid)
	if err != nil || !ok {
		t.Fatalf("Transaction ok=%v err=%v", ok, err)
	}
	if got.Height == nil || *got.Height != 22 || got.Index != 3 || !got.Created || string(got.Raw) != "\x09\x09" || got.Fee != 10000 || got.ExpiryHeight != 40 {
		t.Fatalf("Transaction=%+v", got)
	}

	var sentID int64
	mustTx(t, st, func(tx store.Tx) error {
		var err error
		sentID, err = tx.InsertSentNote(ctx, store.SentNote{TxID: txid, OutputIndex: 0, Account: 0, ToAddress: "to", Value: 42, Memo: []byte{0xff, 0x00, 0x01}})
		return err
	})
	sn, ok, err := st.SentNote(ctx, sentID)
	if err != nil || !ok || sn.Value != 42 || sn.ToAddress != "to" || string(sn.Memo) != "\xff\x00\x01" || sn.TxID != txid {
		t.Fatalf("SentNote=%+v,%v,%v", sn, ok, err)
	}
	if _, ok, err := st.SentNote(ctx, sentID+100); err != nil || ok {
		t.Fatalf("missing SentNote ok=%v err=%v", ok, err)
	}
}

func testEvents(t *testing.T, st store.Store) {
	ctx := testCtx(t)

	mustTx(t, st, func(tx store.Tx) error {
		for i, kind := range []string{"NoteReceived", "NoteSpent", "NoteReceived"} {
			payload, _ := json.Marshal(map[string]int{"i": i})
			if err := tx.InsertEvent(ctx, store.Event{Kind: kind, Account: 0, Height: int64(100 + i), Payload: payload}); err != nil {
				return err
			}
		}
		return tx.InsertEvent(ctx, store.Event{Kind: "NoteReceived", Account: 1, Height: 100, Payload: json.RawMessage(`{}`)})
	})

	evs, next, err := st.ListAccountEvents(ctx, 0, 0, 2, store.EventFilter{})
	if err != nil || len(evs) != 2 || evs[0].ID != 1 || evs[1].ID != 2 || next != 2 {
		t.Fatalf("ListAccountEvents page1=%+v next=%d err=%v", evs, next, err)
	}
	evs, next, err = st.ListAccountEvents(ctx, 0, next, 10, store.EventFilter{})
	if err != nil || len(evs) != 1 || evs[0].ID != 3 || next != 3 {
		t.Fatalf("ListAccountEvents page2=%+v next=%d err=%v", evs, next, err)
	}
	var p map[string]int
	if err := json.Unmarshal(evs[0].Payload, &p); err != nil || p["i"] != 2 {
		t.Fatalf("payload=%s err=%v", evs[0].Payload, err)
	}

	evs, _, err = st.ListAccountEvents(ctx, 0, 0, 10, store.EventFilter{Kinds: []string{"NoteSpent"}})
	if err != nil || len(evs) != 1 || evs[0].Kind != "NoteSpent" {
		t.Fatalf("kind filter=%+v err=%v", evs, err)
	}
	h := int64(102)
	evs, _, err = st.ListAccountEvents(ctx, 0, 0, 10, store.EventFilter{BlockHeight: &h})
	if err != nil || len(evs) != 1 || evs[0].ID != 3 {
		t.Fatalf("height filter=%+v err=%v", evs, err)
	}
	evs, _, err = st.ListAccountEvents(ctx, 1, 0, 10, store.EventFilter{})
	if err != nil || len(evs) != 1 || evs[0].Account != 1 {
		t.Fatalf("account 1 events=%+v err=%v", evs, err)
	}

	cur, err := st.AccountEventPublishCursor(ctx, 0)
	if err != nil || cur != 0 {
		t.Fatalf("cursor=%d,%v want 0", cur, err)
	}
	if err := st.SetAccountEventPublishCursor(ctx, 0, 2); err != nil {
		t.Fatalf("SetAccountEventPublishCursor: %v", err)
	}
	cur, err = st.AccountEventPublishCursor(ctx, 0)
	if err != nil || cur != 2 {
		t.Fatalf("cursor=%d,%v want 2", cur, err)
	}
}

func testAbort(t *testing.T, st store.Store) {
	ctx := testCtx(t)
	addAccount(t, st, 0)

	boom := errors.New("boom")
	err := st.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertBlock(ctx, blockMeta(100, []byte{1})); err != nil {
			return err
		}
		if _, err := tx.InsertReceivedNote(ctx, note(0, 100, 0, 5)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx err=%v want boom", err)
	}
	if _, ok, _ := st.Tip(ctx); ok {
		t.Fatalf("aborted block is visible")
	}
	if bal, _ := st.Balance(ctx, 0); bal != 0 {
		t.Fatalf("aborted note is visible: balance %d", bal)
	}
}

func testTxTip(t *testing.T, st store.Store) {
	ctx := testCtx(t)
	mustTx(t, st, func(tx store.Tx) error {
		if _, ok, err := tx.Tip(ctx); err != nil || ok {
			t.Fatalf("empty store tip ok=%v err=%v", ok, err)
		}
		return tx.InsertBlock(ctx, blockMeta(100, []byte{1}))
	})

	mustTx(t, st, func(tx store.Tx) error {
		if err := tx.InsertBlock(ctx, blockMeta(101, []byte{2})); err != nil {
			return err
		}
		tip, ok, err := tx.Tip(ctx)
		if err != nil || !ok || tip.Height != 101 || string(tip.TreeState) != "\x02" {
			t.Fatalf("tip inside tx=%+v ok=%v err=%v", tip, ok, err)
		}
		if _, err := tx.RollbackToHeight(ctx, 100); err != nil {
			return err
		}
		tip, ok, err = tx.Tip(ctx)
		if err != nil || !ok || tip.Height != 100 {
			t.Fatalf("tip after rollback inside tx=%+v ok=%v err=%v", tip, ok, err)
		}
		return nil
	})
}
