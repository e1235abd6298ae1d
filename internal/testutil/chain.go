package testutil

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/Abdullah1738/juno-lightclient/internal/chain"
	"github.com/Abdullah1738/juno-lightclient/internal/shielded"
	"golang.org/x/crypto/blake2b"
)

// ChainBuilder produces linked compact blocks. Each call to Block seals the
// pending transactions into the next height.
type ChainBuilder struct {
	tag     byte
	next    int64
	prev    chain.Hash
	pending []chain.CompactTx
	txSeq   uint64
}

func NewChainBuilder(start int64, parent chain.Hash, tag byte) *ChainBuilder {
	return &ChainBuilder{tag: tag, next: start, prev: parent}
}

// Fork continues the same chain under a different tag, so blocks from here
// on get different hashes.
func (c *ChainBuilder) Fork(tag byte) *ChainBuilder {
	f := *c
	f.tag = tag
	f.pending = append([]chain.CompactTx(nil), c.pending...)
	return &f
}

func (c *ChainBuilder) Next() int64 { return c.next }

func (c *ChainBuilder) Tip() chain.Hash { return c.prev }

func (c *ChainBuilder) txID() chain.Hash {
	c.txSeq++
	var buf [1 + 8 + 8]byte
	buf[0] = c.tag
	binary.LittleEndian.PutUint64(buf[1:], uint64(c.next))
	binary.LittleEndian.PutUint64(buf[9:], c.txSeq)
	return chain.Hash(blake2b.Sum256(buf[:]))
}

// Pay adds a transaction with one output of value to addr.
func (c *ChainBuilder) Pay(addr shielded.Address, value uint64, memo string) chain.Hash {
	m, err := shielded.NewTextMemo(memo)
	if err != nil {
		panic(err)
	}
	return c.PayMemo(addr, value, m)
}

func (c *ChainBuilder) PayMemo(addr shielded.Address, value uint64, m shielded.Memo) chain.Hash {
	n, err := shielded.NewNote(rand.Reader, addr, value, m)
	if err != nil {
		panic(err)
	}
	out, err := shielded.EncryptNote(rand.Reader, n)
	if err != nil {
		panic(err)
	}
	id := c.txID()
	c.pending = append(c.pending, chain.CompactTx{ID: id, Outputs: []chain.CompactOutput{out}})
	return id
}

// Noise adds a transaction with n outputs to throwaway addresses.
func (c *ChainBuilder) Noise(n int) chain.Hash {
	tx := chain.CompactTx{ID: c.txID()}
	for i := 0; i < n; i++ {
		var seed [32]byte
		_, _ = rand.Read(seed[:])
		sk, err := shielded.DeriveSpendingKey(seed[:], 0)
		if err != nil {
			panic(err)
		}
		note, err := shielded.NewNote(rand.Reader, sk.ViewingKey().Address(), uint64(i+1), shielded.EmptyMemo())
		if err != nil {
			panic(err)
		}
		out, err := shielded.EncryptNote(rand.Reader, note)
		if err != nil {
			panic(err)
		}
		tx.Outputs = append(tx.Outputs, out)
	}
	c.pending = append(c.pending, tx)
	return tx.ID
}

// Spend adds a transaction revealing nullifiers.
func (c *ChainBuilder) Spend(nfs ...chain.Nullifier) chain.Hash {
	tx := chain.CompactTx{ID: c.txID(), Fee: 10000}
	for _, nf := range nfs {
		tx.Spends = append(tx.Spends, chain.CompactSpend{Nullifier: nf})
	}
	c.pending = append(c.pending, tx)
	return tx.ID
}

// Include adds an already built transaction.
func (c *ChainBuilder) Include(tx chain.CompactTx) {
	c.pending = append(c.pending, tx)
}

// Block seals the pending transactions.
func (c *ChainBuilder) Block() chain.Block {
	return c.BlockWithRoot(nil)
}

// BlockWithRoot seals the pending transactions and declares root as the tree
// root after the previous block.
func (c *ChainBuilder) BlockWithRoot(root *chain.Hash) chain.Block {
	txs := c.pending
	c.pending = nil
	for i := range txs {
		txs[i].Index = uint64(i)
	}

	var buf [1 + 8 + 32]byte
	buf[0] = c.tag
	binary.LittleEndian.PutUint64(buf[1:], uint64(c.next))
	copy(buf[9:], c.prev[:])
	hash := chain.Hash(blake2b.Sum256(buf[:]))

	b, err := chain.NewBlock(c.next, hash, c.prev, uint32(1_700_000_000+c.next), chain.Payload{PrevTreeRoot: root, Txs: txs})
	if err != nil {
		panic(fmt.Sprintf("testutil: block %d: %v", c.next, err))
	}
	c.prev = hash
	c.next++
	return b
}
