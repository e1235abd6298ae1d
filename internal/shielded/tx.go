package shielded

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/Abdullah1738/juno-lightclient/internal/chain"
	"github.com/Abdullah1738/juno-lightclient/internal/commitmenttree"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/blake2b"
)

const TxVersion uint8 = 1

var ErrSpendAuthInvalid = errors.New("shielded: spend authorization signature invalid")

// SpendDescription is everything the proving service needs to prove one
// spend, public and private inputs alike.
type SpendDescription struct {
	Anchor     commitmenttree.Node
	Nullifier  chain.Nullifier
	Commitment commitmenttree.Node
	Position   uint64
	Value      uint64
	Rseed      [32]byte
	Recipient  Address
	AuthPath   commitmenttree.Path
	AuthKey    [32]byte
}

// OutputDescription is the proving input for one new note.
type OutputDescription struct {
	Commitment commitmenttree.Node
	Value      uint64
	Rseed      [32]byte
	Recipient  Address
}

type TxSpend struct {
	Nullifier chain.Nullifier `msgpack:"nf"`
	AuthKey   [32]byte        `msgpack:"ak"`
	Proof     []byte          `msgpack:"zk"`
	Sig       []byte          `msgpack:"sig"`
}

type TxOutput struct {
	Commitment   [32]byte `msgpack:"cm"`
	EphemeralKey [32]byte `msgpack:"epk"`
	Ciphertext   []byte   `msgpack:"ct"`
	Proof        []byte   `msgpack:"zk"`
}

// Transaction is a fully shielded transaction as broadcast.
type Transaction struct {
	Version      uint8               `msgpack:"v"`
	ExpiryHeight int64               `msgpack:"x"`
	Fee          uint64              `msgpack:"f"`
	Anchor       commitmenttree.Node `msgpack:"a"`
	Spends       []TxSpend           `msgpack:"s"`
	Outputs      []TxOutput          `msgpack:"o"`
}

// Sighash commits to every field except the spend signatures.
func (t *Transaction) Sighash() ([]byte, error) {
	c := *t
	c.Spends = make([]TxSpend, len(t.Spends))
	for i, s := range t.Spends {
		s.Sig = nil
		c.Spends[i] = s
	}
	b, err := msgpack.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("shielded: sighash: %w", err)
	}
	h := blake2b.Sum256(append([]byte("JunoLC_TxSighash"), b...))
	return h[:], nil
}

func (t *Transaction) Encode() ([]byte, error) {
	b, err := msgpack.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("shielded: encode tx: %w", err)
	}
	return b, nil
}

func DecodeTransaction(b []byte) (*Transaction, error) {
	var t Transaction
	if err := msgpack.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("shielded: decode tx: %w", err)
	}
	if t.Version != TxVersion {
		return nil, fmt.Errorf("shielded: decode tx: unsupported version %d", t.Version)
	}
	return &t, nil
}

// TxID is the hash of the encoded transaction.
func TxID(raw []byte) chain.Hash {
	return chain.Hash(blake2b.Sum256(raw))
}

// VerifySpendAuth checks every spend signature against the sighash.
func (t *Transaction) VerifySpendAuth() error {
	sighash, err := t.Sighash()
	if err != nil {
		return err
	}
	for i, s := range t.Spends {
		if !ed25519.Verify(ed25519.PublicKey(s.AuthKey[:]), sighash, s.Sig) {
			return fmt.Errorf("%w: spend %d", ErrSpendAuthInvalid, i)
		}
	}
	return nil
}

// Compact strips proofs and signatures, leaving what a compact block carries.
func (t *Transaction) Compact(index uint64, id chain.Hash) chain.CompactTx {
	ct := chain.CompactTx{Index: index, ID: id, Fee: t.Fee}
	for _, s := range t.Spends {
		ct.Spends = append(ct.Spends, chain.CompactSpend{Nullifier: s.Nullifier})
	}
	for _, o := range t.Outputs {
		ct.Outputs = append(ct.Outputs, chain.CompactOutput{
			Commitment:   o.Commitment,
			EphemeralKey: o.EphemeralKey,
			Ciphertext:   o.Ciphertext,
		})
	}
	return ct
}
