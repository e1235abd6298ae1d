package shielded

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/Abdullah1738/juno-lightclient/internal/chain"
	"github.com/Abdullah1738/juno-lightclient/internal/commitmenttree"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const MinSeedSize = 32

var ErrSeedTooShort = errors.New("shielded: seed must be at least 32 bytes")

// Address is the recipient's public diffie-hellman key.
type Address [32]byte

// SpendingKey is the account secret. Everything else is derived from it.
type SpendingKey struct {
	seed [32]byte
}

// ViewingKey can detect and decrypt incoming notes and compute their
// nullifiers, but cannot authorize spends.
type ViewingKey struct {
	AuthKey [ed25519.PublicKeySize]byte
	Nk      [32]byte
	Ivk     [32]byte
}

func newBlake2b512() hash.Hash {
	h, _ := blake2b.New512(nil)
	return h
}

// DeriveSpendingKey expands a wallet seed into the spending key of one
// account index.
func DeriveSpendingKey(seed []byte, account uint32) (*SpendingKey, error) {
	if len(seed) < MinSeedSize {
		return nil, ErrSeedTooShort
	}
	var info [4 + 16]byte
	copy(info[:], "JunoLC_Account__")
	binary.LittleEndian.PutUint32(info[16:], account)

	r := hkdf.New(newBlake2b512, seed, []byte("JunoLC_SeedSalt"), info[:])
	sk := &SpendingKey{}
	if _, err := io.ReadFull(r, sk.seed[:]); err != nil {
		return nil, fmt.Errorf("shielded: derive spending key: %w", err)
	}
	return sk, nil
}

func (sk *SpendingKey) prf(tag byte) [32]byte {
	var buf [16 + 32 + 1]byte
	n := copy(buf[:], "JunoLC_ExpandSK_")
	copy(buf[n:], sk.seed[:])
	buf[n+32] = tag
	return blake2b.Sum256(buf[:])
}

func (sk *SpendingKey) authPrivate() ed25519.PrivateKey {
	s := sk.prf(0)
	return ed25519.NewKeyFromSeed(s[:])
}

func (sk *SpendingKey) ViewingKey() *ViewingKey {
	vk := &ViewingKey{
		Nk:  sk.prf(1),
		Ivk: sk.prf(2),
	}
	pub := sk.authPrivate().Public().(ed25519.PublicKey)
	copy(vk.AuthKey[:], pub)
	return vk
}

// Sign authorizes a spend over the transaction sighash.
func (sk *SpendingKey) Sign(sighash []byte) []byte {
	return ed25519.Sign(sk.authPrivate(), sighash)
}

func (vk *ViewingKey) Address() Address {
	var a Address
	pk, err := curve25519.X25519(vk.Ivk[:], curve25519.Basepoint)
	if err != nil {
		// X25519 with the base point cannot produce the all-zero output.
		panic(err)
	}
	copy(a[:], pk)
	return a
}

// Nullifier binds a note commitment to its tree position under this key.
func (vk *ViewingKey) Nullifier(cm commitmenttree.Node, position uint64) chain.Nullifier {
	var buf [16 + 32 + 32 + 8]byte
	n := copy(buf[:], "JunoLC_Nullifier")
	n += copy(buf[n:], vk.Nk[:])
	n += copy(buf[n:], cm[:])
	binary.LittleEndian.PutUint64(buf[n:], position)
	return chain.Nullifier(blake2b.Sum256(buf[:]))
}

func (vk *ViewingKey) bytes() []byte {
	out := make([]byte, 0, 96)
	out = append(out, vk.AuthKey[:]...)
	out = append(out, vk.Nk[:]...)
	out = append(out, vk.Ivk[:]...)
	return out
}

func viewingKeyFromBytes(b []byte) (*ViewingKey, error) {
	if len(b) != 96 {
		return nil, fmt.Errorf("shielded: viewing key length %d", len(b))
	}
	vk := &ViewingKey{}
	copy(vk.AuthKey[:], b[:32])
	copy(vk.Nk[:], b[32:64])
	copy(vk.Ivk[:], b[64:])
	return vk, nil
}
