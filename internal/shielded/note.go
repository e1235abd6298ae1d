package shielded

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/Abdullah1738/juno-lightclient/internal/chain"
	"github.com/Abdullah1738/juno-lightclient/internal/commitmenttree"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

const (
	notePlaintextSize  = 8 + 32 + MemoSize
	NoteCiphertextSize = notePlaintextSize + chacha20poly1305.Overhead
)

var ErrRecipientInvalid = errors.New("shielded: invalid recipient address")

// Note is a decrypted shielded output.
type Note struct {
	Value     uint64
	Rseed     [32]byte
	Recipient Address
	Memo      Memo
}

func (n Note) Commitment() commitmenttree.Node {
	var buf [17 + 32 + 8 + 32]byte
	i := copy(buf[:], "JunoLC_NoteCommit")
	i += copy(buf[i:], n.Recipient[:])
	binary.LittleEndian.PutUint64(buf[i:], n.Value)
	i += 8
	copy(buf[i:], n.Rseed[:])
	return commitmenttree.Node(blake2b.Sum256(buf[:]))
}

func (n Note) plaintext() []byte {
	out := make([]byte, notePlaintextSize)
	binary.LittleEndian.PutUint64(out, n.Value)
	copy(out[8:], n.Rseed[:])
	copy(out[40:], n.Memo[:])
	return out
}

func noteKey(shared, epk []byte) []byte {
	var buf [14 + 32 + 32]byte
	i := copy(buf[:], "JunoLC_NoteKDF")
	i += copy(buf[i:], shared)
	copy(buf[i:], epk)
	k := blake2b.Sum256(buf[:])
	return k[:]
}

// NewNote draws a fresh rseed for a note to recipient.
func NewNote(rand io.Reader, to Address, value uint64, memo Memo) (Note, error) {
	n := Note{Value: value, Recipient: to, Memo: memo}
	if _, err := io.ReadFull(rand, n.Rseed[:]); err != nil {
		return Note{}, fmt.Errorf("shielded: note rseed: %w", err)
	}
	return n, nil
}

// EncryptNote produces the on-chain output for n using a fresh ephemeral key.
func EncryptNote(rand io.Reader, n Note) (chain.CompactOutput, error) {
	var esk [32]byte
	if _, err := io.ReadFull(rand, esk[:]); err != nil {
		return chain.CompactOutput{}, fmt.Errorf("shielded: ephemeral key: %w", err)
	}
	epk, err := curve25519.X25519(esk[:], curve25519.Basepoint)
	if err != nil {
		return chain.CompactOutput{}, fmt.Errorf("shielded: ephemeral key: %w", err)
	}
	shared, err := curve25519.X25519(esk[:], n.Recipient[:])
	if err != nil {
		return chain.CompactOutput{}, ErrRecipientInvalid
	}

	aead, err := chacha20poly1305.New(noteKey(shared, epk))
	if err != nil {
		return chain.CompactOutput{}, fmt.Errorf("shielded: note cipher: %w", err)
	}
	// The key is unique per ephemeral key, so a zero nonce is never reused.
	nonce := make([]byte, aead.NonceSize())

	out := chain.CompactOutput{
		Commitment: n.Commitment(),
		Ciphertext: aead.Seal(nil, nonce, n.plaintext(), nil),
	}
	copy(out.EphemeralKey[:], epk)
	return out, nil
}

// TrialDecrypt attempts to open out with vk. The recovered note must
// reproduce the output's commitment.
func (vk *ViewingKey) TrialDecrypt(out chain.CompactOutput) (Note, bool) {
	if len(out.Ciphertext) != NoteCiphertextSize {
		return Note{}, false
	}
	shared, err := curve25519.X25519(vk.Ivk[:], out.EphemeralKey[:])
	if err != nil {
		return Note{}, false
	}
	aead, err := chacha20poly1305.New(noteKey(shared, out.EphemeralKey[:]))
	if err != nil {
		return Note{}, false
	}
	pt, err := aead.Open(nil, make([]byte, aead.NonceSize()), out.Ciphertext, nil)
	if err != nil {
		return Note{}, false
	}

	n := Note{
		Value:     binary.LittleEndian.Uint64(pt),
		Recipient: vk.Address(),
	}
	copy(n.Rseed[:], pt[8:40])
	copy(n.Memo[:], pt[40:])
	if n.Commitment() != commitmenttree.Node(out.Commitment) {
		return Note{}, false
	}
	return n, true
}
