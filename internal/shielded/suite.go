// Package shielded implements the wallet-side cryptography: key derivation,
// addresses, note encryption and trial decryption, nullifiers and spend
// authorization. Proof generation lives behind the prover package.
package shielded

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/Abdullah1738/juno-lightclient/internal/chain"
	"github.com/btcsuite/btcutil/bech32"
)

// Suite binds the key and address encodings to one network.
type Suite struct {
	params chain.Params
}

func NewSuite(params chain.Params) *Suite {
	return &Suite{params: params}
}

func (s *Suite) Params() chain.Params { return s.params }

func (s *Suite) spendingPrefix() string { return "secret-key-" + s.params.KeyPrefix + ":" }

func (s *Suite) viewingPrefix() string { return "viewing-key-" + s.params.KeyPrefix + ":" }

func (s *Suite) DeriveSpendingKey(seed []byte, account uint32) (*SpendingKey, error) {
	return DeriveSpendingKey(seed, account)
}

func (s *Suite) EncodeSpendingKey(sk *SpendingKey) string {
	return s.spendingPrefix() + hex.EncodeToString(sk.seed[:])
}

func (s *Suite) ParseSpendingKey(v string) (*SpendingKey, error) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(v), s.spendingPrefix())
	if !ok {
		return nil, fmt.Errorf("shielded: spending key is not for %s", s.params.Name)
	}
	b, err := hex.DecodeString(raw)
	if err != nil || len(b) != 32 {
		return nil, fmt.Errorf("shielded: invalid spending key")
	}
	sk := &SpendingKey{}
	copy(sk.seed[:], b)
	return sk, nil
}

func (s *Suite) EncodeViewingKey(vk *ViewingKey) string {
	return s.viewingPrefix() + hex.EncodeToString(vk.bytes())
}

func (s *Suite) ParseViewingKey(v string) (*ViewingKey, error) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(v), s.viewingPrefix())
	if !ok {
		return nil, fmt.Errorf("shielded: viewing key is not for %s", s.params.Name)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("shielded: invalid viewing key: %w", err)
	}
	return viewingKeyFromBytes(b)
}

func (s *Suite) EncodeAddress(a Address) (string, error) {
	data, err := bech32.ConvertBits(a[:], 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("shielded: encode address: %w", err)
	}
	out, err := bech32.Encode(s.params.AddressHRP, data)
	if err != nil {
		return "", fmt.Errorf("shielded: encode address: %w", err)
	}
	return out, nil
}

func (s *Suite) ParseAddress(v string) (Address, error) {
	var a Address
	hrp, data, err := bech32.Decode(strings.TrimSpace(v))
	if err != nil {
		return a, fmt.Errorf("%w: %v", ErrRecipientInvalid, err)
	}
	if hrp != s.params.AddressHRP {
		return a, fmt.Errorf("%w: hrp %q, want %q", ErrRecipientInvalid, hrp, s.params.AddressHRP)
	}
	b, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return a, fmt.Errorf("%w: %v", ErrRecipientInvalid, err)
	}
	if len(b) != len(a) {
		return a, fmt.Errorf("%w: length %d", ErrRecipientInvalid, len(b))
	}
	copy(a[:], b)
	return a, nil
}

// TrialDecrypt lets the Suite serve as the scanner's decryptor.
func (s *Suite) TrialDecrypt(vk *ViewingKey, out chain.CompactOutput) (Note, bool) {
	return vk.TrialDecrypt(out)
}
