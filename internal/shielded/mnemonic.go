package shielded

import (
	"errors"

	"github.com/tyler-smith/go-bip39"
)

var ErrMnemonicInvalid = errors.New("shielded: invalid mnemonic")

func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// SeedFromMnemonic turns a BIP-39 phrase into the wallet seed.
func SeedFromMnemonic(mnemonic, passphrase string) ([]byte, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrMnemonicInvalid
	}
	return bip39.NewSeed(mnemonic, passphrase), nil
}
