package testutil

import (
	"bytes"

	"github.com/Abdullah1738/juno-lightclient/internal/chain"
	"github.com/Abdullah1738/juno-lightclient/internal/shielded"
	"github.com/Abdullah1738/juno-lightclient/internal/store"
)

// Seed is a fixed wallet seed.
func Seed(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

// Account derives account index from seed on the regtest network and returns
// the row the wallet would store together with its spending key.
func Account(seed []byte, index uint32, birthday int64) (store.Account, *shielded.SpendingKey) {
	s := shielded.NewSuite(chain.Regtest)
	sk, err := s.DeriveSpendingKey(seed, index)
	if err != nil {
		panic(err)
	}
	vk := sk.ViewingKey()
	addr, err := s.EncodeAddress(vk.Address())
	if err != nil {
		panic(err)
	}
	return store.Account{
		Index:          index,
		ViewingKey:     s.EncodeViewingKey(vk),
		Address:        addr,
		BirthdayHeight: birthday,
	}, sk
}
