package chain

import (
	"fmt"
	"strings"
)

// Params are the network constants the light client needs.
type Params struct {
	Name       string
	AddressHRP string
	// KeyPrefix tags encoded viewing and spending keys so keys from one
	// network are rejected on another.
	KeyPrefix string
}

var (
	Mainnet = Params{Name: "mainnet", AddressHRP: "js", KeyPrefix: "main"}
	Testnet = Params{Name: "testnet", AddressHRP: "jtestsapling", KeyPrefix: "test"}
	Regtest = Params{Name: "regtest", AddressHRP: "jregtestsapling", KeyPrefix: "regtest"}
)

func ParamsFor(name string) (Params, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "regtest":
		return Regtest, nil
	case "testnet", "test":
		return Testnet, nil
	case "mainnet", "main":
		return Mainnet, nil
	default:
		return Params{}, fmt.Errorf("chain: unknown network %q", name)
	}
}
