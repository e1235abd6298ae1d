package commitmenttree

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

func EncodeFrontier(f Frontier) ([]byte, error) {
	b, err := msgpack.Marshal(&f)
	if err != nil {
		return nil, fmt.Errorf("commitmenttree: encode frontier: %w", err)
	}
	return b, nil
}

func DecodeFrontier(b []byte) (Frontier, error) {
	var f Frontier
	if err := msgpack.Unmarshal(b, &f); err != nil {
		return Frontier{}, fmt.Errorf("commitmenttree: decode frontier: %w", err)
	}
	if f.Size > uint64(1)<<Depth {
		return Frontier{}, fmt.Errorf("commitmenttree: decode frontier: size %d out of range", f.Size)
	}
	return f, nil
}

// ParseFrontierHex decodes the hex tree state handed over at initialization.
// An empty string is the empty tree.
func ParseFrontierHex(s string) (Frontier, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "00" {
		return Frontier{}, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Frontier{}, fmt.Errorf("commitmenttree: tree state hex: %w", err)
	}
	return DecodeFrontier(b)
}

func FrontierHex(f Frontier) (string, error) {
	b, err := EncodeFrontier(f)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func EncodeWitness(w Witness) ([]byte, error) {
	b, err := msgpack.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("commitmenttree: encode witness: %w", err)
	}
	return b, nil
}

func DecodeWitness(b []byte) (Witness, error) {
	var w Witness
	if err := msgpack.Unmarshal(b, &w); err != nil {
		return Witness{}, fmt.Errorf("commitmenttree: decode witness: %w", err)
	}
	return w, nil
}
