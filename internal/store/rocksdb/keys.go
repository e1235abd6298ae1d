package rocksdb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/cockroachdb/pebble"
)

var (
	accountPrefix       = []byte("a/")
	blockPrefix         = []byte("b/")
	treeStatePrefix     = []byte("ts/")
	witnessPrefix       = []byte("w/")
	notePrefix          = []byte("n/")
	noteHeightPrefix    = []byte("nh/")
	accountNotePrefix   = []byte("na/")
	nullifierPrefix     = []byte("nn/")
	noteSpentPrefix     = []byte("ns/")
	txPrefix            = []byte("t/")
	txIDPrefix          = []byte("ti/")
	txMinedHeightPrefix = []byte("tm/")
	sentNotePrefix      = []byte("s/")
	eventPrefix         = []byte("e/")
	eventHeightPrefix   = []byte("eh/")
	eventSeqPrefix      = []byte("es/")
	metaPrefix          = []byte("m/")
)

// reader is satisfied by both *pebble.DB and an indexed *pebble.Batch, so
// lookups read the same way inside and outside a transaction.
type reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

func prefixUpperBound(prefix []byte) []byte {
	out := append([]byte{}, prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return []byte{0xFF}
}

func keyMeta(name string) []byte {
	b := make([]byte, 0, len(metaPrefix)+len(name))
	b = append(b, metaPrefix...)
	b = append(b, name...)
	return b
}

func keyFixed20(prefix []byte, n uint64) []byte {
	b := make([]byte, 0, len(prefix)+20)
	b = append(b, prefix...)
	b = appendUint64Fixed20(b, n)
	return b
}

func keyFixed20Pair(prefix []byte, a, c uint64) []byte {
	b := make([]byte, 0, len(prefix)+41)
	b = append(b, prefix...)
	b = appendUint64Fixed20(b, a)
	b = append(b, '/')
	b = appendUint64Fixed20(b, c)
	return b
}

func keyAccount(index uint32) []byte { return keyFixed20(accountPrefix, uint64(index)) }

func keyBlock(height int64) []byte { return keyFixed20(blockPrefix, uint64(height)) }

func keyTreeState(height int64) []byte { return keyFixed20(treeStatePrefix, uint64(height)) }

func keyWitness(height int64, position uint64) []byte {
	return keyFixed20Pair(witnessPrefix, uint64(height), position)
}

func keyWitnessHeightPrefix(height int64) []byte {
	return append(keyFixed20(witnessPrefix, uint64(height)), '/')
}

func keyNote(id int64) []byte { return keyFixed20(notePrefix, uint64(id)) }

func keyNoteHeightIndex(height, id int64) []byte {
	return keyFixed20Pair(noteHeightPrefix, uint64(height), uint64(id))
}

func keyAccountNoteIndex(account uint32, id int64) []byte {
	return keyFixed20Pair(accountNotePrefix, uint64(account), uint64(id))
}

func keyAccountNotePrefix(account uint32) []byte {
	return append(keyFixed20(accountNotePrefix, uint64(account)), '/')
}

func keyNullifier(nf []byte) []byte {
	b := make([]byte, 0, len(nullifierPrefix)+len(nf))
	b = append(b, nullifierPrefix...)
	b = append(b, nf...)
	return b
}

func keySpentHeightIndex(height, id int64) []byte {
	return keyFixed20Pair(noteSpentPrefix, uint64(height), uint64(id))
}

func keyTx(txid []byte) []byte {
	b := make([]byte, 0, len(txPrefix)+len(txid))
	b = append(b, txPrefix...)
	b = append(b, txid...)
	return b
}

func keyTxID(id int64) []byte { return keyFixed20(txIDPrefix, uint64(id)) }

func keyTxMinedHeightIndex(height int64, txid []byte) []byte {
	b := keyFixed20(txMinedHeightPrefix, uint64(height))
	b = append(b, '/')
	b = append(b, txid...)
	return b
}

func keySentNote(id int64) []byte { return keyFixed20(sentNotePrefix, uint64(id)) }

func keyEventSeq(account uint32) []byte { return keyFixed20(eventSeqPrefix, uint64(account)) }

func keyEvent(account uint32, id uint64) []byte {
	return keyFixed20Pair(eventPrefix, uint64(account), id)
}

func keyEventPrefix(account uint32) []byte {
	return append(keyFixed20(eventPrefix, uint64(account)), '/')
}

func keyEventHeightIndex(height int64, account uint32, id uint64) []byte {
	b := keyFixed20Pair(eventHeightPrefix, uint64(height), uint64(account))
	b = append(b, '/')
	b = appendUint64Fixed20(b, id)
	return b
}

func keyEventHeightPrefix(height int64, account uint32) []byte {
	return append(keyFixed20Pair(eventHeightPrefix, uint64(height), uint64(account)), '/')
}

func appendUint64Fixed20(dst []byte, n uint64) []byte {
	var buf [20]byte
	for i := 19; i >= 0; i-- {
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return append(dst, buf[:]...)
}

func parseFixed20Int64(b []byte) (int64, error) {
	if len(b) != 20 {
		return 0, errors.New("invalid fixed20")
	}
	n, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0, err
	}
	if n > uint64(^uint64(0)>>1) {
		return 0, errors.New("overflow")
	}
	return int64(n), nil
}

// lastFixed20 parses the trailing fixed-20 component of a key.
func lastFixed20(key []byte) (int64, error) {
	if len(key) < 20 {
		return 0, errors.New("rocksdb: short key")
	}
	return parseFixed20Int64(key[len(key)-20:])
}

// heightOfKey parses the fixed-20 component right after prefix.
func heightOfKey(key, prefix []byte) (int64, error) {
	rest := bytes.TrimPrefix(key, prefix)
	if len(rest) < 20 {
		return 0, errors.New("rocksdb: short key")
	}
	return parseFixed20Int64(rest[:20])
}

func uint64To8(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return b[:]
}

func getUint64(r reader, key []byte) (uint64, bool, error) {
	v, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer closer.Close()
	if len(v) != 8 {
		return 0, false, errors.New("rocksdb: counter corrupt")
	}
	return binary.BigEndian.Uint64(v), true, nil
}

func getValue(r reader, key []byte) ([]byte, bool, error) {
	v, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	out := append([]byte{}, v...)
	_ = closer.Close()
	return out, true, nil
}

func deleteRangeByFixed20(batch *pebble.Batch, prefix []byte, start uint64) error {
	lower := make([]byte, 0, len(prefix)+20)
	lower = append(lower, prefix...)
	lower = appendUint64Fixed20(lower, start)
	upper := prefixUpperBound(prefix)
	if err := batch.DeleteRange(lower, upper, pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: delete range: %w", err)
	}
	return nil
}

// collectKeys returns copies of every key in [lower, upper).
func collectKeys(r reader, lower, upper []byte) ([][]byte, error) {
	iter, err := r.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("rocksdb: iter: %w", err)
	}
	defer iter.Close()

	var out [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		out = append(out, append([]byte{}, iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("rocksdb: iter: %w", err)
	}
	return out, nil
}
