package shielded

import (
	"bytes"
	"fmt"
	"unicode/utf8"
)

const MemoSize = 512

// Memo is the fixed-size memo field of a note.
//
// A first byte <= 0xF4 means UTF-8 text padded with zeros, 0xF6 means no
// memo. Anything else is arbitrary data that must be kept as-is.
type Memo [MemoSize]byte

const (
	memoTextMax = 0xF4
	memoEmpty   = 0xF6
)

func EmptyMemo() Memo {
	var m Memo
	m[0] = memoEmpty
	return m
}

func NewTextMemo(s string) (Memo, error) {
	if !utf8.ValidString(s) {
		return Memo{}, fmt.Errorf("shielded: memo is not valid utf-8")
	}
	if s == "" {
		return EmptyMemo(), nil
	}
	return NewMemo([]byte(s))
}

// NewMemo pads raw memo bytes; it does not interpret them.
func NewMemo(raw []byte) (Memo, error) {
	var m Memo
	if len(raw) > MemoSize {
		return m, fmt.Errorf("shielded: memo too long: %d > %d", len(raw), MemoSize)
	}
	if len(raw) == 0 {
		return EmptyMemo(), nil
	}
	copy(m[:], raw)
	return m, nil
}

// Bytes returns the memo without zero padding, or nil for the empty memo.
func (m Memo) Bytes() []byte {
	if m[0] == memoEmpty && allZero(m[1:]) {
		return nil
	}
	return bytes.TrimRight(m[:], "\x00")
}

// MemoText interprets stored memo bytes as text. ok is false for binary or
// non-UTF-8 memos; the caller still has the raw bytes.
func MemoText(raw []byte) (string, bool) {
	if len(raw) == 0 {
		return "", true
	}
	if raw[0] > memoTextMax {
		return "", false
	}
	raw = bytes.TrimRight(raw, "\x00")
	if !utf8.Valid(raw) {
		return "", false
	}
	return string(raw), true
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
