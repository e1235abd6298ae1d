// Package errs defines the typed failures surfaced by the sync core.
//
// Every failure carries a Code so callers can decide whether to retry, rewind
// or abort without string matching. Use errors.Is against the exported
// sentinels, or errors.As to reach the height, account or note id context.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorCode string

const (
	CodeStoreInit             ErrorCode = "store_init"
	CodeChainDiscontinuity    ErrorCode = "chain_discontinuity"
	CodeTreeStateUnavailable  ErrorCode = "tree_state_unavailable"
	CodeRewindImpossible      ErrorCode = "rewind_impossible"
	CodeInsufficientFunds     ErrorCode = "insufficient_funds"
	CodeProofGenerationFailed ErrorCode = "proof_generation_failed"
	CodeParametersMissing     ErrorCode = "parameters_missing"
	CodeNoteConflict          ErrorCode = "note_conflict"
	CodeTreeRootMismatch      ErrorCode = "tree_root_mismatch"
	CodeWatermarkMoved        ErrorCode = "watermark_moved"
)

var (
	ErrStoreInit             = &Error{Code: CodeStoreInit}
	ErrChainDiscontinuity    = &Error{Code: CodeChainDiscontinuity}
	ErrTreeStateUnavailable  = &Error{Code: CodeTreeStateUnavailable}
	ErrRewindImpossible      = &Error{Code: CodeRewindImpossible}
	ErrInsufficientFunds     = &Error{Code: CodeInsufficientFunds}
	ErrProofGenerationFailed = &Error{Code: CodeProofGenerationFailed}
	ErrParametersMissing     = &Error{Code: CodeParametersMissing}
	ErrNoteConflict          = &Error{Code: CodeNoteConflict}
	ErrTreeRootMismatch      = &Error{Code: CodeTreeRootMismatch}
	ErrWatermarkMoved        = &Error{Code: CodeWatermarkMoved}
)

// Error is a coded failure. Height, Account and NoteID are set when the
// failing operation is tied to one of them; zero-valued pointers mean unknown.
type Error struct {
	Code    ErrorCode
	Height  *int64
	Account *uint32
	NoteID  *int64
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Height != nil {
		fmt.Fprintf(&b, " height=%d", *e.Height)
	}
	if e.Account != nil {
		fmt.Fprintf(&b, " account=%d", *e.Account)
	}
	if e.NoteID != nil {
		fmt.Fprintf(&b, " note=%d", *e.NoteID)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so the package sentinels work
// with errors.Is regardless of the attached context.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func Discontinuity(height int64, msg string) *Error {
	return &Error{Code: CodeChainDiscontinuity, Height: &height, Msg: msg}
}

func StoreInit(msg string, err error) *Error {
	return &Error{Code: CodeStoreInit, Msg: msg, Err: err}
}

func TreeStateUnavailable(height int64, msg string) *Error {
	return &Error{Code: CodeTreeStateUnavailable, Height: &height, Msg: msg}
}

func RewindImpossible(height int64, msg string) *Error {
	return &Error{Code: CodeRewindImpossible, Height: &height, Msg: msg}
}

func InsufficientFunds(account uint32, required, available uint64) *Error {
	return &Error{
		Code:    CodeInsufficientFunds,
		Account: &account,
		Msg:     fmt.Sprintf("required %d available %d", required, available),
	}
}

func ProofGenerationFailed(account uint32, msg string, err error) *Error {
	return &Error{Code: CodeProofGenerationFailed, Account: &account, Msg: msg, Err: err}
}

func ParametersMissing(msg string, err error) *Error {
	return &Error{Code: CodeParametersMissing, Msg: msg, Err: err}
}

func NoteConflict(noteID int64) *Error {
	return &Error{Code: CodeNoteConflict, NoteID: &noteID, Msg: "note already spent"}
}

func TreeRootMismatch(height int64, msg string) *Error {
	return &Error{Code: CodeTreeRootMismatch, Height: &height, Msg: msg}
}

// WatermarkMoved reports a block commit that found the watermark changed
// under it, typically by a concurrent rewind.
func WatermarkMoved(height, want, got int64) *Error {
	return &Error{Code: CodeWatermarkMoved, Height: &height, Msg: fmt.Sprintf("expected watermark %d, store has %d", want, got)}
}

// HeightOf returns the height attached to a coded error, if any.
func HeightOf(err error) (int64, bool) {
	var e *Error
	if !errors.As(err, &e) || e.Height == nil {
		return 0, false
	}
	return *e.Height, true
}

// CodeOf returns the code of a coded error, or "" for anything else.
func CodeOf(err error) ErrorCode {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Code
}
