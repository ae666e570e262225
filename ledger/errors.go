package ledger

import (
	"errors"
	"strconv"
)

type ProtocolErrorCode int

const (
	SeqGap ProtocolErrorCode = iota + 1
	HashMismatch
	BadSignature
	DuplicateGenesis
)

// ErrDuplicate reports a byte-identical record that is already stored.
// It is not a protocol error: the caller re-acknowledges and moves on.
var ErrDuplicate = errors.New("ledger: duplicate record")

var (
	ErrSeqGap           = &ProtocolError{Code: SeqGap}
	ErrHashMismatch     = &ProtocolError{Code: HashMismatch}
	ErrBadSignature     = &ProtocolError{Code: BadSignature}
	ErrDuplicateGenesis = &ProtocolError{Code: DuplicateGenesis}
)

type ProtocolError struct {
	Code     ProtocolErrorCode
	Seq      uint64
	Expected uint64 //next acceptable seq, meaningful for SeqGap
	Text     string
}

func (e *ProtocolError) Error() string {
	var msg string
	switch e.Code {
	case SeqGap:
		msg = "sequence gap (got " + strconv.FormatUint(e.Seq, 10) + ", expected " + strconv.FormatUint(e.Expected, 10) + ")"
	case HashMismatch:
		msg = "hash mismatch at seq " + strconv.FormatUint(e.Seq, 10)
	case BadSignature:
		msg = "bad signature at seq " + strconv.FormatUint(e.Seq, 10)
	case DuplicateGenesis:
		msg = "conflicting genesis record"
	default:
		msg = "unknown error (" + strconv.Itoa(int(e.Code)) + ")"
	}
	if e.Text != "" {
		msg += ": " + e.Text
	}
	return "ledger protocol error: " + msg
}

// Fatal is false only for SeqGap, which is recovered by a resend request.
func (e *ProtocolError) Fatal() bool {
	return e.Code != SeqGap
}

func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	return ok && t.Code == e.Code
}

// IsFatal reports whether err is a protocol error that must end the session.
func IsFatal(err error) bool {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr.Fatal()
	}
	return false
}
