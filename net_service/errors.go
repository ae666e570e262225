package net_service

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"

	"github.com/quic-go/quic-go"
)

type TransportErrorCode int

const (
	Unreachable TransportErrorCode = iota + 1
	Timeout
	HandshakeFailed
)

var (
	ErrUnreachable     = &TransportError{Code: Unreachable}
	ErrTimeout         = &TransportError{Code: Timeout}
	ErrHandshakeFailed = &TransportError{Code: HandshakeFailed}
)

type TransportError struct {
	Code TransportErrorCode
	Kind Kind
	Err  error
}

func (e *TransportError) Error() string {
	var msg string
	switch e.Code {
	case Unreachable:
		msg = "unreachable"
	case Timeout:
		msg = "timeout"
	case HandshakeFailed:
		msg = "handshake failed"
	default:
		msg = "unknown error (" + strconv.Itoa(int(e.Code)) + ")"
	}
	if e.Kind != 0 {
		msg = e.Kind.String() + " " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return "transport: " + msg
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	t, ok := target.(*TransportError)
	return ok && t.Code == e.Code
}

// classify maps a dial or handshake error onto a transport error.
func classify(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var terr *TransportError
	if errors.As(err, &terr) {
		if terr.Kind == 0 {
			terr.Kind = kind
		}
		return terr
	}

	var idle *quic.IdleTimeoutError
	var hs *quic.HandshakeTimeoutError
	var nerr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.As(err, &idle),
		errors.As(err, &hs):
		return &TransportError{Code: Timeout, Kind: kind, Err: err}
	case errors.As(err, &nerr) && nerr.Timeout():
		return &TransportError{Code: Timeout, Kind: kind, Err: err}
	default:
		return &TransportError{Code: Unreachable, Kind: kind, Err: err}
	}
}
