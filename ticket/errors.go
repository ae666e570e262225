package ticket

import "strconv"

type TicketErrorCode int

const (
	Expired TicketErrorCode = iota + 1
	Malformed
	Unreachable
)

var (
	ErrExpired     = &TicketError{Code: Expired}
	ErrMalformed   = &TicketError{Code: Malformed}
	ErrUnreachable = &TicketError{Code: Unreachable}
)

type TicketError struct {
	Code TicketErrorCode
	Err  error
}

func (e *TicketError) Error() string {
	var msg string
	switch e.Code {
	case Expired:
		msg = "expired"
	case Malformed:
		msg = "malformed"
	case Unreachable:
		msg = "unreachable"
	default:
		msg = "unknown error (" + strconv.Itoa(int(e.Code)) + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return "ticket " + msg
}

func (e *TicketError) Unwrap() error {
	return e.Err
}

func (e *TicketError) Is(target error) bool {
	t, ok := target.(*TicketError)
	return ok && t.Code == e.Code
}
