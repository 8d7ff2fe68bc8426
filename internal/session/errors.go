package session

import (
	"errors"
	"fmt"

	"github.com/die-net/s5tunnel/internal/socks5"
)

var (
	ErrAuthFailure        = errors.New("socks5: authentication failed")
	ErrNoAcceptableMethod = errors.New("socks5: no acceptable authentication method")
	ErrUnexpectedMethod   = errors.New("socks5: server selected a method that was not offered")
)

// ReplyError is a request rejected with a SOCKS5 reply code.
type ReplyError struct {
	Code byte
	Err  error
}

func (e *ReplyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("socks5: %s: %v", socks5.ReplyText(e.Code), e.Err)
	}
	return "socks5: " + socks5.ReplyText(e.Code)
}

func (e *ReplyError) Unwrap() error {
	return e.Err
}

// ReplyCode returns the reply code carried by err, if any.
func ReplyCode(err error) (byte, bool) {
	var re *ReplyError
	if errors.As(err, &re) {
		return re.Code, true
	}
	return 0, false
}

// failureReason classifies a handshake error for metrics.
func failureReason(err error) string {
	var re *ReplyError
	switch {
	case errors.Is(err, ErrAuthFailure):
		return "auth"
	case errors.Is(err, ErrNoAcceptableMethod), errors.Is(err, ErrUnexpectedMethod):
		return "method"
	case errors.As(err, &re):
		switch re.Code {
		case socks5.RepCommandNotSupported:
			return "command"
		case socks5.RepAddrTypeNotSupported:
			return "address_type"
		case socks5.RepHostUnreachable:
			return "unreachable"
		default:
			return "failure"
		}
	case socks5.IsProtocolViolation(err):
		return "protocol"
	default:
		return "io"
	}
}
