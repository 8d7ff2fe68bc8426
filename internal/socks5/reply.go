package socks5

import (
	"fmt"
	"io"
)

const (
	Version         byte = 0x05
	UserPassVersion byte = 0x01
)

// Authentication methods.
const (
	MethodNone         byte = 0x00
	MethodUserPass     byte = 0x02
	MethodNoAcceptable byte = 0xff
)

// Request commands.
const (
	CmdConnect      byte = 0x01
	CmdBind         byte = 0x02
	CmdUDPAssociate byte = 0x03

	// CmdUDPForward is a non-standard command that carries UDP datagrams
	// inline on the TCP control connection.
	CmdUDPForward byte = 0x05
)

// Username/password sub-negotiation status.
const (
	UserPassSuccess byte = 0x00
	UserPassFailure byte = 0x01
)

// Reply codes.
const (
	RepSuccess              byte = 0x00
	RepGeneralFailure       byte = 0x01
	RepNotAllowed           byte = 0x02
	RepNetworkUnreachable   byte = 0x03
	RepHostUnreachable      byte = 0x04
	RepConnectionRefused    byte = 0x05
	RepTTLExpired           byte = 0x06
	RepCommandNotSupported  byte = 0x07
	RepAddrTypeNotSupported byte = 0x08
)

// ReplyText returns a human readable description of a reply code.
func ReplyText(code byte) string {
	switch code {
	case RepSuccess:
		return "succeeded"
	case RepGeneralFailure:
		return "general SOCKS server failure"
	case RepNotAllowed:
		return "connection not allowed by ruleset"
	case RepNetworkUnreachable:
		return "network unreachable"
	case RepHostUnreachable:
		return "host unreachable"
	case RepConnectionRefused:
		return "connection refused"
	case RepTTLExpired:
		return "TTL expired"
	case RepCommandNotSupported:
		return "command not supported"
	case RepAddrTypeNotSupported:
		return "address type not supported"
	default:
		return fmt.Sprintf("unknown reply code %d", code)
	}
}

// Reply is a server's answer to a request.
type Reply struct {
	Code byte
	Addr Addr
}

// AppendReply appends a reply frame {5, code, 0, bound} to b.
func AppendReply(b []byte, code byte, bound Addr) ([]byte, error) {
	b = append(b, Version, code, 0x00)
	return bound.AppendTo(b)
}

// ReadReply reads a reply frame from r.
func ReadReply(r io.Reader) (Reply, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Reply{}, err
	}
	if hdr[0] != Version {
		return Reply{}, fmt.Errorf("%w: reply version %d", ErrBadVersion, hdr[0])
	}

	a, err := ReadAddr(r)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Code: hdr[1], Addr: a}, nil
}

// WriteReply writes a reply with the given bound address in a single write.
func WriteReply(w io.Writer, code byte, bound Addr) error {
	b, err := AppendReply(make([]byte, 0, 3+maxAddrLen), code, bound)
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

// WriteFailureReply writes a reply carrying code and the zero address of the
// session's family.
func WriteFailureReply(w io.Writer, code byte, ipv6 bool) error {
	return WriteReply(w, code, ZeroAddr(ipv6))
}
