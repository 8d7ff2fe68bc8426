package socks5

import (
	"fmt"
	"io"
)

// AppendGreeting appends a greeting {5, n, methods} offering methods.
func AppendGreeting(b []byte, methods ...byte) ([]byte, error) {
	if len(methods) == 0 || len(methods) > 255 {
		return b, fmt.Errorf("%w: %d methods", ErrBadLength, len(methods))
	}
	b = append(b, Version, byte(len(methods)))
	return append(b, methods...), nil
}

// ReadMethodSelection reads the server's {5, method} answer to a greeting.
func ReadMethodSelection(r io.Reader) (byte, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	if buf[0] != Version {
		return 0, fmt.Errorf("%w: method selection version %d", ErrBadVersion, buf[0])
	}
	return buf[1], nil
}

// Credentials are a username/password pair for RFC 1929 authentication.
type Credentials struct {
	Username string
	Password string
}

// Empty reports whether no username is set.
func (c Credentials) Empty() bool {
	return c.Username == ""
}

// AppendUserPass appends {1, ulen, uname, plen, passwd}. Both fields must
// be 1 to 255 bytes long.
func AppendUserPass(b []byte, c Credentials) ([]byte, error) {
	if len(c.Username) == 0 || len(c.Username) > 255 {
		return b, fmt.Errorf("%w: username length %d", ErrBadLength, len(c.Username))
	}
	if len(c.Password) == 0 || len(c.Password) > 255 {
		return b, fmt.Errorf("%w: password length %d", ErrBadLength, len(c.Password))
	}
	b = append(b, UserPassVersion, byte(len(c.Username)))
	b = append(b, c.Username...)
	b = append(b, byte(len(c.Password)))
	return append(b, c.Password...), nil
}

// ReadUserPassStatus reads the server's {1, status} answer to credentials.
func ReadUserPassStatus(r io.Reader) (byte, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	if buf[0] != UserPassVersion {
		return 0, fmt.Errorf("%w: userpass status version %d", ErrBadVersion, buf[0])
	}
	return buf[1], nil
}

// AppendRequest appends a request {5, cmd, 0, dst}.
func AppendRequest(b []byte, cmd byte, dst Addr) ([]byte, error) {
	b = append(b, Version, cmd, 0x00)
	return dst.AppendTo(b)
}
