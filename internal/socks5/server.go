package socks5

import (
	"fmt"
	"io"
	"slices"
)

// Greeting is the client's list of offered authentication methods.
type Greeting struct {
	Methods []byte
}

// Offers reports whether the client offered method m.
func (g Greeting) Offers(m byte) bool {
	return slices.Contains(g.Methods, m)
}

// ReadGreeting reads {5, n, methods} from r.
func ReadGreeting(r io.Reader) (Greeting, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Greeting{}, err
	}
	if hdr[0] != Version {
		return Greeting{}, fmt.Errorf("%w: greeting version %d", ErrBadVersion, hdr[0])
	}

	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(r, methods); err != nil {
		return Greeting{}, err
	}
	return Greeting{Methods: methods}, nil
}

// AppendMethodSelection appends {5, m}.
func AppendMethodSelection(b []byte, m byte) []byte {
	return append(b, Version, m)
}

// WriteMethodSelection writes {5, m} to w.
func WriteMethodSelection(w io.Writer, m byte) error {
	if _, err := w.Write(AppendMethodSelection(nil, m)); err != nil {
		return fmt.Errorf("write method selection: %w", err)
	}
	return nil
}

// ReadUserPass reads {1, ulen, uname, plen, passwd} from r. The whole frame
// is consumed before an empty username or password is rejected.
func ReadUserPass(r io.Reader) (Credentials, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Credentials{}, err
	}
	if hdr[0] != UserPassVersion {
		return Credentials{}, fmt.Errorf("%w: userpass version %d", ErrBadVersion, hdr[0])
	}

	uname := make([]byte, hdr[1])
	if _, err := io.ReadFull(r, uname); err != nil {
		return Credentials{}, err
	}
	if _, err := io.ReadFull(r, hdr[:1]); err != nil {
		return Credentials{}, err
	}
	passwd := make([]byte, hdr[0])
	if _, err := io.ReadFull(r, passwd); err != nil {
		return Credentials{}, err
	}

	if len(uname) == 0 || len(passwd) == 0 {
		return Credentials{}, fmt.Errorf("%w: empty username or password", ErrBadLength)
	}
	return Credentials{Username: string(uname), Password: string(passwd)}, nil
}

// AppendUserPassStatus appends {1, status}.
func AppendUserPassStatus(b []byte, status byte) []byte {
	return append(b, UserPassVersion, status)
}

// WriteUserPassStatus writes {1, status} to w.
func WriteUserPassStatus(w io.Writer, status byte) error {
	if _, err := w.Write(AppendUserPassStatus(nil, status)); err != nil {
		return fmt.Errorf("write userpass status: %w", err)
	}
	return nil
}

// Request is a client's command and destination.
type Request struct {
	Command byte
	Addr    Addr
}

// ReadRequest reads {5, cmd, 0, addr} from r. The command is returned as
// sent; deciding whether it is supported is up to the caller.
func ReadRequest(r io.Reader) (Request, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Request{}, err
	}
	req := Request{Command: hdr[1]}
	if hdr[0] != Version {
		return req, fmt.Errorf("%w: request version %d", ErrBadVersion, hdr[0])
	}

	a, err := ReadAddr(r)
	if err != nil {
		return req, err
	}
	req.Addr = a
	return req, nil
}
