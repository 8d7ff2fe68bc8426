package socks5

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"

	txsocks5 "github.com/txthinking/socks5"
)

// Address types.
const (
	ATYPIPv4   byte = 0x01
	ATYPDomain byte = 0x03
	ATYPIPv6   byte = 0x04
)

const maxAddrLen = 1 + 1 + 255 + 2

// Addr is a SOCKS5 address: an IPv4 or IPv6 literal or a domain name, plus a
// port. The zero value is not valid; use the constructors.
type Addr struct {
	Type byte
	IP   netip.Addr
	Name string
	Port uint16
}

// AddrFromAddrPort returns the IP address form of ap. IPv4-mapped IPv6
// addresses are encoded as IPv4.
func AddrFromAddrPort(ap netip.AddrPort) Addr {
	ip := ap.Addr().Unmap()
	if ip.Is4() {
		return Addr{Type: ATYPIPv4, IP: ip, Port: ap.Port()}
	}
	return Addr{Type: ATYPIPv6, IP: ip.WithZone(""), Port: ap.Port()}
}

// AddrFromNetAddr converts a socket address. Unknown address kinds are
// parsed from their string form.
func AddrFromNetAddr(a net.Addr) (Addr, error) {
	switch a := a.(type) {
	case *net.TCPAddr:
		return AddrFromAddrPort(a.AddrPort()), nil
	case *net.UDPAddr:
		return AddrFromAddrPort(a.AddrPort()), nil
	case nil:
		return Addr{}, fmt.Errorf("%w: nil address", ErrBadAddrType)
	default:
		return ParseAddr(a.String())
	}
}

// DomainAddr returns a domain name address.
func DomainAddr(name string, port uint16) Addr {
	return Addr{Type: ATYPDomain, Name: name, Port: port}
}

// ZeroAddr returns 0.0.0.0:0, or [::]:0 when ipv6 is set. It is used in
// failure replies and in UDP requests where the client address is unknown.
func ZeroAddr(ipv6 bool) Addr {
	if ipv6 {
		return Addr{Type: ATYPIPv6, IP: netip.IPv6Unspecified()}
	}
	return Addr{Type: ATYPIPv4, IP: netip.IPv4Unspecified()}
}

// ParseAddr parses a host:port string. Hosts that are not IP literals become
// domain addresses.
func ParseAddr(hostport string) (Addr, error) {
	_, ps, err := net.SplitHostPort(hostport)
	if err != nil {
		return Addr{}, fmt.Errorf("parse address %q: %w", hostport, err)
	}
	pn, err := strconv.ParseUint(ps, 10, 16)
	if err != nil {
		return Addr{}, fmt.Errorf("parse address %q: port %q: %w", hostport, ps, ErrBadLength)
	}
	p := uint16(pn)

	atyp, host, _, err := txsocks5.ParseAddress(hostport)
	if err != nil {
		return Addr{}, fmt.Errorf("parse address %q: %w", hostport, err)
	}

	switch atyp {
	case ATYPIPv4, ATYPIPv6:
		ip, ok := netip.AddrFromSlice(host)
		if !ok {
			return Addr{}, fmt.Errorf("parse address %q: %w", hostport, ErrBadLength)
		}
		return AddrFromAddrPort(netip.AddrPortFrom(ip, p)), nil
	case ATYPDomain:
		// The domain form carries its length prefix.
		if len(host) < 1 {
			return Addr{}, fmt.Errorf("parse address %q: %w", hostport, ErrTruncated)
		}
		if len(host)-1 > 255 {
			return Addr{}, fmt.Errorf("parse address %q: %w", hostport, ErrNameTooLong)
		}
		return DomainAddr(string(host[1:]), p), nil
	default:
		return Addr{}, fmt.Errorf("parse address %q: %w", hostport, ErrBadAddrType)
	}
}

// IsDomain reports whether a holds a domain name rather than an IP literal.
func (a Addr) IsDomain() bool {
	return a.Type == ATYPDomain
}

// AddrPort returns the IP form of a. It is invalid for domain addresses.
func (a Addr) AddrPort() netip.AddrPort {
	if a.IsDomain() {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(a.IP, a.Port)
}

// Host returns the IP literal or domain name without the port.
func (a Addr) Host() string {
	if a.IsDomain() {
		return a.Name
	}
	return a.IP.String()
}

func (a Addr) String() string {
	return net.JoinHostPort(a.Host(), strconv.Itoa(int(a.Port)))
}

// Len returns the encoded size of a, including the type tag and the port.
func (a Addr) Len() int {
	switch a.Type {
	case ATYPIPv4:
		return 1 + 4 + 2
	case ATYPIPv6:
		return 1 + 16 + 2
	case ATYPDomain:
		return 1 + 1 + len(a.Name) + 2
	default:
		return 0
	}
}

// AppendTo appends the wire encoding of a to b.
func (a Addr) AppendTo(b []byte) ([]byte, error) {
	switch a.Type {
	case ATYPIPv4:
		if !a.IP.Is4() {
			return b, fmt.Errorf("%w: %s is not IPv4", ErrBadAddrType, a.IP)
		}
		ip := a.IP.As4()
		b = append(b, ATYPIPv4)
		b = append(b, ip[:]...)
	case ATYPIPv6:
		if !a.IP.Is6() {
			return b, fmt.Errorf("%w: %s is not IPv6", ErrBadAddrType, a.IP)
		}
		ip := a.IP.As16()
		b = append(b, ATYPIPv6)
		b = append(b, ip[:]...)
	case ATYPDomain:
		if len(a.Name) > 255 {
			return b, ErrNameTooLong
		}
		b = append(b, ATYPDomain, byte(len(a.Name)))
		b = append(b, a.Name...)
	default:
		return b, fmt.Errorf("%w: %d", ErrBadAddrType, a.Type)
	}
	return binary.BigEndian.AppendUint16(b, a.Port), nil
}

// MarshalBinary returns the wire encoding of a.
func (a Addr) MarshalBinary() ([]byte, error) {
	return a.AppendTo(make([]byte, 0, a.Len()))
}

// DecodeAddr decodes an address from the front of b and returns it with the
// number of bytes consumed.
func DecodeAddr(b []byte) (Addr, int, error) {
	if len(b) < 1 {
		return Addr{}, 0, ErrTruncated
	}

	var n int
	switch b[0] {
	case ATYPIPv4:
		n = 1 + 4 + 2
	case ATYPIPv6:
		n = 1 + 16 + 2
	case ATYPDomain:
		if len(b) < 2 {
			return Addr{}, 0, ErrTruncated
		}
		n = 1 + 1 + int(b[1]) + 2
	default:
		return Addr{}, 0, fmt.Errorf("%w: %d", ErrBadAddrType, b[0])
	}
	if len(b) < n {
		return Addr{}, 0, ErrTruncated
	}

	a := Addr{Type: b[0], Port: binary.BigEndian.Uint16(b[n-2 : n])}
	switch a.Type {
	case ATYPIPv4:
		a.IP = netip.AddrFrom4([4]byte(b[1:5]))
	case ATYPIPv6:
		a.IP = netip.AddrFrom16([16]byte(b[1:17]))
	case ATYPDomain:
		a.Name = string(b[2 : n-2])
	}
	return a, n, nil
}

// ReadAddr reads one encoded address from r.
func ReadAddr(r io.Reader) (Addr, error) {
	var buf [maxAddrLen]byte

	if _, err := io.ReadFull(r, buf[:1]); err != nil {
		return Addr{}, err
	}

	var rest int
	switch buf[0] {
	case ATYPIPv4:
		rest = 4 + 2
	case ATYPIPv6:
		rest = 16 + 2
	case ATYPDomain:
		if _, err := io.ReadFull(r, buf[1:2]); err != nil {
			return Addr{}, err
		}
		rest = 1 + int(buf[1]) + 2
	default:
		return Addr{}, fmt.Errorf("%w: %d", ErrBadAddrType, buf[0])
	}

	// The domain length byte, if any, was already read into buf[1].
	start := 1
	if buf[0] == ATYPDomain {
		start = 2
		rest--
	}
	if _, err := io.ReadFull(r, buf[start:start+rest]); err != nil {
		return Addr{}, err
	}

	a, _, err := DecodeAddr(buf[:start+rest])
	return a, err
}
