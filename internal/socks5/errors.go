package socks5

import "errors"

var (
	ErrBadVersion  = errors.New("socks5: bad version")
	ErrBadAddrType = errors.New("socks5: unsupported address type")
	ErrTruncated   = errors.New("socks5: truncated frame")
	ErrBadLength   = errors.New("socks5: bad length")
	ErrNameTooLong = errors.New("socks5: domain name longer than 255 bytes")
	ErrFragmented  = errors.New("socks5: fragmented datagram")
)

// IsProtocolViolation reports whether err was caused by a peer that does not
// speak the protocol correctly, as opposed to an I/O failure.
func IsProtocolViolation(err error) bool {
	for _, target := range []error{ErrBadVersion, ErrBadAddrType, ErrTruncated, ErrBadLength, ErrNameTooLong, ErrFragmented} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
