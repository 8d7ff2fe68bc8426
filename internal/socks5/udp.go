package socks5

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxDatagramSize is the largest payload a stream datagram can carry.
const MaxDatagramSize = 0xffff

// streamHeaderLen covers datlen (2 bytes) and hdrlen (1 byte). hdrlen counts
// these 3 bytes plus the encoded address.
const streamHeaderLen = 3

// AppendStreamDatagram appends a UDP-in-TCP frame
// {datlen u16, hdrlen u8, addr, payload} to b.
func AppendStreamDatagram(b []byte, addr Addr, payload []byte) ([]byte, error) {
	if len(payload) > MaxDatagramSize {
		return b, fmt.Errorf("%w: datagram of %d bytes", ErrBadLength, len(payload))
	}
	hdrlen := streamHeaderLen + addr.Len()
	if hdrlen > 255 {
		return b, ErrNameTooLong
	}

	b = binary.BigEndian.AppendUint16(b, uint16(len(payload)))
	b = append(b, byte(hdrlen))
	b, err := addr.AppendTo(b)
	if err != nil {
		return b, err
	}
	return append(b, payload...), nil
}

// DecodeStreamDatagram decodes one UDP-in-TCP frame from the front of b. It
// returns the address, the payload (aliasing b) and the frame length. A frame
// that claims more payload than b holds is rejected.
func DecodeStreamDatagram(b []byte) (Addr, []byte, int, error) {
	if len(b) < streamHeaderLen {
		return Addr{}, nil, 0, ErrTruncated
	}
	datlen := int(binary.BigEndian.Uint16(b[0:2]))
	hdrlen := int(b[2])
	if hdrlen <= streamHeaderLen {
		return Addr{}, nil, 0, fmt.Errorf("%w: header length %d", ErrBadLength, hdrlen)
	}
	if len(b) < hdrlen {
		return Addr{}, nil, 0, ErrTruncated
	}

	a, n, err := DecodeAddr(b[streamHeaderLen:hdrlen])
	if err != nil {
		return Addr{}, nil, 0, err
	}
	if n != hdrlen-streamHeaderLen {
		return Addr{}, nil, 0, fmt.Errorf("%w: header length %d for %d byte address", ErrBadLength, hdrlen, n)
	}
	if datlen > len(b)-hdrlen {
		return Addr{}, nil, 0, ErrTruncated
	}
	return a, b[hdrlen : hdrlen+datlen], hdrlen + datlen, nil
}

// ReadStreamDatagram reads one UDP-in-TCP frame from r, storing the payload
// in buf. A payload larger than buf is an error; the stream cannot be
// resynchronized after that.
func ReadStreamDatagram(r io.Reader, buf []byte) (Addr, []byte, error) {
	var hdr [255]byte
	if _, err := io.ReadFull(r, hdr[:streamHeaderLen]); err != nil {
		return Addr{}, nil, err
	}
	datlen := int(binary.BigEndian.Uint16(hdr[0:2]))
	hdrlen := int(hdr[2])
	if hdrlen <= streamHeaderLen {
		return Addr{}, nil, fmt.Errorf("%w: header length %d", ErrBadLength, hdrlen)
	}
	if _, err := io.ReadFull(r, hdr[streamHeaderLen:hdrlen]); err != nil {
		return Addr{}, nil, err
	}

	a, n, err := DecodeAddr(hdr[streamHeaderLen:hdrlen])
	if err != nil {
		return Addr{}, nil, err
	}
	if n != hdrlen-streamHeaderLen {
		return Addr{}, nil, fmt.Errorf("%w: header length %d for %d byte address", ErrBadLength, hdrlen, n)
	}
	if datlen > len(buf) {
		return Addr{}, nil, fmt.Errorf("%w: datagram of %d bytes exceeds %d byte buffer", ErrBadLength, datlen, len(buf))
	}
	if _, err := io.ReadFull(r, buf[:datlen]); err != nil {
		return Addr{}, nil, err
	}
	return a, buf[:datlen], nil
}

// AppendPacketDatagram appends a UDP-in-UDP datagram
// {0, 0, frag=0, addr, payload} to b.
func AppendPacketDatagram(b []byte, addr Addr, payload []byte) ([]byte, error) {
	b = append(b, 0x00, 0x00, 0x00)
	b, err := addr.AppendTo(b)
	if err != nil {
		return b, err
	}
	return append(b, payload...), nil
}

// DecodePacketDatagram decodes a UDP-in-UDP datagram. The payload aliases b.
// Fragmented datagrams are not supported.
func DecodePacketDatagram(b []byte) (Addr, []byte, error) {
	if len(b) < 3 {
		return Addr{}, nil, ErrTruncated
	}
	if b[2] != 0 {
		return Addr{}, nil, fmt.Errorf("%w: fragment %d", ErrFragmented, b[2])
	}

	a, n, err := DecodeAddr(b[3:])
	if err != nil {
		return Addr{}, nil, err
	}
	return a, b[3+n:], nil
}
