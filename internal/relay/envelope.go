package relay

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/die-net/s5tunnel/internal/socks5"
)

var (
	// ErrMalformed marks a single bad datagram. The association survives it.
	ErrMalformed = errors.New("relay: malformed datagram")

	// ErrNoPeer is returned when writing before the peer address is known.
	ErrNoPeer = errors.New("relay: peer address not yet known")

	// ErrStalled is returned when a stream frame started but did not finish
	// in time. The stream cannot be resynchronized after that.
	ErrStalled = errors.New("relay: datagram frame stalled")
)

// Envelope is the client-facing side of a UDP association. Each datagram
// carries the SOCKS5 address of the far end.
type Envelope interface {
	// ReadDatagram reads one datagram into buf and returns its address and
	// payload. The payload aliases buf.
	ReadDatagram(buf []byte) (socks5.Addr, []byte, error)

	// WriteDatagram frames payload with addr and sends it.
	WriteDatagram(addr socks5.Addr, payload []byte) error

	SetReadDeadline(t time.Time) error
	Close() error
}

// StreamEnvelope carries datagrams inline on a TCP connection using
// {datlen, hdrlen, addr, payload} frames.
type StreamEnvelope struct {
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration

	wmu sync.Mutex
}

// NewStreamEnvelope frames datagrams on conn. timeout bounds each write and
// the remainder of a frame once its first byte has arrived; zero means no
// bound.
func NewStreamEnvelope(conn net.Conn, timeout time.Duration) *StreamEnvelope {
	return &StreamEnvelope{
		conn:    conn,
		r:       bufio.NewReaderSize(conn, udpBufferSize),
		timeout: timeout,
	}
}

func (e *StreamEnvelope) ReadDatagram(buf []byte) (socks5.Addr, []byte, error) {
	// Wait for the next frame under the caller's deadline without consuming
	// anything, so a timeout here leaves the stream aligned.
	if _, err := e.r.Peek(1); err != nil {
		return socks5.Addr{}, nil, err
	}

	_ = e.conn.SetReadDeadline(deadline(e.timeout))
	a, p, err := socks5.ReadStreamDatagram(e.r, buf)
	if err != nil && isTimeout(err) {
		return socks5.Addr{}, nil, fmt.Errorf("%w: %w", ErrStalled, err)
	}
	return a, p, err
}

func (e *StreamEnvelope) WriteDatagram(addr socks5.Addr, payload []byte) error {
	buf := udpBuffers.Get()
	defer udpBuffers.Put(buf)

	b, err := socks5.AppendStreamDatagram(buf[:0], addr, payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	e.wmu.Lock()
	defer e.wmu.Unlock()

	if e.timeout > 0 {
		_ = e.conn.SetWriteDeadline(deadline(e.timeout))
	}
	if _, err := e.conn.Write(b); err != nil {
		return fmt.Errorf("write datagram: %w", err)
	}
	return nil
}

func (e *StreamEnvelope) SetReadDeadline(t time.Time) error {
	return e.conn.SetReadDeadline(t)
}

func (e *StreamEnvelope) Close() error {
	return e.conn.Close()
}

// PacketEnvelope carries datagrams over UDP using the RFC 1928 header
// {0, 0, frag, addr, payload}.
//
// On an unconnected socket the peer is learned from the first datagram
// received; datagrams from any other source are dropped afterwards. On a
// connected socket the kernel filters by peer.
type PacketEnvelope struct {
	conn      *net.UDPConn
	connected bool

	mu   sync.Mutex
	peer netip.AddrPort
}

func NewPacketEnvelope(conn *net.UDPConn) *PacketEnvelope {
	e := &PacketEnvelope{conn: conn}
	if ra, ok := conn.RemoteAddr().(*net.UDPAddr); ok && ra != nil {
		e.connected = true
		e.peer = ra.AddrPort()
	}
	return e
}

// Peer returns the learned or connected peer address.
func (e *PacketEnvelope) Peer() (netip.AddrPort, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peer, e.peer.IsValid()
}

func (e *PacketEnvelope) ReadDatagram(buf []byte) (socks5.Addr, []byte, error) {
	for {
		var (
			n   int
			src netip.AddrPort
			err error
		)
		if e.connected {
			n, err = e.conn.Read(buf)
		} else {
			n, src, err = e.conn.ReadFromUDPAddrPort(buf)
		}
		if err != nil {
			return socks5.Addr{}, nil, err
		}

		if !e.connected && !e.acceptFrom(src) {
			continue
		}

		a, p, err := socks5.DecodePacketDatagram(buf[:n])
		if err != nil {
			return socks5.Addr{}, nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return a, p, nil
	}
}

func (e *PacketEnvelope) acceptFrom(src netip.AddrPort) bool {
	src = netip.AddrPortFrom(src.Addr().Unmap(), src.Port())

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.peer.IsValid() {
		e.peer = src
		return true
	}
	return e.peer == src
}

func (e *PacketEnvelope) WriteDatagram(addr socks5.Addr, payload []byte) error {
	buf := udpBuffers.Get()
	defer udpBuffers.Put(buf)

	b, err := socks5.AppendPacketDatagram(buf[:0], addr, payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	if e.connected {
		_, err = e.conn.Write(b)
	} else {
		peer, ok := e.Peer()
		if !ok {
			return ErrNoPeer
		}
		_, err = e.conn.WriteToUDPAddrPort(b, peer)
	}
	if err != nil {
		return fmt.Errorf("write datagram: %w", err)
	}
	return nil
}

func (e *PacketEnvelope) SetReadDeadline(t time.Time) error {
	return e.conn.SetReadDeadline(t)
}

func (e *PacketEnvelope) Close() error {
	return e.conn.Close()
}
