package session

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/die-net/s5tunnel/internal/auth"
	"github.com/die-net/s5tunnel/internal/resolver"
)

// Kind is how a session relays payload once negotiated.
type Kind int

const (
	KindTCP Kind = iota
	KindUDPInTCP
	KindUDPInUDP
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindUDPInTCP:
		return "udp-in-tcp"
	case KindUDPInUDP:
		return "udp-in-udp"
	default:
		return "unknown"
	}
}

// IsUDP reports whether k carries datagrams.
func (k Kind) IsUDP() bool {
	return k == KindUDPInTCP || k == KindUDPInUDP
}

// Connection owns the sockets of one session: the TCP control connection
// and, for UDP over UDP, a secondary datagram socket. Reads and writes on
// the control connection are each bounded by the handshake timeout.
type Connection struct {
	conn    net.Conn
	timeout time.Duration

	mu        sync.Mutex
	udp       *net.UDPConn
	family    resolver.Family
	familySet bool
	kind      Kind
	user      *auth.User
	closed    bool
}

func newConnection(conn net.Conn, timeout time.Duration, family resolver.Family) *Connection {
	return &Connection{conn: conn, timeout: timeout, family: family, familySet: family != resolver.FamilyUnspec}
}

// Read reads from the control connection under the handshake timeout.
func (c *Connection) Read(p []byte) (int, error) {
	_ = c.conn.SetReadDeadline(c.deadline())
	return c.conn.Read(p)
}

// Write writes to the control connection under the handshake timeout.
func (c *Connection) Write(p []byte) (int, error) {
	_ = c.conn.SetWriteDeadline(c.deadline())
	return c.conn.Write(p)
}

func (c *Connection) deadline() time.Time {
	d := c.Timeout()
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

// Conn returns the control connection.
func (c *Connection) Conn() net.Conn {
	return c.conn
}

func (c *Connection) Timeout() time.Duration {
	return c.timeout
}

// clearDeadlines removes any deadline left by the handshake before the
// connection is handed to a relay.
func (c *Connection) clearDeadlines() {
	_ = c.conn.SetDeadline(time.Time{})
}

// UDP returns the secondary datagram socket, if any.
func (c *Connection) UDP() *net.UDPConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.udp
}

func (c *Connection) setUDP(uc *net.UDPConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = uc.Close()
		return
	}
	c.udp = uc
}

// Family returns the session's address family, FamilyUnspec until pinned.
func (c *Connection) Family() resolver.Family {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.family
}

// pinFamily fixes the family the first time it is called with a concrete
// family and returns the family in effect afterwards.
func (c *Connection) pinFamily(f resolver.Family) resolver.Family {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.familySet && f != resolver.FamilyUnspec {
		c.family = f
		c.familySet = true
	}
	return c.family
}

func (c *Connection) Kind() Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kind
}

func (c *Connection) setKind(k Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kind = k
}

// User returns the authenticated user on the server side, or nil.
func (c *Connection) User() *auth.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

func (c *Connection) setUser(u *auth.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user = u
}

// Close releases every socket the session owns. It is safe to call more
// than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.user = nil

	if c.udp != nil {
		_ = c.udp.Close()
	}
	return c.conn.Close()
}

// localFamily is the family of the control connection's local address.
func localFamily(conn net.Conn) (resolver.Family, netip.Addr) {
	ta, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return resolver.FamilyUnspec, netip.Addr{}
	}
	ip := ta.AddrPort().Addr().Unmap()
	return resolver.FamilyOf(ip), ip
}

// remoteIP is the IP address of the control connection's peer.
func remoteIP(conn net.Conn) netip.Addr {
	ta, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return netip.Addr{}
	}
	return ta.AddrPort().Addr().Unmap()
}
