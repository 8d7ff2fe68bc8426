package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/die-net/s5tunnel/internal/logging"
	"github.com/die-net/s5tunnel/internal/relay"
	"github.com/die-net/s5tunnel/internal/resolver"
	"github.com/die-net/s5tunnel/internal/socks5"
	"github.com/die-net/s5tunnel/internal/sockopt"
)

type ClientConfig struct {
	Kind        Kind
	Credentials socks5.Credentials

	// Pipeline sends the greeting, credentials and request in one write
	// before reading any response.
	Pipeline bool

	// Timeout bounds the connect and each handshake read or write.
	Timeout time.Duration

	// FrameTimeout bounds datagram writes and partially received frames
	// once the session is relaying.
	FrameTimeout time.Duration

	UDPRecvBuffer int
	Logger        *slog.Logger
}

func (cfg ClientConfig) withDefaults() ClientConfig {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConnectTimeout
	}
	if cfg.FrameTimeout == 0 {
		cfg.FrameTimeout = cfg.Timeout
	}
	if cfg.UDPRecvBuffer == 0 {
		cfg.UDPRecvBuffer = DefaultUDPRecvBuffer
	}
	cfg.Logger = logging.OrNop(cfg.Logger)
	return cfg
}

func (cfg ClientConfig) command() byte {
	switch cfg.Kind {
	case KindUDPInTCP:
		return socks5.CmdUDPForward
	case KindUDPInUDP:
		return socks5.CmdUDPAssociate
	default:
		return socks5.CmdConnect
	}
}

// ClientSession is a negotiated client-side session. For UDP kinds it
// implements relay.Envelope, exchanging datagrams with the server.
type ClientSession struct {
	c     *Connection
	cfg   ClientConfig
	bound socks5.Addr
	env   relay.Envelope
}

// Dial connects to the SOCKS5 server at upstream and runs the handshake for
// dst. A nil d dials directly.
func Dial(ctx context.Context, d Dialer, upstream string, cfg ClientConfig, dst socks5.Addr) (*ClientSession, error) {
	cfg = cfg.withDefaults()
	if d == nil {
		d = &net.Dialer{Timeout: cfg.Timeout}
	}

	dctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	conn, err := d.DialContext(dctx, "tcp", upstream)
	if err != nil {
		return nil, fmt.Errorf("dial socks5 server %s: %w", upstream, err)
	}
	return Handshake(ctx, conn, cfg, dst)
}

// Handshake negotiates a session on conn, which it takes ownership of. dst
// is the CONNECT destination and is ignored for UDP kinds. On failure conn
// is closed.
func Handshake(ctx context.Context, conn net.Conn, cfg ClientConfig, dst socks5.Addr) (*ClientSession, error) {
	cfg = cfg.withDefaults()

	fam, _ := localFamily(conn)
	s := &ClientSession{
		c:   newConnection(conn, cfg.Timeout, fam),
		cfg: cfg,
	}
	s.c.setKind(cfg.Kind)

	stop := context.AfterFunc(ctx, func() { _ = s.c.Close() })
	err := s.handshake(dst)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err == nil && cfg.Kind == KindUDPInUDP {
		err = s.openDatagramSocket(ctx)
	}
	if err != nil {
		_ = s.c.Close()
		return nil, err
	}

	s.c.clearDeadlines()
	switch cfg.Kind {
	case KindUDPInTCP:
		s.env = relay.NewStreamEnvelope(conn, cfg.FrameTimeout)
	case KindUDPInUDP:
		s.env = relay.NewPacketEnvelope(s.c.UDP())
	}

	cfg.Logger.Debug("socks5 session ready",
		logging.KeyRemoteAddr, conn.RemoteAddr().String(),
		logging.KeyKind, cfg.Kind.String(),
		logging.KeyBound, s.bound.String())
	return s, nil
}

func (s *ClientSession) handshake(dst socks5.Addr) error {
	method := socks5.MethodNone
	if !s.cfg.Credentials.Empty() {
		method = socks5.MethodUserPass
	}

	reqAddr := dst
	if s.cfg.Kind.IsUDP() {
		reqAddr = socks5.ZeroAddr(s.c.Family() == resolver.FamilyIPv6)
	}

	b, err := socks5.AppendGreeting(make([]byte, 0, 512), method)
	if err != nil {
		return err
	}

	if s.cfg.Pipeline {
		if method == socks5.MethodUserPass {
			if b, err = socks5.AppendUserPass(b, s.cfg.Credentials); err != nil {
				return err
			}
		}
		if b, err = socks5.AppendRequest(b, s.cfg.command(), reqAddr); err != nil {
			return err
		}
		if _, err := s.c.Write(b); err != nil {
			return fmt.Errorf("write handshake: %w", err)
		}
		if err := s.readMethod(method); err != nil {
			return err
		}
		if method == socks5.MethodUserPass {
			if err := s.readUserPassStatus(); err != nil {
				return err
			}
		}
		return s.readReply()
	}

	if _, err := s.c.Write(b); err != nil {
		return fmt.Errorf("write greeting: %w", err)
	}
	if err := s.readMethod(method); err != nil {
		return err
	}

	if method == socks5.MethodUserPass {
		b, err := socks5.AppendUserPass(nil, s.cfg.Credentials)
		if err != nil {
			return err
		}
		if _, err := s.c.Write(b); err != nil {
			return fmt.Errorf("write credentials: %w", err)
		}
		if err := s.readUserPassStatus(); err != nil {
			return err
		}
	}

	b, err = socks5.AppendRequest(b[:0], s.cfg.command(), reqAddr)
	if err != nil {
		return err
	}
	if _, err := s.c.Write(b); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return s.readReply()
}

func (s *ClientSession) readMethod(offered byte) error {
	m, err := socks5.ReadMethodSelection(s.c)
	if err != nil {
		return fmt.Errorf("read method selection: %w", err)
	}
	switch m {
	case offered:
		return nil
	case socks5.MethodNoAcceptable:
		return ErrNoAcceptableMethod
	default:
		return fmt.Errorf("%w: %d", ErrUnexpectedMethod, m)
	}
}

func (s *ClientSession) readUserPassStatus() error {
	status, err := socks5.ReadUserPassStatus(s.c)
	if err != nil {
		return fmt.Errorf("read userpass status: %w", err)
	}
	if status != socks5.UserPassSuccess {
		return ErrAuthFailure
	}
	return nil
}

func (s *ClientSession) readReply() error {
	rep, err := socks5.ReadReply(s.c)
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if rep.Code != socks5.RepSuccess {
		return &ReplyError{Code: rep.Code}
	}
	s.bound = rep.Addr
	return nil
}

// openDatagramSocket connects a UDP socket to the relay address from the
// reply. An unspecified relay IP means the server's own address.
func (s *ClientSession) openDatagramSocket(ctx context.Context) error {
	relayAddr := s.bound.AddrPort()
	if !relayAddr.IsValid() {
		return &ReplyError{Code: socks5.RepAddrTypeNotSupported, Err: fmt.Errorf("relay address %s is not an IP", s.bound)}
	}
	if relayAddr.Addr().IsUnspecified() {
		relayAddr = netip.AddrPortFrom(remoteIP(s.c.Conn()), relayAddr.Port())
	}

	d := sockopt.Options{RecvBuffer: s.cfg.UDPRecvBuffer}.Dialer()
	d.Timeout = s.cfg.Timeout
	network := resolver.FamilyOf(relayAddr.Addr()).Network("udp")
	conn, err := d.DialContext(ctx, network, relayAddr.String())
	if err != nil {
		return fmt.Errorf("dial relay %s: %w", relayAddr, err)
	}
	uc, ok := conn.(*net.UDPConn)
	if !ok {
		_ = conn.Close()
		return fmt.Errorf("dial relay %s: not a UDP socket", relayAddr)
	}
	s.c.setUDP(uc)
	return nil
}

func (s *ClientSession) Kind() Kind {
	return s.cfg.Kind
}

// Bound returns the address from the server's success reply.
func (s *ClientSession) Bound() socks5.Addr {
	return s.bound
}

// Conn returns the control connection. For KindTCP it carries the
// destination's byte stream.
func (s *ClientSession) Conn() net.Conn {
	return s.c.Conn()
}

func (s *ClientSession) Connection() *Connection {
	return s.c
}

// Splice relays a KindTCP session to local until either side ends, then
// closes both.
func (s *ClientSession) Splice(ctx context.Context, local net.Conn, idle time.Duration) (relay.Stats, error) {
	if s.cfg.Kind != KindTCP {
		return relay.Stats{}, fmt.Errorf("splice on %s session", s.cfg.Kind)
	}
	defer s.Close()
	st, err := relay.TCP(ctx, local, s.c.Conn(), idle)
	return st, err
}

func (s *ClientSession) ReadDatagram(buf []byte) (socks5.Addr, []byte, error) {
	if s.env == nil {
		return socks5.Addr{}, nil, fmt.Errorf("read datagram on %s session", s.cfg.Kind)
	}
	return s.env.ReadDatagram(buf)
}

func (s *ClientSession) WriteDatagram(addr socks5.Addr, payload []byte) error {
	if s.env == nil {
		return fmt.Errorf("write datagram on %s session", s.cfg.Kind)
	}
	return s.env.WriteDatagram(addr, payload)
}

func (s *ClientSession) SetReadDeadline(t time.Time) error {
	if s.env == nil {
		return s.c.Conn().SetReadDeadline(t)
	}
	return s.env.SetReadDeadline(t)
}

// WaitControl blocks until the control connection of a KindUDPInUDP
// session closes or ctx ends. The association is void after that.
func (s *ClientSession) WaitControl(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.c.Conn().SetReadDeadline(time.Unix(1, 0)) })
	defer stop()

	var buf [1]byte
	for {
		if _, err := s.c.Conn().Read(buf[:]); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return relay.ErrControlClosed
		}
	}
}

func (s *ClientSession) Close() error {
	return s.c.Close()
}
