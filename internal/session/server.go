package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/die-net/s5tunnel/internal/auth"
	"github.com/die-net/s5tunnel/internal/logging"
	"github.com/die-net/s5tunnel/internal/metrics"
	"github.com/die-net/s5tunnel/internal/relay"
	"github.com/die-net/s5tunnel/internal/resolver"
	"github.com/die-net/s5tunnel/internal/socks5"
	"github.com/die-net/s5tunnel/internal/sockopt"
)

// Defaults for ServerConfig and ClientConfig timeouts.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultTCPTimeout     = 300 * time.Second
	DefaultUDPTimeout     = 60 * time.Second
	DefaultUDPRecvBuffer  = 512 << 10
)

// Dialer opens outbound connections for CONNECT requests.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type ServerConfig struct {
	// Authenticator, when set, makes username/password the only accepted
	// method. Otherwise only "no authentication" is accepted.
	Authenticator *auth.Authenticator

	// Dialer opens CONNECT upstreams. When nil a net.Dialer is used, bound
	// to the control connection's local address if BindToControlAddr is set.
	Dialer   Dialer
	Resolver *resolver.Resolver

	// Family restricts destinations to one address family. FamilyUnspec
	// lets each session pin the family of its first resolved address.
	Family resolver.Family

	// ConnectTimeout bounds each handshake read or write and the outbound
	// connect. TCPTimeout and UDPTimeout are the relay idle timeouts.
	ConnectTimeout time.Duration
	TCPTimeout     time.Duration
	UDPTimeout     time.Duration

	BindToControlAddr bool
	UDPRecvBuffer     int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (cfg *ServerConfig) withDefaults() *ServerConfig {
	c := *cfg
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.TCPTimeout == 0 {
		c.TCPTimeout = DefaultTCPTimeout
	}
	if c.UDPTimeout == 0 {
		c.UDPTimeout = DefaultUDPTimeout
	}
	if c.UDPRecvBuffer == 0 {
		c.UDPRecvBuffer = DefaultUDPRecvBuffer
	}
	if c.Resolver == nil {
		c.Resolver = resolver.New(resolver.Config{})
	}
	c.Logger = logging.OrNop(c.Logger)
	return &c
}

// ServerSession is a negotiated server-side session, ready to relay.
type ServerSession struct {
	c   *Connection
	cfg *ServerConfig
	log *slog.Logger

	dest     socks5.Addr
	bound    socks5.Addr
	upstream net.Conn
	started  time.Time
}

// Accept runs the server handshake on conn and takes ownership of it. On
// success the returned session is ready for Relay; on failure conn has been
// closed, after a reply describing the failure where the protocol allows one.
func Accept(ctx context.Context, conn net.Conn, cfg *ServerConfig) (*ServerSession, error) {
	cfg = cfg.withDefaults()

	s := &ServerSession{
		c:       newConnection(conn, cfg.ConnectTimeout, cfg.Family),
		cfg:     cfg,
		log:     cfg.Logger.With(logging.KeyRemoteAddr, conn.RemoteAddr().String()),
		started: time.Now(),
	}

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	err := s.handshake(ctx)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = s.Close()
		cfg.Metrics.HandshakeFailed(failureReason(err))
		if errors.Is(err, ErrAuthFailure) {
			cfg.Metrics.AuthFailed()
		}
		s.log.Debug("handshake failed", logging.KeyError, err)
		return nil, err
	}

	cfg.Metrics.ObserveHandshake(time.Since(s.started).Seconds())
	return s, nil
}

func (s *ServerSession) handshake(ctx context.Context) error {
	greeting, err := socks5.ReadGreeting(s.c)
	if err != nil {
		if errors.Is(err, socks5.ErrBadVersion) {
			_ = socks5.WriteMethodSelection(s.c, socks5.MethodNoAcceptable)
		}
		return fmt.Errorf("read greeting: %w", err)
	}

	method := socks5.MethodNone
	if s.cfg.Authenticator != nil {
		method = socks5.MethodUserPass
	}
	if !greeting.Offers(method) {
		_ = socks5.WriteMethodSelection(s.c, socks5.MethodNoAcceptable)
		return ErrNoAcceptableMethod
	}
	if err := socks5.WriteMethodSelection(s.c, method); err != nil {
		return err
	}
	s.log.Debug("method selected", "method", method)

	if method == socks5.MethodUserPass {
		if err := s.authenticate(); err != nil {
			return err
		}
	}

	req, err := socks5.ReadRequest(s.c)
	if err != nil {
		switch {
		case errors.Is(err, socks5.ErrBadVersion):
			return s.reject(socks5.RepGeneralFailure, fmt.Errorf("read request: %w", err))
		case errors.Is(err, socks5.ErrBadAddrType):
			return s.reject(socks5.RepAddrTypeNotSupported, fmt.Errorf("read request: %w", err))
		default:
			return fmt.Errorf("read request: %w", err)
		}
	}
	s.dest = req.Addr

	switch req.Command {
	case socks5.CmdConnect:
		s.c.setKind(KindTCP)
		return s.connect(ctx)
	case socks5.CmdUDPForward:
		s.c.setKind(KindUDPInTCP)
		return s.udpForward()
	case socks5.CmdUDPAssociate:
		s.c.setKind(KindUDPInUDP)
		return s.udpAssociate(ctx)
	default:
		return s.reject(socks5.RepCommandNotSupported, fmt.Errorf("command %d", req.Command))
	}
}

func (s *ServerSession) authenticate() error {
	creds, err := socks5.ReadUserPass(s.c)
	if err != nil {
		if socks5.IsProtocolViolation(err) {
			_ = socks5.WriteUserPassStatus(s.c, socks5.UserPassFailure)
		}
		return fmt.Errorf("read credentials: %w", err)
	}

	u, err := s.cfg.Authenticator.Authenticate(creds.Username, creds.Password)
	if err != nil {
		_ = socks5.WriteUserPassStatus(s.c, socks5.UserPassFailure)
		s.log.Info("authentication failed", logging.KeyUser, creds.Username)
		return fmt.Errorf("%w: %w", ErrAuthFailure, err)
	}
	if err := socks5.WriteUserPassStatus(s.c, socks5.UserPassSuccess); err != nil {
		return err
	}

	s.c.setUser(u)
	s.log = s.log.With(logging.KeyUser, u.Name())
	return nil
}

// reject sends a failure reply carrying code and returns the matching error.
func (s *ServerSession) reject(code byte, err error) error {
	_ = socks5.WriteFailureReply(s.c, code, s.replyIPv6())
	return &ReplyError{Code: code, Err: err}
}

func (s *ServerSession) replyIPv6() bool {
	if f := s.c.Family(); f != resolver.FamilyUnspec {
		return f == resolver.FamilyIPv6
	}
	f, _ := localFamily(s.c.Conn())
	return f == resolver.FamilyIPv6
}

func (s *ServerSession) succeed(bound socks5.Addr) error {
	s.bound = bound
	if err := socks5.WriteReply(s.c, socks5.RepSuccess, bound); err != nil {
		return err
	}
	s.log.Info("session established",
		logging.KeyKind, s.c.Kind().String(),
		logging.KeyDest, s.dest.String(),
		logging.KeyBound, bound.String())
	return nil
}

// resolve turns dst into a socket address in the session's family, pinning
// the family on first use.
func (s *ServerSession) resolve(ctx context.Context, dst socks5.Addr) (netip.AddrPort, error) {
	ip, fam, err := s.cfg.Resolver.Resolve(ctx, dst.Host(), s.c.Family())
	if err != nil {
		return netip.AddrPort{}, err
	}
	if s.c.pinFamily(fam) != fam {
		return netip.AddrPort{}, fmt.Errorf("%w: %s", resolver.ErrFamilyMismatch, dst)
	}
	return netip.AddrPortFrom(ip, dst.Port), nil
}

func (s *ServerSession) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	to, err := s.resolve(ctx, s.dest)
	if err != nil {
		s.log.Warn("resolve failed", logging.KeyDest, s.dest.String(), logging.KeyError, err)
		return s.reject(socks5.RepHostUnreachable, err)
	}

	network := s.c.Family().Network("tcp")
	up, err := s.dialer().DialContext(ctx, network, to.String())
	if err != nil {
		s.log.Debug("connect failed", logging.KeyDest, to.String(), logging.KeyError, err)
		return s.reject(socks5.RepHostUnreachable, err)
	}
	s.upstream = up

	bound, err := socks5.AddrFromNetAddr(up.LocalAddr())
	if err != nil {
		return s.reject(socks5.RepGeneralFailure, err)
	}
	return s.succeed(bound)
}

func (s *ServerSession) dialer() Dialer {
	if s.cfg.Dialer != nil {
		return s.cfg.Dialer
	}
	d := &net.Dialer{Timeout: s.cfg.ConnectTimeout}
	if s.cfg.BindToControlAddr {
		if _, ip := localFamily(s.c.Conn()); ip.IsValid() {
			d.LocalAddr = &net.TCPAddr{IP: ip.AsSlice()}
		}
	}
	return d
}

func (s *ServerSession) udpForward() error {
	bound, err := socks5.AddrFromNetAddr(s.c.Conn().LocalAddr())
	if err != nil {
		return s.reject(socks5.RepGeneralFailure, err)
	}
	return s.succeed(bound)
}

func (s *ServerSession) udpAssociate(ctx context.Context) error {
	fam, ip := localFamily(s.c.Conn())
	s.c.pinFamily(fam)

	opts := sockopt.Options{ReuseAddr: true, RecvBuffer: s.cfg.UDPRecvBuffer}
	uc, err := sockopt.ListenUDP(ctx, fam.Network("udp"), netip.AddrPortFrom(ip, 0), opts)
	if err != nil {
		s.log.Error("failed to create relay socket", logging.KeyError, err)
		return s.reject(socks5.RepGeneralFailure, err)
	}
	s.c.setUDP(uc)

	bound, err := socks5.AddrFromNetAddr(uc.LocalAddr())
	if err != nil {
		return s.reject(socks5.RepGeneralFailure, err)
	}
	return s.succeed(bound)
}

// bindUpstream creates the socket that talks to UDP destinations. It runs
// once per association, when the first datagram arrives.
func (s *ServerSession) bindUpstream(ctx context.Context, first netip.AddrPort) (*net.UDPConn, error) {
	var laddr netip.AddrPort
	if s.cfg.BindToControlAddr {
		if _, ip := localFamily(s.c.Conn()); ip.IsValid() && resolver.FamilyOf(ip) == resolver.FamilyOf(first.Addr()) {
			laddr = netip.AddrPortFrom(ip, 0)
		}
	}

	network := resolver.FamilyOf(first.Addr()).Network("udp")
	opts := sockopt.Options{RecvBuffer: s.cfg.UDPRecvBuffer}
	uc, err := sockopt.ListenUDP(ctx, network, laddr, opts)
	if err != nil {
		return nil, err
	}
	s.log.Debug("upstream socket bound", logging.KeyLocalAddr, uc.LocalAddr().String())
	return uc, nil
}

func (s *ServerSession) Kind() Kind {
	return s.c.Kind()
}

// User returns the authenticated user, or nil without authentication.
func (s *ServerSession) User() *auth.User {
	return s.c.User()
}

// Dest returns the destination named in the request.
func (s *ServerSession) Dest() socks5.Addr {
	return s.dest
}

// Bound returns the address sent in the success reply.
func (s *ServerSession) Bound() socks5.Addr {
	return s.bound
}

func (s *ServerSession) Connection() *Connection {
	return s.c
}

func (s *ServerSession) Close() error {
	if s.upstream != nil {
		_ = s.upstream.Close()
	}
	return s.c.Close()
}

// Relay moves payload until the session ends and then closes it. Idle
// timeouts and either side closing are normal endings and return nil.
func (s *ServerSession) Relay(ctx context.Context) error {
	defer s.Close()

	kind := s.Kind()
	s.cfg.Metrics.SessionStarted(kind.String())
	defer s.cfg.Metrics.SessionEnded()

	s.c.clearDeadlines()
	start := time.Now()

	var (
		up, down int64
		attrs    []any
		err      error
	)
	switch kind {
	case KindTCP:
		var st relay.Stats
		st, err = relay.TCP(ctx, s.c.Conn(), s.upstream, s.cfg.TCPTimeout)
		up, down = st.Up, st.Down
	default:
		var st relay.UDPStats
		st, err = relay.UDP(ctx, s.envelope(), s.udpConfig())
		up, down = st.Up, st.Down
		s.cfg.Metrics.AddDatagrams(metrics.DirectionUp, st.DatagramsUp)
		s.cfg.Metrics.AddDatagrams(metrics.DirectionDown, st.DatagramsDown)
		attrs = append(attrs, logging.KeyDatagrams, strconv.FormatInt(st.DatagramsUp, 10)+"/"+strconv.FormatInt(st.DatagramsDown, 10))
	}
	s.cfg.Metrics.AddBytes(kind.String(), metrics.DirectionUp, up)
	s.cfg.Metrics.AddBytes(kind.String(), metrics.DirectionDown, down)

	attrs = append(attrs,
		logging.KeyKind, kind.String(),
		logging.KeyDuration, time.Since(start).Round(time.Millisecond),
		logging.Bytes(logging.KeyBytesUp, up),
		logging.Bytes(logging.KeyBytesDown, down))
	if normalEnd(err) {
		s.log.Info("session closed", attrs...)
		return nil
	}
	s.log.Warn("session failed", append(attrs, logging.KeyError, err)...)
	return err
}

func (s *ServerSession) envelope() relay.Envelope {
	if s.Kind() == KindUDPInTCP {
		return relay.NewStreamEnvelope(s.c.Conn(), s.cfg.ConnectTimeout)
	}
	return relay.NewPacketEnvelope(s.c.UDP())
}

func (s *ServerSession) udpConfig() relay.UDPConfig {
	cfg := relay.UDPConfig{
		Timeout: s.cfg.UDPTimeout,
		Resolve: s.resolve,
		Bind:    s.bindUpstream,
		OnDrop:  s.cfg.Metrics.DatagramDropped,
		Logger:  s.log,
	}
	if s.Kind() == KindUDPInTCP {
		cfg.StreamControl = true
	} else {
		cfg.Control = s.c.Conn()
	}
	return cfg
}

func normalEnd(err error) bool {
	return err == nil ||
		errors.Is(err, relay.ErrIdle) ||
		errors.Is(err, relay.ErrControlClosed) ||
		errors.Is(err, context.Canceled)
}
