package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/die-net/s5tunnel/internal/logging"
	"github.com/die-net/s5tunnel/internal/resolver"
	"github.com/die-net/s5tunnel/internal/session"
)

// SOCKS5Server accepts SOCKS5 clients and relays each negotiated session.
type SOCKS5Server struct {
	cfg   Config
	log   *slog.Logger
	conns *connTracker[net.Conn]
	wg    sync.WaitGroup
}

func NewSOCKS5Server(cfg Config) *SOCKS5Server {
	cfg.Logger = logging.OrNop(cfg.Logger)
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = cfg.Logger
	}
	// One resolver for every session.
	if cfg.Session.Resolver == nil {
		cfg.Session.Resolver = resolver.New(resolver.Config{})
	}
	return &SOCKS5Server{
		cfg:   cfg,
		log:   cfg.Logger.With(logging.KeyComponent, "socks5"),
		conns: newConnTracker[net.Conn](),
	}
}

// Serve accepts connections on ln until ctx is done or ln fails. On return
// ln and every session it accepted are closed.
func (s *SOCKS5Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer func() {
		_ = ln.Close()
		s.conns.closeAll()
		s.wg.Wait()
	}()

	s.log.Info("socks5 server listening", logging.KeyLocalAddr, ln.Addr().String())

	var backoff time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				s.log.Warn("accept failed", logging.KeyError, err, "retry", backoff)
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0

		if limit := s.cfg.MaxConnections; limit > 0 && s.conns.len() >= int64(limit) {
			s.log.Warn("connection limit reached", logging.KeyRemoteAddr, c.RemoteAddr().String())
			_ = c.Close()
			continue
		}

		s.conns.add(c)
		s.wg.Add(1)
		go s.handleConn(ctx, c)
	}
}

// ConnectionCount returns the number of connections being served.
func (s *SOCKS5Server) ConnectionCount() int64 {
	return s.conns.len()
}

func (s *SOCKS5Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.conns.remove(conn)

	sess, err := session.Accept(ctx, conn, &s.cfg.Session)
	if err != nil {
		return
	}
	_ = sess.Relay(ctx)
}
