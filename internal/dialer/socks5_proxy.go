package dialer

import (
	"context"
	"fmt"
	"net"

	"github.com/die-net/s5tunnel/internal/session"
	"github.com/die-net/s5tunnel/internal/socks5"
)

// SOCKS5ProxyDialer opens TCP connections through an upstream SOCKS5
// server with CONNECT.
type SOCKS5ProxyDialer struct {
	cfg       Config
	proxyAddr string
	creds     socks5.Credentials
	direct    Dialer
}

func NewSOCKS5ProxyDialer(cfg Config, proxyAddr string, creds socks5.Credentials) Dialer {
	return &SOCKS5ProxyDialer{
		cfg:       cfg,
		proxyAddr: proxyAddr,
		creds:     creds,
		direct:    NewDirectDialer(cfg),
	}
}

func (f *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("socks5 proxy dial %s %s: unsupported network", network, address)
	}

	dst, err := socks5.ParseAddr(address)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, address, err)
	}

	timeout := f.cfg.HandshakeTimeout
	if timeout == 0 {
		timeout = f.cfg.DialTimeout
	}
	cfg := session.ClientConfig{
		Kind:        session.KindTCP,
		Credentials: f.creds,
		Pipeline:    f.cfg.Pipeline,
		Timeout:     timeout,
	}

	s, err := session.Dial(ctx, f.direct, f.proxyAddr, cfg, dst)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, address, err)
	}
	return s.Conn(), nil
}
