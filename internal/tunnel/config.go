package tunnel

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/die-net/s5tunnel/internal/logging"
	"github.com/die-net/s5tunnel/internal/metrics"
	"github.com/die-net/s5tunnel/internal/session"
	"github.com/die-net/s5tunnel/internal/socks5"
)

type Config struct {
	// Server is the upstream SOCKS5 server's host:port.
	Server string

	// Dialer reaches Server. Nil dials directly.
	Dialer session.Dialer

	// Client holds the credentials, pipelining and handshake timeout used
	// for every session. Its Kind is ignored.
	Client session.ClientConfig

	// UDPKind selects how UDP forwards are carried: KindUDPInTCP or
	// KindUDPInUDP.
	UDPKind session.Kind

	TCPTimeout time.Duration
	UDPTimeout time.Duration

	// UDPQueue is the number of datagrams buffered per local peer while its
	// association is being set up.
	UDPQueue int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (cfg Config) withDefaults() Config {
	if cfg.TCPTimeout == 0 {
		cfg.TCPTimeout = session.DefaultTCPTimeout
	}
	if cfg.UDPTimeout == 0 {
		cfg.UDPTimeout = session.DefaultUDPTimeout
	}
	if cfg.UDPKind != session.KindUDPInUDP {
		cfg.UDPKind = session.KindUDPInTCP
	}
	if cfg.UDPQueue <= 0 {
		cfg.UDPQueue = 64
	}
	cfg.Logger = logging.OrNop(cfg.Logger)
	if cfg.Client.Logger == nil {
		cfg.Client.Logger = cfg.Logger
	}
	return cfg
}

func (cfg Config) clientConfig(kind session.Kind) session.ClientConfig {
	c := cfg.Client
	c.Kind = kind
	return c
}

// Forward is one local listen address and the destination it maps to.
type Forward struct {
	Listen string
	Dest   socks5.Addr
}

func (f Forward) String() string {
	return f.Listen + "=" + f.Dest.String()
}

// ParseForward parses "listen=dest", for example
// "127.0.0.1:5353=dns.example:53".
func ParseForward(s string) (Forward, error) {
	listen, dest, ok := strings.Cut(s, "=")
	if !ok {
		return Forward{}, errors.New("expected listen=dest")
	}
	listen, dest = strings.TrimSpace(listen), strings.TrimSpace(dest)
	if listen == "" {
		return Forward{}, errors.New("empty listen address")
	}

	a, err := socks5.ParseAddr(dest)
	if err != nil {
		return Forward{}, fmt.Errorf("destination %q: %w", dest, err)
	}
	return Forward{Listen: listen, Dest: a}, nil
}
