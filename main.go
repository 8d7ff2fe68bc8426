package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/s5tunnel/internal/auth"
	"github.com/die-net/s5tunnel/internal/dialer"
	"github.com/die-net/s5tunnel/internal/logging"
	"github.com/die-net/s5tunnel/internal/metrics"
	"github.com/die-net/s5tunnel/internal/proxy"
	"github.com/die-net/s5tunnel/internal/resolver"
	"github.com/die-net/s5tunnel/internal/session"
	"github.com/die-net/s5tunnel/internal/socks5"
	"github.com/die-net/s5tunnel/internal/tunnel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		socksListen = pflag.String("socks5-listen", "", "SOCKS5 server listen address (e.g. 127.0.0.1:1080). Empty disables.")
		authFile    = pflag.String("auth-file", "", "YAML users file enabling username/password authentication on the SOCKS5 server")
		upstream    = pflag.String("upstream", defaultUpstream(), "Where the SOCKS5 server sends CONNECT traffic: direct:// | socks5://[user:pass@]host:port")

		socksServer = pflag.String("socks5-server", "", "Upstream SOCKS5 server for --forward-tcp and --forward-udp (host:port)")
		socksUser   = pflag.String("socks5-user", "", "Username for --socks5-server")
		socksPass   = pflag.String("socks5-pass", "", "Password for --socks5-server")
		pipeline    = pflag.Bool("pipeline", false, "Send the client handshake in a single write")
		forwardTCP  = pflag.StringArray("forward-tcp", nil, "Forward a local TCP port through --socks5-server: listen=dest (repeatable)")
		forwardUDP  = pflag.StringArray("forward-udp", nil, "Forward a local UDP port through --socks5-server: listen=dest (repeatable)")
		udpMode     = pflag.String("udp-mode", "tcp", "How --forward-udp datagrams reach the server: tcp (inline on the control connection) | udp (SOCKS5 UDP ASSOCIATE)")

		connectTimeout  = pflag.Duration("connect-timeout", session.DefaultConnectTimeout, "Timeout for outbound connects and each handshake step")
		tcpTimeout      = pflag.Duration("tcp-timeout", session.DefaultTCPTimeout, "Idle timeout for TCP sessions")
		udpTimeout      = pflag.Duration("udp-timeout", session.DefaultUDPTimeout, "Idle timeout for UDP associations")
		family          = pflag.String("family", "any", "Address family for destinations: any|ipv4|ipv6")
		bindControlAddr = pflag.Bool("bind-control-addr", false, "Bind outbound sockets to the local address of the client's control connection")
		udpRecvBuffer   = pflag.String("udp-recv-buffer", "512KiB", "Receive buffer size for UDP sockets")
		dnsCacheTTL     = pflag.Duration("dns-cache-ttl", 0, "Cache DNS results for this long (0 disables)")
		maxConns        = pflag.Int("max-connections", 0, "Maximum concurrent SOCKS5 server sessions (0 is unlimited)")

		tcpKeepAlive = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		debugListen  = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")
		logLevel     = pflag.String("log-level", "info", "Log level: debug|info|warn|error")
		logFormat    = pflag.String("log-format", "text", "Log format: text|json")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	logger := logging.NewLogger(*logLevel, *logFormat)

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	fam, err := resolver.ParseFamily(*family)
	if err != nil {
		return fmt.Errorf("invalid --family: %w", err)
	}

	recvBuf, err := humanize.ParseBytes(*udpRecvBuffer)
	if err != nil || recvBuf == 0 || recvBuf > 1<<30 {
		return fmt.Errorf("invalid --udp-recv-buffer %q", *udpRecvBuffer)
	}

	udpKind, err := parseUDPMode(*udpMode)
	if err != nil {
		return fmt.Errorf("invalid --udp-mode: %w", err)
	}

	tcpForwards, err := parseForwards(*forwardTCP)
	if err != nil {
		return fmt.Errorf("invalid --forward-tcp: %w", err)
	}
	udpForwards, err := parseForwards(*forwardUDP)
	if err != nil {
		return fmt.Errorf("invalid --forward-udp: %w", err)
	}

	if *socksListen == "" && len(tcpForwards) == 0 && len(udpForwards) == 0 {
		return errors.New("nothing to do (set --socks5-listen, --forward-tcp or --forward-udp)")
	}
	if (len(tcpForwards) > 0 || len(udpForwards) > 0) && *socksServer == "" {
		return errors.New("--forward-tcp and --forward-udp need --socks5-server")
	}

	reg := prometheus.DefaultRegisterer
	m := metrics.New(reg)

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *debugListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/debug/", http.DefaultServeMux)
		mux.Handle("/metrics", promhttp.Handler())

		debugSrv := &http.Server{Handler: mux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		logger.Info("debug listening", logging.KeyLocalAddr, *debugListen)
	}

	if *socksListen != "" {
		var users *auth.Authenticator
		if *authFile != "" {
			users, err = auth.LoadFile(*authFile)
			if err != nil {
				return fmt.Errorf("invalid --auth-file: %w", err)
			}
			logger.Info("loaded users", "count", users.Len())
		}

		cfg := proxy.Config{
			Session: session.ServerConfig{
				Authenticator:     users,
				Resolver:          resolver.New(resolver.Config{TTL: *dnsCacheTTL}),
				Family:            fam,
				ConnectTimeout:    *connectTimeout,
				TCPTimeout:        *tcpTimeout,
				UDPTimeout:        *udpTimeout,
				BindToControlAddr: *bindControlAddr,
				UDPRecvBuffer:     int(recvBuf),
				Logger:            logger,
				Metrics:           m,
			},
			KeepAlive:      ka,
			MaxConnections: *maxConns,
			Logger:         logger,
		}

		up, err := dialer.New(dialer.Config{
			DialTimeout: *connectTimeout,
			KeepAlive:   ka,
			Pipeline:    *pipeline,
		}, *upstream)
		if err != nil {
			return fmt.Errorf("invalid --upstream: %w", err)
		}
		// Direct CONNECTs use the session's own dialer so that
		// --bind-control-addr applies.
		if !dialer.IsDirect(up) {
			cfg.Session.Dialer = up
		}

		ln, err := proxy.ListenTCP(ctx, "tcp", *socksListen, ka)
		if err != nil {
			return fmt.Errorf("socks5 listen: %w", err)
		}
		srv := proxy.NewSOCKS5Server(cfg)

		g.Go(func() error {
			if err := srv.Serve(ctx, ln); err != nil {
				return fmt.Errorf("socks5 serve: %w", err)
			}
			return nil
		})
	}

	tcfg := tunnel.Config{
		Server: *socksServer,
		Dialer: dialer.NewDirectDialer(dialer.Config{DialTimeout: *connectTimeout, KeepAlive: ka}),
		Client: session.ClientConfig{
			Credentials:   socks5.Credentials{Username: *socksUser, Password: *socksPass},
			Pipeline:      *pipeline,
			Timeout:       *connectTimeout,
			UDPRecvBuffer: int(recvBuf),
		},
		UDPKind:    udpKind,
		TCPTimeout: *tcpTimeout,
		UDPTimeout: *udpTimeout,
		Logger:     logger,
		Metrics:    m,
	}

	for _, f := range tcpForwards {
		ln, err := proxy.ListenTCP(ctx, "tcp", f.Listen, ka)
		if err != nil {
			return fmt.Errorf("forward-tcp listen: %w", err)
		}
		g.Go(func() error {
			if err := tunnel.ServeTCP(ctx, ln, tcfg, f.Dest); err != nil {
				return fmt.Errorf("forward-tcp %s: %w", f, err)
			}
			return nil
		})
	}

	for _, f := range udpForwards {
		lc := net.ListenConfig{}
		pc, err := lc.ListenPacket(ctx, "udp", f.Listen)
		if err != nil {
			return fmt.Errorf("forward-udp listen %s: %w", f.Listen, err)
		}
		g.Go(func() error {
			if err := tunnel.ServeUDP(ctx, pc.(*net.UDPConn), tcfg, f.Dest); err != nil {
				return fmt.Errorf("forward-udp %s: %w", f, err)
			}
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	logger.Info("shutting down")
	return err
}

func parseForwards(specs []string) ([]tunnel.Forward, error) {
	out := make([]tunnel.Forward, 0, len(specs))
	for _, s := range specs {
		f, err := tunnel.ParseForward(s)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", s, err)
		}
		out = append(out, f)
	}
	return out, nil
}

func parseUDPMode(s string) (session.Kind, error) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "tcp":
		return session.KindUDPInTCP, nil
	case "udp":
		return session.KindUDPInUDP, nil
	default:
		return 0, fmt.Errorf("expected tcp or udp, got %q", s)
	}
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

func defaultUpstream() string {
	if p := os.Getenv("ALL_PROXY"); p != "" && strings.HasPrefix(strings.ToLower(p), "socks5:") {
		return p
	}

	if p := os.Getenv("all_proxy"); p != "" && strings.HasPrefix(strings.ToLower(p), "socks5:") {
		return p
	}

	return "direct://"
}
