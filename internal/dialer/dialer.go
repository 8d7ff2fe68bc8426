package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/die-net/s5tunnel/internal/socks5"
)

// Dialer mirrors the net.Dialer interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// New parses upstream and constructs the appropriate outbound Dialer.
//
// Supported schemes:
//   - direct://
//   - socks5://[user:pass@]host:port
//
// A default port is applied if a socks5 URL host is missing one.
func New(cfg Config, upstream string) (Dialer, error) {
	u, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)

	if u.Path != "" && u.Path != "/" {
		return nil, errors.New("invalid URL: path should be empty")
	}

	switch u.Scheme {
	case "":
		return nil, errors.New("invalid url: missing scheme")
	case "direct":
		return NewDirectDialer(cfg), nil
	case "socks5":
		host := u.Hostname()
		if host == "" {
			return nil, errors.New("invalid url: missing host")
		}
		if u.Port() == "" {
			u.Host = net.JoinHostPort(host, defaultPortForScheme(u.Scheme))
		}

		var creds socks5.Credentials
		if u.User != nil {
			creds.Username = u.User.Username()
			creds.Password, _ = u.User.Password()
			if creds.Username == "" || creds.Password == "" {
				return nil, errors.New("invalid url: socks5 credentials need both user and password")
			}
		}
		return NewSOCKS5ProxyDialer(cfg, u.Host, creds), nil
	default:
		return nil, fmt.Errorf("invalid url scheme: %q", u.Scheme)
	}
}

func defaultPortForScheme(scheme string) string {
	switch scheme {
	case "socks5":
		return "1080"
	default:
		return ""
	}
}
