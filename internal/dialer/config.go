package dialer

import (
	"net"
	"time"
)

type Config struct {
	DialTimeout time.Duration
	KeepAlive   net.KeepAliveConfig

	// HandshakeTimeout bounds each read or write of a chained SOCKS5
	// handshake. Zero uses DialTimeout.
	HandshakeTimeout time.Duration

	// Pipeline sends a chained SOCKS5 handshake in a single write.
	Pipeline bool
}
