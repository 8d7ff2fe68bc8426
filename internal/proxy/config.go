package proxy

import (
	"log/slog"
	"net"

	"github.com/die-net/s5tunnel/internal/session"
)

type Config struct {
	// Session configures the handshake and relay of each accepted
	// connection.
	Session session.ServerConfig

	KeepAlive net.KeepAliveConfig

	// MaxConnections limits concurrent sessions. Zero means unlimited.
	MaxConnections int

	Logger *slog.Logger
}
