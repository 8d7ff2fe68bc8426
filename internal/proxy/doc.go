// Package proxy implements the listener side of s5tunnel: the SOCKS5
// server accept loop, connection tracking, and keepalive listeners.
package proxy
