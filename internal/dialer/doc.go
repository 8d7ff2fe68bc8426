// Package dialer provides outbound dialing implementations used by s5tunnel.
//
// Dialers implement a small interface (DialContext) and are used by the
// SOCKS5 server to open CONNECT upstreams, either directly or chained
// through another SOCKS5 server.
package dialer
