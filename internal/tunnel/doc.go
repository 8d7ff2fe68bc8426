// Package tunnel forwards local TCP and UDP ports to fixed destinations
// through an upstream SOCKS5 server.
//
// Each accepted TCP connection becomes one CONNECT session. Each local UDP
// peer becomes one UDP association, carried either inline on the control
// connection or as SOCKS5 UDP datagrams, and is torn down when idle.
package tunnel
