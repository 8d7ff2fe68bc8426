// Package session negotiates SOCKS5 sessions and hands them to the relays.
//
// Accept runs the server side of the handshake on an accepted connection;
// Dial and Handshake run the client side against an upstream server. Both
// return a session value when the handshake completes and an error when it
// is rejected, never both. The session's Kind selects how payload moves
// afterwards: a TCP splice, UDP framed inline on the control connection, or
// UDP carried in separate datagrams alongside it.
package session
