// Package relay moves payload between the two sides of an established
// SOCKS5 session.
//
// TCP splices two byte streams. UDP forwards datagrams between a
// client-facing Envelope, which frames each datagram with its SOCKS5
// address, and an upstream UDP socket carrying raw payload.
package relay
