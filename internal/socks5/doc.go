// Package socks5 encodes and decodes the SOCKS5 wire protocol used by s5tunnel.
//
// It covers the RFC 1928 greeting, method selection, request and reply
// frames, RFC 1929 username/password sub-negotiation, the address format
// shared by all of them, and the two UDP envelopes: the RFC 1928 datagram
// header used when UDP travels over UDP, and the length-prefixed frame used
// when UDP travels inline on the TCP control stream.
//
// The package is stateless. Decoders bounds-check every length before use and
// report malformed input as errors; nothing here closes connections.
// Constants that github.com/txthinking/socks5 already defines are re-exported
// from there so both stay in agreement.
package socks5
